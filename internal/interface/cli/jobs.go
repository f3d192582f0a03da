package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	alertDomain "earnings-alerts/internal/domain/alert"
	"earnings-alerts/internal/infrastructure/config"
	"earnings-alerts/internal/infrastructure/metrics"
)

var errEmailNotConfigured = &config.ConfigurationError{Missing: []string{"EMAIL_API_KEY", "EMAIL_FROM"}}

func newProcessAlertsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process-alerts",
		Short: "Evaluate active alert rules and dispatch notifications",
		Long: `Evaluate every active alert rule against the latest market snapshot.

High priority alerts are emailed immediately; the rest are queued for
send-pending-emails. Per-symbol failures are logged and do not change
the exit code.`,
		Example: `  alertctl process-alerts
  alertctl process-alerts --symbols ACME,BETA`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			symbols, _ := cmd.Flags().GetStringSlice("symbols")
			for i := range symbols {
				symbols[i] = strings.ToUpper(strings.TrimSpace(symbols[i]))
			}

			svc, err := app.Open(cmd.Context(), app, config.NeedEmail)
			if err != nil {
				return err
			}
			defer svc.Close()
			if svc.Alerts == nil {
				return errEmailNotConfigured
			}

			sum, err := svc.Alerts.ProcessAlerts(cmd.Context(), symbols)
			return app.finish(cmd, svc, "process_alerts", sum.Counts(), sum.Failed, err)
		},
	}
	cmd.Flags().StringSlice("symbols", nil, "limit evaluation to these symbols")
	return cmd
}

func newSendDigestsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:       "send-digests <daily|weekly>",
		Short:     "Enqueue daily or weekly digest emails",
		Example:   `  alertctl send-digests daily`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(alertDomain.DigestDaily), string(alertDomain.DigestWeekly)},
		RunE: func(cmd *cobra.Command, args []string) error {
			period, err := alertDomain.ParseDigestFrequency(strings.ToLower(args[0]))
			if err != nil {
				return err
			}

			svc, err := app.Open(cmd.Context(), app)
			if err != nil {
				return err
			}
			defer svc.Close()

			sum, err := svc.Digests.SendDigests(cmd.Context(), period)
			return app.finish(cmd, svc, "send_digests_"+string(period), sum.Counts(), sum.Failed, err)
		},
	}
}

func newSendPendingEmailsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "send-pending-emails",
		Short: "Send due emails from the queue",
		Long: `Send up to one batch of pending emails whose next attempt is due.

Failed sends are retried with exponential backoff and marked failed
after the configured number of attempts.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := app.Open(cmd.Context(), app, config.NeedEmail)
			if err != nil {
				return err
			}
			defer svc.Close()
			if svc.Queue == nil {
				return errEmailNotConfigured
			}

			sum, err := svc.Queue.ProcessQueue(cmd.Context(), app.Config.Queue.BatchSize)
			return app.finish(cmd, svc, "send_pending_emails", sum.Counts(), sum.Failed, err)
		},
	}
}

// finish 記錄指標、推送 pushgateway、通知維運並印出摘要；只回傳批次層級的錯誤。
func (app *App) finish(cmd *cobra.Command, svc *Services, job string, counts map[string]int, failed int, runErr error) error {
	ctx := cmd.Context()
	log := app.Logger.With().Str("job", job).Logger()

	metrics.RecordJob(job, failed, runErr)
	if err := metrics.Push(ctx, app.Config.Metrics.PushgatewayURL, app.Config.Metrics.Job); err != nil {
		log.Warn().Err(err).Msg("push metrics failed")
	}
	notifyFailed := failed
	if runErr != nil && notifyFailed == 0 {
		notifyFailed = 1
	}
	if err := svc.Ops.NotifyJob(ctx, job, notifyFailed, counts); err != nil {
		log.Warn().Err(err).Msg("ops notification failed")
	}

	if runErr != nil {
		log.Error().Err(runErr).Msg("job aborted")
		return runErr
	}
	log.Info().Fields(countFields(counts)).Msg("job finished")
	printSummary(cmd.OutOrStdout(), job, counts, failed)
	return nil
}

func countFields(counts map[string]int) map[string]interface{} {
	out := make(map[string]interface{}, len(counts))
	for k, v := range counts {
		out[k] = v
	}
	return out
}

func printSummary(w io.Writer, job string, counts map[string]int, failed int) {
	color.New(color.FgCyan, color.Bold).Fprintf(w, "📬 %s\n", job)

	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-12s %d\n", k, counts[k])
	}

	if failed > 0 {
		color.New(color.FgYellow).Fprintf(w, "⚠️ %d item(s) failed, see logs\n", failed)
		return
	}
	color.New(color.FgGreen).Fprintln(w, "✓ done")
}
