package cli

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"earnings-alerts/internal/infrastructure/config"
	"earnings-alerts/internal/infrastructure/logging"
)

// Version 由建置時覆寫。
var Version = "dev"

// App 保存指令共用的設定、logger 與服務建構函式。
type App struct {
	Config config.Config
	Logger zerolog.Logger
	// Open 建立服務，測試時替換成記憶體實作。
	Open func(ctx context.Context, app *App, reqs ...config.Requirement) (*Services, error)

	preloaded bool
}

// NewApp 建立使用 Postgres 的 App，設定於指令執行前載入。
func NewApp() *App {
	return &App{Open: openServices}
}

// NewRootCmd 建立 alertctl 根指令。
func NewRootCmd(app *App) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "alertctl",
		Short: "Earnings alert batch jobs",
		Long: `alertctl 評估個股提醒規則、寄送待寄郵件並排程每日/每週摘要。

每個子指令執行一次後結束，由 cron 觸發。`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if app.preloaded {
				return nil
			}
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.LoadFromFile(path)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				cfg.Log.Level = "debug"
			}
			app.Config = cfg
			app.Logger = logging.New(cfg.Log)
			return nil
		},
	}

	rootCmd.PersistentFlags().String("config", "config.yaml", "path to config file")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newProcessAlertsCmd(app))
	rootCmd.AddCommand(newSendDigestsCmd(app))
	rootCmd.AddCommand(newSendPendingEmailsCmd(app))
	rootCmd.AddCommand(newServeCmd(app))
	rootCmd.AddCommand(newTokenCmd(app))

	return rootCmd
}
