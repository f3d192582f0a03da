package authinfra

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ScopeJobs 允許觸發批次工作與查詢佇列。
const ScopeJobs = "jobs"

// JWTIssuer 簽發與驗證管理 API 用的 access token。
type JWTIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewJWTIssuer 建立 JWT 簽發器。
func NewJWTIssuer(secret string, ttl time.Duration) *JWTIssuer {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &JWTIssuer{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Claims 定義 access token 的 payload。
type Claims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// Issue 為 subject 簽發 token，回傳 token 與到期時間。
func (j *JWTIssuer) Issue(subject string) (string, time.Time, error) {
	if strings.TrimSpace(subject) == "" {
		return "", time.Time{}, fmt.Errorf("subject required")
	}
	if len(j.secret) == 0 {
		return "", time.Time{}, fmt.Errorf("auth secret not configured")
	}
	now := j.now()
	exp := now.Add(j.ttl)
	claims := Claims{
		Scope: ScopeJobs,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// ParseAccessToken 驗證並解析 access token。
func (j *JWTIssuer) ParseAccessToken(token string) (Claims, error) {
	var claims Claims
	tkn, err := jwt.ParseWithClaims(token, &claims, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return j.secret, nil
	}, jwt.WithTimeFunc(j.now))
	if err != nil {
		return Claims{}, err
	}
	if !tkn.Valid {
		return Claims{}, errors.New("invalid token")
	}
	if claims.Scope != ScopeJobs {
		return Claims{}, errors.New("token scope not allowed")
	}
	return claims, nil
}
