// Package otp はSOS解除用ワンタイムパスワードの生成と、ユーザーへの送信チャネルを提供する。
package otp

import (
	"context"
	"crypto/rand"
	"fmt"
	"html"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/resendlabs/resend-go"

	"github.com/hitoshi/safetrack/internal/repository"
)

// CodeLength はOTPの桁数。
const CodeLength = 6

// Generate は暗号学的乱数で6桁の数字のOTPを生成する。
func Generate() (string, error) {
	limit := big.NewInt(1_000_000)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("failed to generate otp: %w", err)
	}
	return fmt.Sprintf("%0*d", CodeLength, n.Int64()), nil
}

// Sender はOTPをユーザーに届けるチャネル。
type Sender interface {
	Send(ctx context.Context, user, code string, expiresAt time.Time) error
}

// sendFunc はResendへの送信処理。テストで差し替える。
type sendFunc func(req *resend.SendEmailRequest) error

// ResendSender はResendでOTPをメール送信するSender。
// 宛先はユーザーの登録メールアドレス。
type ResendSender struct {
	users    repository.UserRepository
	send     sendFunc
	fromAddr string
	fromName string
}

// NewResendSender はResendSenderを生成する。
func NewResendSender(apiKey, fromAddr, fromName string, users repository.UserRepository) *ResendSender {
	client := resend.NewClient(apiKey)
	return &ResendSender{
		users: users,
		send: func(req *resend.SendEmailRequest) error {
			_, err := client.Emails.Send(req)
			return err
		},
		fromAddr: fromAddr,
		fromName: fromName,
	}
}

// Send はユーザーのメールアドレスを解決し、OTPメールを送信する。
func (s *ResendSender) Send(ctx context.Context, user, code string, expiresAt time.Time) error {
	u, err := s.users.FindByUsername(ctx, user)
	if err != nil {
		return fmt.Errorf("failed to resolve contact for %s: %w", user, err)
	}
	if u == nil || strings.TrimSpace(u.Email) == "" {
		return fmt.Errorf("no email address registered for %s", user)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	req := &resend.SendEmailRequest{
		From:    fmt.Sprintf("%s <%s>", s.fromName, s.fromAddr),
		To:      []string{u.Email},
		Subject: "SOS alert confirmation code",
		Html:    renderEmail(user, code, expiresAt),
	}
	if err := s.send(req); err != nil {
		return fmt.Errorf("failed to send otp email via Resend: %w", err)
	}
	return nil
}

const emailTemplate = `<p>Hello %s,</p>
<p>An SOS alert was raised from your account. Your friends have been notified.</p>
<p>To mark yourself safe and resolve the alert, enter this code:</p>
<p style="font-size:24px;font-weight:bold;letter-spacing:4px">%s</p>
<p>The code expires at %s (UTC). If it expires, a new code will be sent while the alert stays active.</p>`

func renderEmail(user, code string, expiresAt time.Time) string {
	return fmt.Sprintf(emailTemplate,
		html.EscapeString(user),
		html.EscapeString(code),
		expiresAt.UTC().Format("2006-01-02 15:04"),
	)
}

// LogSender はメール送信が設定されていない環境で使用するSender。
// コードの下2桁以外を伏せてログに出力する。
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender はLogSenderを生成する。
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

// Send はOTPの発行をログに記録する。
func (s *LogSender) Send(_ context.Context, user, code string, expiresAt time.Time) error {
	s.logger.Warn("メール送信が未設定のためOTPをログに記録しました",
		slog.String("user", user),
		slog.String("otp", Mask(code)),
		slog.Time("expires_at", expiresAt),
	)
	return nil
}

// Mask は末尾2文字以外を*に置き換える。
func Mask(code string) string {
	if len(code) <= 2 {
		return strings.Repeat("*", len(code))
	}
	return strings.Repeat("*", len(code)-2) + code[len(code)-2:]
}
