// Package mail is the outbound notification collaborator. Only password
// recovery messages are sent from the identity core.
package mail

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"
)

// ErrNotConfigured indicates SMTP settings were absent at startup; the
// password recovery feature is disabled rather than the process refusing to
// boot.
var ErrNotConfigured = errors.New("mail: smtp transport not configured")

// Dispatcher delivers password recovery notifications.
type Dispatcher interface {
	SendPasswordRecovery(ctx context.Context, email, resetLink string) error
}

// SMTPConfig carries the transport credentials for the SMTP dispatcher.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPDispatcher sends recovery mail over plain SMTP with optional AUTH.
type SMTPDispatcher struct {
	addr string
	auth smtp.Auth
	from string
	send func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPDispatcher constructs the dispatcher. Host and sender address are
// mandatory; credentials are optional for unauthenticated relays.
func NewSMTPDispatcher(cfg SMTPConfig) (*SMTPDispatcher, error) {
	if strings.TrimSpace(cfg.Host) == "" || strings.TrimSpace(cfg.From) == "" {
		return nil, ErrNotConfigured
	}
	port := cfg.Port
	if port <= 0 {
		port = 587
	}
	var auth smtp.Auth
	if strings.TrimSpace(cfg.Username) != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &SMTPDispatcher{
		addr: fmt.Sprintf("%s:%d", cfg.Host, port),
		auth: auth,
		from: cfg.From,
		send: smtp.SendMail,
	}, nil
}

// SendPasswordRecovery delivers the reset link to the given address. Failures
// propagate to the caller; a lost recovery mail must never look like success.
func (d *SMTPDispatcher) SendPasswordRecovery(_ context.Context, email, resetLink string) error {
	message := strings.Join([]string{
		"From: " + d.from,
		"To: " + email,
		"Subject: Recuperacao de senha",
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"Recebemos um pedido para redefinir a sua senha.",
		"",
		"Acesse o link abaixo para escolher uma nova senha. O link expira em 30 minutos.",
		"",
		resetLink,
		"",
		"Se voce nao solicitou a redefinicao, ignore esta mensagem.",
	}, "\r\n")

	if err := d.send(d.addr, d.auth, d.from, []string{email}, []byte(message)); err != nil {
		return fmt.Errorf("mail: send recovery: %w", err)
	}
	return nil
}
