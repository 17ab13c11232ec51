package mailer

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	gomail "github.com/wneessen/go-mail"
)

// SMTP delivers mail over SMTP with mandatory STARTTLS and plain auth.
type SMTP struct {
	Host      string
	Port      int
	Username  string
	Password  string
	FromEmail string
	FromName  string
}

func (s *SMTP) Send(ctx context.Context, msg *Message) error {
	out, err := s.build(msg)
	if err != nil {
		return err
	}
	client, err := gomail.NewClient(s.Host,
		gomail.WithPort(s.Port),
		gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
		gomail.WithUsername(s.Username),
		gomail.WithPassword(s.Password),
		gomail.WithTLSPortPolicy(gomail.TLSMandatory),
	)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, out); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	slog.Info("report email sent", "driver", "smtp", "host", s.Host, "recipients", len(msg.Recipients))
	return nil
}

func (s *SMTP) build(msg *Message) (*gomail.Msg, error) {
	out := gomail.NewMsg()
	if err := out.FromFormat(s.FromName, s.FromEmail); err != nil {
		return nil, fmt.Errorf("smtp from: %w", err)
	}
	if err := out.To(msg.Recipients...); err != nil {
		return nil, fmt.Errorf("smtp recipients: %w", err)
	}
	out.Subject(msg.Subject)
	out.SetBodyString(gomail.TypeTextPlain, msg.Text)
	if msg.HTML != "" {
		out.AddAlternativeString(gomail.TypeTextHTML, msg.HTML)
	}
	for _, att := range msg.Attachments {
		if err := out.AttachReader(att.Filename, bytes.NewReader(att.Data)); err != nil {
			return nil, fmt.Errorf("smtp attach %s: %w", att.Filename, err)
		}
	}
	return out, nil
}
