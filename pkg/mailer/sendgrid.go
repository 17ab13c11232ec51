package mailer

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
)

// SendGrid delivers mail through the SendGrid v3 API.
type SendGrid struct {
	APIKey    string
	FromEmail string
	FromName  string
}

func (s *SendGrid) Send(ctx context.Context, msg *Message) error {
	resp, err := sendgrid.NewSendClient(s.APIKey).SendWithContext(ctx, s.build(msg))
	if err != nil {
		return fmt.Errorf("sendgrid send: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body := resp.Body
		if len(body) > 512 {
			body = body[:512]
		}
		return fmt.Errorf("sendgrid status %d: %s", resp.StatusCode, strings.TrimSpace(body))
	}
	slog.Info("report email sent", "driver", "sendgrid", "status", resp.StatusCode, "recipients", len(msg.Recipients))
	return nil
}

func (s *SendGrid) build(msg *Message) *sgmail.SGMailV3 {
	out := sgmail.NewV3Mail()
	out.SetFrom(sgmail.NewEmail(s.FromName, s.FromEmail))
	out.Subject = msg.Subject

	p := sgmail.NewPersonalization()
	for _, rcpt := range msg.Recipients {
		p.AddTos(sgmail.NewEmail("", rcpt))
	}
	out.AddPersonalizations(p)

	out.AddContent(sgmail.NewContent("text/plain", msg.Text))
	if msg.HTML != "" {
		out.AddContent(sgmail.NewContent("text/html", msg.HTML))
	}
	for _, att := range msg.Attachments {
		a := sgmail.NewAttachment()
		a.SetContent(base64.StdEncoding.EncodeToString(att.Data))
		a.SetType(att.ContentType)
		a.SetFilename(att.Filename)
		a.SetDisposition("attachment")
		out.AddAttachment(a)
	}
	return out
}
