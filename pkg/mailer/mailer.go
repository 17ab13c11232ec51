// Package mailer composes the daily report email and delivers it
// through a pluggable transport.
package mailer

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Attachment is one file carried by a message.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Message is a composed email ready for a Sender.
type Message struct {
	Subject     string
	Text        string
	HTML        string
	Recipients  []string
	Attachments []Attachment
}

// Sender delivers a composed message.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
}

// Noop drops messages. Selected when mail.driver is "none".
type Noop struct{}

func (Noop) Send(ctx context.Context, msg *Message) error {
	slog.Info("mail driver disabled, dropping message", "subject", msg.Subject, "recipients", len(msg.Recipients))
	return nil
}

// Report collects everything that goes into one day's report email.
type Report struct {
	Location     string
	Date         time.Time
	WorkbookPath string
	ImagePaths   []string
	Rows         int
	WindowStart  time.Time
	WindowEnd    time.Time
	Period       time.Duration
	Method       string
	TeleopURL    string
	Recipients   []string
}

// BuildReport reads the workbook and snapshot files and composes the
// report message. The workbook is attached first under its final name,
// then the images newest first. Unreadable images are skipped with a
// warning rather than failing the whole report.
func BuildReport(r Report) (*Message, error) {
	workbook, err := os.ReadFile(r.WorkbookPath)
	if err != nil {
		return nil, fmt.Errorf("read workbook: %w", err)
	}
	date := r.Date.Format("2006-01-02")

	var text strings.Builder
	fmt.Fprintf(&text, "Attached is the stock report workbook for %s covering %s.\n", r.Location, date)
	fmt.Fprintf(&text, "Rows exported: %d (%s buckets, %s).\n", r.Rows, r.Period, r.Method)
	if !r.WindowStart.IsZero() && !r.WindowEnd.IsZero() {
		fmt.Fprintf(&text, "Export window: %s to %s.\n", r.WindowStart.Format("15:04"), r.WindowEnd.Format("15:04"))
	}
	if len(r.ImagePaths) > 0 {
		fmt.Fprintf(&text, "Also attached are %d snapshots captured during the day.\n", len(r.ImagePaths))
	}
	if r.TeleopURL != "" {
		fmt.Fprintf(&text, "Live store view: %s\n", r.TeleopURL)
	}

	var page strings.Builder
	page.WriteString("<html><body>")
	fmt.Fprintf(&page, "<p>Attached is the stock report workbook for %s covering %s.</p>", html.EscapeString(r.Location), date)
	fmt.Fprintf(&page, "<p>Rows exported: %d (%s buckets, %s).</p>", r.Rows, r.Period, html.EscapeString(r.Method))
	if !r.WindowStart.IsZero() && !r.WindowEnd.IsZero() {
		fmt.Fprintf(&page, "<p>Export window: %s to %s.</p>", r.WindowStart.Format("15:04"), r.WindowEnd.Format("15:04"))
	}
	if len(r.ImagePaths) > 0 {
		fmt.Fprintf(&page, "<p>Also attached are %d snapshots captured during the day.</p>", len(r.ImagePaths))
	}
	if r.TeleopURL != "" {
		fmt.Fprintf(&page, `<p>Click <a href="%s">here</a> for a real-time view of the store.</p>`, html.EscapeString(r.TeleopURL))
	}
	page.WriteString("</body></html>")

	msg := &Message{
		Subject:    fmt.Sprintf("Stock Report - %s - %s", r.Location, date),
		Text:       text.String(),
		HTML:       page.String(),
		Recipients: r.Recipients,
	}
	msg.Attachments = append(msg.Attachments, Attachment{
		Filename:    filepath.Base(r.WorkbookPath),
		ContentType: xlsxContentType,
		Data:        workbook,
	})

	images := append([]string(nil), r.ImagePaths...)
	sort.Slice(images, func(i, j int) bool {
		return filepath.Base(images[i]) > filepath.Base(images[j])
	})
	for _, path := range images {
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("skipping unreadable snapshot attachment", "path", path, "error", err)
			continue
		}
		msg.Attachments = append(msg.Attachments, Attachment{
			Filename:    filepath.Base(path),
			ContentType: "image/jpeg",
			Data:        data,
		})
	}
	return msg, nil
}

// BuildTest composes the small plain-text message behind the
// test_email command.
func BuildTest(location string, now time.Time, recipients []string) *Message {
	return &Message{
		Subject:    fmt.Sprintf("Stock Report test - %s", location),
		Text:       fmt.Sprintf("This is a test message from the stock report daemon at %s.\nTime: %s\n", location, now.Format("2006-01-02 15:04:05")),
		Recipients: recipients,
	}
}
