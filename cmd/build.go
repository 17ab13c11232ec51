package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hunter-volkman/stock-report/pkg/assemble"
	"github.com/hunter-volkman/stock-report/pkg/camera"
	"github.com/hunter-volkman/stock-report/pkg/config"
	"github.com/hunter-volkman/stock-report/pkg/history"
	"github.com/hunter-volkman/stock-report/pkg/mailer"
	"github.com/hunter-volkman/stock-report/pkg/repair"
	"github.com/hunter-volkman/stock-report/pkg/reporter"
	"github.com/hunter-volkman/stock-report/pkg/state"
	"github.com/hunter-volkman/stock-report/pkg/telemetry"
)

// lockPipeline takes the exclusive pipeline gate for the data dir. A
// nil gate with nil error means another process holds it and this one
// should exit without touching anything.
func lockPipeline(cfg *config.Config) (*state.Gate, error) {
	gate, err := state.AcquireGate(cfg.DataDir)
	if errors.Is(err, state.ErrAlreadyLocked) {
		slog.Info("another process holds the pipeline lock, exiting", "data_dir", cfg.DataDir)
		return nil, nil
	}
	return gate, err
}

// buildReporter wires the pipeline from cfg: telemetry fetcher,
// workbook assembler, mail driver, optional camera, plus the state and
// history stores underneath them. The caller flushes the returned
// history store before exiting.
func buildReporter(cfg *config.Config) (*reporter.Reporter, *history.Store, error) {
	tz, err := cfg.TimeLocation()
	if err != nil {
		return nil, nil, fmt.Errorf("load timezone: %w", err)
	}

	st, err := state.Open(cfg.StatePath())
	if err != nil {
		return nil, nil, err
	}
	hist := history.New(cfg.HistoryDir(), history.Settings{})

	fetcher := &telemetry.Fetcher{
		Client:   telemetry.NewClient(cfg.Telemetry.BaseURL, cfg.Telemetry.APIKey),
		OrgID:    cfg.Telemetry.OrgID,
		Resource: cfg.Telemetry.Resource,
		PageSize: cfg.Telemetry.PageSize,
	}
	asm := &assemble.Assembler{
		TemplatePath: cfg.Export.Template,
		WorkDir:      cfg.WorkbooksDir(),
		ImportSheet:  cfg.Export.ImportSheet,
		Timezone:     tz,
		Repair: repair.Options{
			SheetsToPrune: cfg.Export.PruneSheets,
			SortedSheet:   cfg.Export.SortedSheet,
			ImportSheet:   cfg.Export.ImportSheet,
			ColumnBound:   cfg.Export.ColumnBound,
		},
	}
	sender, err := newSender(cfg)
	if err != nil {
		return nil, nil, err
	}

	var cam *camera.Store
	if cfg.Camera.Enabled {
		cam = &camera.Store{
			Client:   camera.NewHTTPClient(cfg.Camera.BaseURL, cfg.Camera.APIKey, cfg.Camera.Resource),
			Dir:      cfg.ImagesDir(),
			Resource: cfg.Camera.Resource,
			Location: cfg.Location,
			Timezone: tz,
		}
	}

	rep, err := reporter.New(cfg, reporter.Deps{
		Fetcher:   fetcher,
		Assembler: asm,
		State:     st,
		History:   hist,
		Sender:    sender,
		Camera:    cam,
	})
	if err != nil {
		return nil, nil, err
	}
	return rep, hist, nil
}

func newSender(cfg *config.Config) (mailer.Sender, error) {
	switch cfg.Mail.Driver {
	case "sendgrid":
		return &mailer.SendGrid{
			APIKey:    cfg.Mail.SendGrid.APIKey,
			FromEmail: cfg.Mail.SenderEmail,
			FromName:  cfg.Mail.SenderName,
		}, nil
	case "smtp":
		return &mailer.SMTP{
			Host:      cfg.Mail.SMTP.Host,
			Port:      cfg.Mail.SMTP.Port,
			Username:  cfg.Mail.SMTP.Username,
			Password:  cfg.Mail.SMTP.Password,
			FromEmail: cfg.Mail.SenderEmail,
			FromName:  cfg.Mail.SenderName,
		}, nil
	case "none":
		return mailer.Noop{}, nil
	}
	return nil, fmt.Errorf("unknown mail driver %q", cfg.Mail.Driver)
}

// parseDateFlag reads a --date value as a calendar day in the
// configured timezone. Empty selects the default target, yesterday.
func parseDateFlag(cfg *config.Config, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	tz, err := cfg.TimeLocation()
	if err != nil {
		return time.Time{}, err
	}
	d, err := time.ParseInLocation("2006-01-02", raw, tz)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --date %q, want YYYY-MM-DD", raw)
	}
	return d, nil
}

func flushHistory(hist *history.Store) {
	if err := hist.Flush(); err != nil {
		slog.Warn("could not flush run history", "error", err)
	}
}
