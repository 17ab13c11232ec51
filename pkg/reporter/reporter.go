// Package reporter drives the daily pipeline: aggregate yesterday's
// telemetry into the deliverable workbook, email it with the day's
// snapshots, and capture snapshots through the open hours. Each loop
// runs in its own goroutine until the daemon context ends; a command
// channel lets the monitor trigger runs out of schedule.
package reporter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hunter-volkman/stock-report/pkg/assemble"
	"github.com/hunter-volkman/stock-report/pkg/bucket"
	"github.com/hunter-volkman/stock-report/pkg/camera"
	"github.com/hunter-volkman/stock-report/pkg/config"
	"github.com/hunter-volkman/stock-report/pkg/history"
	"github.com/hunter-volkman/stock-report/pkg/mailer"
	"github.com/hunter-volkman/stock-report/pkg/metrics"
	"github.com/hunter-volkman/stock-report/pkg/schedule"
	"github.com/hunter-volkman/stock-report/pkg/state"
)

// Command names accepted by Enqueue.
const (
	CmdProcess        = "process"
	CmdSend           = "send"
	CmdProcessAndSend = "process_and_send"
	CmdCapture        = "capture"
	CmdTestEmail      = "test_email"
)

// Command is one out-of-schedule trigger. Date is optional; the zero
// value targets yesterday.
type Command struct {
	Name string
	Date time.Time
}

// ErrQueueFull means the command loop has fallen behind and the queue
// has no room for another trigger.
var ErrQueueFull = errors.New("command queue full")

// RecordFetcher retrieves the raw records for one export window. The
// telemetry fetcher is the production implementation.
type RecordFetcher interface {
	FetchAll(ctx context.Context, start, end time.Time) ([]bucket.RawRecord, error)
}

// Assembler produces the deliverable workbook for one day. The
// assemble package provides the production implementation.
type Assembler interface {
	Assemble(req assemble.Request) (string, error)
	FinalPath(name string, date time.Time) string
}

// Deps bundles the reporter's collaborators. Camera may be nil when
// snapshot capture is disabled; the rest are required.
type Deps struct {
	Fetcher   RecordFetcher
	Assembler Assembler
	State     *state.Store
	History   *history.Store
	Sender    mailer.Sender
	Camera    *camera.Store
}

// Reporter owns the scheduled loops and the command queue.
type Reporter struct {
	cfg  *config.Config
	loc  *time.Location
	name string

	fetcher   RecordFetcher
	assembler Assembler
	state     *state.Store
	history   *history.Store
	sender    mailer.Sender
	camera    *camera.Store

	period    time.Duration
	method    bucket.Statistic
	keyFilter *bucket.KeyFilter

	processAt      schedule.TimeOfDay
	sendAt         schedule.TimeOfDay
	weekdayHours   schedule.Window
	weekendHours   schedule.Window
	captureWeekday []schedule.TimeOfDay
	captureWeekend []schedule.TimeOfDay

	now   func() time.Time // injectable for tests
	cmdCh chan Command
}

// New wires a reporter from configuration. Schedule and export
// settings are parsed once here; the loops never re-read them.
func New(cfg *config.Config, deps Deps) (*Reporter, error) {
	loc, err := cfg.TimeLocation()
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}
	period, err := cfg.Export.ParsePeriod()
	if err != nil {
		return nil, err
	}
	method, known := bucket.ParseStatistic(cfg.Export.Method)
	if !known {
		return nil, fmt.Errorf("unknown export method %q", cfg.Export.Method)
	}
	filter, err := bucket.NewKeyFilter(cfg.Export.KeyFilter)
	if err != nil {
		return nil, err
	}
	processAt, err := cfg.Schedule.Process()
	if err != nil {
		return nil, fmt.Errorf("schedule process_time: %w", err)
	}
	sendAt, err := cfg.Schedule.Send()
	if err != nil {
		return nil, fmt.Errorf("schedule send_time: %w", err)
	}
	weekdayHours, err := cfg.Schedule.Hours(true)
	if err != nil {
		return nil, fmt.Errorf("schedule hours_weekdays: %w", err)
	}
	weekendHours, err := cfg.Schedule.Hours(false)
	if err != nil {
		return nil, fmt.Errorf("schedule hours_weekends: %w", err)
	}
	captureWeekday, err := cfg.Schedule.CaptureTimes(true)
	if err != nil {
		return nil, fmt.Errorf("schedule capture_weekdays: %w", err)
	}
	captureWeekend, err := cfg.Schedule.CaptureTimes(false)
	if err != nil {
		return nil, fmt.Errorf("schedule capture_weekends: %w", err)
	}
	return &Reporter{
		cfg:            cfg,
		loc:            loc,
		name:           reportName(cfg.Location),
		fetcher:        deps.Fetcher,
		assembler:      deps.Assembler,
		state:          deps.State,
		history:        deps.History,
		sender:         deps.Sender,
		camera:         deps.Camera,
		period:         period,
		method:         method,
		keyFilter:      filter,
		processAt:      processAt,
		sendAt:         sendAt,
		weekdayHours:   weekdayHours,
		weekendHours:   weekendHours,
		captureWeekday: captureWeekday,
		captureWeekend: captureWeekend,
		now:            time.Now,
		cmdCh:          make(chan Command, 8),
	}, nil
}

// Run starts the daemon loops and blocks until ctx is cancelled and
// every loop has exited.
func (r *Reporter) Run(ctx context.Context) {
	slog.Info("reporter started",
		"location", r.cfg.Location,
		"process_at", r.processAt.String(),
		"send_at", r.sendAt.String(),
		"camera", r.camera != nil)

	var wg sync.WaitGroup
	start := func(loop func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loop(ctx)
		}()
	}
	start(r.processLoop)
	start(r.sendLoop)
	start(r.commandLoop)
	if r.camera != nil {
		start(r.captureLoop)
	}
	wg.Wait()
	slog.Info("reporter stopped")
}

func (r *Reporter) processLoop(ctx context.Context) {
	for {
		next := schedule.NextDaily(r.localNow(), r.processAt)
		slog.Debug("next workbook processing", "at", next.Format(time.RFC3339))
		if !r.sleepUntil(ctx, next) {
			return
		}
		if r.sameLocalDay(r.state.Get().LastProcessedTime, r.localNow()) {
			slog.Info("workbook already processed today, skipping")
			continue
		}
		if err := r.RunProcess(ctx, time.Time{}); err != nil {
			slog.Error("scheduled processing failed", "error", err)
		}
	}
}

func (r *Reporter) sendLoop(ctx context.Context) {
	for {
		next := schedule.NextDaily(r.localNow(), r.sendAt)
		slog.Debug("next report send", "at", next.Format(time.RFC3339))
		if !r.sleepUntil(ctx, next) {
			return
		}
		if r.sameLocalDay(r.state.Get().LastSentTime, r.localNow()) {
			slog.Info("report already sent today, skipping")
			continue
		}
		if err := r.RunSend(ctx, time.Time{}); err != nil {
			slog.Error("scheduled send failed", "error", err)
		}
	}
}

func (r *Reporter) captureLoop(ctx context.Context) {
	for {
		next := schedule.NextFromList(r.localNow(), r.captureWeekday, r.captureWeekend)
		slog.Debug("next snapshot capture", "at", next.Format(time.RFC3339))
		if !r.sleepUntil(ctx, next) {
			return
		}
		if err := r.RunCapture(ctx); err != nil {
			slog.Error("scheduled capture failed", "error", err)
		}
	}
}

func (r *Reporter) commandLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-r.cmdCh:
			r.execute(ctx, cmd)
		}
	}
}

// Enqueue hands a command to the command loop without blocking.
// Unknown names, captures without a camera and a full queue are
// rejected.
func (r *Reporter) Enqueue(cmd Command) error {
	switch cmd.Name {
	case CmdProcess, CmdSend, CmdProcessAndSend, CmdTestEmail:
	case CmdCapture:
		if r.camera == nil {
			return errors.New("camera capture is not enabled")
		}
	default:
		return fmt.Errorf("unknown command %q", cmd.Name)
	}
	select {
	case r.cmdCh <- cmd:
		slog.Info("command queued", "command", cmd.Name)
		return nil
	default:
		return ErrQueueFull
	}
}

func (r *Reporter) execute(ctx context.Context, cmd Command) {
	slog.Info("running command", "command", cmd.Name)
	var err error
	switch cmd.Name {
	case CmdProcess:
		err = r.RunProcess(ctx, cmd.Date)
	case CmdSend:
		err = r.RunSend(ctx, cmd.Date)
	case CmdProcessAndSend:
		if err = r.RunProcess(ctx, cmd.Date); err == nil {
			err = r.RunSend(ctx, cmd.Date)
		}
	case CmdCapture:
		err = r.RunCapture(ctx)
	case CmdTestEmail:
		err = r.RunTestEmail(ctx)
	}
	if err != nil {
		slog.Error("command failed", "command", cmd.Name, "error", err)
	}
}

// RunProcess fetches one day's telemetry, aggregates it and assembles
// the workbook. A zero date targets yesterday in the configured
// timezone. State and run history are updated whatever the outcome.
func (r *Reporter) RunProcess(ctx context.Context, date time.Time) error {
	target := r.targetDate(date)
	started := r.now().UTC()
	path, rows, err := r.process(ctx, target)
	r.record(history.Record{
		Kind:         history.KindProcess,
		Rows:         rows,
		WorkbookPath: path,
	}, started, err)
	return err
}

func (r *Reporter) process(ctx context.Context, target time.Time) (string, int, error) {
	window := r.hoursFor(target)
	start, end := window.Bounds(target)
	slog.Info("processing workbook",
		"date", target.Format("2006-01-02"),
		"window", fmt.Sprintf("%s-%s", window.Open, window.Close))

	records, err := r.fetcher.FetchAll(ctx, start, end)
	if err != nil {
		r.setWorkbookStatus("error: " + err.Error())
		return "", 0, fmt.Errorf("fetch telemetry: %w", err)
	}
	res := bucket.Aggregate(records, r.period, r.method, r.keyFilter)

	path, err := r.assembler.Assemble(assemble.Request{
		Name: r.name,
		Date: target,
		Rows: res.Rows,
	})
	if err != nil {
		status := "error: " + err.Error()
		var miss *assemble.MissingTemplateError
		if errors.As(err, &miss) {
			status = "error: missing template"
		}
		r.setWorkbookStatus(status)
		return "", len(res.Rows), err
	}

	processed := r.now().UTC()
	if uerr := r.state.Update(func(run *state.Run) {
		run.LastProcessedTime = &processed
		run.LastWorkbookPath = path
		run.LastRowCount = len(res.Rows)
		run.WorkbookStatus = state.WorkbookProcessed
	}); uerr != nil {
		slog.Warn("could not persist state", "error", uerr)
	}
	return path, len(res.Rows), nil
}

// RunSend emails the workbook for one day, assembling it first when
// the process loop has not produced it yet. Snapshots captured that
// day ride along newest first when the camera is enabled.
func (r *Reporter) RunSend(ctx context.Context, date time.Time) error {
	target := r.targetDate(date)
	started := r.now().UTC()
	path, err := r.send(ctx, target)
	r.record(history.Record{
		Kind:         history.KindSend,
		WorkbookPath: path,
		Recipients:   r.cfg.Mail.Recipients,
	}, started, err)
	if err != nil {
		metrics.ReportsSent.WithLabelValues("error").Inc()
		return err
	}
	metrics.ReportsSent.WithLabelValues("ok").Inc()
	return nil
}

func (r *Reporter) send(ctx context.Context, target time.Time) (string, error) {
	path := r.assembler.FinalPath(r.name, target)
	if _, err := os.Stat(path); err != nil {
		slog.Info("workbook not yet assembled for send, processing first", "path", path)
		if err := r.RunProcess(ctx, target); err != nil {
			r.setReportStatus("error: " + err.Error())
			return "", fmt.Errorf("assemble before send: %w", err)
		}
	}

	var images []string
	if r.camera != nil {
		var err error
		images, err = r.camera.ListDay(target)
		if err != nil {
			slog.Warn("could not list day snapshots", "error", err)
		}
	}

	window := r.hoursFor(target)
	wStart, wEnd := window.Bounds(target)
	msg, err := mailer.BuildReport(mailer.Report{
		Location:     r.cfg.Location,
		Date:         target,
		WorkbookPath: path,
		ImagePaths:   images,
		Rows:         r.state.Get().LastRowCount,
		WindowStart:  wStart,
		WindowEnd:    wEnd,
		Period:       r.period,
		Method:       string(r.method),
		TeleopURL:    r.cfg.Mail.TeleopURL,
		Recipients:   r.cfg.Mail.Recipients,
	})
	if err != nil {
		r.setReportStatus("error: " + err.Error())
		return path, fmt.Errorf("compose report: %w", err)
	}
	if err := r.sender.Send(ctx, msg); err != nil {
		r.setReportStatus("error: " + err.Error())
		return path, fmt.Errorf("send report: %w", err)
	}

	sent := r.now().UTC()
	if uerr := r.state.Update(func(run *state.Run) {
		run.LastSentTime = &sent
		run.ReportStatus = state.ReportSent
		run.TotalReportsSent++
	}); uerr != nil {
		slog.Warn("could not persist state", "error", uerr)
	}
	slog.Info("report delivered",
		"date", target.Format("2006-01-02"),
		"recipients", len(r.cfg.Mail.Recipients),
		"images", len(images))
	return path, nil
}

// RunCapture fetches, annotates and stores one snapshot.
func (r *Reporter) RunCapture(ctx context.Context) error {
	if r.camera == nil {
		return errors.New("camera capture is not enabled")
	}
	started := r.now().UTC()
	path, err := r.camera.Capture(ctx, r.now())
	r.record(history.Record{
		Kind:      history.KindCapture,
		ImagePath: path,
	}, started, err)
	if err != nil {
		return err
	}
	captured := r.now().UTC()
	if uerr := r.state.Update(func(run *state.Run) {
		run.LastCaptureTime = &captured
	}); uerr != nil {
		slog.Warn("could not persist state", "error", uerr)
	}
	return nil
}

// RunTestEmail sends a small text-only message to the configured
// recipients so mail settings can be verified without a workbook.
func (r *Reporter) RunTestEmail(ctx context.Context) error {
	msg := mailer.BuildTest(r.cfg.Location, r.localNow(), r.cfg.Mail.Recipients)
	if err := r.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("send test email: %w", err)
	}
	return nil
}

// Status is the monitor's snapshot of scheduling and run state.
type Status struct {
	Location    string     `json:"location"`
	Timezone    string     `json:"timezone"`
	DayClass    string     `json:"day_class"`
	Run         state.Run  `json:"run"`
	NextProcess time.Time  `json:"next_process"`
	NextSend    time.Time  `json:"next_send"`
	NextCapture *time.Time `json:"next_capture,omitempty"`
}

func (r *Reporter) Status() Status {
	now := r.localNow()
	st := Status{
		Location:    r.cfg.Location,
		Timezone:    r.cfg.Timezone,
		DayClass:    "weekend",
		Run:         r.state.Get(),
		NextProcess: schedule.NextDaily(now, r.processAt),
		NextSend:    schedule.NextDaily(now, r.sendAt),
	}
	if schedule.IsWeekday(now) {
		st.DayClass = "weekday"
	}
	if r.camera != nil {
		next := schedule.NextFromList(now, r.captureWeekday, r.captureWeekend)
		st.NextCapture = &next
	}
	return st
}

// record finalizes and appends one run history record.
func (r *Reporter) record(rec history.Record, started time.Time, err error) {
	finished := r.now().UTC()
	rec.RunID = uuid.NewString()
	rec.StartedAt = started
	rec.FinishedAt = finished
	rec.DurationMS = finished.Sub(started).Milliseconds()
	if err != nil {
		rec.Outcome = history.OutcomeError
		rec.Error = err.Error()
	} else {
		rec.Outcome = history.OutcomeOK
	}
	if aerr := r.history.Append(rec); aerr != nil {
		slog.Warn("could not append run history", "error", aerr)
	}
}

func (r *Reporter) setWorkbookStatus(status string) {
	if err := r.state.Update(func(run *state.Run) { run.WorkbookStatus = status }); err != nil {
		slog.Warn("could not persist state", "error", err)
	}
}

func (r *Reporter) setReportStatus(status string) {
	if err := r.state.Update(func(run *state.Run) { run.ReportStatus = status }); err != nil {
		slog.Warn("could not persist state", "error", err)
	}
}

func (r *Reporter) localNow() time.Time { return r.now().In(r.loc) }

// targetDate resolves an optional command date: zero means yesterday
// in the configured timezone.
func (r *Reporter) targetDate(date time.Time) time.Time {
	if date.IsZero() {
		return r.localNow().AddDate(0, 0, -1)
	}
	return date.In(r.loc)
}

// sleepUntil blocks until target or cancellation; false means the
// context ended first.
func (r *Reporter) sleepUntil(ctx context.Context, target time.Time) bool {
	d := target.Sub(r.now())
	if d < 0 {
		d = 0
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (r *Reporter) sameLocalDay(t *time.Time, now time.Time) bool {
	if t == nil {
		return false
	}
	y1, m1, d1 := t.In(r.loc).Date()
	y2, m2, d2 := now.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

func (r *Reporter) hoursFor(day time.Time) schedule.Window {
	if schedule.IsWeekday(day) {
		return r.weekdayHours
	}
	return r.weekendHours
}

// reportName keys workbook filenames off the location name:
// lowercased, runs of non-alphanumerics collapsed to underscores.
func reportName(location string) string {
	var b strings.Builder
	pending := false
	for _, c := range strings.ToLower(strings.TrimSpace(location)) {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			if pending && b.Len() > 0 {
				b.WriteByte('_')
			}
			pending = false
			b.WriteRune(c)
		default:
			pending = true
		}
	}
	if b.Len() == 0 {
		return "report"
	}
	return b.String()
}
