package reporter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hunter-volkman/stock-report/pkg/assemble"
	"github.com/hunter-volkman/stock-report/pkg/bucket"
	"github.com/hunter-volkman/stock-report/pkg/camera"
	"github.com/hunter-volkman/stock-report/pkg/config"
	"github.com/hunter-volkman/stock-report/pkg/history"
	"github.com/hunter-volkman/stock-report/pkg/mailer"
	"github.com/hunter-volkman/stock-report/pkg/state"
)

type stubFetcher struct {
	records  []bucket.RawRecord
	err      error
	gotStart time.Time
	gotEnd   time.Time
}

func (s *stubFetcher) FetchAll(_ context.Context, start, end time.Time) ([]bucket.RawRecord, error) {
	s.gotStart = start
	s.gotEnd = end
	if s.err != nil {
		return nil, s.err
	}
	return s.records, nil
}

type stubAssembler struct {
	dir     string
	calls   int
	lastReq assemble.Request
	err     error
}

func (s *stubAssembler) FinalPath(name string, date time.Time) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%s.xlsx", date.Format("20060102"), name))
}

func (s *stubAssembler) Assemble(req assemble.Request) (string, error) {
	s.calls++
	s.lastReq = req
	if s.err != nil {
		return "", s.err
	}
	path := s.FinalPath(req.Name, req.Date)
	if err := os.WriteFile(path, []byte("workbook-bytes"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

type stubSender struct {
	mu   sync.Mutex
	sent []*mailer.Message
	err  error
}

func (s *stubSender) Send(_ context.Context, msg *mailer.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *stubSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *stubSender) last() *mailer.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[len(s.sent)-1]
}

type stubCamera struct {
	data []byte
	err  error
}

func (s stubCamera) FetchImage(context.Context) ([]byte, error) {
	return s.data, s.err
}

type fixture struct {
	dir   string
	r     *Reporter
	fetch *stubFetcher
	asm   *stubAssembler
	send  *stubSender
	st    *state.Store
	hist  *history.Store
}

// fixedNow is a Friday; the day before is a weekday too.
var fixedNow = time.Date(2026, 3, 6, 19, 30, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	cfg := config.NewDefault()
	cfg.Location = "Store 7"
	cfg.DataDir = dir
	cfg.Mail.Recipients = []string{"ops@example.com", "shop@example.com"}
	cfg.Normalize()

	fetch := &stubFetcher{records: []bucket.RawRecord{
		{TimeReceived: time.Date(2026, 3, 5, 7, 1, 0, 0, time.UTC), Readings: map[string]float64{"shelf_a_raw": 10}},
		{TimeReceived: time.Date(2026, 3, 5, 7, 2, 0, 0, time.UTC), Readings: map[string]float64{"shelf_a_raw": 30}},
		{TimeReceived: time.Date(2026, 3, 5, 7, 6, 0, 0, time.UTC), Readings: map[string]float64{"shelf_a_raw": 20}},
	}}
	asm := &stubAssembler{dir: dir}
	send := &stubSender{}

	st, err := state.Open(cfg.StatePath())
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	hist := history.New(cfg.HistoryDir(), history.Settings{})

	r, err := New(cfg, Deps{
		Fetcher:   fetch,
		Assembler: asm,
		State:     st,
		History:   hist,
		Sender:    send,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.now = func() time.Time { return fixedNow }

	return &fixture{dir: dir, r: r, fetch: fetch, asm: asm, send: send, st: st, hist: hist}
}

func (f *fixture) enableCamera(client camera.ImageClient) {
	f.r.camera = &camera.Store{
		Client:   client,
		Dir:      filepath.Join(f.dir, "images"),
		Resource: "shopcam",
		Location: "Store 7",
	}
}

func (f *fixture) records(t *testing.T) []history.Record {
	t.Helper()
	recs, err := f.hist.List(time.Time{}, time.Time{}, 0)
	if err != nil {
		t.Fatalf("history List: %v", err)
	}
	return recs
}

func jpegFrame(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestRunProcessAssemblesYesterday(t *testing.T) {
	f := newFixture(t)

	if err := f.r.RunProcess(context.Background(), time.Time{}); err != nil {
		t.Fatalf("RunProcess: %v", err)
	}

	wantStart := time.Date(2026, 3, 5, 7, 0, 0, 0, time.UTC)
	wantEnd := time.Date(2026, 3, 5, 19, 30, 0, 0, time.UTC)
	if !f.fetch.gotStart.Equal(wantStart) || !f.fetch.gotEnd.Equal(wantEnd) {
		t.Fatalf("fetch window = %v..%v, want %v..%v", f.fetch.gotStart, f.fetch.gotEnd, wantStart, wantEnd)
	}

	if f.asm.calls != 1 {
		t.Fatalf("Assemble called %d times, want 1", f.asm.calls)
	}
	if f.asm.lastReq.Name != "store_7" {
		t.Fatalf("request name = %q, want store_7", f.asm.lastReq.Name)
	}
	if got := f.asm.lastReq.Date.Format("20060102"); got != "20260305" {
		t.Fatalf("request date = %s, want 20260305", got)
	}
	if len(f.asm.lastReq.Rows) != 2 {
		t.Fatalf("aggregated rows = %d, want 2", len(f.asm.lastReq.Rows))
	}

	run := f.st.Get()
	if run.WorkbookStatus != state.WorkbookProcessed {
		t.Fatalf("WorkbookStatus = %q", run.WorkbookStatus)
	}
	if run.LastRowCount != 2 {
		t.Fatalf("LastRowCount = %d, want 2", run.LastRowCount)
	}
	if run.LastWorkbookPath == "" || run.LastProcessedTime == nil {
		t.Fatalf("state not updated: %+v", run)
	}

	recs := f.records(t)
	if len(recs) != 1 {
		t.Fatalf("history records = %d, want 1", len(recs))
	}
	rec := recs[0]
	if rec.Kind != history.KindProcess || rec.Outcome != history.OutcomeOK {
		t.Fatalf("record = %+v", rec)
	}
	if rec.Rows != 2 || rec.RunID == "" {
		t.Fatalf("record rows/id = %d/%q", rec.Rows, rec.RunID)
	}
}

func TestRunProcessExplicitDate(t *testing.T) {
	f := newFixture(t)

	date := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) // a Sunday
	if err := f.r.RunProcess(context.Background(), date); err != nil {
		t.Fatalf("RunProcess: %v", err)
	}

	// weekend hours apply
	wantStart := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	wantEnd := time.Date(2026, 3, 1, 17, 0, 0, 0, time.UTC)
	if !f.fetch.gotStart.Equal(wantStart) || !f.fetch.gotEnd.Equal(wantEnd) {
		t.Fatalf("fetch window = %v..%v, want %v..%v", f.fetch.gotStart, f.fetch.gotEnd, wantStart, wantEnd)
	}
	if got := f.asm.lastReq.Date.Format("20060102"); got != "20260301" {
		t.Fatalf("request date = %s, want 20260301", got)
	}
}

func TestRunProcessFetchErrorSetsStatus(t *testing.T) {
	f := newFixture(t)
	f.fetch.err = errors.New("query api down")

	err := f.r.RunProcess(context.Background(), time.Time{})
	if err == nil || !strings.Contains(err.Error(), "query api down") {
		t.Fatalf("RunProcess err = %v", err)
	}
	if f.asm.calls != 0 {
		t.Fatalf("Assemble called despite fetch failure")
	}

	run := f.st.Get()
	if !strings.HasPrefix(run.WorkbookStatus, "error: ") {
		t.Fatalf("WorkbookStatus = %q", run.WorkbookStatus)
	}

	recs := f.records(t)
	if len(recs) != 1 || recs[0].Outcome != history.OutcomeError {
		t.Fatalf("history = %+v", recs)
	}
}

func TestRunProcessMissingTemplateStatus(t *testing.T) {
	f := newFixture(t)
	f.asm.err = &assemble.MissingTemplateError{Path: "/data/workbooks/template.xlsx"}

	if err := f.r.RunProcess(context.Background(), time.Time{}); err == nil {
		t.Fatal("expected error")
	}
	if got := f.st.Get().WorkbookStatus; got != "error: missing template" {
		t.Fatalf("WorkbookStatus = %q, want error: missing template", got)
	}
}

func TestRunSendAssemblesWhenWorkbookMissing(t *testing.T) {
	f := newFixture(t)

	if err := f.r.RunSend(context.Background(), time.Time{}); err != nil {
		t.Fatalf("RunSend: %v", err)
	}
	if f.asm.calls != 1 {
		t.Fatalf("Assemble called %d times, want 1", f.asm.calls)
	}
	if f.send.count() != 1 {
		t.Fatalf("sent %d messages, want 1", f.send.count())
	}

	msg := f.send.last()
	if msg.Subject != "Stock Report - Store 7 - 2026-03-05" {
		t.Fatalf("subject = %q", msg.Subject)
	}
	if len(msg.Attachments) != 1 || msg.Attachments[0].Filename != "20260305_store_7.xlsx" {
		t.Fatalf("attachments = %+v", msg.Attachments)
	}
	if !strings.Contains(msg.Text, "Rows exported: 2") {
		t.Fatalf("text = %q", msg.Text)
	}
	if !strings.Contains(msg.Text, "Export window: 07:00 to 19:30.") {
		t.Fatalf("text = %q", msg.Text)
	}

	run := f.st.Get()
	if run.ReportStatus != state.ReportSent || run.TotalReportsSent != 1 {
		t.Fatalf("state = %+v", run)
	}
	if run.LastSentTime == nil {
		t.Fatal("LastSentTime not set")
	}

	recs := f.records(t)
	if len(recs) != 2 {
		t.Fatalf("history records = %d, want process + send", len(recs))
	}
	kinds := map[string]bool{}
	for _, rec := range recs {
		kinds[rec.Kind] = true
	}
	if !kinds[history.KindProcess] || !kinds[history.KindSend] {
		t.Fatalf("history kinds = %+v", kinds)
	}
}

func TestRunSendReusesExistingWorkbook(t *testing.T) {
	f := newFixture(t)

	path := f.asm.FinalPath("store_7", time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC))
	if err := os.WriteFile(path, []byte("already built"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := f.st.Update(func(r *state.Run) { r.LastRowCount = 42 }); err != nil {
		t.Fatal(err)
	}

	if err := f.r.RunSend(context.Background(), time.Time{}); err != nil {
		t.Fatalf("RunSend: %v", err)
	}
	if f.asm.calls != 0 {
		t.Fatalf("Assemble called %d times, want 0", f.asm.calls)
	}
	msg := f.send.last()
	if !strings.Contains(msg.Text, "Rows exported: 42") {
		t.Fatalf("text = %q", msg.Text)
	}
	if !bytes.Equal(msg.Attachments[0].Data, []byte("already built")) {
		t.Fatal("existing workbook not attached")
	}
}

func TestRunSendAttachesDaySnapshotsNewestFirst(t *testing.T) {
	f := newFixture(t)
	f.enableCamera(stubCamera{data: jpegFrame(t)})

	dayDir := filepath.Join(f.dir, "images", "20260305")
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"080000_shopcam.jpg", "120000_shopcam.jpg"} {
		if err := os.WriteFile(filepath.Join(dayDir, name), []byte(name), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	if err := f.r.RunSend(context.Background(), time.Time{}); err != nil {
		t.Fatalf("RunSend: %v", err)
	}
	msg := f.send.last()
	if len(msg.Attachments) != 3 {
		t.Fatalf("attachments = %d, want workbook + 2 images", len(msg.Attachments))
	}
	if msg.Attachments[1].Filename != "120000_shopcam.jpg" || msg.Attachments[2].Filename != "080000_shopcam.jpg" {
		t.Fatalf("image order = %q, %q", msg.Attachments[1].Filename, msg.Attachments[2].Filename)
	}
	if !strings.Contains(msg.Text, "2 snapshots") {
		t.Fatalf("text = %q", msg.Text)
	}
}

func TestRunSendSenderErrorSetsStatus(t *testing.T) {
	f := newFixture(t)
	f.send.err = errors.New("sendgrid status 401: unauthorized")

	err := f.r.RunSend(context.Background(), time.Time{})
	if err == nil || !strings.Contains(err.Error(), "send report") {
		t.Fatalf("RunSend err = %v", err)
	}
	run := f.st.Get()
	if !strings.HasPrefix(run.ReportStatus, "error: ") {
		t.Fatalf("ReportStatus = %q", run.ReportStatus)
	}
	if run.TotalReportsSent != 0 {
		t.Fatalf("TotalReportsSent = %d, want 0", run.TotalReportsSent)
	}
}

func TestRunCaptureStoresSnapshot(t *testing.T) {
	f := newFixture(t)
	f.enableCamera(stubCamera{data: jpegFrame(t)})

	if err := f.r.RunCapture(context.Background()); err != nil {
		t.Fatalf("RunCapture: %v", err)
	}

	stored := filepath.Join(f.dir, "images", "20260306", "193000_shopcam.jpg")
	if _, err := os.Stat(stored); err != nil {
		t.Fatalf("snapshot not stored at %s: %v", stored, err)
	}
	if f.st.Get().LastCaptureTime == nil {
		t.Fatal("LastCaptureTime not set")
	}

	recs := f.records(t)
	if len(recs) != 1 || recs[0].Kind != history.KindCapture {
		t.Fatalf("history = %+v", recs)
	}
	if recs[0].ImagePath != stored {
		t.Fatalf("ImagePath = %q, want %q", recs[0].ImagePath, stored)
	}
}

func TestRunCaptureWithoutCamera(t *testing.T) {
	f := newFixture(t)
	if err := f.r.RunCapture(context.Background()); err == nil {
		t.Fatal("expected error without camera")
	}
}

func TestRunTestEmail(t *testing.T) {
	f := newFixture(t)
	if err := f.r.RunTestEmail(context.Background()); err != nil {
		t.Fatalf("RunTestEmail: %v", err)
	}
	msg := f.send.last()
	if msg.Subject != "Stock Report test - Store 7" {
		t.Fatalf("subject = %q", msg.Subject)
	}
	if len(msg.Attachments) != 0 {
		t.Fatalf("test email has %d attachments", len(msg.Attachments))
	}
}

func TestEnqueueValidation(t *testing.T) {
	f := newFixture(t)

	if err := f.r.Enqueue(Command{Name: "reboot"}); err == nil {
		t.Fatal("unknown command accepted")
	}
	if err := f.r.Enqueue(Command{Name: CmdCapture}); err == nil {
		t.Fatal("capture accepted without camera")
	}
	if err := f.r.Enqueue(Command{Name: CmdProcess}); err != nil {
		t.Fatalf("Enqueue process: %v", err)
	}

	for {
		if err := f.r.Enqueue(Command{Name: CmdSend}); err != nil {
			if !errors.Is(err, ErrQueueFull) {
				t.Fatalf("unexpected error: %v", err)
			}
			return
		}
	}
}

func TestCommandLoopRunsQueued(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		f.r.commandLoop(ctx)
		close(done)
	}()

	if err := f.r.Enqueue(Command{Name: CmdTestEmail}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.send.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("command never executed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("command loop did not stop")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	// early morning, so every loop is asleep until its next fire
	f.r.now = func() time.Time {
		return time.Date(2026, 3, 6, 3, 0, 0, 0, time.UTC)
	}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		f.r.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestStatusSnapshot(t *testing.T) {
	f := newFixture(t)
	f.r.now = func() time.Time {
		return time.Date(2026, 3, 6, 10, 0, 0, 0, time.UTC) // Friday morning
	}

	st := f.r.Status()
	if st.Location != "Store 7" || st.Timezone != "UTC" {
		t.Fatalf("status = %+v", st)
	}
	if st.DayClass != "weekday" {
		t.Fatalf("DayClass = %q", st.DayClass)
	}
	wantProcess := time.Date(2026, 3, 6, 19, 30, 0, 0, time.UTC)
	wantSend := time.Date(2026, 3, 6, 20, 30, 0, 0, time.UTC)
	if !st.NextProcess.Equal(wantProcess) || !st.NextSend.Equal(wantSend) {
		t.Fatalf("next fires = %v / %v", st.NextProcess, st.NextSend)
	}
	if st.NextCapture != nil {
		t.Fatal("NextCapture set without camera")
	}

	f.enableCamera(stubCamera{data: jpegFrame(t)})
	st = f.r.Status()
	if st.NextCapture == nil {
		t.Fatal("NextCapture missing with camera")
	}
	wantCapture := time.Date(2026, 3, 6, 12, 0, 0, 0, time.UTC)
	if !st.NextCapture.Equal(wantCapture) {
		t.Fatalf("NextCapture = %v, want %v", st.NextCapture, wantCapture)
	}
}

func TestReportName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Store 7", "store_7"},
		{"Shop & Floor 3", "shop_floor_3"},
		{"  spaced  out  ", "spaced_out"},
		{"UPPER", "upper"},
		{"---", "report"},
		{"", "report"},
	}
	for _, c := range cases {
		if got := reportName(c.in); got != c.want {
			t.Fatalf("reportName(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
