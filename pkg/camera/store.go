package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/hunter-volkman/stock-report/pkg/metrics"
)

// Store captures frames into per-day directories under Dir. Files are
// named {HHMMSS}_{resource}.jpg inside images/{YYYYMMDD}, so a plain
// reverse name sort yields newest-first.
type Store struct {
	Client   ImageClient
	Dir      string
	Resource string
	Location string
	Timezone *time.Location
}

// Capture fetches one frame, annotates it with the location and local
// wall-clock time, and stores it in the day directory for now.
func (s *Store) Capture(ctx context.Context, now time.Time) (string, error) {
	stored, err := s.capture(ctx, now)
	if err != nil {
		metrics.SnapshotsCaptured.WithLabelValues("error").Inc()
		return "", err
	}
	metrics.SnapshotsCaptured.WithLabelValues("ok").Inc()
	return stored, nil
}

func (s *Store) capture(ctx context.Context, now time.Time) (string, error) {
	local := now.In(s.timezone())
	raw, err := s.Client.FetchImage(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch snapshot: %w", err)
	}

	label := fmt.Sprintf("%s - %s", s.Location, local.Format("2006-01-02 15:04:05"))
	data, err := Annotate(raw, label)
	if err != nil {
		slog.Warn("snapshot annotation failed, storing raw frame", "error", err)
		data = raw
	}

	dayDir := filepath.Join(s.Dir, local.Format("20060102"))
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		return "", err
	}
	dest := filepath.Join(dayDir, fmt.Sprintf("%s_%s.jpg", local.Format("150405"), s.Resource))
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", err
	}
	slog.Info("snapshot stored", "path", dest)
	return dest, nil
}

// ListDay returns the snapshot paths stored for date, newest first. A
// day with no directory yields an empty list, not an error.
func (s *Store) ListDay(date time.Time) ([]string, error) {
	dayDir := filepath.Join(s.Dir, date.In(s.timezone()).Format("20060102"))
	entries, err := os.ReadDir(dayDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jpg") {
			continue
		}
		out = append(out, filepath.Join(dayDir, entry.Name()))
	}
	sort.Sort(sort.Reverse(sort.StringSlice(out)))
	return out, nil
}

func (s *Store) timezone() *time.Location {
	if s.Timezone != nil {
		return s.Timezone
	}
	return time.UTC
}

// Annotate draws label on a black band in the bottom-right corner of a
// JPEG frame and re-encodes it.
func Annotate(jpegData []byte, label string) ([]byte, error) {
	src, err := jpeg.Decode(bytes.NewReader(jpegData))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	bounds := src.Bounds()
	img := image.NewRGBA(bounds)
	draw.Draw(img, bounds, src, bounds.Min, draw.Src)

	face := basicfont.Face7x13
	const pad = 6
	bandW := font.MeasureString(face, label).Ceil() + 2*pad
	bandH := face.Metrics().Height.Ceil() + 2*pad
	x0 := bounds.Max.X - bandW
	if x0 < bounds.Min.X {
		x0 = bounds.Min.X
	}
	y0 := bounds.Max.Y - bandH
	if y0 < bounds.Min.Y {
		y0 = bounds.Min.Y
	}
	draw.Draw(img, image.Rect(x0, y0, bounds.Max.X, bounds.Max.Y), image.NewUniform(color.Black), image.Point{}, draw.Src)

	drawer := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.White),
		Face: face,
		Dot:  fixed.P(x0+pad, y0+pad+face.Metrics().Ascent.Ceil()),
	}
	drawer.DrawString(label)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}
