// Package assemble builds the daily deliverable workbook: copy the
// template, import aggregated rows into the raw sheet, reconcile the
// derived sheets' row ranges, and finalize atomically. A failed run
// leaves its work-in-progress file behind under an error-marker name
// so the broken workbook can be inspected.
package assemble

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hunter-volkman/stock-report/pkg/bucket"
	"github.com/hunter-volkman/stock-report/pkg/metrics"
	"github.com/hunter-volkman/stock-report/pkg/repair"
	"github.com/hunter-volkman/stock-report/pkg/sheetpack"
)

// State names the last completed stage of an assembly run.
type State string

const (
	StateTemplateCopied    State = "TEMPLATE_COPIED"
	StateRawImported       State = "RAW_IMPORTED"
	StateStructureRepaired State = "STRUCTURE_REPAIRED"
	StateFinalized         State = "FINALIZED"
)

// MissingTemplateError reports an absent template workbook. Nothing
// has been written when this is returned.
type MissingTemplateError struct {
	Path string
}

func (e *MissingTemplateError) Error() string {
	return fmt.Sprintf("template workbook not found at %s", e.Path)
}

// PartialWriteError reports a failure after the WIP file was created.
// The WIP file is retained at WIPPath for inspection, never deleted.
type PartialWriteError struct {
	State   State // last stage that completed before the failure
	WIPPath string
	Err     error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("assembly failed after %s (wip retained at %s): %v", e.State, e.WIPPath, e.Err)
}

func (e *PartialWriteError) Unwrap() error { return e.Err }

// Assembler holds the fixed inputs of workbook assembly. The zero
// value is not usable; TemplatePath and WorkDir are required.
type Assembler struct {
	// TemplatePath is the pre-built workbook the deliverable is
	// derived from. It must already contain the import sheet and any
	// sheets named in Repair.
	TemplatePath string

	// WorkDir receives the WIP file, the scratch extraction area and
	// the finalized workbook.
	WorkDir string

	// ImportSheet is the sheet receiving aggregated rows. Defaults to
	// repair.DefaultImportSheet.
	ImportSheet string

	// Timezone controls the wall-clock rendering of bucket timestamps
	// in the import sheet. Defaults to UTC.
	Timezone *time.Location

	// Repair configures the row pruning and formula rewrite applied
	// after the import.
	Repair repair.Options
}

// Request describes one assembly run.
type Request struct {
	// Name keys the output filenames, typically the report name.
	Name string

	// Date keys the output filenames ({YYYYMMDD}_{name}.xlsx).
	Date time.Time

	// Rows are written to the import sheet in order, one sheet row
	// per aggregated row starting at row 2.
	Rows []bucket.Row

	// Header fixes the reading-column order. Derived from Rows via
	// bucket.Header when empty.
	Header []string
}

// Assemble runs the full pipeline for one request and returns the
// path of the finalized workbook. On any failure after the WIP file
// exists it renames the WIP to an error-marker name and returns a
// *PartialWriteError; the caller never retries automatically.
func (a *Assembler) Assemble(req Request) (string, error) {
	start := time.Now()
	path, err := a.assemble(req)
	metrics.AssembleDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.WorkbooksBuilt.WithLabelValues("error").Inc()
		return "", err
	}
	metrics.WorkbooksBuilt.WithLabelValues("ok").Inc()
	return path, nil
}

func (a *Assembler) assemble(req Request) (string, error) {
	if _, err := os.Stat(a.TemplatePath); err != nil {
		return "", &MissingTemplateError{Path: a.TemplatePath}
	}

	dateStr := req.Date.Format("20060102")
	wipPath := filepath.Join(a.WorkDir, fmt.Sprintf("%s_%s_wip.xlsx", dateStr, req.Name))
	finalPath := a.FinalPath(req.Name, req.Date)

	slog.Info("assembling workbook", "name", req.Name, "date", dateStr, "rows", len(req.Rows))

	if err := copyFile(a.TemplatePath, wipPath); err != nil {
		return "", fmt.Errorf("copy template: %w", err)
	}
	state := StateTemplateCopied

	pkg, err := sheetpack.Open(wipPath, a.WorkDir)
	if err != nil {
		return "", a.fail(state, wipPath, err)
	}
	defer pkg.Close()

	if err := a.writeImportSheet(pkg, req); err != nil {
		return "", a.fail(state, wipPath, err)
	}
	state = StateRawImported
	metrics.RowsExported.Add(float64(len(req.Rows)))

	if err := repair.Repair(pkg, len(req.Rows), a.repairOptions()); err != nil {
		return "", a.fail(state, wipPath, err)
	}
	state = StateStructureRepaired

	tmpPath := finalPath + ".tmp"
	if err := pkg.Repackage(tmpPath); err != nil {
		return "", a.fail(state, wipPath, err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", a.fail(state, wipPath, err)
	}
	if err := os.Remove(wipPath); err != nil {
		slog.Warn("could not remove wip file after finalize", "path", wipPath, "error", err)
	}

	slog.Info("workbook finalized", "path", finalPath, "rows", len(req.Rows))
	return finalPath, nil
}

// FinalPath returns where the finalized workbook for name and date
// lives, whether or not that run has happened yet. Callers use it to
// check for an existing deliverable before forcing a rebuild.
func (a *Assembler) FinalPath(name string, date time.Time) string {
	return filepath.Join(a.WorkDir, fmt.Sprintf("%s_%s.xlsx", date.Format("20060102"), name))
}

func (a *Assembler) repairOptions() repair.Options {
	opts := a.Repair
	if opts.ImportSheet == "" {
		opts.ImportSheet = a.importSheet()
	}
	return opts
}

func (a *Assembler) importSheet() string {
	if a.ImportSheet != "" {
		return a.ImportSheet
	}
	return repair.DefaultImportSheet
}

// fail renames the WIP file to its error-marker name and wraps the
// cause. The WIP is kept under its original name if the rename fails.
func (a *Assembler) fail(state State, wipPath string, err error) error {
	kept := wipPath
	failedPath := failedName(wipPath)
	if renameErr := os.Rename(wipPath, failedPath); renameErr == nil {
		kept = failedPath
	} else {
		slog.Warn("could not rename wip to failed marker", "path", wipPath, "error", renameErr)
	}
	slog.Error("workbook assembly failed", "state", string(state), "wip", kept, "error", err)
	return &PartialWriteError{State: state, WIPPath: kept, Err: err}
}

func failedName(wipPath string) string {
	base := wipPath
	if ext := filepath.Ext(base); ext == ".xlsx" {
		base = base[:len(base)-len(ext)]
	}
	if filepath.Ext(base) == "" && len(base) > len("_wip") && base[len(base)-len("_wip"):] == "_wip" {
		base = base[:len(base)-len("_wip")]
	}
	return base + "_failed.xlsx"
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
