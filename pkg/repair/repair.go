// Package repair reconciles worksheet row ranges with a freshly
// imported data set. Derived sheets keep stale rows from the template
// they were copied from; pruning them and repointing the sorted-view
// formula is what makes the workbook open clean.
package repair

import (
	"fmt"
	"log/slog"

	"github.com/beevik/etree"

	"github.com/hunter-volkman/stock-report/pkg/sheetpack"
)

const (
	// DefaultImportSheet is the sheet the sorted view draws from.
	DefaultImportSheet = "Raw Import"

	// DefaultColumnBound is the rightmost column the sorted-view
	// formula spans. The template family always lays data out in
	// columns A through X; the bound is configurable but not derived
	// from the data.
	DefaultColumnBound = "X"
)

// Options control which sheets are pruned and how the sorted-view
// anchor is rewritten.
type Options struct {
	// SheetsToPrune lists sheet names whose rows beyond the data range
	// are removed. Names absent from the workbook are skipped.
	SheetsToPrune []string

	// SortedSheet names the sheet holding the array-formula anchor in
	// cell A2. Empty disables the rewrite.
	SortedSheet string

	// ImportSheet is the source sheet referenced by the formula.
	// Defaults to DefaultImportSheet.
	ImportSheet string

	// ColumnBound is the rightmost column of the formula range.
	// Defaults to DefaultColumnBound.
	ColumnBound string
}

// Repair removes every row with index greater than numDataRows+1 from
// the configured sheets (row 1 is the header) and rewrites the sorted
// sheet's A2 anchor so both the formula text and its declared range
// cover exactly the imported rows. Sheets missing from the workbook
// mapping are skipped with a warning rather than failing the run.
// Running it again with the same numDataRows changes nothing.
func Repair(pkg *sheetpack.Package, numDataRows int, opts Options) error {
	if opts.ImportSheet == "" {
		opts.ImportSheet = DefaultImportSheet
	}
	if opts.ColumnBound == "" {
		opts.ColumnBound = DefaultColumnBound
	}

	parts, err := pkg.SheetParts()
	if err != nil {
		return err
	}

	for _, name := range opts.SheetsToPrune {
		part, ok := parts[name]
		if !ok {
			slog.Warn("sheet not found in workbook, skipping prune", "sheet", name)
			continue
		}
		if err := pruneRows(pkg, name, part, numDataRows); err != nil {
			return fmt.Errorf("prune sheet %q: %w", name, err)
		}
	}

	if opts.SortedSheet == "" {
		return nil
	}
	part, ok := parts[opts.SortedSheet]
	if !ok {
		slog.Warn("sorted sheet not found in workbook, skipping formula rewrite", "sheet", opts.SortedSheet)
		return nil
	}
	if err := rewriteAnchor(pkg, part, numDataRows, opts); err != nil {
		return fmt.Errorf("rewrite anchor in %q: %w", opts.SortedSheet, err)
	}
	return nil
}

func pruneRows(pkg *sheetpack.Package, sheet, part string, numDataRows int) error {
	return pkg.MutatePart(part, func(doc *etree.Document) error {
		sd, err := sheetpack.SheetData(doc)
		if err != nil {
			return err
		}
		removed := 0
		for _, row := range sheetpack.Rows(sd) {
			if sheetpack.RowIndex(row) > numDataRows+1 {
				sd.RemoveChild(row)
				removed++
			}
		}
		if removed > 0 {
			slog.Debug("pruned stale rows", "sheet", sheet, "removed", removed, "kept_through", numDataRows+1)
		}
		return nil
	})
}

// rewriteAnchor sets the array formula on cell A2 of the sorted sheet.
// Spreadsheet applications drop formula-only cells on load, so the
// cell also carries a placeholder scalar value.
func rewriteAnchor(pkg *sheetpack.Package, part string, numDataRows int, opts Options) error {
	rangeRef := fmt.Sprintf("A2:%s%d", opts.ColumnBound, numDataRows+1)
	formula := fmt.Sprintf("_xlfn._xlws.SORT('%s'!%s,1,1)", opts.ImportSheet, rangeRef)

	return pkg.MutatePart(part, func(doc *etree.Document) error {
		sd, err := sheetpack.SheetData(doc)
		if err != nil {
			return err
		}
		cell := doc.FindElement("//c[@r='A2']")
		if cell == nil {
			row := rowWithIndex(sd, 2)
			if row == nil {
				row = etree.NewElement("row")
				row.CreateAttr("r", "2")
				insertAfterHeader(sd, row)
			}
			cell = etree.NewElement("c")
			cell.CreateAttr("r", "A2")
			row.InsertChildAt(0, cell)
		}

		f := cell.SelectElement("f")
		if f == nil {
			f = cell.CreateElement("f")
		}
		f.SetText(formula)
		f.CreateAttr("t", "array")
		f.CreateAttr("ref", rangeRef)

		v := cell.SelectElement("v")
		if v == nil {
			v = cell.CreateElement("v")
		}
		v.SetText("0")

		slog.Debug("rewrote sorted-view anchor", "part", part, "range", rangeRef)
		return nil
	})
}

func rowWithIndex(sheetData *etree.Element, idx int) *etree.Element {
	for _, row := range sheetpack.Rows(sheetData) {
		if sheetpack.RowIndex(row) == idx {
			return row
		}
	}
	return nil
}

// insertAfterHeader places row immediately after the first existing
// row element so the anchor lands in document position 2, not at the
// end of the container.
func insertAfterHeader(sheetData *etree.Element, row *etree.Element) {
	rows := sheetpack.Rows(sheetData)
	if len(rows) == 0 {
		sheetData.AddChild(row)
		return
	}
	sheetData.InsertChildAt(rows[0].Index()+1, row)
}
