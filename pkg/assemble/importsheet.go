package assemble

import (
	"strconv"
	"time"

	"github.com/beevik/etree"

	"github.com/hunter-volkman/stock-report/pkg/bucket"
	"github.com/hunter-volkman/stock-report/pkg/sheetpack"
)

// writeImportSheet clears every data row of the import sheet and
// writes one row per aggregated bucket, starting at row 2. The
// template's header row is left in place. Column A carries the bucket
// timestamp as a serial date; reading columns follow the header order
// and are simply absent for buckets that lack a field.
func (a *Assembler) writeImportSheet(pkg *sheetpack.Package, req Request) error {
	parts, err := pkg.SheetParts()
	if err != nil {
		return err
	}
	sheet := a.importSheet()
	part, ok := parts[sheet]
	if !ok {
		return &sheetpack.MissingSheetError{Sheet: sheet, Path: pkg.Path()}
	}

	header := req.Header
	if len(header) == 0 {
		header = bucket.Header(req.Rows)
	}
	loc := a.Timezone
	if loc == nil {
		loc = time.UTC
	}

	return pkg.MutatePart(part, func(doc *etree.Document) error {
		sd, err := sheetpack.SheetData(doc)
		if err != nil {
			return err
		}
		for _, row := range sheetpack.Rows(sd) {
			if sheetpack.RowIndex(row) >= 2 {
				sd.RemoveChild(row)
			}
		}
		for i, r := range req.Rows {
			rowIdx := i + 2
			rowEl := etree.NewElement("row")
			rowEl.CreateAttr("r", strconv.Itoa(rowIdx))
			appendNumberCell(rowEl, 1, rowIdx, excelSerial(r.BucketStart, loc))
			for col, key := range header {
				if v, ok := r.Readings[key]; ok {
					appendNumberCell(rowEl, col+2, rowIdx, v)
				}
			}
			sd.AddChild(rowEl)
		}
		return nil
	})
}

func appendNumberCell(row *etree.Element, col, rowIdx int, v float64) {
	c := row.CreateElement("c")
	c.CreateAttr("r", sheetpack.CellRef(col, rowIdx))
	c.CreateElement("v").SetText(strconv.FormatFloat(v, 'f', -1, 64))
}

// excelSerial renders t as a spreadsheet serial date: fractional days
// since 1899-12-30, read off the wall clock of loc so the workbook
// shows local store time.
func excelSerial(t time.Time, loc *time.Location) float64 {
	lt := t.In(loc)
	wall := time.Date(lt.Year(), lt.Month(), lt.Day(), lt.Hour(), lt.Minute(), lt.Second(), lt.Nanosecond(), time.UTC)
	base := time.Date(1899, time.December, 30, 0, 0, 0, 0, time.UTC)
	return wall.Sub(base).Hours() / 24
}
