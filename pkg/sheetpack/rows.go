package sheetpack

import (
	"fmt"
	"strconv"

	"github.com/beevik/etree"
)

// SheetData returns a worksheet document's row container.
func SheetData(doc *etree.Document) (*etree.Element, error) {
	el := doc.FindElement("//sheetData")
	if el == nil {
		return nil, fmt.Errorf("worksheet has no sheetData element")
	}
	return el, nil
}

// Rows returns the row elements of a row container in document order.
// Rows are not guaranteed contiguous or sorted by index.
func Rows(sheetData *etree.Element) []*etree.Element {
	return sheetData.SelectElements("row")
}

// RowIndex parses a row element's 1-based index attribute. Rows without
// a parseable index report 0 and are left alone by pruning.
func RowIndex(row *etree.Element) int {
	n, err := strconv.Atoi(row.SelectAttrValue("r", ""))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// ColumnName converts a 1-based column number to its letter form
// (1 = A, 26 = Z, 27 = AA).
func ColumnName(col int) string {
	name := ""
	for col > 0 {
		col--
		name = string(rune('A'+col%26)) + name
		col /= 26
	}
	return name
}

// CellRef builds an A1-style reference from 1-based column and row.
func CellRef(col, row int) string {
	return ColumnName(col) + strconv.Itoa(row)
}
