package sheetpack

import (
	"path"
	"strings"
)

// SheetParts resolves logical sheet names to worksheet part paths via
// the two indirections the package format requires: the workbook part
// maps sheet name to relationship id, and the workbook relationships
// part maps relationship id to a target file. Only targets under the
// worksheets directory survive the join; chart sheets and other
// relationship targets are dropped. Sheets whose relationship cannot be
// resolved are simply absent from the map; callers treat a missing
// name as skip-with-warning, not as an error.
func (p *Package) SheetParts() (map[string]string, error) {
	workbook, err := p.Doc(workbookPart)
	if err != nil {
		return nil, &CorruptPackageError{Path: p.path, Reason: "parse workbook part", Err: err}
	}
	rels, err := p.Doc(workbookRelsPart)
	if err != nil {
		return nil, &CorruptPackageError{Path: p.path, Reason: "parse workbook relationships", Err: err}
	}

	nameToRel := make(map[string]string)
	for _, sheet := range workbook.FindElements("//sheets/sheet") {
		name := sheet.SelectAttrValue("name", "")
		relID := sheet.SelectAttrValue("r:id", "")
		if name == "" || relID == "" {
			continue
		}
		nameToRel[name] = relID
	}

	relToTarget := make(map[string]string)
	for _, rel := range rels.FindElements("//Relationship") {
		id := rel.SelectAttrValue("Id", "")
		target := rel.SelectAttrValue("Target", "")
		if id == "" || target == "" {
			continue
		}
		relToTarget[id] = target
	}

	parts := make(map[string]string, len(nameToRel))
	for name, relID := range nameToRel {
		target, ok := relToTarget[relID]
		if !ok {
			continue
		}
		if !isWorksheetTarget(target) {
			continue
		}
		parts[name] = path.Join(worksheetDir, path.Base(target))
	}
	if len(parts) == 0 {
		return nil, &CorruptPackageError{Path: p.path, Reason: "no worksheet parts resolved"}
	}
	return parts, nil
}

func isWorksheetTarget(target string) bool {
	clean := strings.TrimPrefix(path.Clean("/"+target), "/")
	for _, seg := range strings.Split(clean, "/") {
		if seg == "worksheets" {
			return true
		}
	}
	return false
}
