// Package sheetpack reads and writes the packaged XML parts of a
// spreadsheet archive. It extracts the archive into a scratch
// directory, resolves logical sheet names to physical worksheet parts,
// hands parts out as namespace-preserving XML documents for mutation,
// and repackages the tree into a new archive with every original entry
// intact. Untouched parts round-trip byte-identically.
package sheetpack

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/klauspost/compress/flate"
)

const (
	workbookPart     = "xl/workbook.xml"
	workbookRelsPart = "xl/_rels/workbook.xml.rels"
	worksheetDir     = "xl/worksheets"
)

// CorruptPackageError reports an archive that cannot be opened or is
// missing the parts every workbook must have.
type CorruptPackageError struct {
	Path   string
	Reason string
	Err    error
}

func (e *CorruptPackageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corrupt package %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("corrupt package %s: %s", e.Path, e.Reason)
}

func (e *CorruptPackageError) Unwrap() error { return e.Err }

// MissingSheetError reports a logical sheet name that did not resolve
// to a worksheet part.
type MissingSheetError struct {
	Sheet string
	Path  string
}

func (e *MissingSheetError) Error() string {
	return fmt.Sprintf("sheet %q not found in package %s", e.Sheet, e.Path)
}

// Package is one extracted spreadsheet archive. It is not safe for
// concurrent use; the pipeline mutates one package at a time.
type Package struct {
	path    string
	scratch string
	entries []string // original archive entry names, in archive order
}

// Open extracts the archive at path into a fresh scratch directory
// under scratchRoot (os.TempDir when empty). Every Open gets its own
// uniquely named directory so overlapping runs never collide. Callers
// must Close the package on every exit path.
func Open(path, scratchRoot string) (*Package, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, &CorruptPackageError{Path: path, Reason: "open archive", Err: err}
	}
	defer r.Close()

	if scratchRoot == "" {
		scratchRoot = os.TempDir()
	}
	if err := os.MkdirAll(scratchRoot, 0o700); err != nil {
		return nil, fmt.Errorf("create scratch root: %w", err)
	}
	stamp := time.Now().UTC().Format("20060102T150405.000000000")
	scratch, err := os.MkdirTemp(scratchRoot, "pkg-"+strings.ReplaceAll(stamp, ".", "")+"-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}

	p := &Package{path: path, scratch: scratch}
	for _, f := range r.File {
		p.entries = append(p.entries, f.Name)
		if err := extractEntry(scratch, f); err != nil {
			p.Close()
			return nil, &CorruptPackageError{Path: path, Reason: "extract " + f.Name, Err: err}
		}
	}
	for _, required := range []string{workbookPart, workbookRelsPart} {
		if _, err := os.Stat(filepath.Join(scratch, filepath.FromSlash(required))); err != nil {
			p.Close()
			return nil, &CorruptPackageError{Path: path, Reason: "missing required part " + required}
		}
	}
	return p, nil
}

func extractEntry(scratch string, f *zip.File) error {
	rel := filepath.FromSlash(f.Name)
	if filepath.IsAbs(rel) || strings.Contains(rel, "..") {
		return fmt.Errorf("unsafe entry name %q", f.Name)
	}
	dst := filepath.Join(scratch, rel)
	if strings.HasSuffix(f.Name, "/") {
		return os.MkdirAll(dst, 0o700)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Path returns the archive path the package was opened from.
func (p *Package) Path() string { return p.path }

// Entries returns the original archive entry names in archive order.
func (p *Package) Entries() []string {
	return append([]string(nil), p.entries...)
}

// Doc parses one part into an XML document. The parser keeps attribute
// order, namespace declarations and the XML declaration exactly as
// written, which is what makes later serialization safe for the host
// spreadsheet application.
func (p *Package) Doc(partPath string) (*etree.Document, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromFile(p.partFile(partPath)); err != nil {
		return nil, fmt.Errorf("parse part %s: %w", partPath, err)
	}
	return doc, nil
}

// WriteDoc serializes a mutated part back into the scratch tree.
func (p *Package) WriteDoc(partPath string, doc *etree.Document) error {
	if err := doc.WriteToFile(p.partFile(partPath)); err != nil {
		return fmt.Errorf("write part %s: %w", partPath, err)
	}
	return nil
}

// MutatePart loads a part, applies fn, and writes the result back. The
// part is only rewritten when fn succeeds.
func (p *Package) MutatePart(partPath string, fn func(doc *etree.Document) error) error {
	doc, err := p.Doc(partPath)
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return p.WriteDoc(partPath, doc)
}

func (p *Package) partFile(partPath string) string {
	return filepath.Join(p.scratch, filepath.FromSlash(partPath))
}

// Repackage zips the scratch tree into a new archive at outputPath,
// writing entries in their original order with deflate compression.
func (p *Package) Repackage(outputPath string) error {
	out, err := os.OpenFile(outputPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	zw := zip.NewWriter(out)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.BestSpeed)
	})
	for _, name := range p.entries {
		if err := p.writeEntry(zw, name); err != nil {
			zw.Close()
			out.Close()
			os.Remove(outputPath)
			return fmt.Errorf("repackage %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(outputPath)
		return fmt.Errorf("finish archive: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	return nil
}

func (p *Package) writeEntry(zw *zip.Writer, name string) error {
	if strings.HasSuffix(name, "/") {
		_, err := zw.CreateHeader(&zip.FileHeader{Name: name})
		return err
	}
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return err
	}
	src, err := os.Open(filepath.Join(p.scratch, filepath.FromSlash(name)))
	if err != nil {
		return err
	}
	defer src.Close()
	_, err = io.Copy(w, src)
	return err
}

// Close removes the scratch directory. Safe to call more than once.
func (p *Package) Close() error {
	if p.scratch == "" {
		return nil
	}
	err := os.RemoveAll(p.scratch)
	p.scratch = ""
	return err
}
