package proofpack

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// maxFileSize bounds any single bundle member read from disk or a zip.
const maxFileSize = 64 << 20

var ErrUnsafePath = errors.New("unsafe bundle path")

// Bundle maps slash-separated relative paths to file bytes.
type Bundle map[string][]byte

// Paths returns every path in lexical order.
func (b Bundle) Paths() []string {
	out := make([]string, 0, len(b))
	for p := range b {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// WriteDir writes every file under dir, creating subdirectories as needed.
func (b Bundle) WriteDir(dir string) error {
	for _, name := range b.Paths() {
		if err := checkPath(name); err != nil {
			return err
		}
		target := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return err
		}
		if err := os.WriteFile(target, b[name], 0o600); err != nil {
			return err
		}
	}
	return nil
}

// zipEpoch is stamped on every zip entry so equal bundles zip to equal bytes.
var zipEpoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

func (b Bundle) WriteZip(w io.Writer) error {
	zw := zip.NewWriter(w)
	for _, name := range b.Paths() {
		if err := checkPath(name); err != nil {
			return err
		}
		hdr := &zip.FileHeader{Name: name, Method: zip.Deflate, Modified: zipEpoch}
		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		if _, err := fw.Write(b[name]); err != nil {
			return err
		}
	}
	return zw.Close()
}

// ZipBytes is WriteZip into memory.
func (b Bundle) ZipBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := b.WriteZip(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func ReadDir(dir string) (Bundle, error) {
	b := Bundle{}
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return fmt.Errorf("%w: %s is not a regular file", ErrUnsafePath, p)
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() > maxFileSize {
			return fmt.Errorf("bundle file %s exceeds %d bytes", rel, maxFileSize)
		}
		// #nosec G304 -- p is produced by walking dir.
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		b[filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func ReadZip(data []byte) (Bundle, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return nil, err
	}
	b := Bundle{}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if err := checkPath(f.Name); err != nil {
			return nil, err
		}
		if f.UncompressedSize64 > maxFileSize {
			return nil, fmt.Errorf("bundle file %s exceeds %d bytes", f.Name, maxFileSize)
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		content, err := io.ReadAll(io.LimitReader(rc, maxFileSize+1))
		_ = rc.Close()
		if err != nil {
			return nil, err
		}
		if len(content) > maxFileSize {
			return nil, fmt.Errorf("bundle file %s exceeds %d bytes", f.Name, maxFileSize)
		}
		if _, dup := b[f.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate entry %s", ErrUnsafePath, f.Name)
		}
		b[f.Name] = content
	}
	return b, nil
}

// Open reads a bundle from a directory or a zip file.
func Open(p string) (Bundle, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return ReadDir(p)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("bundle %s exceeds %d bytes", p, maxFileSize)
	}
	// #nosec G304 -- operator-supplied bundle path.
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	return ReadZip(data)
}

func checkPath(name string) error {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	if path.Clean(name) != name || name == ".." || strings.HasPrefix(name, "../") {
		return fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return nil
}
