package media

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// ErrContainer marks archives that could not be read.
var ErrContainer = errors.New("malformed container")

// OverlayMarker tags the overlay entry inside a bundle.
const OverlayMarker = "-overlay"

// Part is one file extracted from a bundle.
type Part struct {
	Name string
	Ext  string
	Data []byte
}

// Bundle is a zip download holding the main media and an optional overlay.
type Bundle struct {
	Main    *Part
	Overlay *Part
}

// HasOverlay reports whether both halves of an overlay pair are present.
func (b *Bundle) HasOverlay() bool {
	return b.Main != nil && b.Overlay != nil
}

// OpenBundle reads a zip payload. Entries whose name contains the overlay
// marker become the overlay; the last other entry becomes the main part.
func OpenBundle(data []byte) (*Bundle, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContainer, err)
	}

	b := &Bundle{}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		content, err := readEntry(f)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrContainer, f.Name, err)
		}
		p := &Part{Name: f.Name, Ext: filepath.Ext(f.Name), Data: content}
		if strings.Contains(strings.ToLower(f.Name), OverlayMarker) {
			b.Overlay = p
		} else {
			b.Main = p
		}
	}
	if b.Main == nil && b.Overlay == nil {
		return nil, fmt.Errorf("%w: empty archive", ErrContainer)
	}
	return b, nil
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
