package sink

import (
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
)

// Zip is an archive sink backed by a zip file. Each component becomes one
// zstd-compressed zip entry (WinZip method 93), so standard tooling can
// list and extract chunks.
type Zip struct {
	zw      *zip.Writer
	current io.Writer // writer for the open component, nil before the first
}

// NewZip returns an archive sink writing a zip file to w. Callers must
// OpenNewComponent before the first Write and Close when done.
func NewZip(w io.Writer) *Zip {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zstd.ZipMethodWinZip, zstd.ZipCompressor())
	return &Zip{zw: zw}
}

// OpenNewComponent finalizes the current component and begins a new one.
func (z *Zip) OpenNewComponent(name string) error {
	w, err := z.zw.CreateHeader(&zip.FileHeader{
		Name:   name,
		Method: zstd.ZipMethodWinZip,
	})
	if err != nil {
		return fmt.Errorf("sink: open component %q: %w", name, err)
	}
	z.current = w
	return nil
}

// Write appends to the currently open component.
func (z *Zip) Write(p []byte) (int, error) {
	if z.current == nil {
		return 0, errors.New("sink: write before first component")
	}
	return z.current.Write(p)
}

// Close finalizes the zip central directory.
func (z *Zip) Close() error {
	return z.zw.Close()
}
