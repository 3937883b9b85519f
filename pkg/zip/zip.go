// Package zip bundles job outputs into a single download.
package zip

import (
	"archive/zip"
	"fmt"
	"io"
	"path"
	"time"
)

// File is one archive member. Exactly one of Data and Open is used; Open is
// preferred so large images are streamed instead of held in memory.
type File struct {
	Name     string
	Data     []byte
	Open     func() (io.ReadCloser, error)
	Modified time.Time
}

// Write streams files into a zip archive on w. Member names are flattened to
// their base name.
func Write(w io.Writer, files []File) error {
	zw := zip.NewWriter(w)
	for _, f := range files {
		hdr := &zip.FileHeader{Name: path.Base(f.Name), Method: zip.Deflate, Modified: f.Modified}
		dst, err := zw.CreateHeader(hdr)
		if err != nil {
			return fmt.Errorf("zip: add %s: %w", f.Name, err)
		}
		if err := copyFile(dst, f); err != nil {
			return fmt.Errorf("zip: write %s: %w", f.Name, err)
		}
	}
	return zw.Close()
}

func copyFile(dst io.Writer, f File) error {
	if f.Open == nil {
		_, err := dst.Write(f.Data)
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(dst, rc)
	return err
}
