package pipeline

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// zipDirectory archives the contents of srcDir into a zip file at destPath
// and returns the number of files written. An empty directory yields a
// valid empty archive.
func zipDirectory(srcDir, destPath string) (int, error) {
	f, err := os.Create(destPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create archive %s: %w", destPath, err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	count := 0

	err = filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		relPath, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}

		w, err := zw.Create(filepath.ToSlash(relPath))
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()

		if _, err := io.Copy(w, src); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		zw.Close()
		return count, fmt.Errorf("failed to walk outputs directory: %w", err)
	}

	if err := zw.Close(); err != nil {
		return count, fmt.Errorf("failed to finalize archive: %w", err)
	}
	return count, nil
}
