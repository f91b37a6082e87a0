// Package fsutil holds small filesystem helpers shared by the on-disk caches.
package fsutil

import (
	"path/filepath"

	"github.com/spf13/afero"
)

// WriteFileAtomic replaces path with data by writing a sibling temp file and renaming it
// into place. Readers observe either the previous file or the complete new one.
func WriteFileAtomic(fs afero.Fs, path string, data []byte) error {
	directory := filepath.Dir(path)
	if err := fs.MkdirAll(directory, 0o755); err != nil {
		return err
	}
	tempFile, err := afero.TempFile(fs, directory, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()
	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		_ = fs.Remove(tempName)
		return err
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		_ = fs.Remove(tempName)
		return err
	}
	if err := tempFile.Close(); err != nil {
		_ = fs.Remove(tempName)
		return err
	}
	if err := fs.Rename(tempName, path); err != nil {
		_ = fs.Remove(tempName)
		return err
	}
	return nil
}
