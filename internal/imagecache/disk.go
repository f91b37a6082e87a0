package imagecache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"

	"github.com/MarcoPoloResearchLab/findmyfood/internal/fsutil"
	"github.com/spf13/afero"
)

// diskTier keeps one file per image, named by the SHA-256 of the normalized URL.
type diskTier struct {
	fs        afero.Fs
	directory string
}

func newDiskTier(fs afero.Fs, directory string) (*diskTier, error) {
	tier := &diskTier{fs: fs, directory: directory}
	if err := tier.ensureDirectory(); err != nil {
		return nil, err
	}
	return tier, nil
}

func (d *diskTier) ensureDirectory() error {
	return d.fs.MkdirAll(d.directory, 0o755)
}

func diskKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (d *diskTier) path(key string) string {
	return filepath.Join(d.directory, diskKey(key))
}

// read returns the stored payload; found is false when no file exists for the key.
func (d *diskTier) read(key string) (data []byte, found bool, err error) {
	data, err = afero.ReadFile(d.fs, d.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

// write replaces the file atomically so readers never see a partial image.
func (d *diskTier) write(key string, data []byte) error {
	return fsutil.WriteFileAtomic(d.fs, d.path(key), data)
}

func (d *diskTier) remove(key string) error {
	if err := d.fs.Remove(d.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// clear removes the directory and recreates it empty.
func (d *diskTier) clear() error {
	if err := d.fs.RemoveAll(d.directory); err != nil {
		return err
	}
	return d.ensureDirectory()
}
