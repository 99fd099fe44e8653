package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const defaultFileMode os.FileMode = 0o644

// Materialize writes content to path so that readers only ever observe the
// complete file: the data goes to a uniquely named temporary file in the
// same directory, is synced, gets its mode, and is renamed over path.
func Materialize(content []byte, path string, mode os.FileMode) (err error) {
	if mode == 0 {
		mode = defaultFileMode
	}

	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.%s.tmp", base, uuid.NewString()))

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("materialize %s: %w", path, err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	if _, err = f.Write(content); err != nil {
		_ = f.Close()
		return fmt.Errorf("materialize %s: %w", path, err)
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("materialize %s: %w", path, err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("materialize %s: %w", path, err)
	}
	if err = os.Chmod(tmp, mode); err != nil {
		return fmt.Errorf("materialize %s: %w", path, err)
	}
	if err = os.Rename(tmp, path); err != nil {
		return fmt.Errorf("materialize %s: %w", path, err)
	}
	return nil
}
