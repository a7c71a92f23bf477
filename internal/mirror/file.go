package mirror

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	fileMirrorExt  = ".json"
	lockFileName   = ".schediq.lock"
	fileMirrorMode = 0o644
)

// FileBackend stores each key as <dir>/<key>.json. Writes go through a temp
// file and rename while holding an exclusive advisory lock on the directory.
type FileBackend struct {
	Dir string
}

func NewFileBackend(dir string) *FileBackend {
	return &FileBackend{Dir: strings.TrimSpace(dir)}
}

func (b *FileBackend) Path(key string) string {
	return filepath.Join(b.Dir, sanitizeKey(key)+fileMirrorExt)
}

func (b *FileBackend) Load(_ context.Context, key string) ([]byte, error) {
	if b.Dir == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func (b *FileBackend) Save(_ context.Context, key string, data []byte) error {
	if b.Dir == "" {
		return fmt.Errorf("%w: file mirror has no directory", ErrInvalidDSN)
	}
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return err
	}
	unlock, err := b.lock()
	if err != nil {
		return err
	}
	defer unlock()
	return writeFileAtomic(b.Path(key), data, fileMirrorMode)
}

func (b *FileBackend) Delete(_ context.Context, key string) error {
	if b.Dir == "" {
		return nil
	}
	if _, err := os.Stat(b.Dir); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	unlock, err := b.lock()
	if err != nil {
		return err
	}
	defer unlock()
	if err := os.Remove(b.Path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (b *FileBackend) lock() (func(), error) {
	f, err := os.OpenFile(filepath.Join(b.Dir, lockFileName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open mirror lock: %w", err)
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("lock mirror: %w", err)
	}
	return func() {
		_ = unlockFile(f)
		_ = f.Close()
	}, nil
}

// sanitizeKey keeps keys inside the mirror directory.
func sanitizeKey(key string) string {
	key = strings.TrimSpace(key)
	replacer := strings.NewReplacer("/", "_", "\\", "_", "..", "_")
	key = replacer.Replace(key)
	if key == "" {
		return "_"
	}
	return key
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
