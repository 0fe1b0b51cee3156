package logging

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

type RotateOptions struct {
	MaxSizeBytes int64
	MaxBackups   int
}

// RotatingFile is a zapcore.WriteSyncer that renames the active file to
// path.1 (shifting older backups up) once it would grow past MaxSizeBytes.
type RotatingFile struct {
	mu   sync.Mutex
	path string
	opts RotateOptions
	file *os.File
	size int64
}

func OpenRotatingFile(path string, opts RotateOptions) (*RotatingFile, error) {
	if path == "" {
		return nil, fmt.Errorf("log path is required")
	}
	if opts.MaxSizeBytes <= 0 {
		return nil, fmt.Errorf("max log size must be > 0")
	}
	if opts.MaxBackups < 0 {
		opts.MaxBackups = 0
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	w := &RotatingFile{path: path, opts: opts}
	if err := w.openLocked(os.O_APPEND); err != nil {
		return nil, err
	}
	if w.size > opts.MaxSizeBytes {
		if err := w.rotateLocked(); err != nil {
			_ = w.file.Close()
			return nil, err
		}
	}
	return w, nil
}

func (w *RotatingFile) openLocked(mode int) error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|mode, 0o644)
	if err != nil {
		return err
	}
	w.file = f
	w.size = 0
	if mode == os.O_APPEND {
		if st, err := f.Stat(); err == nil {
			w.size = st.Size()
		}
	}
	return nil
}

func (w *RotatingFile) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	// A single entry larger than the limit still goes into an empty file.
	if w.size > 0 && w.size+int64(len(p)) > w.opts.MaxSizeBytes {
		if err := w.rotateLocked(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *RotatingFile) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.file.Sync()
}

func (w *RotatingFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *RotatingFile) rotateLocked() error {
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return err
		}
		w.file = nil
	}

	var err error
	if w.opts.MaxBackups == 0 {
		err = removeIfExists(w.path)
	} else {
		err = w.shiftBackups()
	}
	if err != nil {
		return err
	}
	return w.openLocked(os.O_TRUNC)
}

func (w *RotatingFile) shiftBackups() error {
	if err := removeIfExists(w.backup(w.opts.MaxBackups)); err != nil {
		return err
	}
	for idx := w.opts.MaxBackups - 1; idx >= 0; idx-- {
		src := w.path
		if idx > 0 {
			src = w.backup(idx)
		}
		if err := os.Rename(src, w.backup(idx+1)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (w *RotatingFile) backup(idx int) string {
	return fmt.Sprintf("%s.%d", w.path, idx)
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
