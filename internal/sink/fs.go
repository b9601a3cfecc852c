package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FS writes each record as <dir>/<run>/t<turn>-c<chunk>-w<worker>.json.
type FS struct {
	Dir string
}

func (f FS) Path(rec Record) string {
	return filepath.Join(f.Dir, rec.RunID, rec.Name())
}

func (f FS) Persist(_ context.Context, rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	dst := f.Path(rec)
	if err := writeFileAtomic(dst, data, 0o640); err != nil {
		return fmt.Errorf("persist chunk %d: %w", rec.Chunk, err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := os.Chmod(name, perm); err != nil {
		_ = os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}
