package relay

import (
	"fmt"
	"os"
	"path/filepath"
)

// spool mirrors frames to files that readers outside the process can poll.
// A frame becomes visible only through rename, so a reader never opens a
// half-written file.
type spool struct {
	dir string
}

func newSpool(dir string) (*spool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	return &spool{dir: dir}, nil
}

func (s *spool) path(source string) string {
	return filepath.Join(s.dir, source+".jpg")
}

func (s *spool) write(source string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, "."+source+"-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path(source)); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
