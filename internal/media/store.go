package media

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
)

const (
	storeDirPerm  = 0750
	storeFilePerm = 0640
)

// Store keeps copies of frames attached to log entries.
type Store struct {
	root string
}

// NewStore creates a store writing under dir.
func NewStore(dir string) *Store {
	return &Store{root: dir}
}

// Save writes every frame of seq and returns the written paths in order.
func (s *Store) Save(seq *Sequence) ([]string, error) {
	if seq.Len() == 0 {
		return nil, nil
	}

	dir := filepath.Join(s.root, seq.CameraID, strconv.Itoa(seq.Channel))
	if err := os.MkdirAll(dir, storeDirPerm); err != nil {
		return nil, fmt.Errorf("creating image dir: %w", err)
	}

	batch := uuid.NewString()
	paths := make([]string, 0, len(seq.Frames))
	for i, f := range seq.Frames {
		path := filepath.Join(dir, fmt.Sprintf("%s-%02d%s", batch, i, extension(f)))
		if err := os.WriteFile(path, f.Data, storeFilePerm); err != nil {
			return paths, fmt.Errorf("writing image: %w", err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func extension(f Frame) string {
	if f.MIME != "" {
		if exts, err := mime.ExtensionsByType(f.MIME); err == nil && len(exts) > 0 {
			for _, e := range exts {
				if e == ".jpg" || e == ".png" {
					return e
				}
			}
			return exts[0]
		}
	}
	return ".jpg"
}
