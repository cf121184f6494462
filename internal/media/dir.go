package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const cameraMetaFile = "camera.yaml"

// DirSource reads frames from a recorder's directory tree.
type DirSource struct {
	root string
}

// NewDirSource creates a source rooted at dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{root: dir}
}

// Cameras lists every camera directory. The camera name and channel count
// come from camera.yaml when present; otherwise the id is the name and the
// numbered channel directories are counted.
func (d *DirSource) Cameras(_ context.Context) (map[string]Camera, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]Camera{}, nil
		}
		return nil, fmt.Errorf("reading frames dir: %w", err)
	}

	out := make(map[string]Camera, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		cam, err := d.readCamera(e.Name())
		if err != nil {
			return nil, err
		}
		out[cam.ID] = cam
	}
	return out, nil
}

func (d *DirSource) readCamera(id string) (Camera, error) {
	dir := filepath.Join(d.root, id)
	cam := Camera{ID: id}

	data, err := os.ReadFile(filepath.Join(dir, cameraMetaFile))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cam); err != nil {
			return Camera{}, fmt.Errorf("parsing %s for camera %s: %w", cameraMetaFile, id, err)
		}
		cam.ID = id
	case !errors.Is(err, fs.ErrNotExist):
		return Camera{}, fmt.Errorf("reading %s for camera %s: %w", cameraMetaFile, id, err)
	}

	if cam.Name == "" {
		cam.Name = id
	}
	if cam.Channels <= 0 {
		cam.Channels = countChannels(dir)
	}
	return cam, nil
}

func countChannels(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 1
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := strconv.Atoi(e.Name()); err == nil {
			n++
		}
	}
	if n == 0 {
		return 1
	}
	return n
}

// Recent returns the newest n image files of a channel, oldest first.
// File names are expected to sort chronologically.
func (d *DirSource) Recent(_ context.Context, cameraID string, channel, n int) (*Sequence, error) {
	if n <= 0 {
		return nil, nil
	}
	camDir := filepath.Join(d.root, cameraID)
	if _, err := os.Stat(camDir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrCameraNotFound, cameraID)
		}
		return nil, fmt.Errorf("reading camera dir: %w", err)
	}

	dir := filepath.Join(camDir, strconv.Itoa(channel))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading channel dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !isImage(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	if len(names) == 0 {
		return nil, nil
	}
	sort.Strings(names)
	if len(names) > n {
		names = names[len(names)-n:]
	}

	seq := &Sequence{CameraID: cameraID, Channel: channel, Frames: make([]Frame, 0, len(names))}
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path) //nolint:gosec // path built from the configured frames dir
		if err != nil {
			return nil, fmt.Errorf("reading frame %s: %w", name, err)
		}
		frame := Frame{Data: data, MIME: mime.TypeByExtension(filepath.Ext(name))}
		if info, err := os.Stat(path); err == nil {
			frame.Timestamp = info.ModTime()
		}
		seq.Frames = append(seq.Frames, frame)
	}
	return seq, nil
}

func isImage(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}
