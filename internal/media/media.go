package media

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"time"
)

var (
	// ErrCameraNotFound is returned for an unknown camera id.
	ErrCameraNotFound = errors.New("media: camera not found")
)

// Camera describes one camera and its channel count.
type Camera struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	Channels int    `json:"channels" yaml:"channels"`
}

// Frame is one captured image.
type Frame struct {
	Data      []byte
	MIME      string
	Timestamp time.Time
}

// DataURL encodes the frame as a data: URL suitable for an image_url part.
func (f Frame) DataURL() string {
	mime := f.MIME
	if mime == "" {
		mime = http.DetectContentType(f.Data)
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(f.Data)
}

// Sequence is an ordered run of frames from one camera channel, oldest first.
type Sequence struct {
	CameraID string
	Channel  int
	Frames   []Frame
}

// Len returns the number of frames.
func (s *Sequence) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Frames)
}

// FrameSource lists cameras and returns their most recent frames.
type FrameSource interface {
	Cameras(ctx context.Context) (map[string]Camera, error)
	// Recent returns up to n of the newest frames, oldest first, or nil
	// when the channel has none.
	Recent(ctx context.Context, cameraID string, channel, n int) (*Sequence, error)
}

// MotionFunc reports whether two frames differ enough to count as motion.
type MotionFunc func(first, last []byte) bool

// HasMotion compares the first and last frames of seq. Sequences shorter
// than two frames never show motion.
func HasMotion(seq *Sequence, detect MotionFunc) bool {
	if seq.Len() < 2 || detect == nil {
		return false
	}
	return detect(seq.Frames[0].Data, seq.Frames[len(seq.Frames)-1].Data)
}
