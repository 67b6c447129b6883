package artifact

import (
	"mime"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type Source string

const (
	SourceUpload    Source = "upload"
	SourceRecording Source = "recording"
)

var (
	ErrEmptyPayload = errors.New("empty audio payload")
	ErrNotAudio     = errors.New("not an audio file")
	ErrTooLarge     = errors.New("audio payload too large")
)

// Input is the audio payload currently selected for analysis.
type Input struct {
	ID        string
	Name      string
	MimeType  string
	Source    Source
	Payload   []byte
	CreatedAt time.Time
}

func (in *Input) Size() int {
	if in == nil {
		return 0
	}
	return len(in.Payload)
}

// Info is the payload-free view sent to the page.
type Info struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	MimeType  string    `json:"mime_type"`
	Source    Source    `json:"source"`
	Bytes     int       `json:"bytes"`
	CreatedAt time.Time `json:"created_at"`
}

func (in *Input) Info() *Info {
	if in == nil {
		return nil
	}
	return &Info{
		ID:        in.ID,
		Name:      in.Name,
		MimeType:  in.MimeType,
		Source:    in.Source,
		Bytes:     len(in.Payload),
		CreatedAt: in.CreatedAt,
	}
}

func New(name, mimeType string, src Source, payload []byte) *Input {
	return &Input{
		ID:        uuid.NewString(),
		Name:      name,
		MimeType:  mimeType,
		Source:    src,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

// FromUpload validates a user supplied file. The declared MIME type wins;
// when it is missing or generic the extension decides.
func FromUpload(name, declared string, payload []byte, maxBytes int64) (*Input, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	if maxBytes > 0 && int64(len(payload)) > maxBytes {
		return nil, errors.Wrapf(ErrTooLarge, "%d bytes", len(payload))
	}
	mt := audioMime(name, declared)
	if mt == "" {
		return nil, errors.Wrapf(ErrNotAudio, "%s (%s)", filepath.Base(name), declared)
	}
	return New(filepath.Base(name), mt, SourceUpload, payload), nil
}

func audioMime(name, declared string) string {
	if mt, _, err := mime.ParseMediaType(declared); err == nil && strings.HasPrefix(mt, "audio/") {
		return mt
	}
	ext := strings.ToLower(filepath.Ext(name))
	if byExt := mime.TypeByExtension(ext); byExt != "" {
		if mt, _, err := mime.ParseMediaType(byExt); err == nil && strings.HasPrefix(mt, "audio/") {
			return mt
		}
	}
	switch ext {
	case ".wav":
		return "audio/wav"
	case ".mp3":
		return "audio/mpeg"
	case ".m4a":
		return "audio/mp4"
	case ".ogg", ".oga":
		return "audio/ogg"
	case ".webm":
		return "audio/webm"
	case ".flac":
		return "audio/flac"
	}
	return ""
}

// Slot holds the single current Input. Uploads and recordings share it,
// so selecting one always replaces the other.
type Slot struct {
	mu  sync.RWMutex
	cur *Input
}

// Set replaces the current input and returns the one it superseded.
func (s *Slot) Set(in *Input) *Input {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cur
	s.cur = in
	return prev
}

func (s *Slot) Current() *Input {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

func (s *Slot) Clear() {
	s.mu.Lock()
	s.cur = nil
	s.mu.Unlock()
}
