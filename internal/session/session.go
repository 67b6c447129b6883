package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"emotiondemo/internal/artifact"
	"emotiondemo/internal/capture"
	"emotiondemo/internal/emotion"
	"emotiondemo/internal/recording"
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrAnalysisPending = errors.New("analysis already in progress")
)

// Notifier receives session lifecycle events.
type Notifier interface {
	Notify(ev Event)
}

type NotifierFunc func(ev Event)

func (f NotifierFunc) Notify(ev Event) { f(ev) }

type EventType string

const (
	EventRecordingStarted EventType = "recording_started"
	EventRecordingStopped EventType = "recording_stopped"
	EventArtifact         EventType = "artifact"
	EventDeviceState      EventType = "device"
	EventAnalysisPending  EventType = "analysis_pending"
	EventResult           EventType = "result"
	EventError            EventType = "error"
)

type Event struct {
	Session   string
	Type      EventType
	Reason    string
	Message   string
	Artifact  *artifact.Info
	Result    *emotion.Result
	Available *bool
}

// Analyzer turns the current artifact into a result.
type Analyzer interface {
	Analyze(ctx context.Context, in *artifact.Input) (*emotion.Result, error)
}

type Config struct {
	Recording   recording.Config
	UploadLimit int64
	IdleTimeout time.Duration
	Clock       clock.Clock
}

// Session is the per-client replacement for the page's global flags: one
// artifact slot, one device, one recorder.
type Session struct {
	ID      string
	Created time.Time

	Slot     *artifact.Slot
	Device   *capture.Broker
	Recorder *recording.Controller

	analyzing atomic.Bool
	lastSeen  atomic.Int64

	uploadLimit int64
	notify      Notifier
	log         zerolog.Logger
}

// Snapshot is the JSON view of a session.
type Snapshot struct {
	ID              string          `json:"id"`
	State           recording.State `json:"state"`
	ElapsedMs       int64           `json:"elapsed_ms"`
	DeviceAvailable bool            `json:"device_available"`
	Hidden          bool            `json:"hidden"`
	Analyzing       bool            `json:"analyzing"`
	Artifact        *artifact.Info  `json:"artifact,omitempty"`
}

func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		ID:              s.ID,
		State:           s.Recorder.State(),
		ElapsedMs:       s.Recorder.Elapsed().Milliseconds(),
		DeviceAvailable: s.Device.Available(),
		Hidden:          s.Recorder.Hidden(),
		Analyzing:       s.analyzing.Load(),
		Artifact:        s.Slot.Current().Info(),
	}
}

// Upload makes a user file the current artifact. A running take is
// discarded so the upload is not superseded when it ends.
func (s *Session) Upload(name, mimeType string, payload []byte) (*artifact.Input, error) {
	in, err := artifact.FromUpload(name, mimeType, payload, s.uploadLimit)
	if err != nil {
		return nil, err
	}
	s.Recorder.Cancel()
	s.Slot.Set(in)

	s.log.Info().Str("name", in.Name).Str("mime", in.MimeType).Int("bytes", in.Size()).Msg("file selected")
	s.emit(Event{Type: EventArtifact, Reason: string(artifact.SourceUpload), Artifact: in.Info()})
	return in, nil
}

// StartRecording claims the device and begins a take.
func (s *Session) StartRecording(ctx context.Context) error {
	err := s.Recorder.Start(ctx)
	if errors.Is(err, capture.ErrDeviceUnavailable) {
		avail := s.Device.Available()
		s.emit(Event{Type: EventDeviceState, Message: err.Error(), Available: &avail})
	}
	return err
}

// DeviceDenied records that the page could not obtain the microphone.
func (s *Session) DeviceDenied(reason string) {
	s.Device.MarkUnavailable(reason)
	avail := false
	s.log.Warn().Str("reason", reason).Msg("microphone unavailable")
	s.emit(Event{Type: EventDeviceState, Message: reason, Available: &avail})
}

// Analyze runs one analysis of the current artifact. A second call while
// the first is pending is rejected.
func (s *Session) Analyze(ctx context.Context, a Analyzer) (*emotion.Result, error) {
	in := s.Slot.Current()
	if in == nil {
		s.emit(Event{Type: EventError, Message: emotion.ErrNoInputArtifact.Error()})
		return nil, emotion.ErrNoInputArtifact
	}
	if !s.analyzing.CompareAndSwap(false, true) {
		return nil, ErrAnalysisPending
	}
	defer s.analyzing.Store(false)

	s.emit(Event{Type: EventAnalysisPending, Artifact: in.Info()})
	res, err := a.Analyze(ctx, in)
	if err != nil {
		s.emit(Event{Type: EventError, Message: err.Error()})
		return nil, err
	}
	s.emit(Event{Type: EventResult, Result: res, Artifact: in.Info()})
	return res, nil
}

func (s *Session) touch(now time.Time) {
	s.lastSeen.Store(now.UnixNano())
}

func (s *Session) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastSeen.Load()))
}

func (s *Session) emit(ev Event) {
	if s.notify == nil {
		return
	}
	ev.Session = s.ID
	s.notify.Notify(ev)
}

// Manager owns every live session.
type Manager struct {
	cfg    Config
	notify Notifier
	log    zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(cfg Config, notify Notifier, log zerolog.Logger) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Recording.Clock == nil {
		cfg.Recording.Clock = cfg.Clock
	}
	return &Manager{
		cfg:      cfg,
		notify:   notify,
		log:      log,
		sessions: make(map[string]*Session),
	}
}

func (m *Manager) Create() *Session {
	id := uuid.NewString()
	lg := m.log.With().Str("session", id).Logger()

	s := &Session{
		ID:          id,
		Created:     m.cfg.Clock.Now(),
		Slot:        &artifact.Slot{},
		Device:      capture.NewBroker(),
		uploadLimit: m.cfg.UploadLimit,
		notify:      m.notify,
		log:         lg,
	}

	rc := m.cfg.Recording
	rc.OnStart = func() {
		s.emit(Event{Type: EventRecordingStarted})
	}
	rc.OnFinish = func(reason recording.StopReason, in *artifact.Input) {
		s.emit(Event{Type: EventRecordingStopped, Reason: string(reason), Artifact: in.Info()})
		if in != nil {
			s.emit(Event{Type: EventArtifact, Reason: string(artifact.SourceRecording), Artifact: in.Info()})
		}
	}
	s.Recorder = recording.NewController(rc, s.Device, s.Slot, lg)
	s.touch(s.Created)

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	lg.Info().Msg("session created")
	return s
}

// Get returns a live session and marks it as seen.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	s := m.sessions[id]
	m.mu.Unlock()
	if s == nil {
		return nil, errors.Wrap(ErrNotFound, id)
	}
	s.touch(m.cfg.Clock.Now())
	return s, nil
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) Remove(id string) {
	m.mu.Lock()
	s := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if s != nil {
		s.close()
	}
}

// Sweep drops sessions idle for longer than IdleTimeout and returns how
// many were removed.
func (m *Manager) Sweep(now time.Time) int {
	var stale []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		if s.idleSince(now) > m.cfg.IdleTimeout {
			stale = append(stale, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		s.close()
	}
	if len(stale) > 0 {
		m.log.Info().Int("removed", len(stale)).Int("live", m.Len()).Msg("idle sessions swept")
	}
	return len(stale)
}

// Close ends every session, releasing any held device.
func (m *Manager) Close() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		all = append(all, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, s := range all {
		s.close()
	}
}

func (s *Session) close() {
	s.Recorder.Cancel()
	s.Device.Release()
	s.Slot.Clear()
	s.log.Debug().Msg("session closed")
}
