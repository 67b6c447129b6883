package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"emotiondemo/internal/artifact"
	"emotiondemo/internal/capture"
	"emotiondemo/internal/emotion"
	"emotiondemo/internal/recording"
)

type events struct {
	mu  sync.Mutex
	all []Event
}

func (e *events) Notify(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.all = append(e.all, ev)
}

func (e *events) types() []EventType {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]EventType, 0, len(e.all))
	for _, ev := range e.all {
		out = append(out, ev.Type)
	}
	return out
}

type chanStream struct {
	ch   chan []byte
	once sync.Once
}

func (s *chanStream) Chunks() <-chan []byte { return s.ch }
func (s *chanStream) Close() error {
	s.once.Do(func() { close(s.ch) })
	return nil
}

// blockingAnalyzer holds Analyze until release is closed.
type blockingAnalyzer struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingAnalyzer) Analyze(ctx context.Context, in *artifact.Input) (*emotion.Result, error) {
	close(b.entered)
	<-b.release
	return &emotion.Result{Label: "sad", Confidence: 78, ArtifactID: in.ID}, nil
}

func newManager(t *testing.T, ev Notifier) (*Manager, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	m := NewManager(Config{
		Recording:   recording.Config{MaxDuration: 40 * time.Second},
		UploadLimit: 1024,
		IdleTimeout: time.Minute,
		Clock:       mock,
	}, ev, zerolog.Nop())
	return m, mock
}

func TestCreateAndGet(t *testing.T) {
	m, _ := newManager(t, nil)
	s := m.Create()
	require.NotEmpty(t, s.ID)

	got, err := m.Get(s.ID)
	require.NoError(t, err)
	require.Same(t, s, got)

	_, err = m.Get("missing")
	require.True(t, errors.Is(err, ErrNotFound))

	snap := s.Snapshot()
	require.Equal(t, recording.StateIdle, snap.State)
	require.True(t, snap.DeviceAvailable)
	require.Nil(t, snap.Artifact)
}

func TestAnalyzeWithoutArtifact(t *testing.T) {
	ev := &events{}
	m, _ := newManager(t, ev)
	s := m.Create()

	res, err := s.Analyze(context.Background(), emotion.NewSynthesizer(emotion.Config{Delay: time.Millisecond}, zerolog.Nop()))
	require.Nil(t, res)
	require.True(t, errors.Is(err, emotion.ErrNoInputArtifact))
	require.Equal(t, []EventType{EventError}, ev.types())
}

func TestAnalyzeRejectsSecondCall(t *testing.T) {
	m, _ := newManager(t, nil)
	s := m.Create()
	_, err := s.Upload("a.wav", "audio/wav", []byte{1, 2})
	require.NoError(t, err)

	a := &blockingAnalyzer{entered: make(chan struct{}), release: make(chan struct{})}
	done := make(chan error, 1)
	go func() {
		_, err := s.Analyze(context.Background(), a)
		done <- err
	}()
	<-a.entered

	_, err = s.Analyze(context.Background(), a)
	require.True(t, errors.Is(err, ErrAnalysisPending))
	require.True(t, s.Snapshot().Analyzing)

	close(a.release)
	require.NoError(t, <-done)
	require.False(t, s.Snapshot().Analyzing)
}

func TestAnalyzeResultEvents(t *testing.T) {
	ev := &events{}
	m, _ := newManager(t, ev)
	s := m.Create()
	in, err := s.Upload("a.wav", "audio/wav", []byte{1})
	require.NoError(t, err)

	res, err := s.Analyze(context.Background(), emotion.NewSynthesizer(emotion.Config{Delay: time.Millisecond}, zerolog.Nop()))
	require.NoError(t, err)
	require.Equal(t, in.ID, res.ArtifactID)
	require.Equal(t, []EventType{EventArtifact, EventAnalysisPending, EventResult}, ev.types())
}

func TestUploadAndRecordingShareSlot(t *testing.T) {
	ev := &events{}
	m, _ := newManager(t, ev)
	s := m.Create()

	up, err := s.Upload("a.wav", "audio/wav", []byte{1})
	require.NoError(t, err)
	require.Same(t, up, s.Slot.Current())

	st := &chanStream{ch: make(chan []byte, 1)}
	s.Device.Offer(st)
	require.NoError(t, s.StartRecording(context.Background()))
	st.ch <- []byte{7}

	rec := s.Recorder.Stop()
	require.NotNil(t, rec)
	require.Same(t, rec, s.Slot.Current())
	require.Equal(t, artifact.SourceRecording, s.Snapshot().Artifact.Source)

	// uploading mid-recording discards the take and keeps the upload
	st2 := &chanStream{ch: make(chan []byte, 1)}
	s.Device.Offer(st2)
	require.NoError(t, s.StartRecording(context.Background()))
	up2, err := s.Upload("b.wav", "audio/wav", []byte{2})
	require.NoError(t, err)
	require.Same(t, up2, s.Slot.Current())
	require.Equal(t, recording.StateIdle, s.Recorder.State())

	require.Contains(t, ev.types(), EventRecordingStarted)
	require.Contains(t, ev.types(), EventRecordingStopped)
}

func TestStartRecordingDenied(t *testing.T) {
	ev := &events{}
	m, _ := newManager(t, ev)
	s := m.Create()

	s.DeviceDenied("NotAllowedError")
	err := s.StartRecording(context.Background())
	require.True(t, errors.Is(err, capture.ErrDeviceUnavailable))
	require.False(t, s.Snapshot().DeviceAvailable)
	require.Equal(t, []EventType{EventDeviceState, EventDeviceState}, ev.types())
}

func TestStartRecordingWhileHidden(t *testing.T) {
	m, _ := newManager(t, nil)
	s := m.Create()

	s.Recorder.SetHidden(true)
	require.True(t, s.Snapshot().Hidden)

	s.Device.Offer(&chanStream{ch: make(chan []byte)})
	err := s.StartRecording(context.Background())
	require.True(t, errors.Is(err, recording.ErrHostHidden))
	require.Equal(t, recording.StateIdle, s.Snapshot().State)

	s.Recorder.SetHidden(false)
	require.False(t, s.Snapshot().Hidden)
	require.NoError(t, s.StartRecording(context.Background()))
	require.Equal(t, recording.StateRecording, s.Snapshot().State)
}

func TestSweepRemovesIdleSessions(t *testing.T) {
	m, mock := newManager(t, nil)
	idle := m.Create()

	st := &chanStream{ch: make(chan []byte)}
	idle.Device.Offer(st)
	require.NoError(t, idle.StartRecording(context.Background()))

	mock.Add(45 * time.Second)
	active := m.Create()
	mock.Add(30 * time.Second)

	require.Equal(t, 1, m.Sweep(mock.Now()))
	require.Equal(t, 1, m.Len())
	_, err := m.Get(active.ID)
	require.NoError(t, err)
	_, err = m.Get(idle.ID)
	require.True(t, errors.Is(err, ErrNotFound))
	require.Equal(t, recording.StateIdle, idle.Recorder.State())
}

func TestSweeperSchedules(t *testing.T) {
	m, _ := newManager(t, nil)
	sw, err := NewSweeper(m, time.Second, zerolog.Nop())
	require.NoError(t, err)
	sw.Start()
	sw.Stop()
}
