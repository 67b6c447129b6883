package recording

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"emotiondemo/internal/artifact"
	"emotiondemo/internal/capture"
)

type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
)

// StopReason says which exit path ended a take.
type StopReason string

const (
	StopManual      StopReason = "manual"
	StopTimeout     StopReason = "timeout"
	StopHidden      StopReason = "hidden"
	StopDeviceEnded StopReason = "device_ended"
	StopCancelled   StopReason = "cancelled"
)

var (
	ErrAlreadyRecording = errors.New("already recording")
	ErrHostHidden       = errors.New("host is hidden")
)

type Config struct {
	MaxDuration  time.Duration
	ArtifactName string
	MimeType     string
	Clock        clock.Clock

	// OnStart and OnFinish run outside the controller lock.
	OnStart  func()
	OnFinish func(reason StopReason, in *artifact.Input)
}

// Controller runs one microphone capture at a time for a session and
// publishes finished recordings into the session's artifact slot.
type Controller struct {
	cfg  Config
	dev  capture.Device
	slot *artifact.Slot
	log  zerolog.Logger

	mu     sync.Mutex
	cur    *take
	hidden bool
}

// take is the state owned by a single recording.
type take struct {
	stream  capture.Stream
	timer   *clock.Timer
	started time.Time
	chunks  [][]byte
	done    chan struct{}
}

func NewController(cfg Config, dev capture.Device, slot *artifact.Slot, log zerolog.Logger) *Controller {
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 40 * time.Second
	}
	if cfg.ArtifactName == "" {
		cfg.ArtifactName = "recorded_audio.wav"
	}
	if cfg.MimeType == "" {
		cfg.MimeType = "audio/wav"
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Controller{
		cfg:  cfg,
		dev:  dev,
		slot: slot,
		log:  log,
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur != nil {
		return StateRecording
	}
	return StateIdle
}

// Elapsed is the length of the running take, zero when idle.
func (c *Controller) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return 0
	}
	return c.cfg.Clock.Since(c.cur.started)
}

// Start opens the device and begins accumulating chunks. The take is
// stopped automatically after MaxDuration. Nothing starts while the host
// is hidden.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	busy, hidden := c.cur != nil, c.hidden
	c.mu.Unlock()
	switch {
	case busy:
		return ErrAlreadyRecording
	case hidden:
		return ErrHostHidden
	}

	stream, err := c.dev.Open(ctx)
	if err != nil {
		if !errors.Is(err, capture.ErrDeviceUnavailable) && !errors.Is(err, context.Canceled) {
			err = errors.Wrap(capture.ErrDeviceUnavailable, err.Error())
		}
		c.log.Warn().Err(err).Msg("recording not started")
		return err
	}

	c.mu.Lock()
	if c.cur != nil || c.hidden {
		err := ErrAlreadyRecording
		if c.cur == nil {
			err = ErrHostHidden
		}
		c.mu.Unlock()
		_ = stream.Close()
		return err
	}
	t := &take{
		stream:  stream,
		started: c.cfg.Clock.Now(),
		done:    make(chan struct{}),
	}
	t.timer = c.cfg.Clock.AfterFunc(c.cfg.MaxDuration, func() {
		c.finish(t, StopTimeout)
	})
	c.cur = t
	c.mu.Unlock()

	go c.accumulate(t)

	c.log.Info().Dur("max", c.cfg.MaxDuration).Msg("recording started")
	if c.cfg.OnStart != nil {
		c.cfg.OnStart()
	}
	return nil
}

// Stop finalizes the running take and returns the new current artifact.
// It returns nil when idle.
func (c *Controller) Stop() *artifact.Input {
	return c.finish(c.running(), StopManual)
}

// Cancel drops the running take without producing an artifact.
func (c *Controller) Cancel() {
	c.finish(c.running(), StopCancelled)
}

// SetHidden tracks host visibility. Hiding the host stops a running take.
func (c *Controller) SetHidden(hidden bool) *artifact.Input {
	c.mu.Lock()
	c.hidden = hidden
	t := c.cur
	c.mu.Unlock()

	if !hidden {
		return nil
	}
	return c.finish(t, StopHidden)
}

func (c *Controller) Hidden() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hidden
}

func (c *Controller) running() *take {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *Controller) accumulate(t *take) {
	for chunk := range t.stream.Chunks() {
		t.chunks = append(t.chunks, chunk)
	}
	close(t.done)
	c.finish(t, StopDeviceEnded)
}

// finish ends t exactly once. Later calls for the same take are no-ops.
func (c *Controller) finish(t *take, reason StopReason) *artifact.Input {
	if t == nil {
		return nil
	}
	c.mu.Lock()
	if c.cur != t {
		c.mu.Unlock()
		return nil
	}
	c.cur = nil
	c.mu.Unlock()

	t.timer.Stop()
	if err := t.stream.Close(); err != nil {
		c.log.Debug().Err(err).Msg("release capture stream")
	}
	<-t.done

	elapsed := c.cfg.Clock.Since(t.started)
	var in *artifact.Input
	if reason != StopCancelled {
		in = artifact.New(c.cfg.ArtifactName, c.cfg.MimeType, artifact.SourceRecording, bytes.Join(t.chunks, nil))
		c.slot.Set(in)
	}
	t.chunks = nil

	c.log.Info().
		Str("reason", string(reason)).
		Dur("elapsed", elapsed).
		Int("bytes", in.Size()).
		Msg("recording stopped")

	if c.cfg.OnFinish != nil {
		c.cfg.OnFinish(reason, in)
	}
	return in
}
