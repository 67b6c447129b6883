package capture

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrDeviceUnavailable means microphone access was denied or no device exists.
var ErrDeviceUnavailable = errors.New("audio input device unavailable")

// Device hands out exclusive access to an audio input.
type Device interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream is an open capture. Chunks is closed when the stream terminates,
// either on its own or after Close. Close releases the device and may be
// called more than once.
type Stream interface {
	Chunks() <-chan []byte
	Close() error
}

// Broker is a Device fed by the browser: the page grants microphone access,
// opens a capture socket and the socket is offered here until a recording
// claims it.
type Broker struct {
	mu          sync.Mutex
	pending     Stream
	unavailable string
}

func NewBroker() *Broker {
	return &Broker{}
}

// Offer parks a freshly connected stream. Any stream still parked is
// released. Offering also clears an earlier denial.
func (b *Broker) Offer(s Stream) {
	b.mu.Lock()
	prev := b.pending
	b.pending = s
	b.unavailable = ""
	b.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
}

// MarkUnavailable records that the page could not get microphone access.
func (b *Broker) MarkUnavailable(reason string) {
	if reason == "" {
		reason = "permission denied"
	}
	b.mu.Lock()
	prev := b.pending
	b.pending = nil
	b.unavailable = reason
	b.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
}

// Available reports whether recording should be offered to the user.
func (b *Broker) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unavailable == ""
}

func (b *Broker) Open(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.unavailable != "" {
		return nil, errors.Wrap(ErrDeviceUnavailable, b.unavailable)
	}
	if b.pending == nil {
		return nil, errors.Wrap(ErrDeviceUnavailable, "no capture stream connected")
	}
	s := b.pending
	b.pending = nil
	return s, nil
}

// Release drops any parked stream.
func (b *Broker) Release() {
	b.mu.Lock()
	prev := b.pending
	b.pending = nil
	b.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
}
