package emotion

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"emotiondemo/internal/artifact"
)

var ErrNoInputArtifact = errors.New("no input artifact: upload a file or record audio first")

// Confidence always lands in [MinConfidence, MaxConfidence].
const (
	MinConfidence = 60
	MaxConfidence = 95

	// DefaultDelay is the simulated processing time of one analysis.
	DefaultDelay = 2 * time.Second
)

const (
	confidenceNoise = 20 // uniform(-10, +10)
	breakdownNoise  = 30 // uniform(-15, +15)
)

// Rand is the random source the synthesizer draws from. *rand.Rand fits.
type Rand interface {
	Float64() float64
	Intn(n int) int
}

// lockedRand makes a *rand.Rand safe for concurrent Analyze calls.
type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

func (l *lockedRand) Intn(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Intn(n)
}

type Config struct {
	Delay    time.Duration
	Rounding Rounding
	Rand     Rand
	Clock    clock.Clock
}

// Result is one synthesized classification. Confidence is kept unrounded.
type Result struct {
	Label      string         `json:"label"`
	Glyph      string         `json:"glyph"`
	Confidence float64        `json:"confidence"`
	Breakdown  map[string]int `json:"breakdown"`
	ArtifactID string         `json:"artifact_id"`
	At         time.Time      `json:"at"`
}

func (r *Result) DisplayConfidence() int {
	return int(math.Round(r.Confidence))
}

// Synthesizer produces simulated results. It never inspects the payload;
// a real classifier would replace pick/perturb while keeping Analyze.
type Synthesizer struct {
	cfg Config
	log zerolog.Logger
}

func NewSynthesizer(cfg Config, log zerolog.Logger) *Synthesizer {
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultDelay
	}
	if cfg.Rounding == "" {
		cfg.Rounding = LargestRemainder
	}
	if cfg.Rand == nil {
		cfg.Rand = &lockedRand{r: rand.New(rand.NewSource(time.Now().UnixNano()))}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Synthesizer{cfg: cfg, log: log}
}

func (s *Synthesizer) Analyze(ctx context.Context, in *artifact.Input) (*Result, error) {
	if in == nil {
		return nil, ErrNoInputArtifact
	}

	timer := s.cfg.Clock.Timer(s.cfg.Delay)
	select {
	case <-ctx.Done():
		timer.Stop()
		return nil, errors.Wrap(ctx.Err(), "analysis cancelled")
	case <-timer.C:
	}

	res := s.synthesize()
	res.ArtifactID = in.ID
	res.At = s.cfg.Clock.Now()

	s.log.Debug().
		Str("artifact", in.ID).
		Str("label", res.Label).
		Float64("confidence", res.Confidence).
		Interface("breakdown", res.Breakdown).
		Msg("analysis synthesized")
	return res, nil
}

func (s *Synthesizer) synthesize() *Result {
	p := catalog[s.cfg.Rand.Intn(len(catalog))]

	conf := clamp(p.BaseConfidence+s.noise(confidenceNoise), MinConfidence, MaxConfidence)

	raw := make([]float64, len(Categories))
	for i, c := range Categories {
		raw[i] = clamp(p.BaseBreakdown[c]+s.noise(breakdownNoise), 0, 100)
	}
	pct := Normalize(raw, s.cfg.Rounding)

	bd := make(map[string]int, len(Categories))
	for i, c := range Categories {
		bd[c] = pct[i]
	}

	return &Result{
		Label:      p.Label,
		Glyph:      p.Glyph,
		Confidence: conf,
		Breakdown:  bd,
	}
}

// noise returns uniform(-span/2, +span/2).
func (s *Synthesizer) noise(span float64) float64 {
	return (s.cfg.Rand.Float64() - 0.5) * span
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
