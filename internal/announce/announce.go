package announce

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"emotiondemo/internal/emotion"
)

// maxClipRunes bounds one clip. Announcements are short fixed phrases.
const maxClipRunes = 120

var (
	ErrUnknownLabel = errors.New("unknown emotion label")
	ErrClipTooLong  = errors.New("announcement text too long")
)

type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	Voice          string
	ResponseFormat string // mp3, wav, etc
	Speed          float64
	Timeout        time.Duration
	CacheDir       string
}

// Client speaks analysis results. Every phrase is rendered once and kept
// on disk under a name derived from the voice settings and the text.
type Client struct {
	cfg Config
	api *openai.Client
	log zerolog.Logger

	sf singleflight.Group
}

// Clip is one rendered phrase.
type Clip struct {
	Text     string
	Path     string
	CacheHit bool
}

// Announcement is a result spoken as a label clip followed by a
// confidence clip. CacheHit is set when no clip needed the API.
type Announcement struct {
	Text     string
	Clips    []Clip
	CacheHit bool
}

func NewClient(cfg Config, log zerolog.Logger) (*Client, error) {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.APIKey == "" {
		return nil, errors.New("missing OpenAI API key")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = string(openai.TTSModel1)
	}
	if cfg.Voice == "" {
		cfg.Voice = string(openai.VoiceNova)
	}
	if cfg.ResponseFormat == "" {
		cfg.ResponseFormat = string(openai.SpeechResponseFormatMp3)
	}
	if cfg.Speed <= 0 {
		cfg.Speed = 1.0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = "./cache/audio"
	}

	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return nil, err
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = cfg.BaseURL
	oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &Client{
		cfg: cfg,
		api: openai.NewClientWithConfig(oc),
		log: log,
	}, nil
}

func LabelPhrase(label string) string {
	return fmt.Sprintf("Sounds %s.", label)
}

func ConfidencePhrase(pct int) string {
	return fmt.Sprintf("%d percent confidence.", pct)
}

// Phrase is the full sentence spoken for a result.
func Phrase(res *emotion.Result) string {
	return LabelPhrase(res.Label) + " " + ConfidencePhrase(res.DisplayConfidence())
}

// AnnounceResult returns the clips for res in playback order.
func (c *Client) AnnounceResult(ctx context.Context, res *emotion.Result) (Announcement, error) {
	p, ok := emotion.Lookup(res.Label)
	if !ok {
		return Announcement{}, errors.Wrap(ErrUnknownLabel, res.Label)
	}

	out := Announcement{Text: Phrase(res), CacheHit: true}
	for _, text := range []string{LabelPhrase(p.Label), ConfidencePhrase(res.DisplayConfidence())} {
		clip, err := c.Speak(ctx, text)
		if err != nil {
			return Announcement{}, err
		}
		out.Clips = append(out.Clips, clip)
		out.CacheHit = out.CacheHit && clip.CacheHit
	}
	return out, nil
}

// Warm renders every clip an announcement can ask for: one per catalog
// label and one per reachable confidence value. Clips already on disk
// are skipped.
func (c *Client) Warm(ctx context.Context) error {
	texts := make([]string, 0, len(emotion.Categories)+emotion.MaxConfidence-emotion.MinConfidence+1)
	for _, p := range emotion.Catalog() {
		texts = append(texts, LabelPhrase(p.Label))
	}
	for pct := emotion.MinConfidence; pct <= emotion.MaxConfidence; pct++ {
		texts = append(texts, ConfidencePhrase(pct))
	}

	var rendered atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, text := range texts {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, c.cfg.Timeout)
			defer cancel()
			clip, err := c.Speak(cctx, text)
			if err != nil {
				return errors.Wrapf(err, "warm %q", text)
			}
			if !clip.CacheHit {
				rendered.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	c.log.Info().Int("clips", len(texts)).Int32("rendered", rendered.Load()).Msg("announcement clips ready")
	return nil
}

// Speak renders text once and returns the clip on disk.
func (c *Client) Speak(ctx context.Context, text string) (Clip, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Clip{}, errors.New("empty announcement text")
	}
	if n := utf8.RuneCountInString(text); n > maxClipRunes {
		return Clip{}, errors.Wrapf(ErrClipTooLong, "%d runes", n)
	}

	path := c.clipPath(text)
	if onDisk(path) {
		return Clip{Text: text, Path: path, CacheHit: true}, nil
	}

	hit, err, _ := c.sf.Do(path, func() (any, error) {
		if onDisk(path) {
			return true, nil
		}
		audio, err := c.synthesize(ctx, text)
		if err != nil {
			return false, err
		}
		return false, writeFileAtomic(path, audio)
	})
	if err != nil {
		return Clip{}, err
	}
	return Clip{Text: text, Path: path, CacheHit: hit.(bool)}, nil
}

func (c *Client) synthesize(ctx context.Context, text string) ([]byte, error) {
	resp, err := c.api.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(c.cfg.Model),
		Input:          text,
		Voice:          openai.SpeechVoice(c.cfg.Voice),
		ResponseFormat: openai.SpeechResponseFormat(c.cfg.ResponseFormat),
		Speed:          c.cfg.Speed,
	})
	if err != nil {
		return nil, errors.Wrap(err, "openai speech")
	}
	defer resp.Close()

	data, err := io.ReadAll(resp)
	if err != nil {
		return nil, errors.Wrap(err, "read speech audio")
	}
	if len(data) == 0 {
		return nil, errors.New("empty audio response")
	}
	return data, nil
}

// clipPath is "<slug>-<hash>.<ext>": readable in the cache dir, and a
// voice or model change never reuses old audio.
func (c *Client) clipPath(text string) string {
	settings := strings.Join([]string{
		c.cfg.Model,
		c.cfg.Voice,
		c.cfg.ResponseFormat,
		strconv.FormatFloat(c.cfg.Speed, 'f', 2, 64),
		text,
	}, "\x00")
	sum := sha256.Sum256([]byte(settings))
	name := slug(text) + "-" + hex.EncodeToString(sum[:6]) + "." + audioExt(c.cfg.ResponseFormat)
	return filepath.Join(c.cfg.CacheDir, name)
}

func slug(text string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(text) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(r)
			dash = false
			continue
		}
		dash = true
	}
	return b.String()
}

func audioExt(format string) string {
	switch f := openai.SpeechResponseFormat(strings.ToLower(strings.TrimSpace(format))); f {
	case openai.SpeechResponseFormatOpus,
		openai.SpeechResponseFormatAac,
		openai.SpeechResponseFormatFlac,
		openai.SpeechResponseFormatWav,
		openai.SpeechResponseFormatPcm:
		return string(f)
	}
	return "mp3"
}

func onDisk(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir() && st.Size() > 0
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
