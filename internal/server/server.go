package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"emotiondemo/internal/announce"
	"emotiondemo/internal/artifact"
	"emotiondemo/internal/capture"
	"emotiondemo/internal/emotion"
	"emotiondemo/internal/recording"
	"emotiondemo/internal/session"
)

type Config struct {
	Bind              string
	Port              int
	AudioDir          string
	ReadHeaderTimeout time.Duration
	UploadLimit       int64
	MaxChunkSize      int
	AnnounceTimeout   time.Duration
}

// Announcer speaks a result. Optional.
type Announcer interface {
	AnnounceResult(ctx context.Context, res *emotion.Result) (announce.Announcement, error)
}

type Event struct {
	Time      time.Time       `json:"time"`
	Session   string          `json:"session"`
	Type      string          `json:"type"`
	Reason    string          `json:"reason,omitempty"`
	Message   string          `json:"message,omitempty"`
	Artifact  *artifact.Info  `json:"artifact,omitempty"`
	Result    *emotion.Result `json:"result,omitempty"`
	Available *bool           `json:"available,omitempty"`
	AudioURLs []string        `json:"audio_urls,omitempty"`
	CacheHit  bool            `json:"cache_hit,omitempty"`
}

type Server struct {
	cfg       Config
	sessions  *session.Manager
	analyzer  session.Analyzer
	announcer Announcer
	log       zerolog.Logger
	upgrader  websocket.Upgrader

	mu      sync.Mutex
	clients map[chan []byte]string
	history []Event
}

func New(cfg Config, log zerolog.Logger) *Server {
	if cfg.Bind == "" {
		cfg.Bind = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 8092
	}
	if cfg.AudioDir == "" {
		cfg.AudioDir = "./cache/audio"
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}
	if cfg.UploadLimit <= 0 {
		cfg.UploadLimit = 25 << 20
	}
	if cfg.AnnounceTimeout <= 0 {
		cfg.AnnounceTimeout = 30 * time.Second
	}
	_ = os.MkdirAll(cfg.AudioDir, 0o755)

	return &Server{
		cfg: cfg,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 << 10,
			WriteBufferSize: 1 << 10,
		},
		clients: make(map[chan []byte]string),
		history: make([]Event, 0, 200),
	}
}

// Attach wires the session registry and analyzer. The server is the
// registry's notifier, so it is created first.
func (s *Server) Attach(mgr *session.Manager, analyzer session.Analyzer) {
	s.sessions = mgr
	s.analyzer = analyzer
}

// SetAnnouncer enables spoken results.
func (s *Server) SetAnnouncer(a Announcer) {
	s.announcer = a
}

func (s *Server) Addr() string {
	return fmt.Sprintf("http://%s:%d", s.cfg.Bind, s.cfg.Port)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// UI
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /app.js", s.handleAppJS)

	// SSE stream
	mux.HandleFunc("GET /events", s.handleSSE)

	// Session API
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.withSession(s.handleGetSession))
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /api/sessions/{id}/upload", s.withSession(s.handleUpload))
	mux.HandleFunc("POST /api/sessions/{id}/device", s.withSession(s.handleDevice))
	mux.HandleFunc("POST /api/sessions/{id}/record/stop", s.withSession(s.handleStop))
	mux.HandleFunc("POST /api/sessions/{id}/visibility", s.withSession(s.handleVisibility))
	mux.HandleFunc("POST /api/sessions/{id}/analyze", s.withSession(s.handleAnalyze))

	// Microphone capture socket
	mux.HandleFunc("GET /ws/capture", s.handleCapture)

	// Health
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Serve cached announcement audio
	audioFS := http.FileServer(http.Dir(s.cfg.AudioDir))
	mux.Handle("GET /audio/", http.StripPrefix("/audio/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// prevent directory listing patterns
		if r.URL.Path == "" || r.URL.Path == "/" {
			http.NotFound(w, r)
			return
		}
		// basic traversal protection
		clean := filepath.Clean(r.URL.Path)
		if clean == "." || clean == ".." || clean[0] == '/' || clean == `\` {
			http.Error(w, "bad path", http.StatusBadRequest)
			return
		}
		audioFS.ServeHTTP(w, r)
	})))

	return mux
}

func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Bind, s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	// shutdown
	go func() {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
	}()

	s.log.Info().Str("addr", srv.Addr).Msg("http server listening")
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Notify implements session.Notifier.
func (s *Server) Notify(ev session.Event) {
	s.Broadcast(Event{
		Time:      time.Now(),
		Session:   ev.Session,
		Type:      string(ev.Type),
		Reason:    ev.Reason,
		Message:   ev.Message,
		Artifact:  ev.Artifact,
		Result:    ev.Result,
		Available: ev.Available,
	})
}

func (s *Server) Broadcast(ev Event) {
	s.mu.Lock()
	// history
	if len(s.history) >= 500 {
		s.history = s.history[len(s.history)-400:]
	}
	s.history = append(s.history, ev)

	// push to the session's clients
	b, _ := json.Marshal(ev)
	for ch, sid := range s.clients {
		if sid != ev.Session {
			continue
		}
		select {
		case ch <- b:
		default:
			// slow client: drop
		}
	}
	s.mu.Unlock()
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	sid := r.URL.Query().Get("session")
	if _, err := s.sessions.Get(sid); err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	clientCh := make(chan []byte, 64)

	s.mu.Lock()
	s.clients[clientCh] = sid
	// send recent history on connect
	var hist []Event
	for _, ev := range s.history {
		if ev.Session == sid {
			hist = append(hist, ev)
		}
	}
	s.mu.Unlock()

	for _, ev := range hist {
		b, _ := json.Marshal(ev)
		fmt.Fprintf(w, "data: %s\n\n", b)
	}
	flusher.Flush()

	notify := r.Context().Done()
	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	defer func() {
		s.mu.Lock()
		delete(s.clients, clientCh)
		close(clientCh)
		s.mu.Unlock()
	}()

	for {
		select {
		case <-notify:
			return
		case <-keepAlive.C:
			// comment line keeps connection alive
			fmt.Fprintf(w, ": ping %d\n\n", time.Now().Unix())
			flusher.Flush()
		case msg := <-clientCh:
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, sess *session.Session)

func (s *Server) withSession(h sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.sessions.Get(r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		h(w, r, sess)
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.Create()
	writeJSON(w, http.StatusCreated, sess.Snapshot())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	s.sessions.Remove(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	// room for the multipart envelope on top of the payload limit
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.UploadLimit+(1<<20))

	file, hdr, err := r.FormFile("file")
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, artifact.ErrTooLarge)
			return
		}
		http.Error(w, "missing file: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "read upload: "+err.Error(), http.StatusBadRequest)
		return
	}

	if _, err := sess.Upload(hdr.Filename, hdr.Header.Get("Content-Type"), data); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	var body struct {
		Available bool   `json:"available"`
		Reason    string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if !body.Available {
		sess.DeviceDenied(body.Reason)
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	in := sess.Recorder.Stop()
	writeJSON(w, http.StatusOK, map[string]any{
		"artifact": in.Info(),
		"session":  sess.Snapshot(),
	})
}

func (s *Server) handleVisibility(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	var body struct {
		Hidden bool `json:"hidden"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
		return
	}
	sess.Recorder.SetHidden(body.Hidden)
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	res, err := sess.Analyze(r.Context(), s.analyzer)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.announcer != nil {
		go s.announce(sess.ID, res)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"result":             res,
		"display_confidence": res.DisplayConfidence(),
	})
}

func (s *Server) announce(sid string, res *emotion.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AnnounceTimeout)
	defer cancel()

	out, err := s.announcer.AnnounceResult(ctx, res)
	if err != nil {
		s.log.Error().Err(err).Str("session", sid).Str("label", res.Label).Msg("announcement failed")
		return
	}
	// clips play in order
	urls := make([]string, 0, len(out.Clips))
	for _, c := range out.Clips {
		urls = append(urls, "/audio/"+filepath.Base(c.Path))
	}
	s.Broadcast(Event{
		Time:      time.Now(),
		Session:   sid,
		Type:      "announcement",
		Message:   out.Text,
		AudioURLs: urls,
		CacheHit:  out.CacheHit,
	})
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.URL.Query().Get("session"))
	if err != nil {
		writeError(w, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied
		s.log.Debug().Err(err).Msg("capture upgrade failed")
		return
	}

	stream := capture.NewWSStream(conn, s.cfg.MaxChunkSize, s.log.With().Str("session", sess.ID).Logger())
	sess.Device.Offer(stream)
	if err := sess.StartRecording(r.Context()); err != nil {
		sess.Device.Release()
		s.log.Warn().Err(err).Str("session", sess.ID).Msg("capture rejected")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, emotion.ErrNoInputArtifact):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrAnalysisPending),
		errors.Is(err, capture.ErrDeviceUnavailable),
		errors.Is(err, recording.ErrAlreadyRecording),
		errors.Is(err, recording.ErrHostHidden):
		status = http.StatusConflict
	case errors.Is(err, artifact.ErrTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, artifact.ErrNotAudio):
		status = http.StatusUnsupportedMediaType
	case errors.Is(err, artifact.ErrEmptyPayload):
		status = http.StatusBadRequest
	case errors.Is(err, context.Canceled):
		status = 499
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
