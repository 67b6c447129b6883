package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"emotiondemo/internal/announce"
	"emotiondemo/internal/emotion"
	"emotiondemo/internal/recording"
	"emotiondemo/internal/session"
)

type stubAnnouncer struct {
	calls atomic.Int32
}

func (a *stubAnnouncer) AnnounceResult(ctx context.Context, res *emotion.Result) (announce.Announcement, error) {
	a.calls.Add(1)
	return announce.Announcement{
		Text: announce.Phrase(res),
		Clips: []announce.Clip{
			{Path: filepath.Join("cache", "sounds-"+res.Label+".mp3"), CacheHit: true},
			{Path: filepath.Join("cache", "confidence.mp3"), CacheHit: true},
		},
		CacheHit: true,
	}, nil
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv := New(Config{AudioDir: t.TempDir(), UploadLimit: 1024, MaxChunkSize: 1024}, zerolog.Nop())
	mgr := session.NewManager(session.Config{
		Recording:   recording.Config{MaxDuration: 40 * time.Second},
		UploadLimit: 1024,
	}, srv, zerolog.Nop())
	srv.Attach(mgr, emotion.NewSynthesizer(emotion.Config{Delay: time.Millisecond}, zerolog.Nop()))

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func createSession(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	res, err := http.Post(ts.URL+"/api/sessions", "application/json", nil)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusCreated, res.StatusCode)

	var snap session.Snapshot
	require.NoError(t, json.NewDecoder(res.Body).Decode(&snap))
	require.NotEmpty(t, snap.ID)
	return snap.ID
}

func upload(t *testing.T, ts *httptest.Server, id, name, ctype string, payload []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="`+name+`"`)
	h.Set("Content-Type", ctype)
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, _ = part.Write(payload)
	require.NoError(t, mw.Close())

	res, err := http.Post(ts.URL+"/api/sessions/"+id+"/upload", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	return res
}

func post(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	res, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return res
}

func TestIndexAndHealth(t *testing.T) {
	_, ts := newTestServer(t)

	res, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Contains(t, res.Header.Get("Content-Type"), "text/html")

	res, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, err = http.Get(ts.URL + "/nope")
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestAnalyzeWithoutArtifact(t *testing.T) {
	_, ts := newTestServer(t)
	id := createSession(t, ts)

	res := post(t, ts.URL+"/api/sessions/"+id+"/analyze", "")
	defer res.Body.Close()
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
}

func TestUnknownSession(t *testing.T) {
	_, ts := newTestServer(t)
	res := post(t, ts.URL+"/api/sessions/nope/analyze", "")
	defer res.Body.Close()
	require.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestUploadThenAnalyze(t *testing.T) {
	srv, ts := newTestServer(t)
	ann := &stubAnnouncer{}
	srv.SetAnnouncer(ann)
	id := createSession(t, ts)

	res := upload(t, ts, id, "clip.wav", "audio/wav", []byte("RIFF...."))
	var snap session.Snapshot
	require.NoError(t, json.NewDecoder(res.Body).Decode(&snap))
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.NotNil(t, snap.Artifact)
	require.Equal(t, "clip.wav", snap.Artifact.Name)

	res = post(t, ts.URL+"/api/sessions/"+id+"/analyze", "")
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var body struct {
		Result            emotion.Result `json:"result"`
		DisplayConfidence int            `json:"display_confidence"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	require.GreaterOrEqual(t, body.DisplayConfidence, 60)
	require.LessOrEqual(t, body.DisplayConfidence, 95)
	require.Len(t, body.Result.Breakdown, 4)
	require.Equal(t, snap.Artifact.ID, body.Result.ArtifactID)

	require.Eventually(t, func() bool { return ann.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	var spoken Event
	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		for _, ev := range srv.history {
			if ev.Type == "announcement" {
				spoken = ev
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, id, spoken.Session)
	require.Equal(t, []string{"/audio/sounds-" + body.Result.Label + ".mp3", "/audio/confidence.mp3"}, spoken.AudioURLs)
	require.True(t, spoken.CacheHit)
}

func TestUploadRejections(t *testing.T) {
	_, ts := newTestServer(t)
	id := createSession(t, ts)

	res := upload(t, ts, id, "notes.txt", "text/plain", []byte("hello"))
	res.Body.Close()
	require.Equal(t, http.StatusUnsupportedMediaType, res.StatusCode)

	res = upload(t, ts, id, "big.wav", "audio/wav", make([]byte, 2048))
	res.Body.Close()
	require.Equal(t, http.StatusRequestEntityTooLarge, res.StatusCode)
}

func TestStopWhenIdle(t *testing.T) {
	_, ts := newTestServer(t)
	id := createSession(t, ts)

	res := post(t, ts.URL+"/api/sessions/"+id+"/record/stop", "")
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var body struct {
		Artifact any              `json:"artifact"`
		Session  session.Snapshot `json:"session"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	require.Nil(t, body.Artifact)
	require.Equal(t, recording.StateIdle, body.Session.State)
}

func TestDeviceDenied(t *testing.T) {
	_, ts := newTestServer(t)
	id := createSession(t, ts)

	res := post(t, ts.URL+"/api/sessions/"+id+"/device", `{"available":false,"reason":"NotAllowedError"}`)
	var snap session.Snapshot
	require.NoError(t, json.NewDecoder(res.Body).Decode(&snap))
	res.Body.Close()
	require.False(t, snap.DeviceAvailable)
}

func getSnapshot(t *testing.T, ts *httptest.Server, id string) session.Snapshot {
	t.Helper()
	res, err := http.Get(ts.URL + "/api/sessions/" + id)
	require.NoError(t, err)
	defer res.Body.Close()
	var snap session.Snapshot
	require.NoError(t, json.NewDecoder(res.Body).Decode(&snap))
	return snap
}

func TestCaptureRecordAndHide(t *testing.T) {
	_, ts := newTestServer(t)
	id := createSession(t, ts)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/capture?session=" + id
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return getSnapshot(t, ts, id).State == recording.StateRecording
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("chunk")))

	res := post(t, ts.URL+"/api/sessions/"+id+"/visibility", `{"hidden":true}`)
	var snap session.Snapshot
	require.NoError(t, json.NewDecoder(res.Body).Decode(&snap))
	res.Body.Close()

	require.Equal(t, recording.StateIdle, snap.State)
	require.NotNil(t, snap.Artifact)
	require.Equal(t, "recorded_audio.wav", snap.Artifact.Name)

	// the server released the socket
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
}

func TestSSEDeliversSessionEvents(t *testing.T) {
	_, ts := newTestServer(t)
	id := createSession(t, ts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events?session="+id, nil)
	require.NoError(t, err)
	stream, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer stream.Body.Close()
	require.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	res := upload(t, ts, id, "clip.wav", "audio/wav", []byte("RIFF"))
	res.Body.Close()

	lines := make(chan string, 8)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := stream.Body.Read(buf)
			if n > 0 {
				lines <- string(buf[:n])
			}
			if err != nil {
				close(lines)
				return
			}
		}
	}()

	select {
	case l := <-lines:
		require.Contains(t, l, `"type":"artifact"`)
		require.Contains(t, l, id)
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
	}
}

func TestCaptureRefusedWhileHidden(t *testing.T) {
	_, ts := newTestServer(t)
	id := createSession(t, ts)

	res := post(t, ts.URL+"/api/sessions/"+id+"/visibility", `{"hidden":true}`)
	res.Body.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/capture?session=" + id
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))

	snap := getSnapshot(t, ts, id)
	require.Equal(t, recording.StateIdle, snap.State)
	require.True(t, snap.Hidden)
}
