package capture

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// WSStream reads recorder chunks from a browser websocket. Binary frames
// are audio chunks; the text frame "end" or any read error ends the stream.
type WSStream struct {
	conn *websocket.Conn
	log  zerolog.Logger

	chunks chan []byte
	done   chan struct{}
	once   sync.Once
}

func NewWSStream(conn *websocket.Conn, maxChunk int, log zerolog.Logger) *WSStream {
	if maxChunk > 0 {
		conn.SetReadLimit(int64(maxChunk))
	}
	s := &WSStream{
		conn:   conn,
		log:    log,
		chunks: make(chan []byte, 16),
		done:   make(chan struct{}),
	}
	go s.read()
	return s
}

func (s *WSStream) Chunks() <-chan []byte { return s.chunks }

func (s *WSStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "recording stopped"), deadline)
		err = s.conn.Close()
	})
	return err
}

func (s *WSStream) read() {
	defer close(s.chunks)
	defer s.Close()

	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Err(err).Msg("capture socket closed")
			}
			return
		}
		switch mt {
		case websocket.BinaryMessage:
			if len(data) == 0 {
				continue
			}
			// nobody may be draining a released stream
			select {
			case s.chunks <- data:
			case <-s.done:
				return
			}
		case websocket.TextMessage:
			if string(data) == "end" {
				return
			}
		}
	}
}
