package transport

import (
	"bytes"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentplexus/omnivoice/transport"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func startServer(t *testing.T, s *Server) (*websocket.Conn, *Connection) {
	t.Helper()
	accepted := make(chan *Connection, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.Accept(w, r)
		if err != nil {
			return
		}
		accepted <- conn
	}))
	t.Cleanup(srv.Close)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	select {
	case conn := <-accepted:
		return ws, conn
	case <-time.After(2 * time.Second):
		t.Fatal("connection not accepted")
		return nil, nil
	}
}

func nextEvent(t *testing.T, c *Connection) transport.Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		require.True(t, ok, "events closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return transport.Event{}
	}
}

func waitClosed(t *testing.T, c *Connection) {
	t.Helper()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-c.Events():
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestConnection_StreamLifecycle(t *testing.T) {
	sink := &lockedBuffer{}
	s := NewServer(WithAudioSink(sink))
	require.Equal(t, "twilio-media-streams", s.Name())
	ws, conn := startServer(t, s)

	send := func(msg string) { require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(msg))) }
	frame := func(track string, audio []byte) string {
		return `{"event":"media","streamSid":"MZ1","media":{"track":"` + track + `","chunk":"1","timestamp":"5","payload":"` +
			base64.StdEncoding.EncodeToString(audio) + `"}}`
	}

	send(`{"event":"connected","protocol":"Call","version":"1.0.0"}`)
	require.Equal(t, transport.EventConnected, nextEvent(t, conn).Type)

	send(`{"event":"start","streamSid":"MZ1","start":{"streamSid":"MZ1","accountSid":"AC1","callSid":"CA7","tracks":["inbound"],"mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1}}}`)
	ev := nextEvent(t, conn)
	require.Equal(t, transport.EventAudioStarted, ev.Type)
	require.EqualValues(t, "CA7", ev.Data)
	require.Equal(t, "CA7", conn.CallSID())
	require.Equal(t, "MZ1", conn.ID())

	send(frame("inbound", []byte{0x01, 0x02}))
	send(frame("outbound", []byte{0xEE}))
	send(`not json`)
	send(frame("inbound", []byte{0x03}))
	send(`{"event":"dtmf","streamSid":"MZ1","dtmf":{"track":"inbound_track","digit":"5"}}`)

	ev = nextEvent(t, conn)
	require.Equal(t, transport.EventDTMF, ev.Type)
	require.EqualValues(t, "5", ev.Data)
	require.Equal(t, []byte{0x01, 0x02, 0x03}, sink.Bytes())
	require.Equal(t, 2, conn.Frames())

	send(`{"event":"stop","streamSid":"MZ1","stop":{"accountSid":"AC1","callSid":"CA7"}}`)
	require.Equal(t, transport.EventAudioStopped, nextEvent(t, conn).Type)
	require.Equal(t, transport.EventDisconnected, nextEvent(t, conn).Type)
	waitClosed(t, conn)
}

func TestConnection_PeerCloseIsDisconnect(t *testing.T) {
	s := NewServer()
	ws, conn := startServer(t, s)

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	require.Equal(t, transport.EventDisconnected, nextEvent(t, conn).Type)
	waitClosed(t, conn)
}

func TestConnection_AbruptCloseIsError(t *testing.T) {
	s := NewServer()
	ws, conn := startServer(t, s)

	require.NoError(t, ws.UnderlyingConn().Close())
	ev := nextEvent(t, conn)
	require.Equal(t, transport.EventError, ev.Type)
	require.Error(t, ev.Error)
	waitClosed(t, conn)
}

func TestServer_CloseIsIdempotent(t *testing.T) {
	s := NewServer()
	_, conn := startServer(t, s)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.NoError(t, conn.Close())
	waitClosed(t, conn)

	rec := httptest.NewRecorder()
	_, err := s.Accept(rec, httptest.NewRequest(http.MethodGet, "/media", nil))
	require.ErrorIs(t, err, ErrClosed)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
