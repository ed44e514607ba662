// Package transport accepts Twilio Media Streams websocket connections and
// turns their messages into transport events.
//
// Streams are started with <Start><Stream>, which forks the call audio to the
// engine one way. Inbound audio frames are forwarded, in arrival order, to an
// optional sink; nothing is written back on the socket.
package transport

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/agentplexus/omnivoice/transport"
	"github.com/gorilla/websocket"
)

// Media Streams track names.
const (
	TrackInbound  = "inbound"
	TrackOutbound = "outbound"
)

// ErrClosed is returned when accepting on a closed server.
var ErrClosed = errors.New("transport: server closed")

// Server accepts Media Streams connections for one call session.
type Server struct {
	upgrader websocket.Upgrader
	sink     io.Writer
	logger   *slog.Logger

	mu          sync.RWMutex
	closed      bool
	connections map[*Connection]struct{}
}

// Option configures the Server.
type Option func(*options)

type options struct {
	sink   io.Writer
	logger *slog.Logger
}

// WithAudioSink receives the decoded μ-law payload of every inbound frame.
func WithAudioSink(w io.Writer) Option {
	return func(o *options) {
		o.sink = w
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// NewServer creates a Media Streams server.
func NewServer(opts ...Option) *Server {
	cfg := &options{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}

	return &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sink:        cfg.sink,
		logger:      cfg.logger,
		connections: make(map[*Connection]struct{}),
	}
}

// Name returns the transport name.
func (s *Server) Name() string {
	return "twilio-media-streams"
}

// Accept upgrades an HTTP request from Twilio to a Media Streams connection
// and starts reading from it.
func (s *Server) Accept(w http.ResponseWriter, r *http.Request) (*Connection, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		http.Error(w, "closed", http.StatusServiceUnavailable)
		return nil, ErrClosed
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: websocket upgrade failed: %w", err)
	}

	conn := &Connection{
		wsConn:     wsConn,
		server:     s,
		events:     make(chan transport.Event, 100),
		done:       make(chan struct{}),
		remoteAddr: wsConn.RemoteAddr(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = wsConn.Close()
		return nil, ErrClosed
	}
	s.connections[conn] = struct{}{}
	s.mu.Unlock()

	go conn.readLoop()
	return conn, nil
}

// Close closes every open connection. Further Accept calls fail.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*Connection, 0, len(s.connections))
	for c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	return nil
}

func (s *Server) forget(c *Connection) {
	s.mu.Lock()
	delete(s.connections, c)
	s.mu.Unlock()
}

func (s *Server) writeAudio(payload []byte) {
	if s.sink == nil {
		return
	}
	if _, err := s.sink.Write(payload); err != nil {
		s.logger.Warn("audio sink write failed", "err", err)
	}
}

// Connection is one Media Streams websocket.
type Connection struct {
	streamSID  string
	callSID    string
	wsConn     *websocket.Conn
	server     *Server
	events     chan transport.Event
	done       chan struct{}
	mu         sync.RWMutex
	closeOnce  sync.Once
	remoteAddr net.Addr
	frames     int
}

// ID returns the stream SID, empty until the start message arrives.
func (c *Connection) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streamSID
}

// CallSID returns the associated call SID.
func (c *Connection) CallSID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.callSID
}

// Frames returns how many inbound media frames were received.
func (c *Connection) Frames() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.frames
}

// Events returns transport events. The channel is closed when the stream ends.
func (c *Connection) Events() <-chan transport.Event {
	return c.events
}

// RemoteAddr returns the remote address.
func (c *Connection) RemoteAddr() net.Addr {
	return c.remoteAddr
}

// Close closes the connection. It is safe to call more than once.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.wsConn.Close()
		c.server.forget(c)
	})
	return nil
}

// Twilio Media Streams message types.
type mediaMessage struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid,omitempty"`
	Start     *startMessage `json:"start,omitempty"`
	Media     *mediaPayload `json:"media,omitempty"`
	Stop      *stopMessage  `json:"stop,omitempty"`
	DTMF      *dtmfMessage  `json:"dtmf,omitempty"`
}

type startMessage struct {
	StreamSID    string            `json:"streamSid"`
	AccountSID   string            `json:"accountSid"`
	CallSID      string            `json:"callSid"`
	Tracks       []string          `json:"tracks"`
	MediaFormat  mediaFormat       `json:"mediaFormat"`
	CustomParams map[string]string `json:"customParameters"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type mediaPayload struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"` // base64 μ-law
}

type stopMessage struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

type dtmfMessage struct {
	Track string `json:"track"`
	Digit string `json:"digit"`
}

// emit delivers an event unless the connection is closing.
func (c *Connection) emit(ev transport.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

// readLoop is the only sender on c.events and closes it on exit.
func (c *Connection) readLoop() {
	defer close(c.events)
	defer func() { _ = c.Close() }()

	for {
		_, data, err := c.wsConn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.emit(transport.Event{Type: transport.EventDisconnected})
			} else {
				c.emit(transport.Event{Type: transport.EventError, Error: err})
			}
			return
		}

		var msg mediaMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.server.logger.Debug("ignoring malformed media stream message", "err", err)
			continue
		}

		switch msg.Event {
		case "connected":
			if !c.emit(transport.Event{Type: transport.EventConnected}) {
				return
			}

		case "start":
			if msg.Start == nil {
				continue
			}
			c.mu.Lock()
			c.streamSID = msg.Start.StreamSID
			c.callSID = msg.Start.CallSID
			c.mu.Unlock()
			c.server.logger.Debug("media stream started",
				"stream_sid", msg.Start.StreamSID, "call_sid", msg.Start.CallSID,
				"encoding", msg.Start.MediaFormat.Encoding, "sample_rate", msg.Start.MediaFormat.SampleRate)
			if !c.emit(transport.Event{Type: transport.EventAudioStarted, Data: msg.Start.CallSID}) {
				return
			}

		case "media":
			if msg.Media == nil || msg.Media.Payload == "" {
				continue
			}
			if msg.Media.Track != "" && msg.Media.Track != TrackInbound {
				continue
			}
			audio, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				continue
			}
			c.mu.Lock()
			c.frames++
			c.mu.Unlock()
			c.server.writeAudio(audio)

		case "dtmf":
			if msg.DTMF != nil {
				if !c.emit(transport.Event{Type: transport.EventDTMF, Data: msg.DTMF.Digit}) {
					return
				}
			}

		case "stop":
			c.emit(transport.Event{Type: transport.EventAudioStopped})
			c.emit(transport.Event{Type: transport.EventDisconnected})
			return
		}
	}
}
