package peerrpc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultHeartbeat is the interval between websocket pings.
const DefaultHeartbeat = 30 * time.Second

// WebSocketMux multiplexes named channels over one websocket connection.
// Each frame carries the channel name and one event, encoded with a Codec.
type WebSocketMux struct {
	conn      *websocket.Conn
	codec     Codec
	onError   ErrorHandler
	heartbeat time.Duration
	logger    *zap.Logger

	mu sync.Mutex // protects conn writes

	hmu          sync.RWMutex
	subs         map[string][]subscription
	nextID       int
	disconnectFn func(error)

	done      chan struct{}
	closeOnce sync.Once
}

// MuxOption configures a WebSocketMux.
type MuxOption func(*WebSocketMux)

// WithCodec selects the frame encoding. The default is JSONCodec.
func WithCodec(c Codec) MuxOption {
	return func(m *WebSocketMux) {
		if c != nil {
			m.codec = c
		}
	}
}

// WithHeartbeat sets the ping interval. Zero disables pings.
func WithHeartbeat(d time.Duration) MuxOption {
	return func(m *WebSocketMux) {
		m.heartbeat = d
	}
}

// WithMuxLogger sets the logger for connection events.
func WithMuxLogger(l *zap.Logger) MuxOption {
	return func(m *WebSocketMux) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewWebSocketMux starts reading frames from conn. Frames that cannot be
// decoded are reported to onError as KindDecode.
func NewWebSocketMux(conn *websocket.Conn, onError ErrorHandler, opts ...MuxOption) (*WebSocketMux, error) {
	if onError == nil {
		return nil, errors.New("ErrorHandler must not be nil")
	}
	m := &WebSocketMux{
		conn:      conn,
		codec:     JSONCodec{},
		onError:   onError,
		heartbeat: DefaultHeartbeat,
		logger:    zap.NewNop(),
		subs:      make(map[string][]subscription),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	go m.readLoop()
	if m.heartbeat > 0 {
		go m.heartbeatLoop()
	}
	return m, nil
}

// DialWebSocket connects to url and returns a mux over the connection.
func DialWebSocket(ctx context.Context, url string, onError ErrorHandler, opts ...MuxOption) (*WebSocketMux, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, &ConnectionError{URL: url, Reason: err.Error()}
	}
	m, err := NewWebSocketMux(conn, onError, opts...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return m, nil
}

// Channel returns the Transport for the named channel.
func (m *WebSocketMux) Channel(name string) Transport {
	return muxChannel{m: m, name: name}
}

// Bind returns a copy of cfg bound to the channel cfg names.
func (m *WebSocketMux) Bind(cfg Config) Config {
	cfg.Channel = channelName(cfg.Channel)
	return cfg.WithTransport(m.Channel(cfg.Channel))
}

// OnDisconnect registers a callback for when the connection drops.
func (m *WebSocketMux) OnDisconnect(fn func(error)) {
	m.hmu.Lock()
	defer m.hmu.Unlock()
	m.disconnectFn = fn
}

// Close sends a close frame and closes the connection.
func (m *WebSocketMux) Close() error {
	var errs error
	m.closeOnce.Do(func() {
		close(m.done)

		m.mu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		errs = multierr.Append(errs, m.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))
		m.mu.Unlock()

		errs = multierr.Append(errs, m.conn.Close())
	})
	return errs
}

func (m *WebSocketMux) subscribe(channel string, fn func(Event)) func() {
	m.hmu.Lock()
	defer m.hmu.Unlock()

	m.nextID++
	id := m.nextID
	m.subs[channel] = append(m.subs[channel], subscription{id: id, fn: fn})
	return func() {
		m.hmu.Lock()
		defer m.hmu.Unlock()
		subs := m.subs[channel]
		for i, s := range subs {
			if s.id == id {
				m.subs[channel] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(m.subs[channel]) == 0 {
			delete(m.subs, channel)
		}
	}
}

func (m *WebSocketMux) send(channel string, ev Event) error {
	data, err := m.codec.Marshal(Frame{Channel: channel, Event: ev})
	if err != nil {
		return err
	}
	msgType := websocket.TextMessage
	if m.codec.Binary() {
		msgType = websocket.BinaryMessage
	}

	select {
	case <-m.done:
		return ErrTransportClosed
	default:
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn.WriteMessage(msgType, data)
}

func (m *WebSocketMux) readLoop() {
	for {
		_, data, err := m.conn.ReadMessage()
		if err != nil {
			select {
			case <-m.done:
			default:
				m.logger.Debug("websocket read failed", zap.Error(err))
				m.hmu.RLock()
				fn := m.disconnectFn
				m.hmu.RUnlock()
				if fn != nil {
					fn(err)
				}
			}
			return
		}

		f, err := m.codec.Unmarshal(data)
		if err != nil {
			m.onError(PeerError{
				Kind:      KindDecode,
				Cause:     err,
				Raw:       data,
				Timestamp: time.Now(),
			})
			continue
		}

		m.hmu.RLock()
		subs := append([]subscription(nil), m.subs[f.Channel]...)
		m.hmu.RUnlock()
		if len(subs) == 0 {
			m.logger.Debug("frame for unsubscribed channel", zap.String("channel", f.Channel))
		}
		for _, s := range subs {
			s.fn(f.Event)
		}
	}
}

func (m *WebSocketMux) heartbeatLoop() {
	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.mu.Lock()
			err := m.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.heartbeat))
			m.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// muxChannel is the Transport for one channel of a WebSocketMux.
type muxChannel struct {
	m    *WebSocketMux
	name string
}

func (c muxChannel) On(handler func(Event)) func() {
	return c.m.subscribe(c.name, handler)
}

func (c muxChannel) Emit(ev Event) error {
	return c.m.send(c.name, ev)
}
