package publish

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/banshee-data/gridcapture/internal/monitoring"
	"github.com/banshee-data/gridcapture/internal/timeutil"
)

// rosbridgeOp is one rosbridge v2 protocol operation.
type rosbridgeOp struct {
	Op    string         `json:"op"`
	Topic string         `json:"topic"`
	Type  string         `json:"type,omitempty"`
	Msg   map[string]any `json:"msg,omitempty"`
}

// WebSocketSink publishes to a rosbridge server. A lost connection is
// re-dialled in the background, at most once per reconnect period, whenever a
// publish finds the sink disconnected.
type WebSocketSink struct {
	url       string
	dialer    *websocket.Dialer
	reconnect time.Duration
	clock     timeutil.Clock
	log       *logrus.Entry

	mu          sync.Mutex
	conn        *websocket.Conn
	topics      map[string]string
	dialing     bool
	lastAttempt time.Time
	closed      bool
	listeners   []func(connected bool)

	writeMu sync.Mutex
}

// NewWebSocketSink creates an unconnected sink for url (ws:// or wss://).
func NewWebSocketSink(url string, reconnect time.Duration) *WebSocketSink {
	if reconnect <= 0 {
		reconnect = time.Second
	}
	return &WebSocketSink{
		url:       url,
		dialer:    &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		reconnect: reconnect,
		clock:     timeutil.RealClock{},
		log:       monitoring.Component("publish").WithField("sink", url),
		topics:    make(map[string]string),
	}
}

// OnConnectionChange registers a listener for connect and disconnect events.
// Listeners run on the goroutine that observed the change.
func (w *WebSocketSink) OnConnectionChange(fn func(connected bool)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Connect dials the server and re-advertises known topics.
func (w *WebSocketSink) Connect(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrNotConnected
	}
	w.lastAttempt = w.clock.Now()
	w.mu.Unlock()

	conn, _, err := w.dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.url, err)
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		conn.Close()
		return ErrNotConnected
	}
	if w.conn != nil {
		w.conn.Close()
	}
	w.conn = conn
	topics := make(map[string]string, len(w.topics))
	for t, typ := range w.topics {
		topics[t] = typ
	}
	listeners := append([]func(bool){}, w.listeners...)
	w.mu.Unlock()

	for topic, typ := range topics {
		if err := w.write(conn, rosbridgeOp{Op: "advertise", Topic: topic, Type: typ}); err != nil {
			w.drop(conn, err)
			return err
		}
	}
	go w.readLoop(conn)

	w.log.Info("connected")
	for _, fn := range listeners {
		fn(true)
	}
	return nil
}

// readLoop drains incoming frames so that control messages are processed and
// a closed peer is noticed.
func (w *WebSocketSink) readLoop(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			w.drop(conn, err)
			return
		}
	}
}

// drop forgets conn if it is still current and notifies listeners.
func (w *WebSocketSink) drop(conn *websocket.Conn, cause error) {
	w.mu.Lock()
	if w.conn != conn {
		w.mu.Unlock()
		return
	}
	w.conn = nil
	closed := w.closed
	listeners := append([]func(bool){}, w.listeners...)
	w.mu.Unlock()

	conn.Close()
	if closed {
		return
	}
	w.log.WithError(cause).Warn("disconnected")
	for _, fn := range listeners {
		fn(false)
	}
}

func (w *WebSocketSink) write(conn *websocket.Conn, op rosbridgeOp) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return conn.WriteJSON(op)
}

// Connected reports whether a connection is live.
func (w *WebSocketSink) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn != nil
}

// Advertise records the topic and announces it if connected.
func (w *WebSocketSink) Advertise(topic, msgType string) error {
	w.mu.Lock()
	w.topics[topic] = msgType
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return nil
	}
	if err := w.write(conn, rosbridgeOp{Op: "advertise", Topic: topic, Type: msgType}); err != nil {
		w.drop(conn, err)
		return err
	}
	return nil
}

// Publish sends msg. When disconnected it schedules a background reconnect
// and returns ErrNotConnected.
func (w *WebSocketSink) Publish(topic string, msg Message) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		w.Reconnect()
		return ErrNotConnected
	}
	if err := w.write(conn, rosbridgeOp{Op: "publish", Topic: topic, Msg: msg.Fields()}); err != nil {
		w.drop(conn, err)
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Reconnect dials again in the background, at most once per reconnect
// period and never while a dial is in flight.
func (w *WebSocketSink) Reconnect() {
	w.mu.Lock()
	if w.closed || w.dialing || w.clock.Since(w.lastAttempt) < w.reconnect {
		w.mu.Unlock()
		return
	}
	w.dialing = true
	w.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), w.reconnect+5*time.Second)
		defer cancel()
		if err := w.Connect(ctx); err != nil && !errors.Is(err, ErrNotConnected) {
			w.log.WithError(err).Debug("reconnect failed")
		}
		w.mu.Lock()
		w.dialing = false
		w.mu.Unlock()
	}()
}

// Close closes the connection and stops reconnecting.
func (w *WebSocketSink) Close() error {
	w.mu.Lock()
	w.closed = true
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()
	if conn == nil {
		return nil
	}
	w.writeMu.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	w.writeMu.Unlock()
	return conn.Close()
}
