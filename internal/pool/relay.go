// Package pool manages long-lived WebSocket connections to relays: connect
// and bounded-retry reconnect, keepalive pings, broadcast and unicast sends,
// and a single non-blocking event stream for the application loop.
package pool

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// RelayStatus is the connection state of a single relay.
type RelayStatus int

const (
	// StatusConnecting means a dial is in flight.
	StatusConnecting RelayStatus = iota
	// StatusConnected means the websocket is open.
	StatusConnected
	// StatusDisconnected means the relay is down, with its retry clock
	// running.
	StatusDisconnected
)

func (s RelayStatus) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// EventKind classifies a transport event.
type EventKind int

const (
	// EventOpened means the connection was established.
	EventOpened EventKind = iota
	// EventClosed means the connection ended cleanly.
	EventClosed
	// EventError means the connection failed.
	EventError
	// EventMessage carries a text frame from the relay.
	EventMessage
)

// Event is a single transport event from one relay.
type Event struct {
	Kind EventKind
	Err  error
	Text string
}

// PoolEvent pairs a transport event with the relay it came from.
type PoolEvent struct {
	Relay string
	Event Event
}

var errNotConnected = errors.New("pool: relay not connected")

// Conn is the subset of *websocket.Conn the relay transport needs,
// extracted so tests can substitute a scripted connection.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetPingHandler(h func(appData string) error)
	Close() error
}

// Dialer opens a websocket connection to a relay URL.
type Dialer func(ctx context.Context, url string) (Conn, error)

func gorillaDial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, url, http.Header{})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Relay is one websocket transport. The reader runs on a background
// goroutine owned by the relay and feeds a buffered channel the core
// drains via TryRecv; the transport never calls back into the core.
type Relay struct {
	URL string

	dial Dialer
	recv chan Event

	mu     sync.Mutex
	conn   Conn
	status RelayStatus
}

const recvBuffer = 1024

func newRelay(url string, dial Dialer) *Relay {
	if dial == nil {
		dial = gorillaDial
	}
	return &Relay{
		URL:    url,
		dial:   dial,
		recv:   make(chan Event, recvBuffer),
		status: StatusDisconnected,
	}
}

// Connect starts a dial attempt. The outcome arrives asynchronously as an
// Opened or Error event on the relay's receive channel.
func (r *Relay) Connect() {
	r.mu.Lock()
	if r.status == StatusConnecting || r.status == StatusConnected {
		r.mu.Unlock()
		return
	}
	r.status = StatusConnecting
	r.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		conn, err := r.dial(ctx, r.URL)
		if err != nil {
			r.deliver(Event{Kind: EventError, Err: err})
			return
		}

		// answer websocket pings with the matching pong at the
		// transport level; WriteControl is safe alongside WriteMessage
		conn.SetPingHandler(func(appData string) error {
			log.Debug().Str("url", r.URL).Msg("pong")
			return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
		})

		r.mu.Lock()
		r.conn = conn
		r.mu.Unlock()

		r.deliver(Event{Kind: EventOpened})
		r.readLoop(conn)
	}()
}

// readLoop pumps inbound frames until the connection dies.
func (r *Relay) readLoop(conn Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			r.mu.Lock()
			if r.conn == conn {
				r.conn = nil
			}
			r.mu.Unlock()

			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.deliver(Event{Kind: EventClosed})
			} else {
				r.deliver(Event{Kind: EventError, Err: err})
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		r.deliver(Event{Kind: EventMessage, Text: string(data)})
	}
}

// deliver blocks the transport goroutine if the core falls far behind;
// frames from a single relay stay ordered.
func (r *Relay) deliver(ev Event) {
	r.recv <- ev
}

// TryRecv returns the next pending transport event without blocking.
func (r *Relay) TryRecv() (Event, bool) {
	select {
	case ev := <-r.recv:
		return ev, true
	default:
		return Event{}, false
	}
}

// Send writes a text frame to the relay.
func (r *Relay) Send(text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return errNotConnected
	}
	return r.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

// Ping sends a websocket ping control frame.
func (r *Relay) Ping() error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

// Status returns the relay's connection state.
func (r *Relay) Status() RelayStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Relay) setStatus(s RelayStatus) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

// close tears down the connection, if any.
func (r *Relay) close() {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.status = StatusDisconnected
	r.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
