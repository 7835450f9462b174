// Package channel is the client end of the event transport: a websocket
// carrying typed events in both directions.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"chatsync/internal/models"

	"github.com/gorilla/websocket"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	defaultBufferSize = 64
)

var ErrClosed = errors.New("channel closed")

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Handler receives the raw payload of one event.
type Handler func(data json.RawMessage)

type Option func(*Channel)

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Channel) { c.dialer = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) { c.logger = l }
}

// WithBufferSize sets how many outbound events may wait for the writer
// before Send starts dropping.
func WithBufferSize(n int) Option {
	return func(c *Channel) { c.bufferSize = n }
}

type Channel struct {
	url        string
	token      string
	dialer     *websocket.Dialer
	logger     *slog.Logger
	bufferSize int

	connectMu sync.Mutex

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	out      chan models.Event
	done     chan struct{}
	handlers map[models.EventType]Handler

	wg sync.WaitGroup
}

func New(url, token string, opts ...Option) *Channel {
	c := &Channel{
		url:        url,
		token:      token,
		dialer:     websocket.DefaultDialer,
		logger:     slog.Default(),
		bufferSize: defaultBufferSize,
		handlers:   make(map[models.EventType]Handler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// On subscribes handler to eventType, replacing any earlier handler for the
// same type. Handlers run one at a time on the reader goroutine, in the
// order the transport delivered the events.
func (c *Channel) On(eventType models.EventType, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if handler == nil {
		delete(c.handlers, eventType)
		return
	}
	c.handlers[eventType] = handler
}

// Connect dials the server unless a connection is already up.
func (c *Channel) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	switch c.state {
	case Closed:
		c.mu.Unlock()
		return ErrClosed
	case Connected:
		c.mu.Unlock()
		return nil
	}
	c.state = Connecting
	c.mu.Unlock()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		c.mu.Lock()
		if c.state == Connecting {
			c.state = Disconnected
		}
		c.mu.Unlock()
		if resp != nil {
			return fmt.Errorf("failed to dial %s: %w (status %d)", c.url, err, resp.StatusCode)
		}
		return fmt.Errorf("failed to dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	out := make(chan models.Event, c.bufferSize)
	done := make(chan struct{})
	c.conn, c.out, c.done = conn, out, done
	c.state = Connected
	c.wg.Add(2)
	c.mu.Unlock()

	go c.readLoop(conn)
	go c.writeLoop(conn, out, done)

	c.logger.Debug("channel connected", "url", c.url)
	return nil
}

// Send queues an event for the server. It never blocks: the event is
// dropped when the channel is not connected or the queue is full.
func (c *Channel) Send(eventType models.EventType, payload any) {
	ev, err := models.NewEvent(eventType, payload)
	if err != nil {
		c.logger.Debug("dropping unencodable event", "event", eventType, "error", err)
		return
	}

	c.mu.Lock()
	out := c.out
	c.mu.Unlock()
	if out == nil {
		c.logger.Debug("dropping event, not connected", "event", eventType)
		return
	}

	select {
	case out <- ev:
	default:
		c.logger.Debug("dropping event, buffer full", "event", eventType)
	}
}

// Close tears the channel down for good. When it returns no handler is
// running and none will run again. It must not be called from a handler.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return nil
	}
	c.state = Closed
	c.teardownLocked()
	c.mu.Unlock()

	c.wg.Wait()
	return nil
}

func (c *Channel) teardownLocked() {
	if c.conn == nil {
		return
	}
	close(c.done)
	_ = c.conn.Close()
	c.conn, c.out, c.done = nil, nil, nil
}

// drop handles a transport failure on conn. Later connections are left
// alone.
func (c *Channel) drop(conn *websocket.Conn, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}
	c.logger.Debug("channel disconnected", "error", err)
	c.teardownLocked()
	c.state = Disconnected
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.drop(conn, err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var ev models.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Debug("ignoring malformed event", "error", err)
			continue
		}
		c.dispatch(ev)
	}
}

func (c *Channel) dispatch(ev models.Event) {
	c.mu.Lock()
	handler := c.handlers[ev.Type]
	closed := c.state == Closed
	c.mu.Unlock()

	if closed || handler == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("event handler panicked", "event", ev.Type, "panic", r)
		}
	}()
	handler(ev.Data)
}

func (c *Channel) writeLoop(conn *websocket.Conn, out <-chan models.Event, done <-chan struct{}) {
	defer c.wg.Done()
	for {
		select {
		case ev := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				c.drop(conn, err)
				return
			}
		case <-done:
			return
		}
	}
}
