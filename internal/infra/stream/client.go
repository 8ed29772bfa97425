package stream

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ClientState is the reconnect state machine:
// disconnected -> backing-off(attempt) -> connecting -> connected.
type ClientState string

const (
	StateDisconnected ClientState = "disconnected"
	StateBackingOff   ClientState = "backing-off"
	StateConnecting   ClientState = "connecting"
	StateConnected    ClientState = "connected"
)

// clientConn is the slice of *websocket.Conn the client needs; tests
// substitute fakes.
type clientConn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// Dialer opens one connection attempt.
type Dialer interface {
	Dial(ctx context.Context, url string) (clientConn, error)
}

type wsDialer struct{}

func (wsDialer) Dial(ctx context.Context, url string) (clientConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	return conn, err
}

// sleeper abstracts waiting so tests can observe delays without sleeping.
type sleeper interface {
	sleep(ctx context.Context, d time.Duration) error
}

type realSleeper struct{}

func (realSleeper) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Client maintains one streaming connection with bounded exponential
// reconnect backoff (base * 2^attempt, capped). After every reconnect it
// re-establishes all previously held subscriptions.
type Client struct {
	URL       string
	BaseDelay time.Duration
	MaxDelay  time.Duration
	OnEvent   func(Event)

	dialer  Dialer
	sleeper sleeper

	mu     sync.Mutex
	state  ClientState
	topics map[string]struct{}
	conn   clientConn
}

func NewClient(url string, onEvent func(Event)) *Client {
	return &Client{
		URL:       url,
		BaseDelay: time.Second,
		MaxDelay:  30 * time.Second,
		OnEvent:   onEvent,
		dialer:    wsDialer{},
		sleeper:   realSleeper{},
		state:     StateDisconnected,
		topics:    make(map[string]struct{}),
	}
}

// State returns the current reconnect state.
func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe records the topic and, when connected, sends the subscribe
// frame immediately. Held topics survive reconnects.
func (c *Client) Subscribe(topic string) error {
	c.mu.Lock()
	c.topics[topic] = struct{}{}
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		return conn.WriteJSON(frame{Action: "subscribe", Topic: topic})
	}
	return nil
}

// Unsubscribe drops the topic.
func (c *Client) Unsubscribe(topic string) error {
	c.mu.Lock()
	delete(c.topics, topic)
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		return conn.WriteJSON(frame{Action: "unsubscribe", Topic: topic})
	}
	return nil
}

// Run drives the state machine until the context ends. Each successful
// connection resets the attempt counter.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			c.setState(StateDisconnected, nil)
			return err
		}

		if attempt > 0 {
			c.setState(StateBackingOff, nil)
			if err := c.sleeper.sleep(ctx, c.backoff(attempt)); err != nil {
				c.setState(StateDisconnected, nil)
				return err
			}
		}

		c.setState(StateConnecting, nil)
		conn, err := c.dialer.Dial(ctx, c.URL)
		if err != nil {
			attempt++
			continue
		}

		c.setState(StateConnected, conn)
		if err := c.resubscribe(conn); err != nil {
			conn.Close()
			attempt++
			continue
		}
		attempt = 0

		c.readEvents(ctx, conn)
		conn.Close()
		c.setState(StateDisconnected, nil)
		attempt++
	}
}

func (c *Client) readEvents(ctx context.Context, conn clientConn) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			return
		}
		if c.OnEvent != nil {
			c.OnEvent(ev)
		}
	}
}

func (c *Client) resubscribe(conn clientConn) error {
	c.mu.Lock()
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	c.mu.Unlock()

	for _, t := range topics {
		if err := conn.WriteJSON(frame{Action: "subscribe", Topic: t}); err != nil {
			return err
		}
	}
	return nil
}

// backoff returns base * 2^(attempt-1) capped at MaxDelay.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	if d > c.MaxDelay {
		return c.MaxDelay
	}
	return d
}

func (c *Client) setState(s ClientState, conn clientConn) {
	c.mu.Lock()
	c.state = s
	c.conn = conn
	c.mu.Unlock()
}
