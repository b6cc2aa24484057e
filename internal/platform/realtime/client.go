// Package realtime is the desk side of the push channel: a topic
// publish/subscribe client over a websocket to the relay hub.
//
// A Client is created once per process and passed to every component that
// needs push events. Subscriptions may be registered before the client is
// connected; they are sent to the broker when a connection is established and
// again after every reconnect.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/clinic/desk/internal/platform/telemetry"
	"github.com/clinic/desk/internal/platform/websocket"
)

// DefaultReconnectDelay is used when Config.ReconnectDelay is zero.
const DefaultReconnectDelay = 5 * time.Second

// ErrEmptyPayload is returned by DecodeData for events without data.
var ErrEmptyPayload = errors.New("event has no data")

// Handler receives events for one subscription. A returned error is logged
// and does not affect other handlers or later events.
type Handler func(ctx context.Context, ev websocket.Event) error

// Config configures a Client.
type Config struct {
	URL            string
	Token          string
	ReconnectDelay time.Duration
	Dialer         Dialer
	Logger         zerolog.Logger
	Metrics        *telemetry.Metrics
	// OnBrokerError is called for error frames sent by the broker.
	OnBrokerError func(ev websocket.Event)
}

// Status is a point-in-time view of the client.
type Status struct {
	Connected bool
	Live      int
	Pending   int
}

// Client is a reconnecting topic subscriber.
type Client struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *telemetry.Metrics

	mu      sync.Mutex
	subs    map[uint64]*Subscription
	nextID  uint64
	live    map[string]int // topic -> live subscriptions
	conn    Conn
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	// dispatching counts handlers running on the reader goroutine.
	dispatching atomic.Int32
}

// Subscription is a handle returned by Subscribe.
type Subscription struct {
	id      uint64
	topic   string
	handler Handler
	client  *Client
	live    bool // guarded by client.mu
	once    sync.Once
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// New creates a disconnected client.
func New(cfg Config) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Dialer == nil {
		cfg.Dialer = GorillaDialer{}
	}
	return &Client{
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "realtime").Logger(),
		metrics: cfg.Metrics,
		subs:    make(map[uint64]*Subscription),
		live:    make(map[string]int),
	}
}

// Connect starts the connection loop and returns the outcome of the first
// dial. The loop keeps redialing every ReconnectDelay until Disconnect.
// Calling Connect while the loop is running returns nil.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.running = true
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	first := make(chan error, 1)
	go c.run(runCtx, done, first)

	select {
	case err := <-first:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect stops the loop, closes the connection and drops every
// subscription. It is safe to call at any time, including from a Handler.
// While a handler is running Disconnect does not wait for the reader to
// exit; the reader stops once the handler returns.
func (c *Client) Disconnect() {
	c.mu.Lock()
	for _, s := range c.subs {
		s.live = false
	}
	c.subs = make(map[uint64]*Subscription)
	c.live = make(map[string]int)
	conn := c.conn
	c.conn = nil
	running, done := c.running, c.done
	if running {
		c.cancel()
	}
	c.running = false
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if running && c.dispatching.Load() == 0 {
		<-done
	}
	c.metrics.SetConnected(false)
}

// Subscribe registers handler for topic. On a live connection the
// subscription takes effect immediately, otherwise it is held until the next
// connect.
func (c *Client) Subscribe(topic string, handler Handler) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	s := &Subscription{id: c.nextID, topic: topic, handler: handler, client: c}
	c.subs[s.id] = s

	if c.conn != nil {
		s.live = true
		c.live[topic]++
		if c.live[topic] == 1 {
			if err := c.writeControlLocked(websocket.ActionSubscribe, []string{topic}); err != nil {
				c.logger.Warn().Err(err).Str("topic", topic).Msg("subscribe frame failed")
			}
		}
	}
	return s
}

// Unsubscribe removes the subscription. Further calls do nothing.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		c := s.client
		c.mu.Lock()
		defer c.mu.Unlock()

		delete(c.subs, s.id)
		if !s.live {
			return
		}
		s.live = false
		c.live[s.topic]--
		if c.live[s.topic] > 0 {
			return
		}
		delete(c.live, s.topic)
		if c.conn != nil {
			if err := c.writeControlLocked(websocket.ActionUnsubscribe, []string{s.topic}); err != nil {
				c.logger.Warn().Err(err).Str("topic", s.topic).Msg("unsubscribe frame failed")
			}
		}
	})
}

// Status reports connection state and subscription counts.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{Connected: c.conn != nil}
	for _, s := range c.subs {
		if s.live {
			st.Live++
		} else {
			st.Pending++
		}
	}
	return st
}

func (c *Client) run(ctx context.Context, done chan struct{}, first chan<- error) {
	defer close(done)

	reported := false
	for {
		conn, err := c.open(ctx)
		if !reported {
			first <- err
			reported = true
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn().Err(err).Dur("retry_in", c.cfg.ReconnectDelay).Msg("push connect failed")
		} else {
			c.serve(ctx, conn)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.ReconnectDelay):
		}
		c.metrics.Reconnect()
	}
}

// open dials and attaches the connection, sending one subscribe frame for
// every topic with a registered subscription.
func (c *Client) open(ctx context.Context) (Conn, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, err := c.cfg.Dialer.Dial(ctx, c.cfg.URL, header)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if ctx.Err() != nil {
		conn.Close()
		return nil, ctx.Err()
	}

	c.conn = conn
	var topics []string
	for _, s := range c.sortedSubsLocked() {
		s.live = true
		c.live[s.topic]++
		if c.live[s.topic] == 1 {
			topics = append(topics, s.topic)
		}
	}
	if len(topics) > 0 {
		if err := c.writeControlLocked(websocket.ActionSubscribe, topics); err != nil {
			c.detachLocked(conn)
			conn.Close()
			return nil, err
		}
	}
	c.metrics.SetConnected(true)
	c.logger.Info().Str("url", c.cfg.URL).Strs("topics", topics).Msg("push channel connected")
	return conn, nil
}

func (c *Client) serve(ctx context.Context, conn Conn) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn().Err(err).Msg("push channel dropped")
			}
			break
		}
		c.handleFrame(ctx, msg)
	}

	c.mu.Lock()
	c.detachLocked(conn)
	c.mu.Unlock()
	conn.Close()
}

func (c *Client) detachLocked(conn Conn) {
	if c.conn != conn {
		return
	}
	c.conn = nil
	for _, s := range c.subs {
		s.live = false
	}
	c.live = make(map[string]int)
	c.metrics.SetConnected(false)
}

func (c *Client) handleFrame(ctx context.Context, msg []byte) {
	var ev websocket.Event
	if err := json.Unmarshal(msg, &ev); err != nil || ev.Type == "" {
		c.metrics.FrameMalformed()
		c.logger.Warn().Err(err).Int("bytes", len(msg)).Msg("skipping malformed push frame")
		return
	}

	if ev.Type == websocket.EventError {
		var data websocket.ErrorData
		_ = json.Unmarshal(ev.Data, &data)
		c.logger.Error().Str("broker_message", data.Message).Msg("broker reported an error")
		if c.cfg.OnBrokerError != nil {
			c.cfg.OnBrokerError(ev)
		}
		return
	}
	if ev.Topic == "" {
		c.metrics.FrameMalformed()
		c.logger.Warn().Str("type", ev.Type).Msg("skipping push frame without topic")
		return
	}

	c.metrics.FrameReceived(ev.Topic)
	for _, s := range c.liveSubs(ev.Topic) {
		c.dispatch(ctx, s, ev)
	}
}

func (c *Client) dispatch(ctx context.Context, s *Subscription, ev websocket.Event) {
	c.dispatching.Add(1)
	defer c.dispatching.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			c.metrics.HandlerFailed(ev.Topic)
			c.logger.Error().Interface("panic", r).Str("topic", ev.Topic).Msg("push handler panicked")
		}
	}()
	if err := s.handler(ctx, ev); err != nil {
		c.metrics.HandlerFailed(ev.Topic)
		c.logger.Warn().Err(err).Str("topic", ev.Topic).Str("type", ev.Type).Msg("push handler failed")
	}
}

func (c *Client) liveSubs(topic string) []*Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*Subscription
	for _, s := range c.sortedSubsLocked() {
		if s.live && s.topic == topic {
			out = append(out, s)
		}
	}
	return out
}

func (c *Client) sortedSubsLocked() []*Subscription {
	out := make([]*Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (c *Client) writeControlLocked(action string, topics []string) error {
	frame, err := json.Marshal(websocket.ClientMessage{Action: action, Topics: topics})
	if err != nil {
		return err
	}
	if err := c.conn.WriteMessage(gorillawebsocket.TextMessage, frame); err != nil {
		return fmt.Errorf("write %s frame: %w", action, err)
	}
	return nil
}

// DecodeData unmarshals the event payload into T.
func DecodeData[T any](ev websocket.Event) (T, error) {
	var v T
	if len(ev.Data) == 0 {
		return v, ErrEmptyPayload
	}
	if err := json.Unmarshal(ev.Data, &v); err != nil {
		return v, fmt.Errorf("decode %s payload: %w", ev.Topic, err)
	}
	return v, nil
}
