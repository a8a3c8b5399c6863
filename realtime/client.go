/*
client.go - Supabase Realtime client

A single websocket connection multiplexes any number of channels. The client
reconnects with exponential backoff and rejoins every registered channel once the
connection is back, so a Channel stays valid across connection drops.

WebSocket Endpoint: wss://{project}/realtime/v1/websocket?apikey={key}&vsn=1.0.0
*/

package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/charmbracelet/log"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

var ErrClientClosed = errors.New("realtime client closed")

const (
	defaultHeartbeat    = 25 * time.Second
	defaultMinReconnect = 500 * time.Millisecond
	defaultMaxReconnect = 30 * time.Second
	writeTimeout        = 10 * time.Second
)

type Client struct {
	wsURL  string
	logger *log.Logger
	dialer *websocket.Dialer

	heartbeat    time.Duration
	minReconnect time.Duration
	maxReconnect time.Duration

	ref atomic.Uint64

	mu       sync.Mutex
	conn     *websocket.Conn
	channels map[string]*Channel
	token    string
	started  bool
	closed   bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// writes to a gorilla connection must not be concurrent
	writeMu sync.Mutex

	// closed by Close
	done chan struct{}
}

type Option func(*Client)

func WithLogger(logger *log.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithHeartbeat(interval time.Duration) Option {
	return func(c *Client) {
		if interval > 0 {
			c.heartbeat = interval
		}
	}
}

// WithReconnect bounds the exponential backoff between reconnect attempts.
func WithReconnect(initial, limit time.Duration) Option {
	return func(c *Client) {
		if initial > 0 {
			c.minReconnect = initial
		}
		if limit >= c.minReconnect {
			c.maxReconnect = limit
		}
	}
}

// WithAccessToken sets the user token sent when joining channels.
func WithAccessToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// NewClient builds a client for the project at endpoint (http(s) or ws(s) URL).
func NewClient(endpoint, apiKey string, opts ...Option) (*Client, error) {
	wsURL, err := websocketURL(endpoint, apiKey)
	if err != nil {
		return nil, err
	}
	c := &Client{
		wsURL:        wsURL,
		logger:       log.Default().WithPrefix("realtime"),
		dialer:       &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		heartbeat:    defaultHeartbeat,
		minReconnect: defaultMinReconnect,
		maxReconnect: defaultMaxReconnect,
		channels:     make(map[string]*Channel),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func websocketURL(endpoint, apiKey string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse realtime endpoint: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported realtime endpoint scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/websocket") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/realtime/v1/websocket"
	}
	q := u.Query()
	q.Set("apikey", apiKey)
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Start runs the connection loop in the background until ctx ends or Close is called.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if c.started {
		return nil
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.run(ctx)
	return nil
}

// Close stops the connection loop and releases the connection. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	conn := c.conn
	c.channels = make(map[string]*Channel)
	c.mu.Unlock()
	close(c.done)

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()
	return nil
}

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.minReconnect
	b.MaxInterval = c.maxReconnect
	b.Reset()

	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := c.dial(ctx)
		if err != nil {
			delay := b.NextBackOff()
			if delay == backoff.Stop {
				delay = c.maxReconnect
			}
			c.logger.Warn("connect failed, retrying", "err", err, "delay", delay)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}
		b.Reset()

		if !c.attach(conn) {
			conn.Close()
			return
		}
		c.logger.Info("connected")
		c.rejoinAll(conn)

		connCtx, stopHeartbeat := context.WithCancel(ctx)
		c.wg.Add(1)
		go c.heartbeatLoop(connCtx, conn)
		err = c.readLoop(conn)
		stopHeartbeat()
		c.detach(conn)

		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("connection lost", "err", err)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return conn, nil
}

func (c *Client) attach(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.conn = conn
	return true
}

func (c *Client) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	for _, ch := range c.channels {
		ch.joined.Store(false)
	}
	c.mu.Unlock()
	conn.Close()
}

func (c *Client) rejoinAll(conn *websocket.Conn) {
	c.mu.Lock()
	var channels []*Channel
	for _, ch := range c.channels {
		if ch.conn != conn {
			ch.conn = conn
			channels = append(channels, ch)
		}
	}
	c.mu.Unlock()

	for _, ch := range channels {
		if err := c.join(ch); err != nil {
			c.logger.Warn("rejoin failed", "topic", ch.topic, "err", err)
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msg := Message{Topic: topicPhoenix, Event: eventHeartbeat, Payload: json.RawMessage(`{}`), Ref: c.nextRef()}
			if err := c.writeTo(conn, msg); err != nil {
				c.logger.Warn("heartbeat failed", "err", err)
				// unblocks readLoop, which triggers a reconnect
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		conn.SetReadDeadline(time.Now().Add(2*c.heartbeat + 10*time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("malformed message", "err", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg Message) {
	if msg.Topic == topicPhoenix {
		return
	}
	c.mu.Lock()
	ch := c.channels[msg.Topic]
	c.mu.Unlock()
	if ch == nil {
		return
	}

	switch msg.Event {
	case eventPostgresChanges:
		var payload changesPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			c.logger.Warn("malformed change", "topic", msg.Topic, "err", err)
			return
		}
		ch.deliver(payload.Data)
	case eventReply:
		var reply replyPayload
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			return
		}
		if msg.Ref == ch.joinRef() {
			if reply.Status == "ok" {
				ch.joined.Store(true)
				ch.settle(nil)
				c.logger.Debug("joined", "topic", msg.Topic)
			} else {
				c.logger.Error("join rejected", "topic", msg.Topic, "response", string(reply.Response))
				ch.settle(fmt.Errorf("realtime: join %s rejected: %s", msg.Topic, reply.Response))
			}
		}
	case eventError, eventClose:
		ch.joined.Store(false)
		c.logger.Warn("channel closed by server", "topic", msg.Topic, "event", msg.Event)
	case eventSystem:
		c.logger.Debug("system message", "topic", msg.Topic, "payload", string(msg.Payload))
	}
}

// Subscribe registers a channel for topic and joins it as soon as a connection is open.
// It does not wait for the server; use Channel.WaitJoined for that.
// handler runs on the client's read goroutine.
func (c *Client) Subscribe(topic string, changes []PostgresChange, handler func(Change)) (*Channel, error) {
	ch := &Channel{
		client:  c,
		topic:   "realtime:" + topic,
		changes: changes,
		handler: handler,
		settled: make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	if _, exists := c.channels[ch.topic]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("realtime: topic %s already subscribed", topic)
	}
	c.channels[ch.topic] = ch
	connected := c.conn != nil
	if connected {
		ch.conn = c.conn
	}
	c.mu.Unlock()

	if connected {
		if err := c.join(ch); err != nil {
			// retried on the next reconnect
			c.logger.Warn("join failed", "topic", ch.topic, "err", err)
		}
	}
	return ch, nil
}

func (c *Client) join(ch *Channel) error {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	payload, err := json.Marshal(joinPayload{
		Config:      joinConfig{PostgresChanges: ch.changes},
		AccessToken: token,
	})
	if err != nil {
		return err
	}
	ref := c.nextRef()
	ch.setJoinRef(ref)
	return c.write(Message{Topic: ch.topic, Event: eventJoin, Payload: payload, Ref: ref, JoinRef: ref})
}

func (c *Client) leave(ch *Channel) {
	c.mu.Lock()
	if c.channels[ch.topic] != ch {
		c.mu.Unlock()
		return
	}
	delete(c.channels, ch.topic)
	connected := c.conn != nil
	c.mu.Unlock()

	if connected {
		msg := Message{Topic: ch.topic, Event: eventLeave, Payload: json.RawMessage(`{}`), Ref: c.nextRef(), JoinRef: ch.joinRef()}
		if err := c.write(msg); err != nil {
			c.logger.Debug("leave failed", "topic", ch.topic, "err", err)
		}
	}
}

// SetAccessToken pushes a renewed user token to every joined channel.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	c.token = token
	channels := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	connected := c.conn != nil
	c.mu.Unlock()

	if !connected {
		return
	}
	payload, _ := json.Marshal(accessTokenPayload{AccessToken: token})
	for _, ch := range channels {
		msg := Message{Topic: ch.topic, Event: eventAccessToken, Payload: payload, Ref: c.nextRef(), JoinRef: ch.joinRef()}
		if err := c.write(msg); err != nil {
			c.logger.Warn("access token push failed", "topic", ch.topic, "err", err)
		}
	}
}

func (c *Client) write(msg Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("realtime: not connected")
	}
	return c.writeTo(conn, msg)
}

func (c *Client) writeTo(conn *websocket.Conn, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) nextRef() string {
	return strconv.FormatUint(c.ref.Add(1), 10)
}

// Channel is one joined topic. It survives reconnects until Unsubscribe.
type Channel struct {
	client  *Client
	topic   string
	changes []PostgresChange
	handler func(Change)
	joined  atomic.Bool
	left    atomic.Bool

	// connection the channel was last joined on, guarded by client.mu
	conn *websocket.Conn

	refMu sync.Mutex
	ref   string

	// closed once the first join reply arrives, joinErr is set before
	settleOnce sync.Once
	settled    chan struct{}
	joinErr    error
}

func (ch *Channel) Topic() string {
	return ch.topic
}

// Joined reports whether the server acknowledged the latest join.
func (ch *Channel) Joined() bool {
	return ch.joined.Load()
}

// WaitJoined blocks until the server answers the first join, ctx ends or the
// client closes. Changes committed after a nil return are delivered to the handler.
func (ch *Channel) WaitJoined(ctx context.Context) error {
	select {
	case <-ch.settled:
		return ch.joinErr
	case <-ctx.Done():
		return fmt.Errorf("realtime: waiting for join of %s: %w", ch.topic, ctx.Err())
	case <-ch.client.done:
		return ErrClientClosed
	}
}

func (ch *Channel) settle(err error) {
	ch.settleOnce.Do(func() {
		ch.joinErr = err
		close(ch.settled)
	})
}

// Unsubscribe leaves the channel. Safe to call more than once.
func (ch *Channel) Unsubscribe() {
	if ch.left.Swap(true) {
		return
	}
	ch.client.leave(ch)
}

func (ch *Channel) deliver(change Change) {
	if ch.left.Load() || ch.handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			ch.client.logger.Error("change handler panicked", "topic", ch.topic, "panic", r)
		}
	}()
	ch.handler(change)
}

func (ch *Channel) setJoinRef(ref string) {
	ch.refMu.Lock()
	defer ch.refMu.Unlock()
	ch.ref = ref
}

func (ch *Channel) joinRef() string {
	ch.refMu.Lock()
	defer ch.refMu.Unlock()
	return ch.ref
}
