// Package stream maintains the authenticated market data websocket session.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tathienbao/delta-bot/internal/metrics"
	"github.com/tathienbao/delta-bot/internal/types"
	"golang.org/x/time/rate"
)

// Config holds feed connection settings.
type Config struct {
	URL       string
	APIKey    string
	APISecret string
	Symbol    string
	Channel   string

	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	CloseTimeout     time.Duration

	// SuppressWindow drops reconnect requests that arrive within this window of the last one.
	SuppressWindow time.Duration
	Backoff        Backoff

	WriteRatePerSecond float64
}

// DefaultConfig returns default feed settings.
func DefaultConfig() Config {
	return Config{
		URL:                "wss://socket.india.delta.exchange",
		Symbol:             "BTCUSD",
		Channel:            "v2/ticker",
		HandshakeTimeout:   10 * time.Second,
		PingInterval:       10 * time.Second,
		ReadTimeout:        60 * time.Second,
		WriteTimeout:       5 * time.Second,
		CloseTimeout:       5 * time.Second,
		SuppressWindow:     3 * time.Second,
		Backoff:            DefaultBackoff(),
		WriteRatePerSecond: 5,
	}
}

// NetworkError marks a transient connectivity failure.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return "stream " + e.Op + ": " + e.Err.Error() }

func (e *NetworkError) Unwrap() error { return e.Err }

// TickHandler receives every parsed mark-price tick. Errors are logged and counted.
type TickHandler func(types.Tick) error

// Hooks observe raw socket activity for liveness monitoring.
type Hooks struct {
	OnMessage func() // every inbound data frame
	OnTraffic func() // any inbound traffic, including ping and pong
}

// Stats is a snapshot of connection counters.
type Stats struct {
	State                State
	Quality              Quality
	AverageUptime        time.Duration
	SessionID            string
	Attempts             int
	Ticks                uint64
	MalformedFrames      uint64
	HandlerErrors        uint64
	ReconnectsScheduled  uint64
	ReconnectsSuppressed uint64
}

type session struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{} // closed when the read loop exits
	closing  atomic.Bool
}

func newSession(conn *websocket.Conn) *session {
	return &session{
		id:   uuid.NewString(),
		conn: conn,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Connection is a self-healing websocket client for the mark-price feed.
type Connection struct {
	cfg      Config
	logger   *slog.Logger
	recorder *metrics.Recorder
	dialer   *websocket.Dialer
	limiter  *rate.Limiter
	quality  *QualityTracker

	state   atomic.Int32
	active  atomic.Bool
	healthy atomic.Bool

	ticks         atomic.Uint64
	malformed     atomic.Uint64
	handlerErrors atomic.Uint64
	scheduled     atomic.Uint64
	suppressed    atomic.Uint64

	mu            sync.Mutex
	handler       TickHandler
	hooks         Hooks
	current       *session
	closed        bool
	token         uint64
	attempts      int
	lastReconnect time.Time
	timer         *time.Timer

	now       func() time.Time
	afterFunc func(time.Duration, func()) *time.Timer
}

// NewConnection creates a disconnected feed client.
func NewConnection(cfg Config, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Channel == "" {
		cfg.Channel = "v2/ticker"
	}
	if cfg.WriteRatePerSecond <= 0 {
		cfg.WriteRatePerSecond = 5
	}
	burst := int(cfg.WriteRatePerSecond)
	if burst < 2 {
		burst = 2
	}

	c := &Connection{
		cfg:      cfg,
		logger:   logger.With("component", "stream", "symbol", cfg.Symbol),
		recorder: metrics.NewRecorder(),
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: websocket.DefaultDialer.Proxy},
		limiter:  rate.NewLimiter(rate.Limit(cfg.WriteRatePerSecond), burst),
		quality:  NewQualityTracker(),
		now:      time.Now,
		afterFunc: func(d time.Duration, f func()) *time.Timer {
			return time.AfterFunc(d, f)
		},
	}
	c.state.Store(int32(StateDisconnected))
	return c
}

// SetTickHandler installs the tick consumer. It applies to sessions opened afterwards.
func (c *Connection) SetTickHandler(h TickHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// SetHooks installs liveness observers. They apply to sessions opened afterwards.
func (c *Connection) SetHooks(h Hooks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = h
}

// Connect dials the feed, authenticates and subscribes. It is a no-op while the
// connection is already running. A failed dial schedules a reconnect and the
// error is returned for logging.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return types.ErrConnectionClosed
	}
	if c.active.Load() {
		c.mu.Unlock()
		c.logger.Debug("connect skipped, already running")
		return nil
	}
	c.token++
	token := c.token
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.active.Store(true)
	handler, hooks := c.handler, c.hooks
	c.mu.Unlock()

	c.setState(StateConnecting)
	c.logger.Info("connecting to feed", "url", c.cfg.URL)

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		c.recorder.RecordDialError()
		c.fail(err)
		return &NetworkError{Op: "dial", Err: err}
	}

	s := newSession(conn)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return types.ErrConnectionClosed
	}
	if token != c.token {
		// A reconnect was scheduled while dialing; it owns the next session.
		c.mu.Unlock()
		_ = conn.Close()
		c.logger.Debug("dial superseded, dropping socket")
		return nil
	}
	c.current = s
	c.attempts = 0
	c.mu.Unlock()

	c.healthy.Store(true)
	c.setState(StateOpen)
	c.quality.OnConnect()
	c.installControlHandlers(s, hooks)

	go c.readLoop(s, handler, hooks)
	go c.pingLoop(s)

	if err := c.login(ctx, s); err != nil {
		c.logger.Warn("auth/subscribe write failed", "session", s.id, "err", err)
		c.sessionFailed(s)
		return &NetworkError{Op: "auth", Err: err}
	}

	c.logger.Info("feed connected", "session", s.id)
	return nil
}

func (c *Connection) installControlHandlers(s *session, hooks Hooks) {
	s.conn.SetPongHandler(func(string) error {
		c.observe(hooks.OnTraffic)
		return s.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})
	s.conn.SetPingHandler(func(data string) error {
		c.observe(hooks.OnTraffic)
		err := s.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.cfg.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil
		}
		return err
	})
}

func (c *Connection) login(ctx context.Context, s *session) error {
	if err := c.writeJSON(ctx, s, NewAuthFrame(c.cfg.APIKey, c.cfg.APISecret, time.Now())); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}
	if err := c.writeJSON(ctx, s, NewSubscribeFrame(c.cfg.Channel, c.cfg.Symbol)); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}
	return nil
}

func (c *Connection) writeJSON(ctx context.Context, s *session, v any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return s.conn.WriteJSON(v)
}

func (c *Connection) readLoop(s *session, handler TickHandler, hooks Hooks) {
	defer close(s.done)
	defer func() {
		avg := c.quality.OnDisconnect()
		c.recorder.RecordSessionUptime(avg)
		c.logger.Info("session ended",
			"session", s.id,
			"avg_uptime", avg.Round(time.Second).String(),
			"quality", ScoreFor(avg).String(),
		)
	}()

	_ = s.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closing.Load() {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.logger.Info("feed closed by server", "session", s.id, "err", err)
				} else {
					c.logger.Warn("feed read error", "session", s.id, "err", err)
				}
				c.sessionFailed(s)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		c.observe(hooks.OnTraffic)
		c.dispatch(s, msg, handler, hooks)
	}
}

func (c *Connection) pingLoop(s *session) {
	if c.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.logger.Debug("ping failed", "session", s.id, "err", err)
				return
			}
		}
	}
}

func (c *Connection) dispatch(s *session, msg []byte, handler TickHandler, hooks Hooks) {
	c.observe(hooks.OnMessage)

	frame, err := parseFrame(msg)
	if err != nil {
		c.malformed.Add(1)
		c.recorder.RecordMalformedFrame()
		c.logger.Debug("dropping frame", "session", s.id, "err", err)
		return
	}

	if frame.authAck && c.state.CompareAndSwap(int32(StateOpen), int32(StateAuthenticated)) {
		c.recorder.RecordConnectionState(int(StateAuthenticated))
		c.logger.Info("feed authenticated", "session", s.id)
	}
	if frame.subscribed {
		c.logger.Info("market data channels active", "session", s.id, "channel", c.cfg.Channel)
	}
	if !frame.hasPrice {
		return
	}

	symbol := frame.symbol
	if symbol == "" {
		symbol = c.cfg.Symbol
	}
	tick := types.Tick{
		Symbol:     symbol,
		Price:      frame.price,
		ReceivedAt: c.now(),
		SessionID:  s.id,
	}
	c.ticks.Add(1)
	c.recorder.RecordTick()
	c.deliver(handler, tick)
}

func (c *Connection) deliver(handler TickHandler, tick types.Tick) {
	if handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.handlerErrors.Add(1)
			c.recorder.RecordHandlerError(true)
			c.logger.Error("tick handler panic", "panic", r, "price", tick.Price.String())
		}
	}()
	if err := handler(tick); err != nil {
		c.handlerErrors.Add(1)
		c.recorder.RecordHandlerError(false)
		c.logger.Warn("tick handler error", "price", tick.Price.String(), "err", err)
	}
}

func (c *Connection) observe(fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("activity hook panic", "panic", r)
		}
	}()
	fn()
}

// sessionFailed routes an unexpected session end into the recovery path.
func (c *Connection) sessionFailed(s *session) {
	c.mu.Lock()
	current := c.current == s
	c.mu.Unlock()
	if !current || !c.active.Load() {
		return
	}
	c.MarkDead()
	c.Reconnect()
}

func (c *Connection) fail(err error) {
	c.active.Store(false)
	c.healthy.Store(false)
	c.setState(StateFailed)
	c.logger.Warn("feed connection failed", "err", err)
	// A failed attempt always reschedules, otherwise a window longer than the
	// backoff would leave the connection dead.
	c.reconnect(true)
}

// MarkDead marks the connection unhealthy and inactive without touching the socket.
// It is safe to call from any goroutine.
func (c *Connection) MarkDead() {
	c.healthy.Store(false)
	wasActive := c.active.Swap(false)
	c.setState(StateDisconnected)
	if wasActive {
		c.logger.Warn("connection marked dead")
	}
}

// Reconnect schedules a reconnect after a quality-dependent backoff and returns
// without blocking. Requests within the suppression window of the previous one,
// or while a scheduled attempt is still pending, are dropped; the returned bool
// reports whether a reconnect was scheduled.
func (c *Connection) Reconnect() (time.Duration, bool) {
	return c.reconnect(false)
}

func (c *Connection) reconnect(force bool) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, false
	}

	// A pending timer owns the next attempt; later requests never push it back.
	if c.timer != nil {
		c.suppressed.Add(1)
		c.recorder.RecordReconnectSuppressed()
		c.logger.Debug("reconnect suppressed, attempt already pending", "attempt", c.attempts)
		return 0, false
	}

	now := c.now()
	if !force && !c.lastReconnect.IsZero() && now.Sub(c.lastReconnect) < c.cfg.SuppressWindow {
		c.suppressed.Add(1)
		c.recorder.RecordReconnectSuppressed()
		c.logger.Debug("reconnect suppressed", "since_last", now.Sub(c.lastReconnect).String())
		return 0, false
	}
	c.lastReconnect = now
	c.attempts++

	quality := c.quality.Score()
	delay := c.cfg.Backoff.Delay(quality, c.attempts)

	c.token++
	token := c.token
	c.active.Store(false)
	c.timer = c.afterFunc(delay, func() { c.runReconnect(token) })

	c.scheduled.Add(1)
	c.recorder.RecordReconnectScheduled(delay)
	c.logger.Warn("reconnect scheduled",
		"delay", delay.String(),
		"attempt", c.attempts,
		"quality", quality.String(),
	)
	return delay, true
}

func (c *Connection) runReconnect(token uint64) {
	c.mu.Lock()
	if c.closed || token != c.token || c.active.Load() {
		if token == c.token {
			c.timer = nil
		}
		c.mu.Unlock()
		c.recorder.RecordReconnectStale()
		c.logger.Debug("stale reconnect timer ignored")
		return
	}
	c.timer = nil
	s := c.current
	c.current = nil
	c.mu.Unlock()

	c.teardown(s)

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout+c.cfg.WriteTimeout)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		c.logger.Warn("reconnect attempt failed", "err", err)
	}
}

// teardown closes a session socket and waits a bounded time for its read loop.
func (c *Connection) teardown(s *session) bool {
	if s == nil {
		return true
	}
	s.closing.Store(true)
	s.stopOnce.Do(func() { close(s.stop) })

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteTimeout))
	_ = s.conn.Close()

	select {
	case <-s.done:
		return true
	case <-time.After(c.cfg.CloseTimeout):
		c.logger.Warn("read loop did not exit before timeout", "session", s.id, "timeout", c.cfg.CloseTimeout.String())
		return false
	}
}

// Close stops the connection for good: it cancels any pending reconnect,
// closes the socket and joins the read loop with a bounded timeout.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.token++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	s := c.current
	c.current = nil
	c.mu.Unlock()

	c.active.Store(false)
	c.healthy.Store(false)
	c.setState(StateDisconnected)
	c.logger.Info("closing feed connection")

	if !c.teardown(s) {
		return fmt.Errorf("%w: read loop still running", types.ErrShutdownTimeout)
	}
	return nil
}

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
	c.recorder.RecordConnectionState(int(s))
}

// State returns the current connection state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// IsRunning reports whether a session is active or being established.
func (c *Connection) IsRunning() bool {
	return c.active.Load()
}

// Healthy reports whether the connection has not been marked dead since its last open.
func (c *Connection) Healthy() bool {
	return c.healthy.Load()
}

// Quality returns the current connection quality label.
func (c *Connection) Quality() Quality {
	return c.quality.Score()
}

// SessionID returns the id of the live session, or "" when none.
func (c *Connection) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return ""
	}
	return c.current.id
}

// Stats returns a snapshot of connection counters.
func (c *Connection) Stats() Stats {
	c.mu.Lock()
	attempts := c.attempts
	var sid string
	if c.current != nil {
		sid = c.current.id
	}
	c.mu.Unlock()

	avg := c.quality.AverageUptime()
	return Stats{
		State:                c.State(),
		Quality:              ScoreFor(avg),
		AverageUptime:        avg,
		SessionID:            sid,
		Attempts:             attempts,
		Ticks:                c.ticks.Load(),
		MalformedFrames:      c.malformed.Load(),
		HandlerErrors:        c.handlerErrors.Load(),
		ReconnectsScheduled:  c.scheduled.Load(),
		ReconnectsSuppressed: c.suppressed.Load(),
	}
}
