package clinicsync

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// EventChannel
// ============================================================================

// EventChannel opens push subscriptions. Subscribe must not block on the
// network: the connection outcome is reported on the Status channel.
type EventChannel interface {
	Subscribe(ctx context.Context) (Subscription, error)
}

// Subscription is one live push attempt. Unsubscribe is idempotent; after it
// returns no further values are delivered.
type Subscription interface {
	Events() <-chan ChangeEvent
	Status() <-chan ChannelStatus
	Unsubscribe()
}

// ============================================================================
// Configuration
// ============================================================================

// A record may carry up to 1 MiB of free text; escaping and the envelope
// can grow it well past that on the wire.
const defaultMaxFrameBytes = 4 << 20

// ChannelConfig configures the push transports.
type ChannelConfig struct {
	Token             string
	HeartbeatInterval time.Duration
	PingTimeout       time.Duration
	MaxFrameBytes     int64 // per push frame on either transport; default 4 MiB
	HTTPClient        *http.Client
	Logger            *slog.Logger
}

func (c *ChannelConfig) defaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.MaxFrameBytes == 0 {
		c.MaxFrameBytes = defaultMaxFrameBytes
	}
	if c.HTTPClient == nil {
		// Streams stay open indefinitely, so no client timeout.
		c.HTTPClient = &http.Client{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

func normalizeChannelConfig(config *ChannelConfig) *ChannelConfig {
	cfg := ChannelConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &cfg
}

// ============================================================================
// subscription
// ============================================================================

type subscription struct {
	ctx    context.Context
	cancel context.CancelFunc
	events chan ChangeEvent
	status chan ChannelStatus
	once   sync.Once
}

func newSubscription(parent context.Context) *subscription {
	ctx, cancel := context.WithCancel(parent)
	return &subscription{
		ctx:    ctx,
		cancel: cancel,
		events: make(chan ChangeEvent, 64),
		status: make(chan ChannelStatus, 4),
	}
}

func (s *subscription) Events() <-chan ChangeEvent    { return s.events }
func (s *subscription) Status() <-chan ChannelStatus { return s.status }

func (s *subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

func (s *subscription) emitStatus(st ChannelStatus) bool {
	select {
	case s.status <- st:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *subscription) emitEvent(ev ChangeEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// finish closes both channels. Only the transport goroutine writes to them.
func (s *subscription) finish() {
	close(s.events)
	close(s.status)
}

// dispatch routes one decoded push frame.
func (s *subscription) dispatch(data []byte) {
	var env Envelope
	if json.Unmarshal(data, &env) != nil {
		return
	}
	if env.Type == FrameSubscribed {
		s.emitStatus(ChannelSubscribed)
		return
	}
	if ev, ok := decodeChange(env); ok {
		s.emitEvent(ev)
	}
}

func authHeader(token string) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}

// ============================================================================
// WSChannel
// ============================================================================

// WSChannel subscribes to case changes over a WebSocket with ping heartbeats.
type WSChannel struct {
	baseURL string
	config  *ChannelConfig
}

// NewWSChannel creates a WebSocket EventChannel for the backend at baseURL.
func NewWSChannel(baseURL string, config *ChannelConfig) *WSChannel {
	return &WSChannel{baseURL: strings.TrimRight(baseURL, "/"), config: normalizeChannelConfig(config)}
}

func (c *WSChannel) url() string {
	u := strings.Replace(c.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws"
}

func (c *WSChannel) Subscribe(ctx context.Context) (Subscription, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("websocket channel: base URL is required")
	}
	s := newSubscription(ctx)
	go c.run(s)
	return s, nil
}

func (c *WSChannel) run(s *subscription) {
	defer s.finish()
	log := c.config.Logger

	conn, _, err := websocket.Dial(s.ctx, c.url(), &websocket.DialOptions{
		HTTPClient: c.config.HTTPClient,
		HTTPHeader: authHeader(c.config.Token),
	})
	if err != nil {
		if s.ctx.Err() == nil {
			log.Debug("WebSocket dial failed", attrError(err))
			s.emitStatus(ChannelError)
		}
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "unsubscribe")
	conn.SetReadLimit(c.config.MaxFrameBytes)

	var timedOut atomic.Bool
	hbCtx, hbCancel := context.WithCancel(s.ctx)
	defer hbCancel()
	go c.heartbeatLoop(hbCtx, conn, &timedOut)

	for {
		_, data, err := conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			switch code := websocket.CloseStatus(err); {
			case timedOut.Load():
				s.emitStatus(ChannelTimedOut)
			case code == websocket.StatusNormalClosure || code == websocket.StatusGoingAway:
				s.emitStatus(ChannelClosed)
			default:
				log.Debug("WebSocket read failed", attrError(err))
				s.emitStatus(ChannelError)
			}
			return
		}
		s.dispatch(data)
	}
}

func (c *WSChannel) heartbeatLoop(ctx context.Context, conn *websocket.Conn, timedOut *atomic.Bool) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.config.PingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				// Force close so the reader reports the timeout.
				timedOut.Store(true)
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// ============================================================================
// SSEChannel
// ============================================================================

// SSEChannel subscribes to case changes over server-sent events.
type SSEChannel struct {
	baseURL string
	config  *ChannelConfig
}

// NewSSEChannel creates a server-sent events EventChannel.
func NewSSEChannel(baseURL string, config *ChannelConfig) *SSEChannel {
	return &SSEChannel{baseURL: strings.TrimRight(baseURL, "/"), config: normalizeChannelConfig(config)}
}

func (c *SSEChannel) Subscribe(ctx context.Context) (Subscription, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("sse channel: base URL is required")
	}
	s := newSubscription(ctx)
	go c.run(s)
	return s, nil
}

func (c *SSEChannel) run(s *subscription) {
	defer s.finish()
	log := c.config.Logger

	reqCtx, reqCancel := context.WithCancel(s.ctx)
	defer reqCancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+"/sse", nil)
	if err != nil {
		s.emitStatus(ChannelError)
		return
	}
	req.Header = authHeader(c.config.Token)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.config.HTTPClient.Do(req)
	if err != nil {
		if s.ctx.Err() == nil {
			log.Debug("SSE connect failed", attrError(err))
			s.emitStatus(ChannelError)
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Debug("SSE connect rejected", slog.Int("status", resp.StatusCode))
		s.emitStatus(ChannelError)
		return
	}

	var lastData atomic.Int64
	var stale atomic.Bool
	lastData.Store(time.Now().UnixNano())
	go c.heartbeatWatchdog(reqCtx, reqCancel, &lastData, &stale)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), int(c.config.MaxFrameBytes))
	for scanner.Scan() {
		lastData.Store(time.Now().UnixNano())
		line := scanner.Text()

		if strings.HasPrefix(line, ":") {
			continue // heartbeat comment
		}
		if data, ok := sseData(line); ok {
			s.dispatch([]byte(data))
		}
	}

	switch {
	case s.ctx.Err() != nil:
	case stale.Load():
		s.emitStatus(ChannelTimedOut)
	case scanner.Err() != nil:
		log.Debug("SSE stream failed", attrError(scanner.Err()))
		s.emitStatus(ChannelError)
	default:
		s.emitStatus(ChannelClosed)
	}
}

// sseData returns the value of a "data:" field line. One leading space after
// the colon is part of the field syntax, not the value.
func sseData(line string) (string, bool) {
	v, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return "", false
	}
	return strings.TrimPrefix(v, " "), true
}

func (c *SSEChannel) heartbeatWatchdog(ctx context.Context, abort context.CancelFunc, lastData *atomic.Int64, stale *atomic.Bool) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	limit := 3 * c.config.HeartbeatInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(time.Unix(0, lastData.Load())) > limit {
				stale.Store(true)
				abort()
				return
			}
		}
	}
}
