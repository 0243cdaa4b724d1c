package social

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire frames
// ============================================================================

// frame is the JSON envelope exchanged on the push channel, both directions.
type frame struct {
	Type          string          `json:"type"`
	Topic         string          `json:"topic,omitempty"`
	Destination   string          `json:"destination,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Authorization string          `json:"authorization,omitempty"`
}

const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	frameSend        = "send"
	frameMessage     = "message"
	framePing        = "ping"
	framePong        = "pong"
)

// ============================================================================
// Connection state
// ============================================================================

// ConnState is the push link's lifecycle state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateError        ConnState = "error"
)

// ErrTransportClosed is returned once Close has been called.
var ErrTransportClosed = errors.New("transport closed")

// credentialRetryDelay is the fixed wait before re-checking for a bearer
// credential. Retried indefinitely until the owning context is cancelled.
const credentialRetryDelay = 2 * time.Second

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	attempt     int
	connectedAt time.Time
}

func newReconnector() *reconnector {
	return &reconnector{baseDelay: time.Second, maxDelay: 30 * time.Second}
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// Subscription
// ============================================================================

// Subscription is the token returned by Subscribe and required by
// Unsubscribe. Two consumers subscribing to the same topic hold distinct
// tokens; unsubscribing one never detaches the other's registration record.
type Subscription struct {
	Topic   string
	id      int
	handler func(payload []byte)
}

// ============================================================================
// Transport
// ============================================================================

// Transport maintains the persistent duplex connection to the push channel:
// topic subscriptions, outbound publishes, heartbeats, and automatic
// reconnect with resubscription.
type Transport struct {
	url   string
	creds CredentialProvider
	log   *zap.Logger

	heartbeatInterval time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc

	mu               sync.Mutex
	state            ConnState
	conn             *websocket.Conn
	connCancel       context.CancelFunc
	connectWait      chan struct{} // shared by all concurrent Connect callers
	connectErr       error
	subs             []*Subscription // registration order
	subSeq           int
	intentionalClose bool
	lastPong         time.Time

	recon *reconnector
}

// TransportOption customizes the Transport.
type TransportOption func(*Transport)

// WithHeartbeatInterval overrides the keepalive period (default 25s).
func WithHeartbeatInterval(d time.Duration) TransportOption {
	return func(t *Transport) { t.heartbeatInterval = d }
}

// WithTransportLogger attaches a logger; the default is a nop.
func WithTransportLogger(log *zap.Logger) TransportOption {
	return func(t *Transport) { t.log = log }
}

// NewTransport creates a transport for the websocket endpoint at url
// (ws:// or wss://). Nothing connects until Connect, Subscribe or Publish.
func NewTransport(url string, creds CredentialProvider, opts ...TransportOption) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		url:               url,
		creds:             creds,
		log:               zap.NewNop(),
		heartbeatInterval: 25 * time.Second,
		baseCtx:           ctx,
		cancel:            cancel,
		state:             StateDisconnected,
		recon:             newReconnector(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// State returns the current connection state.
func (t *Transport) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Close tears the link down for good. Safe to call more than once.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.intentionalClose = true
	conn := t.conn
	t.conn = nil
	if t.connCancel != nil {
		t.connCancel()
		t.connCancel = nil
	}
	t.state = StateDisconnected
	t.mu.Unlock()

	t.cancel()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client shutdown")
	}
	return nil
}

// Connect establishes the link, or joins the attempt already in flight:
// every concurrent caller waits on the same outcome, so there is never more
// than one dial loop. A missing credential is not fatal — the loop re-checks
// every 2 seconds and the original Connect call resolves once a later
// attempt succeeds.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.intentionalClose {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	if t.state == StateConnected {
		t.mu.Unlock()
		return nil
	}
	wait := t.connectWait
	if wait == nil {
		wait = make(chan struct{})
		t.connectWait = wait
		t.state = StateConnecting
		go t.connectLoop(wait)
	}
	t.mu.Unlock()

	select {
	case <-wait:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.connectErr
	case <-ctx.Done():
		// The caller gave up; the shared attempt keeps going for the others.
		return ctx.Err()
	}
}

// connectLoop is the single dial loop behind a connect attempt. It resolves
// wait exactly once: on success, or when the transport is closed.
func (t *Transport) connectLoop(wait chan struct{}) {
	for {
		select {
		case <-t.baseCtx.Done():
			t.resolveConnect(wait, ErrTransportClosed)
			return
		default:
		}

		token, ok := t.creds.Token()
		if !ok {
			t.log.Debug("push connect waiting for credential",
				zap.Duration("retry", credentialRetryDelay))
			if !sleepCtx(t.baseCtx, credentialRetryDelay) {
				t.resolveConnect(wait, ErrTransportClosed)
				return
			}
			continue
		}

		dialCtx, cancelDial := context.WithTimeout(t.baseCtx, 15*time.Second)
		conn, _, err := websocket.Dial(dialCtx, t.url, &websocket.DialOptions{
			HTTPHeader: map[string][]string{"Authorization": {"Bearer " + token}},
		})
		cancelDial()
		if err != nil {
			delay := t.recon.nextDelay()
			t.setState(StateError)
			t.log.Warn("push connect failed",
				zap.Error(err), zap.Duration("retry", delay))
			t.setState(StateDisconnected)
			if !sleepCtx(t.baseCtx, delay) {
				t.resolveConnect(wait, ErrTransportClosed)
				return
			}
			t.setState(StateConnecting)
			continue
		}

		connCtx, connCancel := context.WithCancel(t.baseCtx)

		// Resubscribe before reporting the link ready.
		t.mu.Lock()
		topics := lo.Uniq(lo.Map(t.subs, func(s *Subscription, _ int) string { return s.Topic }))
		t.mu.Unlock()
		resubErr := false
		for _, topic := range topics {
			if err := writeFrame(connCtx, conn, frame{Type: frameSubscribe, Topic: topic}); err != nil {
				t.log.Warn("resubscribe failed", zap.String("topic", topic), zap.Error(err))
				resubErr = true
				break
			}
		}
		if resubErr {
			conn.Close(websocket.StatusAbnormalClosure, "resubscribe failed")
			connCancel()
			delay := t.recon.nextDelay()
			t.setState(StateDisconnected)
			if !sleepCtx(t.baseCtx, delay) {
				t.resolveConnect(wait, ErrTransportClosed)
				return
			}
			t.setState(StateConnecting)
			continue
		}

		t.mu.Lock()
		t.conn = conn
		t.connCancel = connCancel
		t.state = StateConnected
		t.lastPong = time.Now()
		// Topics registered while the dial was in flight missed the batch above.
		late, _ := lo.Difference(
			lo.Uniq(lo.Map(t.subs, func(s *Subscription, _ int) string { return s.Topic })),
			topics)
		t.mu.Unlock()
		for _, topic := range late {
			if err := writeFrame(connCtx, conn, frame{Type: frameSubscribe, Topic: topic}); err != nil {
				t.log.Warn("subscribe frame failed", zap.String("topic", topic), zap.Error(err))
			}
		}
		t.recon.markConnected()
		t.log.Info("push channel connected", zap.Strings("topics", topics))

		t.resolveConnect(wait, nil)

		go t.readLoop(connCtx, conn)
		go t.heartbeatLoop(connCtx, conn)
		return
	}
}

func (t *Transport) resolveConnect(wait chan struct{}, err error) {
	t.mu.Lock()
	t.connectErr = err
	if t.connectWait == wait {
		t.connectWait = nil
	}
	t.mu.Unlock()
	close(wait)
}

func (t *Transport) setState(s ConnState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// Subscribe registers handler for a topic and kicks off a connect when the
// link is down. For a given topic the most recent registration receives the
// traffic, so a consumer that re-subscribes after a remount never leaks an
// extra live handler.
func (t *Transport) Subscribe(topic string, handler func(payload []byte)) (*Subscription, error) {
	t.mu.Lock()
	if t.intentionalClose {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	t.subSeq++
	sub := &Subscription{Topic: topic, id: t.subSeq, handler: handler}
	t.subs = append(t.subs, sub)
	state := t.state
	conn := t.conn
	t.mu.Unlock()

	switch state {
	case StateConnected:
		if err := writeFrame(t.baseCtx, conn, frame{Type: frameSubscribe, Topic: topic}); err != nil {
			t.log.Warn("subscribe frame failed", zap.String("topic", topic), zap.Error(err))
		}
	case StateConnecting:
		// The in-flight connect resubscribes every registered topic.
	default:
		go func() {
			if err := t.Connect(t.baseCtx); err != nil && !errors.Is(err, ErrTransportClosed) {
				t.log.Warn("connect triggered by subscribe failed", zap.Error(err))
			}
		}()
	}
	return sub, nil
}

// Unsubscribe removes exactly the registration behind sub. A no-op when the
// token was already removed.
func (t *Transport) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	t.mu.Lock()
	before := len(t.subs)
	t.subs = lo.Filter(t.subs, func(s *Subscription, _ int) bool { return s.id != sub.id })
	removed := len(t.subs) < before
	topicLive := lo.SomeBy(t.subs, func(s *Subscription) bool { return s.Topic == sub.Topic })
	conn := t.conn
	state := t.state
	t.mu.Unlock()

	if removed && !topicLive && state == StateConnected && conn != nil {
		if err := writeFrame(t.baseCtx, conn, frame{Type: frameUnsubscribe, Topic: sub.Topic}); err != nil {
			t.log.Debug("unsubscribe frame failed", zap.String("topic", sub.Topic), zap.Error(err))
		}
	}
}

// Publish sends payload to a destination. It waits for an in-flight connect
// rather than dropping the message, attaches the current bearer credential,
// and is fire-and-forget: there is no application-level acknowledgment.
func (t *Transport) Publish(ctx context.Context, destination string, payload any) error {
	if err := t.Connect(ctx); err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f := frame{Type: frameSend, Destination: destination, Payload: body}
	if token, ok := t.creds.Token(); ok {
		f.Authorization = "Bearer " + token
	}

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrTransportUnavailable
	}
	if err := writeFrame(ctx, conn, f); err != nil {
		return errors.Join(ErrTransportUnavailable, err)
	}
	return nil
}

// ============================================================================
// Loops
// ============================================================================

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.onDisconnect(err)
			return
		}

		var f frame
		if json.Unmarshal(data, &f) != nil {
			continue
		}
		switch f.Type {
		case framePing:
			if err := writeFrame(ctx, conn, frame{Type: framePong}); err != nil {
				t.log.Debug("pong write failed", zap.Error(err))
			}
		case framePong:
			t.mu.Lock()
			t.lastPong = time.Now()
			t.mu.Unlock()
		case frameMessage:
			t.dispatch(f.Topic, f.Payload)
		}
	}
}

// dispatch hands the payload to the most recent registration for the topic.
func (t *Transport) dispatch(topic string, payload []byte) {
	t.mu.Lock()
	var handler func([]byte)
	for i := len(t.subs) - 1; i >= 0; i-- {
		if t.subs[i].Topic == topic {
			handler = t.subs[i].handler
			break
		}
	}
	t.mu.Unlock()
	if handler != nil {
		handler(payload)
	}
}

func (t *Transport) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(t.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			stale := time.Since(t.lastPong) > 2*t.heartbeatInterval
			t.mu.Unlock()
			if stale {
				t.log.Warn("heartbeat timeout, forcing reconnect")
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
			if err := writeFrame(ctx, conn, frame{Type: framePing}); err != nil {
				conn.Close(websocket.StatusGoingAway, "heartbeat write failed")
				return
			}
		}
	}
}

// onDisconnect handles an unexpected link loss: back to disconnected, then —
// when subscriptions exist — straight into a new shared connect attempt that
// resubscribes everything before reporting ready.
func (t *Transport) onDisconnect(cause error) {
	t.mu.Lock()
	if t.intentionalClose {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	if t.connCancel != nil {
		t.connCancel()
		t.connCancel = nil
	}
	t.state = StateDisconnected
	hasSubs := len(t.subs) > 0
	alreadyConnecting := t.connectWait != nil
	var wait chan struct{}
	if hasSubs && !alreadyConnecting {
		wait = make(chan struct{})
		t.connectWait = wait
		t.state = StateConnecting
	}
	t.mu.Unlock()

	t.log.Warn("push channel disconnected", zap.Error(cause), zap.Bool("reconnecting", wait != nil))
	if wait != nil {
		go t.connectLoop(wait)
	}
}

// ============================================================================
// Helpers
// ============================================================================

func writeFrame(ctx context.Context, conn *websocket.Conn, f frame) error {
	if conn == nil {
		return ErrTransportUnavailable
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// sleepCtx waits d, returning false when ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
