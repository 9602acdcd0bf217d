// Package stream manages the single real-time transport connection and
// fans typed channel subscriptions out to local listeners. Subscriptions
// survive reconnects from the caller's perspective: every (channel, symbol)
// pair that still has a listener is replayed upstream once the connection
// is open again. Messages received while the connection is down are
// dropped; consumers resynchronize from the next snapshot or tick.
package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/deskbot/godesk/internal/domain"
	"github.com/deskbot/godesk/internal/policy"
	"github.com/deskbot/godesk/pkg/logger"
)

// subKey 订阅键
type subKey struct {
	Channel domain.Channel
	Symbol  string
}

// listener is one registered callback. Listeners for a key are kept in
// registration order; fan-out preserves that order.
type listener struct {
	id uint64
	fn Handler
}

// Multiplexer 订阅多路复用器
type Multiplexer struct {
	cfg     Config
	backoff policy.Backoff
	dialer  *websocket.Dialer
	log     *logrus.Entry

	mu      sync.Mutex
	conn    *websocket.Conn
	state   State
	subs    map[subKey][]listener
	nextID  uint64
	closed  bool
	connGen int // bumped per connection so stale read loops exit quietly

	sendCh     chan request
	writerOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	statsMu    sync.Mutex
	reconnects int
	dropped    uint64
	lastMsgAt  time.Time
}

// NewMultiplexer 创建多路复用器
func NewMultiplexer(cfg Config, backoff policy.Backoff) *Multiplexer {
	ctx, cancel := context.WithCancel(context.Background())
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 5 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxReconnect <= 0 {
		cfg.MaxReconnect = 10
	}
	return &Multiplexer{
		cfg:     cfg,
		backoff: backoff,
		dialer:  &websocket.Dialer{HandshakeTimeout: 30 * time.Second},
		log:     logger.Component("stream"),
		state:   StateClosed,
		subs:    make(map[subKey][]listener),
		sendCh:  make(chan request, 64),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// State returns the current connection state.
func (m *Multiplexer) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetOnError installs the exhausted-reconnect callback. Must be called
// before Connect.
func (m *Multiplexer) SetOnError(fn func(error)) {
	m.mu.Lock()
	m.cfg.OnError = fn
	m.mu.Unlock()
}

// Connect dials the upstream and starts the read/write/ping loops.
func (m *Multiplexer) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("stream: multiplexer closed")
	}
	if m.state == StateOpen || m.state == StateConnecting {
		m.mu.Unlock()
		return errors.New("stream: already connected")
	}
	m.state = StateConnecting
	m.mu.Unlock()

	conn, _, err := m.dialer.DialContext(ctx, m.cfg.URL, nil)
	if err != nil {
		m.mu.Lock()
		m.state = StateClosed
		m.mu.Unlock()
		return errors.Wrap(err, "stream: dial")
	}

	m.adopt(conn)

	// Writer is shared across connections. Connect can run again after the
	// reconnect budget was exhausted, so the start must be once-guarded.
	m.writerOnce.Do(func() {
		m.wg.Add(1)
		go m.writeLoop()
	})

	m.resubscribe()
	m.log.WithField("url", m.cfg.URL).Info("stream connected")
	return nil
}

// adopt installs a fresh connection and starts its read and ping loops.
func (m *Multiplexer) adopt(conn *websocket.Conn) {
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
	})

	m.mu.Lock()
	m.conn = conn
	m.state = StateOpen
	m.connGen++
	gen := m.connGen
	m.mu.Unlock()

	m.wg.Add(2)
	go m.readLoop(conn, gen)
	go m.pingLoop(conn, gen)
}

// Subscribe registers a listener for (channel, symbol) and returns its
// cancel function. The first listener for a key triggers an upstream
// subscribe; cancelling the last one triggers an upstream unsubscribe.
// The cancel function is idempotent and never blocks on network I/O.
func (m *Multiplexer) Subscribe(channel domain.Channel, symbol string, fn Handler) (func(), error) {
	if !channel.IsValid() {
		return nil, errors.Errorf("stream: unknown channel %q", channel)
	}
	if symbol == "" {
		return nil, errors.New("stream: symbol is required")
	}
	if fn == nil {
		return nil, errors.New("stream: handler is required")
	}

	key := subKey{Channel: channel, Symbol: symbol}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.New("stream: multiplexer closed")
	}
	m.nextID++
	id := m.nextID
	first := len(m.subs[key]) == 0
	m.subs[key] = append(m.subs[key], listener{id: id, fn: fn})
	open := m.state == StateOpen
	m.mu.Unlock()

	if first && open {
		m.enqueue(request{Action: actionSubscribe, Channel: channel, Symbol: symbol})
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			ls := m.subs[key]
			for i, l := range ls {
				if l.id == id {
					m.subs[key] = append(ls[:i], ls[i+1:]...)
					break
				}
			}
			last := len(m.subs[key]) == 0
			if last {
				delete(m.subs, key)
			}
			open := m.state == StateOpen
			m.mu.Unlock()

			if last && open {
				m.enqueue(request{Action: actionUnsubscribe, Channel: channel, Symbol: symbol})
			}
		})
	}
	return cancel, nil
}

// enqueue hands a control frame to the writer without blocking. Frames are
// best-effort; a full queue is treated like a send on a down connection.
func (m *Multiplexer) enqueue(req request) {
	select {
	case m.sendCh <- req:
	default:
		m.log.WithFields(logrus.Fields{"action": req.Action, "channel": req.Channel, "symbol": req.Symbol}).
			Warn("send queue full, dropping control frame")
	}
}

// resubscribe replays upstream subscribes for every key that still has at
// least one listener. Called after every (re)connect.
func (m *Multiplexer) resubscribe() {
	m.mu.Lock()
	keys := make([]subKey, 0, len(m.subs))
	for key, ls := range m.subs {
		if len(ls) > 0 {
			keys = append(keys, key)
		}
	}
	m.mu.Unlock()

	for _, key := range keys {
		m.enqueue(request{Action: actionSubscribe, Channel: key.Channel, Symbol: key.Symbol})
	}
	if len(keys) > 0 {
		m.log.WithField("count", len(keys)).Info("resubscribed active channels")
	}
}

func (m *Multiplexer) writeLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case req := <-m.sendCh:
			m.mu.Lock()
			conn := m.conn
			open := m.state == StateOpen
			m.mu.Unlock()
			if conn == nil || !open {
				// Connection is down; the pending subscribe set is replayed
				// from m.subs after reconnect, so dropping here is safe.
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
			if err := conn.WriteJSON(req); err != nil {
				m.log.WithError(err).Warn("control frame write failed")
			}
		}
	}
}

func (m *Multiplexer) readLoop(conn *websocket.Conn, gen int) {
	defer m.wg.Done()
	for {
		_ = conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-m.ctx.Done():
				return
			default:
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.log.WithError(err).Warn("stream read error")
			}
			m.handleDisconnect(conn, gen, err)
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			m.log.WithError(err).Debug("unparseable stream frame")
			continue
		}

		m.statsMu.Lock()
		m.lastMsgAt = time.Now()
		m.statsMu.Unlock()

		m.dispatch(msg)
	}
}

// dispatch fans a frame out to every listener registered for its
// (channel, symbol), in registration order.
func (m *Multiplexer) dispatch(msg Message) {
	key := subKey{Channel: msg.Channel, Symbol: msg.Symbol}

	m.mu.Lock()
	if m.state != StateOpen {
		m.mu.Unlock()
		m.statsMu.Lock()
		m.dropped++
		m.statsMu.Unlock()
		return
	}
	ls := make([]listener, len(m.subs[key]))
	copy(ls, m.subs[key])
	m.mu.Unlock()

	for _, l := range ls {
		l.fn(msg)
	}
}

func (m *Multiplexer) pingLoop(conn *websocket.Conn, gen int) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			stale := m.connGen != gen || m.conn != conn
			m.mu.Unlock()
			if stale {
				return
			}
			// WriteControl 可以和 writeLoop 的 WriteJSON 并发调用，
			// 其它写方法不行
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.cfg.WriteTimeout)); err != nil {
				m.log.WithError(err).Debug("ping failed")
				m.handleDisconnect(conn, gen, err)
				return
			}
		}
	}
}

// handleDisconnect transitions Open -> Reconnecting and kicks off the
// backoff/redial loop. Stale generations (a disconnect already handled)
// return immediately, which keeps concurrent read/ping failures from
// racing into two reconnect loops.
func (m *Multiplexer) handleDisconnect(conn *websocket.Conn, gen int, cause error) {
	m.mu.Lock()
	if m.closed || m.connGen != gen || m.state != StateOpen {
		m.mu.Unlock()
		return
	}
	m.state = StateReconnecting
	m.conn = nil
	m.mu.Unlock()

	_ = conn.Close()

	m.wg.Add(1)
	go m.reconnectLoop(cause)
}

func (m *Multiplexer) reconnectLoop(cause error) {
	defer m.wg.Done()

	for attempt := 1; attempt <= m.cfg.MaxReconnect; attempt++ {
		delay := m.backoff.NextDelay(attempt)
		select {
		case <-m.ctx.Done():
			return
		case <-time.After(delay):
		}

		m.log.WithFields(logrus.Fields{"attempt": attempt, "max": m.cfg.MaxReconnect}).Info("reconnecting stream")

		m.mu.Lock()
		m.state = StateConnecting
		m.mu.Unlock()

		conn, _, err := m.dialer.DialContext(m.ctx, m.cfg.URL, nil)
		if err != nil {
			m.mu.Lock()
			m.state = StateReconnecting
			m.mu.Unlock()
			m.log.WithError(err).Warn("reconnect attempt failed")
			continue
		}

		m.statsMu.Lock()
		m.reconnects++
		m.statsMu.Unlock()

		m.adopt(conn)
		m.resubscribe()
		m.log.Info("stream reconnected")
		return
	}

	m.mu.Lock()
	m.state = StateClosed
	onError := m.cfg.OnError
	m.mu.Unlock()
	m.log.Warn("reconnect budget exhausted")
	if onError != nil {
		onError(&policy.StreamDisconnected{Cause: cause})
	}
}

// Close shuts the multiplexer down. Idempotent.
func (m *Multiplexer) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.state = StateClosed
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	m.cancel()
	if conn != nil {
		_ = conn.Close()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		m.log.Warn("timed out waiting for stream goroutines")
	}
	return nil
}

// DebugStats returns a snapshot of connection statistics.
func (m *Multiplexer) DebugStats() Stats {
	m.mu.Lock()
	st := Stats{State: m.state, Subscriptions: len(m.subs)}
	for _, ls := range m.subs {
		st.Listeners += len(ls)
	}
	m.mu.Unlock()

	m.statsMu.Lock()
	st.Reconnects = m.reconnects
	st.Dropped = m.dropped
	st.LastMessageAt = m.lastMsgAt
	m.statsMu.Unlock()
	return st
}
