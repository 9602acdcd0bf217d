// Package store holds the authoritative in-memory model of positions,
// orders and aggregate P&L. REST snapshots replace collections wholesale;
// streamed deltas merge in under sequence ordering; commands apply
// optimistically and roll back when the backend rejects them. Read
// accessors never fail — an unavailable backend yields the last known
// snapshot plus a stale-since timestamp.
package store

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/deskbot/godesk/internal/domain"
	"github.com/deskbot/godesk/internal/stream"
	"github.com/deskbot/godesk/pkg/logger"
	"github.com/deskbot/godesk/pkg/sigchan"
)

// REST endpoints of the trading backend. All mutating endpoints are
// idempotent by id: retrying a close/cancel on an already-terminal entity
// is a no-op server-side.
const (
	pathPositions     = "/account/positions"
	pathOrders        = "/account/orders"
	pathPerformance   = "/account/performance"
	pathClosePosition = "/trading/close-position"
	pathCancelOrder   = "/trading/cancel-order"
)

// maxTrades 每个 symbol 保留的最近成交数
const maxTrades = 100

// RESTClient is the request surface the store needs from the transport.
type RESTClient interface {
	Request(ctx context.Context, method, path string, body, out any) error
}

// StreamSource is the subscription surface the store needs from the
// multiplexer.
type StreamSource interface {
	Subscribe(channel domain.Channel, symbol string, fn stream.Handler) (func(), error)
}

// TradingStore 交易状态存储
type TradingStore struct {
	rest RESTClient
	src  StreamSource
	log  *logrus.Entry
	now  func() time.Time // injectable for staleness tests

	mu         sync.RWMutex
	positions  map[string]*domain.Position
	orders     map[string]*domain.Order
	ticks      map[string]domain.MarketTick
	books      map[string]domain.OrderBookSnapshot
	trades     map[string][]domain.Trade
	realized   decimal.Decimal
	staleSince time.Time
	lastUpdate time.Time
	cancels    []func()

	changed *sigchan.Chan
}

// New 创建交易状态存储
func New(rest RESTClient, src StreamSource) *TradingStore {
	return &TradingStore{
		rest:      rest,
		src:       src,
		log:       logger.Component("store"),
		now:       time.Now,
		positions: make(map[string]*domain.Position),
		orders:    make(map[string]*domain.Order),
		ticks:     make(map[string]domain.MarketTick),
		books:     make(map[string]domain.OrderBookSnapshot),
		trades:    make(map[string][]domain.Trade),
		changed:   sigchan.New(1),
	}
}

// C returns the change-notification channel the UI selects on. Every
// applied mutation emits; emissions coalesce when the reader is slow.
func (s *TradingStore) C() <-chan struct{} {
	return s.changed.C()
}

// ---- read accessors (immutable snapshots, never fail) ----

// Positions returns a snapshot of open positions, ordered by symbol then id.
func (s *TradingStore) Positions() []*domain.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Orders returns a snapshot of known orders, newest first.
func (s *TradingStore) Orders() []*domain.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// TotalPnL returns realized pnl plus the unrealized pnl of all open
// positions.
func (s *TradingStore) TotalPnL() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := s.realized
	for _, p := range s.positions {
		total = total.Add(p.PnL)
	}
	return total
}

// Tick returns the latest market tick for a symbol.
func (s *TradingStore) Tick(symbol string) (domain.MarketTick, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.ticks[symbol]
	return t, ok
}

// Book returns the latest order book snapshot for a symbol.
func (s *TradingStore) Book(symbol string) (domain.OrderBookSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.books[symbol]
	return b, ok
}

// Trades returns the recent trades for a symbol, newest last.
func (s *TradingStore) Trades(symbol string) []domain.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Trade, len(s.trades[symbol]))
	copy(out, s.trades[symbol])
	return out
}

// StaleSince returns the zero time while data is fresh, or the moment the
// store last lost its ability to synchronize. StaleState is not an error:
// reads keep serving the last known snapshot.
func (s *TradingStore) StaleSince() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.staleSince
}

// LastUpdateAt returns when the store last applied an update from the
// backend. The UI compares this against the freshness threshold: quiet
// data is shown as stale even when no transport error occurred.
func (s *TradingStore) LastUpdateAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdate
}

// MarkDisconnected records that the real-time stream is gone. Wired as the
// multiplexer's OnError callback.
func (s *TradingStore) MarkDisconnected(err error) {
	s.log.WithError(err).Warn("stream lost, marking state stale")
	s.mu.Lock()
	s.markStaleLocked()
	s.mu.Unlock()
	s.changed.Emit()
}

func (s *TradingStore) markStaleLocked() {
	if s.staleSince.IsZero() {
		s.staleSince = s.now()
	}
}

func (s *TradingStore) touchLocked() {
	s.lastUpdate = s.now()
}

// ---- REST snapshot refresh ----

// RefreshPositions replaces the position collection with the backend's
// authoritative snapshot.
func (s *TradingStore) RefreshPositions(ctx context.Context) error {
	var list []domain.Position
	if err := s.rest.Request(ctx, http.MethodGet, pathPositions, nil, &list); err != nil {
		s.mu.Lock()
		s.markStaleLocked()
		s.mu.Unlock()
		s.changed.Emit()
		return errors.Wrap(err, "refresh positions")
	}

	next := make(map[string]*domain.Position, len(list))
	for i := range list {
		p := list[i]
		next[p.ID] = &p
	}

	s.mu.Lock()
	s.positions = next
	s.staleSince = time.Time{}
	s.touchLocked()
	s.mu.Unlock()
	s.changed.Emit()
	return nil
}

// RefreshOrders replaces the order collection with the backend snapshot.
func (s *TradingStore) RefreshOrders(ctx context.Context) error {
	var list []domain.Order
	if err := s.rest.Request(ctx, http.MethodGet, pathOrders, nil, &list); err != nil {
		s.mu.Lock()
		s.markStaleLocked()
		s.mu.Unlock()
		s.changed.Emit()
		return errors.Wrap(err, "refresh orders")
	}

	next := make(map[string]*domain.Order, len(list))
	for i := range list {
		o := list[i]
		next[o.ID] = &o
	}

	s.mu.Lock()
	s.orders = next
	s.staleSince = time.Time{}
	s.touchLocked()
	s.mu.Unlock()
	s.changed.Emit()
	return nil
}

// performanceResponse 业绩端点返回体
type performanceResponse struct {
	RealizedPnL decimal.Decimal `json:"realizedPnl"`
}

// RefreshPerformance pulls the realized pnl summary.
func (s *TradingStore) RefreshPerformance(ctx context.Context) error {
	var perf performanceResponse
	if err := s.rest.Request(ctx, http.MethodGet, pathPerformance, nil, &perf); err != nil {
		return errors.Wrap(err, "refresh performance")
	}
	s.mu.Lock()
	s.realized = perf.RealizedPnL
	s.touchLocked()
	s.mu.Unlock()
	s.changed.Emit()
	return nil
}

// ---- optimistic commands ----

// ClosePosition removes the position locally, then reconciles with the
// backend: the removal is confirmed on success and restored on failure.
// Closing an id that is not held is a success no-op (the backend treats
// close as idempotent by id).
func (s *TradingStore) ClosePosition(ctx context.Context, id string) error {
	s.mu.Lock()
	p, ok := s.positions[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	snapshot := p.Clone()
	delete(s.positions, id)
	s.mu.Unlock()
	s.changed.Emit()

	err := s.rest.Request(ctx, http.MethodPost, pathClosePosition,
		map[string]string{"symbol": snapshot.Symbol}, nil)
	if err != nil {
		s.mu.Lock()
		s.positions[id] = snapshot
		s.mu.Unlock()
		s.changed.Emit()
		return errors.Wrapf(err, "close position %s", id)
	}
	return nil
}

// CancelOrder transitions the order to cancelled locally, then reconciles
// with the backend, restoring the prior status on failure. Cancelling an
// order already in a terminal state is a success no-op.
func (s *TradingStore) CancelOrder(ctx context.Context, id string) error {
	s.mu.Lock()
	o, ok := s.orders[id]
	if !ok || o.Status.IsTerminal() {
		s.mu.Unlock()
		return nil
	}
	prev := o.Status
	o.Status = domain.OrderStatusCancelled
	s.mu.Unlock()
	s.changed.Emit()

	err := s.rest.Request(ctx, http.MethodPost, pathCancelOrder,
		map[string]string{"orderId": id}, nil)
	if err != nil {
		s.mu.Lock()
		if cur, ok := s.orders[id]; ok {
			cur.Status = prev
		}
		s.mu.Unlock()
		s.changed.Emit()
		return errors.Wrapf(err, "cancel order %s", id)
	}
	return nil
}

// ---- stream merge ----

// Watch binds a multiplexer subscription for (channel, symbol) into the
// store. The returned error only reflects subscription setup; stream
// payloads that fail to decode are logged and skipped.
func (s *TradingStore) Watch(channel domain.Channel, symbol string) error {
	cancel, err := s.src.Subscribe(channel, symbol, s.handleFrame)
	if err != nil {
		return errors.Wrapf(err, "watch %s/%s", channel, symbol)
	}
	s.mu.Lock()
	s.cancels = append(s.cancels, cancel)
	s.mu.Unlock()
	return nil
}

// Close releases all stream subscriptions held by the store.
func (s *TradingStore) Close() {
	s.mu.Lock()
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (s *TradingStore) handleFrame(msg stream.Message) {
	switch msg.Channel {
	case domain.ChannelMarket:
		var tick domain.MarketTick
		if err := json.Unmarshal(msg.Payload, &tick); err != nil {
			s.log.WithError(err).Debug("bad market payload")
			return
		}
		if tick.Symbol == "" {
			tick.Symbol = msg.Symbol
		}
		if tick.Sequence == 0 {
			tick.Sequence = msg.Sequence
		}
		s.ApplyTick(tick)
	case domain.ChannelOrderbook:
		var book domain.OrderBookSnapshot
		if err := json.Unmarshal(msg.Payload, &book); err != nil {
			s.log.WithError(err).Debug("bad orderbook payload")
			return
		}
		if book.Symbol == "" {
			book.Symbol = msg.Symbol
		}
		if book.Sequence == 0 {
			book.Sequence = msg.Sequence
		}
		s.ApplyBook(book)
	case domain.ChannelTrades:
		var trade domain.Trade
		if err := json.Unmarshal(msg.Payload, &trade); err != nil {
			s.log.WithError(err).Debug("bad trade payload")
			return
		}
		if trade.Symbol == "" {
			trade.Symbol = msg.Symbol
		}
		s.ApplyTrade(trade)
	}
}

// ApplyTick merges a streamed tick. The tick applies only when its
// sequence is strictly greater than the held one for the symbol;
// out-of-order and duplicate sequences are discarded as stale, which makes
// replay idempotent. Mark prices of matching positions are recomputed.
func (s *TradingStore) ApplyTick(tick domain.MarketTick) bool {
	s.mu.Lock()
	if held, ok := s.ticks[tick.Symbol]; ok && tick.Sequence <= held.Sequence {
		s.mu.Unlock()
		return false
	}
	s.ticks[tick.Symbol] = tick
	for _, p := range s.positions {
		if p.Symbol == tick.Symbol {
			p.ApplyMark(tick.Price)
		}
	}
	s.touchLocked()
	s.mu.Unlock()
	s.changed.Emit()
	return true
}

// ApplyBook replaces the book for a symbol wholesale. Snapshots carry no
// diffing contract, so no sequence gating beyond drop-if-older.
func (s *TradingStore) ApplyBook(book domain.OrderBookSnapshot) bool {
	s.mu.Lock()
	if held, ok := s.books[book.Symbol]; ok && book.Sequence != 0 && book.Sequence <= held.Sequence {
		s.mu.Unlock()
		return false
	}
	s.books[book.Symbol] = book
	s.touchLocked()
	s.mu.Unlock()
	s.changed.Emit()
	return true
}

// ApplyTrade appends a trade to the symbol's recent-trade ring.
func (s *TradingStore) ApplyTrade(trade domain.Trade) {
	s.mu.Lock()
	list := append(s.trades[trade.Symbol], trade)
	if len(list) > maxTrades {
		list = list[len(list)-maxTrades:]
	}
	s.trades[trade.Symbol] = list
	s.touchLocked()
	s.mu.Unlock()
	s.changed.Emit()
}
