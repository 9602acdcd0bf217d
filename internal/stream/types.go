package stream

import (
	"encoding/json"
	"time"

	"github.com/deskbot/godesk/internal/domain"
)

// State 连接状态机
// Closed -> Connecting -> Open -> (Closed | Reconnecting) -> Connecting -> ...
type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// Message is one server push frame, demultiplexed by (channel, symbol).
type Message struct {
	Channel  domain.Channel  `json:"channel"`
	Symbol   string          `json:"symbol"`
	Sequence uint64          `json:"sequence"`
	Payload  json.RawMessage `json:"payload"`
}

// Handler consumes messages for one (channel, symbol) subscription.
// Handlers run on the read loop; they must not block.
type Handler func(msg Message)

// request 客户端侧控制帧
// Subscribe/unsubscribe are best-effort and idempotent; the server sends no
// acknowledgement round-trip.
type request struct {
	Action  string         `json:"action"`
	Channel domain.Channel `json:"channel"`
	Symbol  string         `json:"symbol"`
}

const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
)

// Config 多路复用器配置
type Config struct {
	URL          string
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxReconnect int
	// OnError is invoked (from an internal goroutine) when the reconnect
	// budget is exhausted. May be nil.
	OnError func(error)
}

// DefaultConfig 默认配置
func DefaultConfig(url string) Config {
	return Config{
		URL:          url,
		PingInterval: 5 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
		MaxReconnect: 10,
	}
}

// Stats 连接统计快照（诊断用）
type Stats struct {
	State         State
	Subscriptions int
	Listeners     int
	Reconnects    int
	Dropped       uint64
	LastMessageAt time.Time
}
