package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/deskbot/godesk/internal/credential"
	"github.com/deskbot/godesk/internal/domain"
	"github.com/deskbot/godesk/internal/policy"
	"github.com/deskbot/godesk/internal/store"
	"github.com/deskbot/godesk/internal/stream"
	"github.com/deskbot/godesk/internal/transport"
	"github.com/deskbot/godesk/pkg/config"
	"github.com/deskbot/godesk/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "godesk: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// .env 是可选的
	_ = godotenv.Load()

	configPath := flag.String("config", "godesk.yaml", "配置文件路径")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	// TUI 占用终端，日志必须写文件
	if cfg.Log.OutputFile == "" {
		cfg.Log.OutputFile = "logs/dashboard.log"
	}
	if err := logger.Init(cfg.Log); err != nil {
		return err
	}
	log := logger.Component("dashboard")

	creds, err := openSession(cfg)
	if err != nil {
		return err
	}
	defer creds.Close()

	rest := transport.NewClient(cfg.API.BaseURL, creds,
		transport.WithTimeout(cfg.API.Timeout),
		transport.WithMaxAttempts(cfg.Retry.MaxAttempts),
		transport.WithBackoff(policy.Backoff{Base: cfg.Retry.BaseDelay, Max: cfg.Retry.MaxDelay}),
	)

	streamCfg := stream.Config{
		URL:          cfg.Stream.URL,
		PingInterval: cfg.Stream.PingInterval,
		ReadTimeout:  cfg.Stream.ReadTimeout,
		WriteTimeout: cfg.Stream.WriteTimeout,
		MaxReconnect: cfg.Stream.MaxReconnect,
	}
	mux := stream.NewMultiplexer(streamCfg, policy.Backoff{
		Base: cfg.Stream.ReconnectBase,
		Max:  cfg.Stream.ReconnectMax,
	})
	defer mux.Close()

	st := store.New(rest, mux)
	defer st.Close()
	mux.SetOnError(st.MarkDisconnected)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mux.Connect(ctx); err != nil {
		// 没有实时流也能启动：数据会被标记为陈旧，REST 刷新仍然工作
		log.WithError(err).Warn("stream unavailable at startup")
		st.MarkDisconnected(err)
	}

	for _, symbol := range cfg.Symbols {
		for _, ch := range []domain.Channel{domain.ChannelMarket, domain.ChannelOrderbook, domain.ChannelTrades} {
			if err := st.Watch(ch, symbol); err != nil {
				log.WithError(err).WithFields(logrus.Fields{"channel": ch, "symbol": symbol}).Warn("watch failed")
			}
		}
	}

	// 初始快照（失败只降级为 stale，不阻止启动）
	initCtx, initCancel := context.WithTimeout(ctx, 15*time.Second)
	defer initCancel()
	if err := st.RefreshPositions(initCtx); err != nil {
		log.WithError(err).Warn("initial position snapshot failed")
	}
	if err := st.RefreshOrders(initCtx); err != nil {
		log.WithError(err).Warn("initial order snapshot failed")
	}
	if err := st.RefreshPerformance(initCtx); err != nil {
		log.WithError(err).Warn("initial performance snapshot failed")
	}

	model := newDashboardModel(ctx, st, cfg)
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err = p.Run()
	return err
}

// openSession opens the persisted session credential store and seeds it
// from the environment when the session is empty. The identity mechanism
// itself (how the tokens were obtained) is a concern of whatever wrote
// GODESK_ACCESS_TOKEN / GODESK_REFRESH_TOKEN.
func openSession(cfg *config.Config) (*credential.SessionStore, error) {
	key, err := credential.ParseKey(os.Getenv("GODESK_SESSION_KEY"))
	if err != nil {
		return nil, err
	}
	creds, err := credential.OpenSession(credential.OpenOptions{
		Path:          cfg.Session.Path,
		EncryptionKey: key,
	})
	if err != nil {
		return nil, err
	}

	if creds.Get() == nil {
		access := os.Getenv("GODESK_ACCESS_TOKEN")
		refresh := os.Getenv("GODESK_REFRESH_TOKEN")
		if access != "" {
			if err := creds.Set(credential.Credential{
				AccessToken:  access,
				RefreshToken: refresh,
			}); err != nil {
				_ = creds.Close()
				return nil, err
			}
		}
	}
	return creds, nil
}
