package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/deskbot/godesk/internal/domain"
	"github.com/deskbot/godesk/internal/policy"
	"github.com/deskbot/godesk/internal/store"
	"github.com/deskbot/godesk/pkg/config"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("69"))
	headStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("245"))
	gainStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	lossStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	staleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
)

// storeChangedMsg 状态存储有更新
type storeChangedMsg struct{}

// tickMsg 定时重绘
type tickMsg time.Time

// cmdResultMsg 后台命令完成
type cmdResultMsg struct {
	what string
	err  error
}

// dashboardModel Bubbletea 模型
type dashboardModel struct {
	ctx   context.Context
	store *store.TradingStore
	cfg   *config.Config

	positions []*domain.Position
	orders    []*domain.Order
	selected  int
	lastErr   string

	width  int
	height int
}

func newDashboardModel(ctx context.Context, st *store.TradingStore, cfg *config.Config) dashboardModel {
	return dashboardModel{ctx: ctx, store: st, cfg: cfg}
}

func (m dashboardModel) Init() tea.Cmd {
	return tea.Batch(m.waitForChange(), tickEvery())
}

// waitForChange blocks on the store's signal channel and wakes the UI.
func (m dashboardModel) waitForChange() tea.Cmd {
	ch := m.store.C()
	return func() tea.Msg {
		select {
		case <-ch:
			return storeChangedMsg{}
		case <-m.ctx.Done():
			return tea.Quit()
		}
	}
}

func tickEvery() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case storeChangedMsg:
		m.reload()
		return m, m.waitForChange()

	case tickMsg:
		m.reload()
		return m, tickEvery()

	case cmdResultMsg:
		if msg.err != nil {
			m.lastErr = fmt.Sprintf("%s: %s", msg.what, describeError(msg.err))
		} else {
			m.lastErr = ""
		}
		m.reload()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up", "k":
			if m.selected > 0 {
				m.selected--
			}
			return m, nil
		case "down", "j":
			if m.selected < len(m.positions)-1 {
				m.selected++
			}
			return m, nil
		case "r":
			return m, m.refreshCmd()
		case "c":
			if m.selected < len(m.positions) {
				id := m.positions[m.selected].ID
				return m, m.closePositionCmd(id)
			}
			return m, nil
		case "x":
			if o := firstOpenOrder(m.orders); o != nil {
				return m, m.cancelOrderCmd(o.ID)
			}
			return m, nil
		}
	}
	return m, nil
}

func (m *dashboardModel) reload() {
	m.positions = m.store.Positions()
	m.orders = m.store.Orders()
	if m.selected >= len(m.positions) {
		m.selected = 0
	}
}

func (m dashboardModel) refreshCmd() tea.Cmd {
	st, ctx := m.store, m.ctx
	return func() tea.Msg {
		if err := st.RefreshPositions(ctx); err != nil {
			return cmdResultMsg{what: "refresh", err: err}
		}
		if err := st.RefreshOrders(ctx); err != nil {
			return cmdResultMsg{what: "refresh", err: err}
		}
		err := st.RefreshPerformance(ctx)
		return cmdResultMsg{what: "refresh", err: err}
	}
}

func (m dashboardModel) closePositionCmd(id string) tea.Cmd {
	st, ctx := m.store, m.ctx
	return func() tea.Msg {
		return cmdResultMsg{what: "close " + id, err: st.ClosePosition(ctx, id)}
	}
}

func (m dashboardModel) cancelOrderCmd(id string) tea.Cmd {
	st, ctx := m.store, m.ctx
	return func() tea.Msg {
		return cmdResultMsg{what: "cancel " + id, err: st.CancelOrder(ctx, id)}
	}
}

func firstOpenOrder(orders []*domain.Order) *domain.Order {
	for _, o := range orders {
		if o.IsOpen() {
			return o
		}
	}
	return nil
}

// describeError keeps the footer short: taxonomy name instead of the full
// wrapped chain.
func describeError(err error) string {
	switch policy.Classify(err) {
	case policy.Unauthenticated:
		return "session expired, please log in again"
	case policy.Retryable:
		return "backend unreachable"
	}
	return err.Error()
}

func (m dashboardModel) View() string {
	if m.width == 0 {
		return "loading..."
	}

	var sections []string
	sections = append(sections, titleStyle.Render("godesk — trading dashboard"))

	if since := m.store.StaleSince(); !since.IsZero() {
		sections = append(sections, staleStyle.Render(
			fmt.Sprintf("⚠ data stale since %s", since.Format("15:04:05"))))
	} else if last := m.store.LastUpdateAt(); m.cfg.Freshness > 0 && !last.IsZero() && time.Since(last) > m.cfg.Freshness {
		// 没有报错但数据长时间没动，同样提示陈旧
		sections = append(sections, staleStyle.Render(
			fmt.Sprintf("⚠ no updates since %s", last.Format("15:04:05"))))
	}

	sections = append(sections, m.renderMarkets())
	sections = append(sections, m.renderPositions())
	sections = append(sections, m.renderOrders())

	pnl := m.store.TotalPnL()
	pnlStr := fmt.Sprintf("total pnl: %s", pnl.StringFixed(2))
	if pnl.Sign() < 0 {
		sections = append(sections, lossStyle.Render(pnlStr))
	} else {
		sections = append(sections, gainStyle.Render(pnlStr))
	}

	if m.lastErr != "" {
		sections = append(sections, errStyle.Render(m.lastErr))
	}
	sections = append(sections, dimStyle.Render(
		"r refresh · c close position · x cancel order · j/k select · q quit"))

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m dashboardModel) renderMarkets() string {
	var b strings.Builder
	b.WriteString(headStyle.Render("MARKET        PRICE       CHANGE      HIGH        LOW"))
	b.WriteString("\n")
	for _, symbol := range m.cfg.Symbols {
		tick, ok := m.store.Tick(symbol)
		if !ok {
			b.WriteString(dimStyle.Render(fmt.Sprintf("%-12s  —", symbol)))
			b.WriteString("\n")
			continue
		}
		line := fmt.Sprintf("%-12s  %-10s  %-10s  %-10s  %-10s",
			symbol,
			tick.Price.StringFixed(2),
			tick.Change.StringFixed(2),
			tick.High.StringFixed(2),
			tick.Low.StringFixed(2))
		if tick.Change.Sign() < 0 {
			b.WriteString(lossStyle.Render(line))
		} else {
			b.WriteString(gainStyle.Render(line))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (m dashboardModel) renderPositions() string {
	var b strings.Builder
	b.WriteString(headStyle.Render(fmt.Sprintf("POSITIONS (%d)", len(m.positions))))
	b.WriteString("\n")
	if len(m.positions) == 0 {
		b.WriteString(dimStyle.Render("  none"))
		return b.String()
	}
	for i, p := range m.positions {
		cursor := "  "
		if i == m.selected {
			cursor = "> "
		}
		line := fmt.Sprintf("%s%-12s %-5s size=%-8s entry=%-8s mark=%-8s pnl=%s",
			cursor, p.Symbol, p.Side,
			p.Size.String(), p.EntryPrice.StringFixed(2),
			p.MarkPrice.StringFixed(2), p.PnL.StringFixed(2))
		if p.PnL.Sign() < 0 {
			b.WriteString(lossStyle.Render(line))
		} else {
			b.WriteString(gainStyle.Render(line))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m dashboardModel) renderOrders() string {
	var b strings.Builder
	b.WriteString(headStyle.Render(fmt.Sprintf("ORDERS (%d)", len(m.orders))))
	b.WriteString("\n")
	if len(m.orders) == 0 {
		b.WriteString(dimStyle.Render("  none"))
		return b.String()
	}
	shown := m.orders
	if len(shown) > 10 {
		shown = shown[:10]
	}
	for _, o := range shown {
		line := fmt.Sprintf("  %-12s %-5s %-6s qty=%-8s px=%-8s %s",
			o.Symbol, o.Side, o.Type, o.Quantity.String(), o.Price.StringFixed(2), o.Status)
		if o.Status.IsTerminal() {
			b.WriteString(dimStyle.Render(line))
		} else {
			b.WriteString(line)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
