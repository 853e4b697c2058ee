package bot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyexec/ledger"
	"github.com/web3guy0/polyexec/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - Operator alerts & control
// ═══════════════════════════════════════════════════════════════════════════════
//
// Features:
//   🔔 Alerts from the engine, ledger and sweeper (queued, never blocking)
//   📊 /status /stats /positions /trades /balance /pending
//   🛑 /stop latches the emergency stop, /resume clears it
//
// ═══════════════════════════════════════════════════════════════════════════════

const alertQueueSize = 64

// Messenger sends one message. *tgbotapi.BotAPI implements it.
type Messenger interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// StatsProvider provides trading statistics. *ledger.Ledger implements it.
type StatsProvider interface {
	Stats() ledger.Stats
	Positions() []types.PositionRecord
	RecentTrades(n int) []types.TradeRecord
}

// BalanceSource reads the wallet's collateral. *execution.Engine implements it.
type BalanceSource interface {
	USDCBalance(ctx context.Context) (decimal.Decimal, error)
}

// Controller toggles trading
type Controller interface {
	Stop(reason string)
	Resume()
	Stopped() (bool, string)
}

// Deps are the bot's read and control surfaces. Any may be nil.
type Deps struct {
	Stats    StatsProvider
	Balance  BalanceSource
	Control  Controller
	Pending  func() []string // markets awaiting redemption
	DryRun   bool
	Strategy string
}

// TelegramBot manages the Telegram interface
type TelegramBot struct {
	mu      sync.RWMutex
	api     *tgbotapi.BotAPI // nil when built from a Messenger
	out     Messenger
	chatID  int64
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	deps   Deps
	alerts chan string

	// Stats
	sent    int
	dropped int
}

// NewTelegramBot connects to the Bot API
func NewTelegramBot(token string, chatID int64, deps Deps) (*TelegramBot, error) {
	if token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN not set")
	}
	if chatID == 0 {
		return nil, fmt.Errorf("TELEGRAM_CHAT_ID not set")
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	b := NewWithMessenger(api, chatID, deps)
	b.api = api

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot initialized")
	return b, nil
}

// NewWithMessenger builds a bot that sends through m and takes no commands
func NewWithMessenger(m Messenger, chatID int64, deps Deps) *TelegramBot {
	return &TelegramBot{
		out:    m,
		chatID: chatID,
		stopCh: make(chan struct{}),
		deps:   deps,
		alerts: make(chan string, alertQueueSize),
	}
}

// Start begins sending alerts and, with a live API, listening for commands
func (b *TelegramBot) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.sendLoop()

	if b.api != nil {
		b.wg.Add(1)
		go b.commandLoop()
	}
	log.Info().Msg("📱 Telegram bot started")
}

// Stop flushes queued alerts and stops the loops
func (b *TelegramBot) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.stopCh)
	b.mu.Unlock()

	if b.api != nil {
		b.api.StopReceivingUpdates()
	}
	b.wg.Wait()
	log.Info().Msg("Telegram bot stopped")
}

// ═══════════════════════════════════════════════════════════════════════════════
// NOTIFICATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// Alert queues a message. It never blocks; a full queue drops the message.
func (b *TelegramBot) Alert(msg string) {
	select {
	case b.alerts <- msg:
	default:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		log.Warn().Str("msg", msg).Msg("⚠️ Alert queue full, dropping")
	}
}

// NotifyStartup sends startup notification
func (b *TelegramBot) NotifyStartup(assets []string) {
	mode := "LIVE"
	if b.deps.DryRun {
		mode = "PAPER"
	}
	b.Alert(fmt.Sprintf("🚀 *POLYEXEC STARTED*\n━━━━━━━━━━━━━━━━━━━━\n\n📊 Mode: *%s*\n🎯 Strategy: *%s*\n🪙 Assets: *%s*\n💰 Balance: *%s*\n\nUse /help for commands",
		mode, b.deps.Strategy, strings.ToUpper(strings.Join(assets, " ")), b.balanceString()))
}

func (b *TelegramBot) sendLoop() {
	defer b.wg.Done()
	for {
		select {
		case msg := <-b.alerts:
			b.sendMarkdown(msg)
		case <-b.stopCh:
			// drain what is already queued
			for {
				select {
				case msg := <-b.alerts:
					b.sendMarkdown(msg)
				default:
					return
				}
			}
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMAND HANDLING
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) commandLoop() {
	defer b.wg.Done()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-b.stopCh:
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}

			// Only respond to authorized chat
			if update.Message.Chat.ID != b.chatID {
				continue
			}

			b.sendMarkdown(b.Reply(update.Message.Command()))
		}
	}
}

// Reply renders the response to a command
func (b *TelegramBot) Reply(cmd string) string {
	switch strings.ToLower(cmd) {
	case "start", "help":
		return b.cmdHelp()
	case "status":
		return b.cmdStatus()
	case "stats":
		return b.cmdStats()
	case "positions":
		return b.cmdPositions()
	case "trades":
		return b.cmdTrades()
	case "balance":
		return "💰 *ACCOUNT BALANCE*\n━━━━━━━━━━━━━━━━━━━━\n\n💵 Available: *" + b.balanceString() + "*"
	case "pending":
		return b.cmdPending()
	case "stop":
		return b.cmdStop()
	case "resume":
		return b.cmdResume()
	case "ping":
		return "🏓 Pong!"
	default:
		return "❓ Unknown command. Use /help"
	}
}

func (b *TelegramBot) cmdHelp() string {
	return `🤖 *POLYEXEC COMMANDS*
━━━━━━━━━━━━━━━━━━━━

📊 /status — Engine status
📈 /stats — Trading statistics
💼 /positions — Open positions
📜 /trades — Last 10 trades
💰 /balance — Wallet balance
🧹 /pending — Awaiting redemption
🛑 /stop — Emergency stop
▶️ /resume — Clear emergency stop
🏓 /ping — Test connection`
}

func (b *TelegramBot) cmdStatus() string {
	mode := "LIVE"
	if b.deps.DryRun {
		mode = "PAPER"
	}

	status := "🟢 RUNNING"
	if b.deps.Control != nil {
		if stopped, reason := b.deps.Control.Stopped(); stopped {
			status = "🛑 STOPPED: " + reason
		}
	}

	open := 0
	capital := "N/A"
	if b.deps.Stats != nil {
		st := b.deps.Stats.Stats()
		open = st.OpenPositions
		capital = "$" + st.Capital.StringFixed(2)
	}

	return fmt.Sprintf(`📊 *ENGINE STATUS*
━━━━━━━━━━━━━━━━━━━━

%s
📊 Mode: *%s*
🎯 Strategy: *%s*
💼 Open: *%d*
💵 Capital: *%s*
💰 Balance: *%s*`, status, mode, b.deps.Strategy, open, capital, b.balanceString())
}

func (b *TelegramBot) cmdStats() string {
	if b.deps.Stats == nil {
		return "❌ Stats not available"
	}
	st := b.deps.Stats.Stats()

	return fmt.Sprintf(`📈 *TRADING STATS*
━━━━━━━━━━━━━━━━━━━━

📊 Total Trades: *%d*
✅ Wins: *%d*
❌ Losses: *%d*
📈 Win Rate: *%.1f%%*

━━━━━━━━━━━━━━━━━━━━
💵 Total P&L: *%s*
💰 Capital: *$%s*`,
		st.Trades, st.Wins, st.Losses, st.WinRate(),
		signedUSD(st.TotalPnL),
		st.Capital.StringFixed(2),
	)
}

func (b *TelegramBot) cmdPositions() string {
	if b.deps.Stats == nil {
		return "❌ Positions not available"
	}
	positions := b.deps.Stats.Positions()
	if len(positions) == 0 {
		return "📭 No open positions"
	}

	var sb strings.Builder
	sb.WriteString("💼 *OPEN POSITIONS*\n━━━━━━━━━━━━━━━━━━━━\n\n")
	for i, pos := range positions {
		if i >= 5 {
			sb.WriteString(fmt.Sprintf("_... and %d more_", len(positions)-5))
			break
		}
		sb.WriteString(fmt.Sprintf("🎯 *%s* `%s`\n🟢 UP %s | 🔴 DOWN %s\n💵 Invested: $%s | ⏱️ %v\n\n",
			strings.ToUpper(pos.Asset), pos.Slug,
			pos.UpContracts.StringFixed(2), pos.DownContracts.StringFixed(2),
			pos.Invested.StringFixed(2),
			time.Since(pos.OpenedAt).Round(time.Second),
		))
	}
	return sb.String()
}

func (b *TelegramBot) cmdTrades() string {
	if b.deps.Stats == nil {
		return "❌ Trades not available"
	}
	trades := b.deps.Stats.RecentTrades(10)
	if len(trades) == 0 {
		return "📭 No trade history yet"
	}

	var sb strings.Builder
	sb.WriteString("📜 *LAST 10 TRADES*\n━━━━━━━━━━━━━━━━━━━━\n\n")
	for _, t := range trades {
		emoji := "✅"
		if t.PnL.IsNegative() {
			emoji = "❌"
		}
		sb.WriteString(fmt.Sprintf("%s %s %s %s | P&L: %s\n   _%s_\n\n",
			emoji, strings.ToUpper(t.Asset), t.ExitType, t.Winner,
			signedUSD(t.PnL), t.Timestamp.Format("Jan 2 15:04"),
		))
	}
	return sb.String()
}

func (b *TelegramBot) cmdPending() string {
	if b.deps.Pending == nil {
		return "❌ Redemption queue not available"
	}
	slugs := b.deps.Pending()
	if len(slugs) == 0 {
		return "🧹 Nothing awaiting redemption"
	}
	return "🧹 *AWAITING REDEMPTION*\n━━━━━━━━━━━━━━━━━━━━\n\n`" + strings.Join(slugs, "`\n`") + "`"
}

func (b *TelegramBot) cmdStop() string {
	if b.deps.Control == nil {
		return "❌ Control not available"
	}
	b.deps.Control.Stop("telegram /stop")
	log.Warn().Msg("🛑 Emergency stop via Telegram")
	return "🛑 Emergency stop active. New orders are refused."
}

func (b *TelegramBot) cmdResume() string {
	if b.deps.Control == nil {
		return "❌ Control not available"
	}
	b.deps.Control.Resume()
	log.Info().Msg("Trading resumed via Telegram")
	return "▶️ Trading resumed"
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) balanceString() string {
	if b.deps.Balance == nil {
		return "N/A"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bal, err := b.deps.Balance.USDCBalance(ctx)
	if err != nil {
		return "N/A"
	}
	return "$" + bal.StringFixed(2)
}

func signedUSD(d decimal.Decimal) string {
	if d.IsNegative() {
		return "-$" + d.Abs().StringFixed(2)
	}
	return "+$" + d.StringFixed(2)
}

func (b *TelegramBot) sendMarkdown(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := b.out.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
		return
	}
	b.mu.Lock()
	b.sent++
	b.mu.Unlock()
}

// GetStats returns delivery counters
func (b *TelegramBot) GetStats() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return map[string]interface{}{
		"sent":    b.sent,
		"dropped": b.dropped,
		"queued":  len(b.alerts),
	}
}
