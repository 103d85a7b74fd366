package agenttransport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/agentcore/internal/bus"
)

// TelegramTransport addresses a human-in-the-loop agent reachable through a
// Telegram chat: a long-poll loop with stall detection and exponential
// reconnect backoff, carrying bus messages in both directions.
type TelegramTransport struct {
	token  string
	chatID int64
	logger *slog.Logger

	mu        sync.Mutex
	bot       *tgbotapi.BotAPI
	connected atomic.Bool
	reconnect atomic.Bool
	events    chan Event
}

func NewTelegramTransport(token string, chatID int64, logger *slog.Logger) *TelegramTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramTransport{token: token, chatID: chatID, logger: logger, events: make(chan Event, 64)}
}

func (t *TelegramTransport) Connect(ctx context.Context, agentID string) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init: %w", err)
	}

	t.mu.Lock()
	t.bot = bot
	t.mu.Unlock()
	t.connected.Store(true)
	t.reconnect.Store(false)
	t.events <- Event{Type: EventConnected, AgentID: agentID}

	go t.pollLoop(ctx, agentID, bot)
	return nil
}

// pollLoop polls until the update channel stalls or errors, backs off,
// and redials.
func (t *TelegramTransport) pollLoop(ctx context.Context, agentID string, bot *tgbotapi.BotAPI) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	const stallTimeout = 150 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}
		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := bot.GetUpdatesChan(u)

		err := t.pollUpdates(ctx, agentID, updates, stallTimeout)
		bot.StopReceivingUpdates()

		if err == nil {
			return
		}
		t.connected.Store(false)
		t.events <- Event{Type: EventDisconnected, AgentID: agentID}
		t.logger.Warn("telegram transport disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		t.connected.Store(true)
		t.events <- Event{Type: EventConnected, AgentID: agentID}
	}
}

func (t *TelegramTransport) pollUpdates(ctx context.Context, agentID string, updates tgbotapi.UpdatesChannel, stallTimeout time.Duration) error {
	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil || update.Message.Chat.ID != t.chatID {
				continue
			}
			msg := bus.Message{
				Type:      "agent.reply",
				Content:   []byte(update.Message.Text),
				ContentType: "text/plain",
				Sender:    agentID,
				SentAt:    time.Unix(int64(update.Message.Date), 0),
			}
			t.events <- Event{Type: EventMessage, AgentID: agentID, Message: &msg}
		case <-timer.C:
			return fmt.Errorf("no updates for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramTransport) Close() error {
	t.connected.Store(false)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	return nil
}

func (t *TelegramTransport) IsConnected() bool { return t.connected.Load() }

// SendMessage sends msg.Content as text to the configured chat.
// application/json content that decodes as an object is pretty-printed;
// any other content is sent as the raw string.
func (t *TelegramTransport) SendMessage(ctx context.Context, msg bus.Message) error {
	t.mu.Lock()
	bot := t.bot
	t.mu.Unlock()
	if bot == nil {
		return fmt.Errorf("telegram transport: not connected")
	}

	text := string(msg.Content)
	if msg.ContentType == "application/json" {
		var pretty map[string]any
		if err := json.Unmarshal(msg.Content, &pretty); err == nil {
			if b, err := json.MarshalIndent(pretty, "", "  "); err == nil {
				text = string(b)
			}
		}
	}
	_, err := bot.Send(tgbotapi.NewMessage(t.chatID, text))
	return err
}

func (t *TelegramTransport) ShouldReconnect(err error) bool {
	if err == nil {
		return t.reconnect.Load()
	}
	return true
}

func (t *TelegramTransport) MarkForReconnect() { t.reconnect.Store(true) }

func (t *TelegramTransport) Events() <-chan Event { return t.events }
