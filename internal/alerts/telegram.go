package alerts

import (
	"errors"
	"fmt"
	"strings"

	"chaincore/internal/domain"
	"chaincore/internal/events"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// TelegramNotifier sends sync failures to a fixed set of chats.
type TelegramNotifier struct {
	bot     domain.TelegramSender
	chatIDs []int64
	logger  *zerolog.Logger
}

func NewTelegramNotifier(bot domain.TelegramSender, chatIDs []int64, logger *zerolog.Logger) *TelegramNotifier {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &TelegramNotifier{bot: bot, chatIDs: chatIDs, logger: logger}
}

// Subscribe hooks the notifier to failed task runs and failed sync sessions.
func (n *TelegramNotifier) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventSyncTaskFailed, n.onTaskFailed)
	bus.Subscribe(events.EventSyncSessionCompleted, n.onSessionCompleted)
}

func (n *TelegramNotifier) onTaskFailed(event *events.Event) error {
	var p events.TaskEventPayload
	if err := event.Decode(&p); err != nil {
		return fmt.Errorf("decode task event: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Sync task failed: %s\n", p.TaskID)
	fmt.Fprintf(&b, "Entity: %s\n", p.EntityType)
	if p.BranchID != nil {
		fmt.Fprintf(&b, "Branch: %d\n", *p.BranchID)
	}
	fmt.Fprintf(&b, "Duration: %d ms\n", p.DurationMs)
	fmt.Fprintf(&b, "Error: %s", p.Error)
	return n.Notify(b.String())
}

func (n *TelegramNotifier) onSessionCompleted(event *events.Event) error {
	var p events.SessionEventPayload
	if err := event.Decode(&p); err != nil {
		return fmt.Errorf("decode session event: %w", err)
	}
	if p.Status != "failed" {
		return nil
	}
	return n.Notify(fmt.Sprintf("Branch %d sync session %s (%s) failed after %d/%d records: %s",
		p.BranchID, p.SyncID, p.SyncType, p.RecordsProcessed, p.RecordsTotal, p.ErrorMessage))
}

// Notify sends text to every configured chat. One failing chat does not stop the rest.
func (n *TelegramNotifier) Notify(text string) error {
	var errs []error
	for _, chatID := range n.chatIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.DisableWebPagePreview = true
		if _, err := n.bot.Send(msg); err != nil {
			n.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("failed to send telegram alert")
			errs = append(errs, fmt.Errorf("chat %d: %w", chatID, err))
		}
	}
	return errors.Join(errs...)
}
