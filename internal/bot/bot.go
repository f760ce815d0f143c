// Package bot answers operator commands sent to the alert bot.
package bot

import (
	"context"
	"time"

	"chaincore/internal/domain"
	"chaincore/internal/models"
	"chaincore/internal/scheduler"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type TaskScheduler interface {
	GetStatus() scheduler.Status
	GetTasks() []*models.SyncTask
	RunTaskNow(ctx context.Context, id string) (*models.SyncResult, error)
}

type HealthReader interface {
	GetHealth(ctx context.Context, branchID int64) (*models.HealthSnapshot, error)
}

type Bot struct {
	tg      domain.TelegramService
	sched   TaskScheduler
	health  HealthReader
	allowed map[int64]bool
	logger  *zerolog.Logger
}

// NewBot builds a bot that only answers the given chats.
func NewBot(tg domain.TelegramService, sched TaskScheduler, health HealthReader, chatIDs []int64, logger *zerolog.Logger) *Bot {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	allowed := make(map[int64]bool, len(chatIDs))
	for _, id := range chatIDs {
		allowed[id] = true
	}
	return &Bot{tg: tg, sched: sched, health: health, allowed: allowed, logger: logger}
}

// Start consumes updates until ctx is done or the channel closes.
func (b *Bot) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.tg.GetUpdatesChan(u)
	b.logger.Info().Str("username", b.tg.GetSelf().UserName).Msg("Authorized on account")

	for {
		select {
		case <-ctx.Done():
			b.tg.StopReceivingUpdates()
			b.logger.Info().Msg("Bot stopping...")
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			b.processUpdate(ctx, update)
		}
	}
}

func (b *Bot) processUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || !msg.IsCommand() {
		return
	}
	if !b.allowed[msg.Chat.ID] {
		b.logger.Warn().Int64("chat_id", msg.Chat.ID).Str("command", msg.Command()).Msg("command from unknown chat ignored")
		return
	}

	// a manual run can take as long as a branch push
	updateCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	l := b.logger.With().Str("request_id", uuid.NewString()).Int64("chat_id", msg.Chat.ID).Logger()
	b.withRecovery(&l, func() {
		reply := b.handleCommand(updateCtx, msg.Command(), msg.CommandArguments())
		b.sendMessage(&l, msg.Chat.ID, reply)
	})
}

func (b *Bot) withRecovery(l *zerolog.Logger, handler func()) {
	defer func() {
		if r := recover(); r != nil {
			l.Error().Interface("panic", r).Msg("Recovered from panic in update handler")
		}
	}()
	handler()
}

func (b *Bot) sendMessage(l *zerolog.Logger, chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := b.tg.Send(msg); err != nil {
		l.Error().Err(err).Msg("failed to send reply")
	}
}
