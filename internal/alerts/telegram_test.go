package alerts

import (
	"errors"
	"strings"
	"testing"

	"chaincore/internal/events"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockTelegramSender struct {
	mock.Mock
}

func (m *mockTelegramSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	args := m.Called(c)
	return args.Get(0).(tgbotapi.Message), args.Error(1)
}

func TestTelegramNotifier(t *testing.T) {
	sender := new(mockTelegramSender)
	bus := events.NewEventBus()
	NewTelegramNotifier(sender, []int64{100, 200}, nil).Subscribe(bus)

	t.Run("TaskFailed", func(t *testing.T) {
		branch := int64(3)
		sender.On("Send", mock.MatchedBy(func(c tgbotapi.Chattable) bool {
			msg, ok := c.(tgbotapi.MessageConfig)
			return ok && strings.Contains(msg.Text, "inventory_branch-3_abcd") && strings.Contains(msg.Text, "Branch: 3")
		})).Return(tgbotapi.Message{}, nil).Twice()

		err := bus.PublishJSON(events.EventSyncTaskFailed, events.TaskEventPayload{
			TaskID:     "inventory_branch-3_abcd",
			EntityType: "inventory",
			BranchID:   &branch,
			Error:      "branch 3: timeout",
		})
		assert.NoError(t, err)
		sender.AssertExpectations(t)
	})

	t.Run("CompletedSessionIsQuiet", func(t *testing.T) {
		err := bus.PublishJSON(events.EventSyncSessionCompleted, events.SessionEventPayload{SyncID: "s1", Status: "completed"})
		assert.NoError(t, err)
		sender.AssertNumberOfCalls(t, "Send", 2)
	})

	t.Run("FailedSessionAlerts", func(t *testing.T) {
		sender.On("Send", mock.MatchedBy(func(c tgbotapi.Chattable) bool {
			msg, ok := c.(tgbotapi.MessageConfig)
			return ok && strings.Contains(msg.Text, "s2") && strings.Contains(msg.Text, "disk full")
		})).Return(tgbotapi.Message{}, nil).Twice()

		err := bus.PublishJSON(events.EventSyncSessionCompleted, events.SessionEventPayload{
			SyncID: "s2", BranchID: 1, SyncType: "products", Status: "failed", ErrorMessage: "disk full",
		})
		assert.NoError(t, err)
		sender.AssertExpectations(t)
	})
}

func TestTelegramNotifier_SendErrorsAreJoined(t *testing.T) {
	sender := new(mockTelegramSender)
	sender.On("Send", mock.MatchedBy(func(c tgbotapi.Chattable) bool {
		return c.(tgbotapi.MessageConfig).ChatID == 1
	})).Return(tgbotapi.Message{}, errors.New("forbidden")).Once()
	sender.On("Send", mock.MatchedBy(func(c tgbotapi.Chattable) bool {
		return c.(tgbotapi.MessageConfig).ChatID == 2
	})).Return(tgbotapi.Message{}, nil).Once()

	err := NewTelegramNotifier(sender, []int64{1, 2}, nil).Notify("hello")
	assert.ErrorContains(t, err, "chat 1: forbidden")
	sender.AssertExpectations(t)
}
