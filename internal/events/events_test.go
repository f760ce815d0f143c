package events

import (
	"errors"
	"testing"
)

func TestEventBus(t *testing.T) {
	bus := NewEventBus()

	var received *Event
	var callCount int

	bus.Subscribe(EventSyncTaskFailed, func(event *Event) error {
		received = event
		callCount++
		return nil
	})

	payload := TaskEventPayload{TaskID: "inventory_all_0badf00d", EntityType: "inventory", Error: "boom"}
	if err := bus.PublishJSON(EventSyncTaskFailed, payload); err != nil {
		t.Fatalf("PublishJSON failed: %v", err)
	}

	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}
	if received.Type != EventSyncTaskFailed {
		t.Errorf("expected type %s, got %s", EventSyncTaskFailed, received.Type)
	}

	var decoded TaskEventPayload
	if err := received.Decode(&decoded); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if decoded.TaskID != payload.TaskID || decoded.Error != "boom" {
		t.Errorf("unexpected payload %+v", decoded)
	}
}

func TestEventBusMultipleSubscribers(t *testing.T) {
	bus := NewEventBus()
	var count1, count2 int

	bus.Subscribe("event", func(_ *Event) error { count1++; return errors.New("first failed") })
	bus.Subscribe("event", func(_ *Event) error { count2++; return nil })

	err := bus.Publish(&Event{Type: "event"})

	if count1 != 1 || count2 != 1 {
		t.Errorf("expected both handlers to be called once, got %d and %d", count1, count2)
	}
	if err == nil {
		t.Fatal("expected joined handler error")
	}
}

func TestEventBusNoSubscribers(t *testing.T) {
	bus := NewEventBus()
	if err := bus.Publish(&Event{Type: "unknown"}); err != nil {
		t.Errorf("Publish failed: %v", err)
	}
	if err := bus.PublishJSON("unknown", nil); err != nil {
		t.Errorf("PublishJSON failed: %v", err)
	}
}

func TestNilBus(t *testing.T) {
	var bus *EventBus
	if err := bus.PublishJSON(EventSyncSessionCompleted, SessionEventPayload{SyncID: "x"}); err != nil {
		t.Errorf("nil bus must be a no-op, got %v", err)
	}
}

func TestPublishJSONMarshalError(t *testing.T) {
	bus := NewEventBus()
	if err := bus.PublishJSON("bad", make(chan int)); err == nil {
		t.Error("expected marshal error")
	}
}
