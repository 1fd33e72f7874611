package eventbus

import (
	"testing"
	"time"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	bus, err := New(DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(bus.Stop)
	return bus
}

func TestPluginEventRoundTrip(t *testing.T) {
	bus := newTestBus(t)

	received := make(chan PluginEvent, 1)
	if _, err := bus.SubscribePluginEvents(func(ev PluginEvent) {
		received <- ev
	}); err != nil {
		t.Fatalf("SubscribePluginEvents: %v", err)
	}

	want := PluginEvent{PluginID: "alpha", EventType: "started", Timestamp: time.Now()}
	if err := bus.PublishPluginEvent(want); err != nil {
		t.Fatalf("PublishPluginEvent: %v", err)
	}

	select {
	case got := <-received:
		if got.PluginID != "alpha" || got.EventType != "started" {
			t.Errorf("got %+v, want plugin_id=alpha event_type=started", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for plugin event")
	}
}

func TestTaskMessageRoundTrip(t *testing.T) {
	bus := newTestBus(t)

	received := make(chan TaskMessage, 1)
	if _, err := bus.SubscribeTaskMessages(func(tm TaskMessage) {
		received <- tm
	}); err != nil {
		t.Fatalf("SubscribeTaskMessages: %v", err)
	}

	want := TaskMessage{TaskID: "t1", Type: "stdout", Data: "hello", Timestamp: time.Now()}
	if err := bus.PublishTaskMessage(want); err != nil {
		t.Fatalf("PublishTaskMessage: %v", err)
	}

	select {
	case got := <-received:
		if got.TaskID != "t1" || got.Data != "hello" {
			t.Errorf("got %+v, want task_id=t1 data=hello", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task message")
	}
}

func TestMultipleBusInstancesUseIndependentPorts(t *testing.T) {
	b1 := newTestBus(t)
	b2 := newTestBus(t)

	if b1.ClientURL() == b2.ClientURL() {
		t.Errorf("expected distinct client URLs, both got %q", b1.ClientURL())
	}
}
