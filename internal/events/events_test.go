package events

import "testing"

func TestPublishFiltersByTransferID(t *testing.T) {
	bus := NewBus(4)
	subA := bus.Subscribe("transfer-a")
	subAll := bus.Subscribe("")

	bus.Publish(Event{Type: TransferStarted, TransferID: "transfer-a"})
	bus.Publish(Event{Type: TransferStarted, TransferID: "transfer-b"})

	if len(subA.Events()) != 1 {
		t.Fatalf("filtered subscriber expected 1 event, got %d", len(subA.Events()))
	}
	if len(subAll.Events()) != 2 {
		t.Fatalf("unfiltered subscriber expected 2 events, got %d", len(subAll.Events()))
	}
}

func TestPublishDropsOnFullChannel(t *testing.T) {
	bus := NewBus(1)
	sub := bus.Subscribe("")
	bus.Publish(Event{Type: TransferProgress, TransferID: "x"})
	bus.Publish(Event{Type: TransferProgress, TransferID: "x"}) // dropped, channel full

	if len(sub.Events()) != 1 {
		t.Fatalf("expected exactly 1 buffered event, got %d", len(sub.Events()))
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(4)
	sub := bus.Subscribe("")
	bus.Unsubscribe(sub)
	if bus.SubscriberCount() != 0 {
		t.Fatal("expected 0 subscribers after unsubscribe")
	}
	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected closed channel to yield zero value with ok=false")
	}
}
