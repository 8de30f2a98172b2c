package notify

import (
	"testing"
)

func TestSubscribePublish(t *testing.T) {
	b := NewBus(nil)
	var a, c int
	unsubA := b.Subscribe(func() { a++ })
	b.Subscribe(func() { c++ })

	b.Publish()
	if a != 1 || c != 1 {
		t.Fatalf("after first publish a=%d c=%d, want 1,1", a, c)
	}

	unsubA()
	b.Publish()
	if a != 1 {
		t.Errorf("unsubscribed callback invoked: a=%d", a)
	}
	if c != 2 {
		t.Errorf("remaining subscriber affected: c=%d, want 2", c)
	}
}

func TestDoubleUnsubscribeIsNoop(t *testing.T) {
	b := NewBus(nil)
	unsub := b.Subscribe(func() {})
	b.Subscribe(func() {})

	unsub()
	unsub()
	if b.Len() != 1 {
		t.Errorf("Len = %d, want 1", b.Len())
	}
}

func TestPanickingSubscriberIsolated(t *testing.T) {
	b := NewBus(nil)
	called := false
	b.Subscribe(func() { panic("bad observer") })
	b.Subscribe(func() { called = true })

	b.Publish()
	if !called {
		t.Error("subscriber after panicking one was not called")
	}
}

func TestReentrantUnsubscribe(t *testing.T) {
	b := NewBus(nil)
	count := 0
	var unsub func()
	unsub = b.Subscribe(func() {
		count++
		unsub()
	})

	b.Publish()
	b.Publish()
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}
