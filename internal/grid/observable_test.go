package grid

import (
	"sync"
	"testing"
	"time"
)

func TestObservable_GetSet(t *testing.T) {
	o := NewObservable(3)
	if got := o.Get(); got != 3 {
		t.Fatalf("Get() = %d, want 3", got)
	}
	o.Set(7)
	if got := o.Get(); got != 7 {
		t.Errorf("Get() = %d, want 7", got)
	}
}

func TestObservable_SubscribeReceivesCurrentThenUpdates(t *testing.T) {
	o := NewObservable("a")
	ch, cancel := o.Subscribe(4)
	defer cancel()

	o.Set("b")
	o.Set("c")

	want := []string{"a", "b", "c"}
	for i, w := range want {
		select {
		case got := <-ch:
			if got != w {
				t.Errorf("value %d = %q, want %q", i, got, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for value %d", i)
		}
	}
}

func TestObservable_slowSubscriberGetsLatest(t *testing.T) {
	o := NewObservable(0)
	ch, cancel := o.Subscribe(1)
	defer cancel()

	for i := 1; i <= 100; i++ {
		o.Set(i)
	}

	got := <-ch
	if got != 100 {
		t.Errorf("buffered value = %d, want 100", got)
	}
	select {
	case v := <-ch:
		t.Errorf("unexpected extra value %d", v)
	default:
	}
}

func TestObservable_cancelClosesChannel(t *testing.T) {
	o := NewObservable(false)
	ch, cancel := o.Subscribe(1)
	<-ch

	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}
	o.Set(true) // must not panic on a closed subscriber
}

func TestObservable_Close(t *testing.T) {
	o := NewObservable(1)
	ch, cancel := o.Subscribe(1)
	<-ch

	o.Close()
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Close")
	}
	cancel()

	late, _ := o.Subscribe(1)
	if _, ok := <-late; ok {
		t.Error("Subscribe after Close should return a closed channel")
	}

	o.Set(2)
	if o.Get() != 2 {
		t.Error("Set after Close should still update the value")
	}
}

func TestObservable_concurrentPublishers(t *testing.T) {
	o := NewObservable(0)
	ch, cancel := o.Subscribe(8)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			o.Set(v)
		}(i)
	}
	wg.Wait()

	// Drain; the final buffered value must be the observable's value.
	var last int
	for {
		select {
		case v := <-ch:
			last = v
			continue
		default:
		}
		break
	}
	if last != o.Get() {
		t.Errorf("last delivered = %d, want %d", last, o.Get())
	}
}
