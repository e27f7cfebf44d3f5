package grid

import "sync"

// Observable holds a current value and fans out every change to its
// subscribers. Publishing never blocks: a subscriber that falls behind loses
// intermediate values but always receives the latest one.
type Observable[V any] struct {
	mu     sync.Mutex
	value  V
	subs   map[int]chan V
	nextID int
	closed bool
}

// NewObservable returns an Observable holding initial.
func NewObservable[V any](initial V) *Observable[V] {
	return &Observable[V]{value: initial, subs: make(map[int]chan V)}
}

// Get returns the current value.
func (o *Observable[V]) Get() V {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.value
}

// Set stores v and delivers it to every subscriber.
func (o *Observable[V]) Set(v V) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.value = v
	for _, ch := range o.subs {
		deliver(ch, v)
	}
}

// Subscribe returns a channel that first receives the current value and then
// every subsequent one. buffer below 1 is treated as 1. The returned cancel
// function closes the channel and is safe to call more than once.
func (o *Observable[V]) Subscribe(buffer int) (<-chan V, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan V, buffer)

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		close(ch)
		return ch, func() {}
	}

	id := o.nextID
	o.nextID++
	o.subs[id] = ch
	ch <- o.value

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			if _, ok := o.subs[id]; ok {
				delete(o.subs, id)
				close(ch)
			}
		})
	}
}

// Close closes every subscriber channel. Later Set calls still update the
// current value; later Subscribe calls return a closed channel.
func (o *Observable[V]) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	for id, ch := range o.subs {
		close(ch)
		delete(o.subs, id)
	}
}

// deliver sends v without blocking, evicting the oldest buffered value when
// the channel is full. Callers hold the observable's lock, so no other
// sender can refill the slot.
func deliver[V any](ch chan V, v V) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}
