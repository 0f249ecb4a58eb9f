package bus

import "sync"

// MemBusConfig configures an in-process MemBus.
type MemBusConfig struct {
	// SubscriberBufferSize bounds each subscriber's queue. Default: 256.
	SubscriberBufferSize int
}

// MemBus fans events out to bounded per-subscriber queues in publish
// order. Per-run ordering is preserved for every subscriber that keeps
// up; a subscriber that falls behind has events dropped, and the next
// event it does accept for that run is preceded by a stream_gap marker
// carrying the last sequence it received contiguously.
type MemBus struct {
	mu      sync.Mutex
	subs    []*memSub
	bufSize int
	closed  bool
}

// NewMemBus builds an in-process bus with the given configuration.
func NewMemBus(cfg MemBusConfig) *MemBus {
	size := cfg.SubscriberBufferSize
	if size <= 0 {
		size = 256
	}
	return &MemBus{bufSize: size}
}

// Publish delivers e to every subscription whose run filter matches.
// Publishing on a closed bus is a no-op.
func (b *MemBus) Publish(e Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	targets := make([]*memSub, 0, len(b.subs))
	for _, s := range b.subs {
		if s.runID == "" || s.runID == e.RunID {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.deliver(e)
	}
}

// Subscribe returns a subscription restricted to one run's events.
func (b *MemBus) Subscribe(runID string) Subscription {
	return b.attach(runID)
}

// SubscribeAll returns a subscription spanning every run.
func (b *MemBus) SubscribeAll() Subscription {
	return b.attach("")
}

func (b *MemBus) attach(runID string) *memSub {
	s := &memSub{
		bus:    b,
		runID:  runID,
		ch:     make(chan Event, b.bufSize),
		seen:   make(map[string]uint64),
		gapped: make(map[string]uint64),
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.shut()
		return s
	}
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s
}

func (b *MemBus) detach(target *memSub) {
	b.mu.Lock()
	for i, s := range b.subs {
		if s == target {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
}

// Close shuts down the bus and every attached subscription. Each
// subscriber's channel is closed after any already-queued events, so
// draining with a range loop sees everything delivered before Close.
func (b *MemBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, s := range subs {
		s.shut()
	}
	return nil
}

// memSub is one bounded subscriber queue. runID == "" means all runs.
type memSub struct {
	bus   *MemBus
	runID string
	ch    chan Event

	mu     sync.Mutex
	closed bool
	// seen tracks, per run, the last sequence enqueued for this
	// subscriber; gapped records runs with dropped events and the last
	// contiguous sequence delivered before the drop.
	seen   map[string]uint64
	gapped map[string]uint64
}

// Events returns the subscription's delivery channel. It is closed when
// the subscription or the owning bus closes.
func (s *memSub) Events() <-chan Event {
	return s.ch
}

// Close detaches from the bus and closes the delivery channel. Safe to
// call more than once.
func (s *memSub) Close() error {
	s.bus.detach(s)
	s.shut()
	return nil
}

func (s *memSub) shut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// deliver enqueues e without blocking the publisher. When the queue is
// saturated the event is dropped and the run is marked gapped; the gap
// marker itself is enqueued ahead of the next event that fits.
func (s *memSub) deliver(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if last, dropped := s.gapped[e.RunID]; dropped {
		marker := Event{
			RunID:   e.RunID,
			Kind:    KindStreamGap,
			Time:    e.Time,
			Payload: map[string]any{"last_contiguous_seq": last},
		}
		select {
		case s.ch <- marker:
			delete(s.gapped, e.RunID)
		default:
			// Still saturated: e is dropped too, the marker stays pending.
			return
		}
	}

	select {
	case s.ch <- e:
		s.seen[e.RunID] = e.Seq
	default:
		if _, pending := s.gapped[e.RunID]; !pending {
			s.gapped[e.RunID] = s.seen[e.RunID]
		}
	}
}

var (
	_ EventBus     = (*MemBus)(nil)
	_ Subscription = (*memSub)(nil)
)
