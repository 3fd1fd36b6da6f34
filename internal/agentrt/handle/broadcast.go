package handle

import "sync"

// StdioChunk is published on a Handle's broadcast channel so attached
// TUIs see live output in emission order. Late subscribers only receive
// chunks published from their subscription point forward; history replay
// is the attach handler's job, not the broadcast's.
type StdioChunk struct {
	Stream string
	Bytes  []byte
}

// stdioBroadcast is a single-producer, multi-consumer fan-out of
// StdioChunk values. Sends are non-blocking: a subscriber that can't keep
// up has its own chunks dropped, but the producer (the stdio pump) is
// never blocked by a slow attach session.
type stdioBroadcast struct {
	mu   sync.RWMutex
	subs map[int]chan StdioChunk
	next int
}

func newStdioBroadcast() *stdioBroadcast {
	return &stdioBroadcast{subs: make(map[int]chan StdioChunk)}
}

// subscribe registers a new receiver with the given buffer depth and
// returns it along with a cancel func that removes it.
func (b *stdioBroadcast) subscribe(depth int) (<-chan StdioChunk, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan StdioChunk, depth)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// publish fans out a chunk to every current subscriber without blocking.
func (b *stdioBroadcast) publish(c StdioChunk) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub <- c:
		default:
			// Slow subscriber: drop rather than block the pump.
		}
	}
}

// closeAll closes every live subscriber channel, used when the handle is
// finally reaped from the registry.
func (b *stdioBroadcast) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub)
	}
}
