package realtime

import (
	"context"
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 32

// Hub is an in-process group pub/sub. Publishing never blocks: a subscriber
// whose queue is full misses the message.
type Hub struct {
	mu      sync.RWMutex
	groups  map[string]map[*Subscription]struct{}
	buffer  int
	nextID  atomic.Uint64
	dropped atomic.Uint64
}

// NewHub 创建消息中心，buffer<=0 时使用默认队列长度。
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		groups: make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscription receives messages for the groups it joined.
type Subscription struct {
	ID     uint64
	hub    *Hub
	ch     chan []byte
	mu     sync.Mutex
	joined map[string]struct{}
	closed bool
}

// Subscribe registers a subscriber and joins it to groups.
func (h *Hub) Subscribe(groups ...string) *Subscription {
	sub := &Subscription{
		ID:     h.nextID.Add(1),
		hub:    h,
		ch:     make(chan []byte, h.buffer),
		joined: make(map[string]struct{}),
	}
	for _, group := range groups {
		sub.Join(group)
	}
	return sub
}

// C delivers published messages; it is closed by Close.
func (s *Subscription) C() <-chan []byte {
	return s.ch
}

// Join adds the subscriber to group.
func (s *Subscription) Join(group string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.joined[group]; ok {
		return
	}
	s.joined[group] = struct{}{}

	s.hub.mu.Lock()
	members, ok := s.hub.groups[group]
	if !ok {
		members = make(map[*Subscription]struct{})
		s.hub.groups[group] = members
	}
	members[s] = struct{}{}
	s.hub.mu.Unlock()
}

// Leave removes the subscriber from group.
func (s *Subscription) Leave(group string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.joined[group]; !ok {
		return
	}
	delete(s.joined, group)
	s.hub.remove(group, s)
}

// Close leaves every group and closes C.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for group := range s.joined {
		s.hub.remove(group, s)
	}
	s.joined = nil

	// Publishers hold the hub read lock while sending, so closing under the
	// write lock cannot race with a send.
	s.hub.mu.Lock()
	close(s.ch)
	s.hub.mu.Unlock()
}

func (h *Hub) remove(group string, sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.groups[group]
	delete(members, sub)
	if len(members) == 0 {
		delete(h.groups, group)
	}
}

// Publish delivers message to every current member of group.
func (h *Hub) Publish(ctx context.Context, group string, message []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.groups[group] {
		select {
		case sub.ch <- message:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribers reports how many subscribers are in group.
func (h *Hub) Subscribers(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

// Dropped reports how many deliveries were skipped because a queue was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}
