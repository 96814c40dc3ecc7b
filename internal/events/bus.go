// Package events provides the in-process room-keyed pub/sub bus carrying
// queue positions, verdict progress, submission results and leaderboard
// updates to per-team, per-contest and admin audiences.
package events

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// MessageType is the wire vocabulary of bus messages.
type MessageType string

const (
	MessageQueued            MessageType = "queued"
	MessageVerdictUpdate     MessageType = "verdict_update"
	MessageSubmissionResult  MessageType = "submission_result"
	MessageLeaderboardUpdate MessageType = "leaderboard_update"
	MessageContestStarted    MessageType = "contest_started"
	MessageContestFrozen     MessageType = "contest_frozen"
	MessageContestUnfrozen   MessageType = "contest_unfrozen"
	MessageContestEnded      MessageType = "contest_ended"
)

// RoomAdmins receives every administrative broadcast.
const RoomAdmins = "admins"

// ContestRoom names the room for a contest's public audience.
func ContestRoom(contestID int64) string {
	return fmt.Sprintf("contest:%d", contestID)
}

// TeamRoom names a team's private room.
func TeamRoom(teamID int64) string {
	return fmt.Sprintf("team:%d", teamID)
}

// Message is one bus message. Payload must be JSON-serializable.
type Message struct {
	ID        string      `json:"-"`
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// NewMessage creates a message stamped with the current time.
func NewMessage(msgType MessageType, payload interface{}) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// Publisher is the narrow interface the judging and scoring layers depend
// on, so the concrete bus is injected rather than imported cyclically.
type Publisher interface {
	Publish(rooms []string, msg *Message)
}

// Subscription is one subscriber's ordered message stream for a set of rooms.
type Subscription struct {
	ID      string
	Channel chan *Message
	Rooms   []string

	mu     sync.Mutex
	closed bool
}

// Close closes the subscription channel.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.Channel)
	}
}

// trySend delivers a message without blocking longer than timeout.
func (s *Subscription) trySend(msg *Message, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s.Channel <- msg:
		return true
	case <-timer.C:
		return false
	}
}

// BusConfig holds bus tuning.
type BusConfig struct {
	BufferSize     int
	PublishTimeout time.Duration
}

// DefaultBusConfig returns default bus configuration.
func DefaultBusConfig() *BusConfig {
	return &BusConfig{
		BufferSize:     256,
		PublishTimeout: 10 * time.Millisecond,
	}
}

// BusMetrics tracks bus delivery statistics.
type BusMetrics struct {
	Published         int64
	Delivered         int64
	Dropped           int64
	SubscribersActive int64
}

// Bus is the room-keyed pub/sub bus. Delivery is best-effort: a slow
// subscriber drops messages rather than stalling the pipeline. Ordering is
// preserved per room for each subscriber.
type Bus struct {
	mu      sync.RWMutex
	rooms   map[string][]*Subscription
	config  *BusConfig
	metrics BusMetrics
	closed  bool
}

// NewBus creates a bus.
func NewBus(config *BusConfig) *Bus {
	if config == nil {
		config = DefaultBusConfig()
	}
	return &Bus{
		rooms:  make(map[string][]*Subscription),
		config: config,
	}
}

// Publish fans a message out to every subscriber of the given rooms. A
// subscriber joined to several of the rooms receives the message once.
func (b *Bus) Publish(rooms []string, msg *Message) {
	if msg == nil {
		return
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	seen := make(map[string]struct{})
	var targets []*Subscription
	for _, room := range rooms {
		for _, sub := range b.rooms[room] {
			if _, dup := seen[sub.ID]; dup {
				continue
			}
			seen[sub.ID] = struct{}{}
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	atomic.AddInt64(&b.metrics.Published, 1)
	for _, sub := range targets {
		if sub.trySend(msg, b.config.PublishTimeout) {
			atomic.AddInt64(&b.metrics.Delivered, 1)
		} else {
			atomic.AddInt64(&b.metrics.Dropped, 1)
		}
	}
}

// Subscribe joins the given rooms and returns the subscription.
func (b *Bus) Subscribe(rooms ...string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		ID:      uuid.New().String(),
		Channel: make(chan *Message, b.config.BufferSize),
		Rooms:   rooms,
	}
	if b.closed {
		sub.Close()
		return sub
	}
	for _, room := range rooms {
		b.rooms[room] = append(b.rooms[room], sub)
	}
	atomic.AddInt64(&b.metrics.SubscribersActive, 1)
	return sub
}

// Unsubscribe removes a subscription from every room and closes it.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	removed := false
	for _, room := range sub.Rooms {
		subs := b.rooms[room]
		for i, candidate := range subs {
			if candidate.ID == sub.ID {
				b.rooms[room] = append(subs[:i], subs[i+1:]...)
				removed = true
				break
			}
		}
		if len(b.rooms[room]) == 0 {
			delete(b.rooms, room)
		}
	}
	b.mu.Unlock()

	sub.Close()
	if removed {
		atomic.AddInt64(&b.metrics.SubscribersActive, -1)
	}
}

// RoomSize returns the subscriber count of a room.
func (b *Bus) RoomSize(room string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms[room])
}

// Metrics returns a snapshot of the bus counters.
func (b *Bus) Metrics() BusMetrics {
	return BusMetrics{
		Published:         atomic.LoadInt64(&b.metrics.Published),
		Delivered:         atomic.LoadInt64(&b.metrics.Delivered),
		Dropped:           atomic.LoadInt64(&b.metrics.Dropped),
		SubscribersActive: atomic.LoadInt64(&b.metrics.SubscribersActive),
	}
}

// Close shuts the bus down and closes every subscription.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	closed := make(map[string]struct{})
	for _, subs := range b.rooms {
		for _, sub := range subs {
			if _, done := closed[sub.ID]; done {
				continue
			}
			closed[sub.ID] = struct{}{}
			sub.Close()
		}
	}
	b.rooms = make(map[string][]*Subscription)
	return nil
}
