// Package queue holds a thread's outgoing messages that wait for the active
// turn to finish.
package queue

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zulandar/switchboard/internal/engine"
)

// ErrEmptyText is returned when an edit would leave a queued message blank.
var ErrEmptyText = errors.New("queue: message text is empty")

// Message is an outgoing message not yet dispatched.
type Message struct {
	ID        string             `json:"id"`
	Text      string             `json:"text"`
	CreatedAt time.Time          `json:"created_at"`
	Images    []engine.Image     `json:"images,omitempty"`
	Options   engine.SendOptions `json:"options"`
}

// Engine converts the queued entry into the adapter's message type.
func (m Message) Engine() engine.Message {
	return engine.Message{Text: m.Text, Images: m.Images, Options: m.Options}
}

// Queue is a per-thread FIFO of pending messages.
type Queue struct {
	mu      sync.Mutex
	threads map[string][]Message
}

// New creates an empty Queue.
func New() *Queue {
	return &Queue{threads: make(map[string][]Message)}
}

// Enqueue appends a message to threadID's queue and returns it. A message
// without an ID is assigned one.
func (q *Queue) Enqueue(threadID string, m Message) Message {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.threads[threadID] = append(q.threads[threadID], m)
	return m
}

// Edit replaces the text of a pending message. It reports false when the
// message is no longer pending.
func (q *Queue) Edit(threadID, id, text string) (bool, error) {
	if strings.TrimSpace(text) == "" {
		return false, ErrEmptyText
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.threads[threadID] {
		if q.threads[threadID][i].ID == id {
			q.threads[threadID][i].Text = text
			return true, nil
		}
	}
	return false, nil
}

// Delete removes a pending message. It reports false when the message is no
// longer pending.
func (q *Queue) Delete(threadID, id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.threads[threadID]
	for i, m := range msgs {
		if m.ID == id {
			q.threads[threadID] = append(msgs[:i:i], msgs[i+1:]...)
			if len(q.threads[threadID]) == 0 {
				delete(q.threads, threadID)
			}
			return true
		}
	}
	return false
}

// Pop removes and returns the head of threadID's queue.
func (q *Queue) Pop(threadID string) (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.threads[threadID]
	if len(msgs) == 0 {
		return Message{}, false
	}
	head := msgs[0]
	if len(msgs) == 1 {
		delete(q.threads, threadID)
	} else {
		q.threads[threadID] = msgs[1:]
	}
	return head, true
}

// List returns a copy of threadID's pending messages in FIFO order.
func (q *Queue) List(threadID string) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Message(nil), q.threads[threadID]...)
}

// Len returns the number of pending messages for threadID.
func (q *Queue) Len(threadID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.threads[threadID])
}

// Clear drops every pending message for threadID and returns how many were
// removed.
func (q *Queue) Clear(threadID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.threads[threadID])
	delete(q.threads, threadID)
	return n
}
