package chat

import "sync"

// MessageStore is the append-only conversation log. Insertion order is
// chronological order.
type MessageStore struct {
	mu       sync.RWMutex
	messages []Message
	pub      Publisher
}

func NewMessageStore(pub Publisher) *MessageStore {
	if pub == nil {
		pub = nopPublisher{}
	}
	return &MessageStore{pub: pub}
}

// Append adds msg to the end of the log and notifies observers.
func (s *MessageStore) Append(msg Message) {
	msg = cloneMessage(msg)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = append(s.messages, msg)

	published := cloneMessage(msg)
	s.pub.Publish(Event{Type: EventMessage, Message: &published})
}

// All returns a copy of the log in insertion order.
func (s *MessageStore) All() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Message, len(s.messages))
	for i, msg := range s.messages {
		out[i] = cloneMessage(msg)
	}
	return out
}

func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}
