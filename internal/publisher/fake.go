package publisher

import (
	"strings"
	"sync"
)

// FakePublisher records every published Message so tests can inspect them.
type FakePublisher struct {
	mu           sync.Mutex
	Messages     []Message
	PublishError error
	Closed       bool
}

// Publish appends the message to the recorded list, or returns PublishError
// if set.
func (f *FakePublisher) Publish(msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	f.Messages = append(f.Messages, msg)
	return nil
}

// Close marks the publisher as closed.
func (f *FakePublisher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// Find returns the last Message whose Topic matches, plus a found bool.
func (f *FakePublisher) Find(topic string) (Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.Messages) - 1; i >= 0; i-- {
		if f.Messages[i].Topic == topic {
			return f.Messages[i], true
		}
	}
	return Message{}, false
}

// WithSuffix returns every Message whose topic ends in suffix, in order.
func (f *FakePublisher) WithSuffix(suffix string) []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Message
	for _, m := range f.Messages {
		if strings.HasSuffix(m.Topic, suffix) {
			out = append(out, m)
		}
	}
	return out
}

// Reset clears all recorded state so the fake can be reused between sub-tests.
func (f *FakePublisher) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Messages = nil
	f.PublishError = nil
	f.Closed = false
}
