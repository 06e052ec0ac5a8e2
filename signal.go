package ssesignal

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Signal is a typed handle of a value published through a Hub. Clients start
// from the zero value of T, so only the differences from it are ever sent.
type Signal[T any] struct {
	hub   *Hub
	topic string
	name  string

	mu    sync.Mutex
	value T
}

// NewSignal creates a signal on the default topic of the hub.
func NewSignal[T any](hub *Hub, name string) (*Signal[T], error) {
	return NewTopicSignal[T](hub, "", name)
}

// NewTopicSignal creates a signal on the given topic. If the hub already holds
// a value of the signal (for example loaded from a Store) the signal starts
// with it.
func NewTopicSignal[T any](hub *Hub, topic, name string) (*Signal[T], error) {
	s := &Signal[T]{
		hub:   hub,
		topic: topic,
		name:  name,
	}

	base, err := json.Marshal(s.value)
	if err != nil {
		return nil, fmt.Errorf("marshal zero value of %q: %w", name, err)
	}
	if err := hub.Register(topic, name, base); err != nil {
		return nil, err
	}

	current, _ := hub.Value(topic, name)
	if err := json.Unmarshal(current, &s.value); err != nil {
		return nil, fmt.Errorf("decode current value of %q: %w", name, err)
	}
	return s, nil
}

// Name returns the signal name.
func (s *Signal[T]) Name() string {
	return s.name
}

// Get returns the last value set.
func (s *Signal[T]) Get() T {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.value
}

// Set publishes a new value.
func (s *Signal[T]) Set(v T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.set(v)
}

// Update publishes the value modified by fn. Fn is called with a shallow copy
// of the current value.
func (s *Signal[T]) Update(fn func(v *T)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.value
	fn(&v)
	return s.set(v)
}

func (s *Signal[T]) set(v T) error {
	if err := s.hub.SetTopic(s.topic, s.name, v); err != nil {
		return err
	}
	s.value = v
	return nil
}
