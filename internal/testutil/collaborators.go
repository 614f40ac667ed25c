package testutil

import (
	"context"
	"io"
	"sync"

	"sheetvault/internal/sv"
)

// StubParser returns a fixed preview or error and records what it was given.
type StubParser struct {
	Preview *sv.Preview
	Err     error

	mu    sync.Mutex
	calls []string
	input [][]byte
}

func (p *StubParser) Parse(ctx context.Context, r io.Reader, name, contentType string) (*sv.Preview, error) {
	data, err := io.ReadAll(r)
	p.mu.Lock()
	p.calls = append(p.calls, name)
	p.input = append(p.input, data)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return p.Preview, p.Err
}

// Calls returns the names passed to Parse.
func (p *StubParser) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// Input returns the bytes the n-th Parse call read.
func (p *StubParser) Input(n int) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input[n]
}

// StubSummarizer returns Text, or Err, and counts calls.
type StubSummarizer struct {
	Text string
	Err  error

	mu    sync.Mutex
	calls int
	rows  int
}

func (s *StubSummarizer) Summarize(ctx context.Context, columns []string, rows []sv.Row) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.rows = len(rows)
	if s.Err != nil {
		return "", s.Err
	}
	return s.Text, nil
}

// Calls returns how many times Summarize ran.
func (s *StubSummarizer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Notification is one event delivered to a RecordingNotifier.
type Notification struct {
	Channel string
	Event   sv.LifecycleEvent
}

// RecordingNotifier keeps every event. Err is returned after recording.
type RecordingNotifier struct {
	Err error

	mu     sync.Mutex
	events []Notification
}

func (n *RecordingNotifier) Notify(ctx context.Context, channel string, event sv.LifecycleEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, Notification{Channel: channel, Event: event})
	return n.Err
}

// Events returns the delivered events in order.
func (n *RecordingNotifier) Events() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.events...)
}

// OnChannel returns the events delivered to channel.
func (n *RecordingNotifier) OnChannel(channel string) []sv.LifecycleEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []sv.LifecycleEvent
	for _, e := range n.events {
		if e.Channel == channel {
			out = append(out, e.Event)
		}
	}
	return out
}
