package sv

import (
	"context"
	"io"
)

// Parser extracts a header row and data rows from spreadsheet content.
// name and contentType select the format.
type Parser interface {
	Parse(ctx context.Context, r io.Reader, name, contentType string) (*Preview, error)
}

// Summarizer turns parsed rows into insight text.
type Summarizer interface {
	Summarize(ctx context.Context, columns []string, rows []Row) (string, error)
}

// Notifier delivers lifecycle events. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, channel string, event LifecycleEvent) error
}

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string, LifecycleEvent) error { return nil }
