package testutil

import (
	"context"
	"testing"

	"sheetvault/internal/database"
	"sheetvault/internal/objectstore"
	"sheetvault/internal/parser"
	"sheetvault/internal/staging"
	"sheetvault/internal/sv"
)

// Fixture is a fully wired UploadService over in-memory backends.
type Fixture struct {
	Clock      *StubClock
	DB         *database.SQLiteDatabase
	Blobs      *objectstore.MemoryStore
	Store      *FaultyObjectStore
	Gate       *sv.Gate
	Staging    *staging.MemoryStagingArea
	Summarizer *StubSummarizer
	Notifier   *RecordingNotifier
	Service    *sv.UploadService
}

// FixtureOption adjusts the fixture before the service is built.
type FixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	parser         sv.Parser
	stagingMax     int64
	chunkSize      int
	noSummarizer   bool
	maxPreviewRows int
}

// WithParser replaces the spreadsheet parser.
func WithParser(p sv.Parser) FixtureOption {
	return func(c *fixtureConfig) { c.parser = p }
}

// WithStagingMaxSize bounds the staging area.
func WithStagingMaxSize(n int64) FixtureOption {
	return func(c *fixtureConfig) { c.stagingMax = n }
}

// WithChunkSize sets the object store chunk size.
func WithChunkSize(n int) FixtureOption {
	return func(c *fixtureConfig) { c.chunkSize = n }
}

// WithMaxPreviewRows bounds the preview stored on records.
func WithMaxPreviewRows(n int) FixtureOption {
	return func(c *fixtureConfig) { c.maxPreviewRows = n }
}

// WithoutSummarizer builds the service with no summarizer.
func WithoutSummarizer() FixtureOption {
	return func(c *fixtureConfig) { c.noSummarizer = true }
}

// NewFixture builds the service with its gate already Ready.
func NewFixture(t *testing.T, opts ...FixtureOption) *Fixture {
	t.Helper()

	cfg := fixtureConfig{stagingMax: DefaultStagingMaxSize, chunkSize: 16}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.parser == nil {
		cfg.parser = parser.New(sv.DefaultMaxPreviewRows)
	}

	f := &Fixture{
		Clock:      SteppingClock(),
		Staging:    NewTestStagingAreaWithSize(cfg.stagingMax),
		Summarizer: &StubSummarizer{Text: "north leads on total"},
		Notifier:   &RecordingNotifier{},
		Gate:       sv.NewGate(),
	}
	f.DB = NewTestDatabase(t, f.Clock)
	f.Blobs = objectstore.NewMemoryStore(cfg.chunkSize, f.Clock, &StubIDGenerator{Prefix: "blob"})
	f.Store = NewFaultyObjectStore(f.Blobs)

	err := f.Gate.Initialize(context.Background(), f.DB, func(context.Context) (sv.ObjectStore, error) {
		return f.Store, nil
	})
	if err != nil {
		t.Fatalf("Gate.Initialize() error = %v", err)
	}

	svcCfg := sv.UploadServiceConfig{
		Gate:           f.Gate,
		Records:        f.DB,
		Staging:        f.Staging,
		Parser:         cfg.parser,
		Notifier:       f.Notifier,
		Clock:          f.Clock,
		MaxPreviewRows: cfg.maxPreviewRows,
	}
	if !cfg.noSummarizer {
		svcCfg.Summarizer = f.Summarizer
	}
	f.Service = sv.NewUploadService(svcCfg)
	return f
}

// AddAccount registers an account in the directory.
func (f *Fixture) AddAccount(t *testing.T, id string, role sv.Role) sv.Requester {
	t.Helper()
	if err := f.DB.PutAccount(context.Background(), &sv.Account{ID: id, Role: role}); err != nil {
		t.Fatalf("PutAccount() error = %v", err)
	}
	return sv.Requester{ID: id, Role: role}
}
