package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"sheetvault/internal/sv"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("blob-%03d", g.n)
}

// putBlob writes data in one call and commits it.
func putBlob(t *testing.T, s sv.ObjectStore, name, owner string, data []byte) string {
	t.Helper()
	ws, err := s.OpenWriteStream(context.Background(), name, "text/csv", owner)
	if err != nil {
		t.Fatalf("OpenWriteStream() error = %v", err)
	}
	if _, err := ws.Write(data); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := ws.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if ws.BlobID() == "" {
		t.Fatal("BlobID() empty after Close")
	}
	return ws.BlobID()
}

func readBlob(t *testing.T, s sv.ObjectStore, id string) []byte {
	t.Helper()
	rc, err := s.OpenReadStream(context.Background(), id)
	if err != nil {
		t.Fatalf("OpenReadStream(%s) error = %v", id, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	return data
}

// testObjectStore runs the behaviour every ObjectStore must share. newStore
// must return an empty store; a chunk size well under 500 bytes exercises
// the multi-chunk paths.
func testObjectStore(t *testing.T, newStore func(t *testing.T) sv.ObjectStore) {
	ctx := context.Background()

	t.Run("round trip across chunks", func(t *testing.T) {
		s := newStore(t)
		tests := []struct {
			name string
			data []byte
		}{
			{name: "empty", data: []byte{}},
			{name: "one byte", data: []byte("x")},
			{name: "multi chunk", data: bytes.Repeat([]byte("0123456789"), 50)},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				id := putBlob(t, s, tt.name+".csv", "u1", tt.data)
				if got := readBlob(t, s, id); !bytes.Equal(got, tt.data) {
					t.Errorf("read %d bytes, want %d", len(got), len(tt.data))
				}
			})
		}
	})

	t.Run("many small writes", func(t *testing.T) {
		s := newStore(t)
		ws, err := s.OpenWriteStream(ctx, "a.csv", "text/csv", "u1")
		if err != nil {
			t.Fatalf("OpenWriteStream() error = %v", err)
		}
		var want bytes.Buffer
		for i := 0; i < 100; i++ {
			line := fmt.Sprintf("row-%d\n", i)
			want.WriteString(line)
			if _, err := io.WriteString(ws, line); err != nil {
				t.Fatalf("Write() error = %v", err)
			}
		}
		if err := ws.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
		if got := readBlob(t, s, ws.BlobID()); !bytes.Equal(got, want.Bytes()) {
			t.Errorf("content mismatch: got %d bytes, want %d", len(got), want.Len())
		}
	})

	t.Run("reread restarts from first byte", func(t *testing.T) {
		s := newStore(t)
		data := bytes.Repeat([]byte("ab"), 100)
		id := putBlob(t, s, "a.csv", "u1", data)
		for i := 0; i < 2; i++ {
			if got := readBlob(t, s, id); !bytes.Equal(got, data) {
				t.Fatalf("read %d: content mismatch", i)
			}
		}
	})

	t.Run("uncommitted blob is invisible", func(t *testing.T) {
		s := newStore(t)
		ws, err := s.OpenWriteStream(ctx, "a.csv", "text/csv", "u1")
		if err != nil {
			t.Fatalf("OpenWriteStream() error = %v", err)
		}
		if _, err := ws.Write(bytes.Repeat([]byte("z"), 200)); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		if ws.BlobID() != "" {
			t.Errorf("BlobID() = %q before Close, want empty", ws.BlobID())
		}
		infos, err := s.ListByOwner(ctx, "u1")
		if err != nil {
			t.Fatalf("ListByOwner() error = %v", err)
		}
		if len(infos) != 0 {
			t.Errorf("ListByOwner() = %d blobs during upload, want 0", len(infos))
		}
		if err := ws.Abort(); err != nil {
			t.Fatalf("Abort() error = %v", err)
		}
		infos, _ = s.ListByOwner(ctx, "u1")
		if len(infos) != 0 {
			t.Errorf("ListByOwner() = %d blobs after Abort, want 0", len(infos))
		}
	})

	t.Run("abort after close is a no-op", func(t *testing.T) {
		s := newStore(t)
		ws, _ := s.OpenWriteStream(ctx, "a.csv", "text/csv", "u1")
		ws.Write([]byte("data"))
		if err := ws.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
		if err := ws.Abort(); err != nil {
			t.Fatalf("Abort() error = %v", err)
		}
		if got := readBlob(t, s, ws.BlobID()); string(got) != "data" {
			t.Errorf("content = %q after Abort, want %q", got, "data")
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		s := newStore(t)
		_, err := s.OpenReadStream(ctx, "000000000000000000000000")
		if !errors.Is(err, sv.ErrBlobNotFound) {
			t.Errorf("OpenReadStream() error = %v, want ErrBlobNotFound", err)
		}
		if !errors.Is(err, sv.ErrNotFound) {
			t.Errorf("OpenReadStream() error = %v, want it to match ErrNotFound", err)
		}
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		s := newStore(t)
		id := putBlob(t, s, "a.csv", "u1", bytes.Repeat([]byte("q"), 100))
		for i := 0; i < 2; i++ {
			if err := s.Delete(ctx, id); err != nil {
				t.Fatalf("Delete() #%d error = %v", i+1, err)
			}
		}
		if _, err := s.OpenReadStream(ctx, id); !errors.Is(err, sv.ErrBlobNotFound) {
			t.Errorf("OpenReadStream() after Delete error = %v, want ErrBlobNotFound", err)
		}
	})

	t.Run("list by owner", func(t *testing.T) {
		s := newStore(t)
		a := putBlob(t, s, "a.csv", "u1", []byte("aaa"))
		putBlob(t, s, "b.csv", "u2", []byte("bbb"))
		c := putBlob(t, s, "c.csv", "u1", []byte("ccccc"))

		infos, err := s.ListByOwner(ctx, "u1")
		if err != nil {
			t.Fatalf("ListByOwner() error = %v", err)
		}
		if len(infos) != 2 {
			t.Fatalf("ListByOwner() = %d blobs, want 2", len(infos))
		}
		got := map[string]*sv.BlobInfo{}
		for _, info := range infos {
			got[info.ID] = info
			if info.OwnerID != "u1" {
				t.Errorf("blob %s OwnerID = %q, want u1", info.ID, info.OwnerID)
			}
		}
		if got[a] == nil || got[c] == nil {
			t.Fatalf("ListByOwner() ids = %v, want %s and %s", infos, a, c)
		}
		// Decorators may add framing, so only a lower bound on length holds.
		if got[c].Filename != "c.csv" || got[c].Length < 5 {
			t.Errorf("blob c = %+v, want filename c.csv and at least 5 bytes", got[c])
		}

		empty, err := s.ListByOwner(ctx, "nobody")
		if err != nil {
			t.Fatalf("ListByOwner(nobody) error = %v", err)
		}
		if len(empty) != 0 {
			t.Errorf("ListByOwner(nobody) = %d blobs, want 0", len(empty))
		}
	})

	t.Run("concurrent uploads", func(t *testing.T) {
		s := newStore(t)
		var wg sync.WaitGroup
		ids := make([]string, 8)
		errs := make([]error, 8)
		for i := range ids {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ws, err := s.OpenWriteStream(ctx, fmt.Sprintf("f%d.csv", i), "text/csv", "u1")
				if err != nil {
					errs[i] = err
					return
				}
				if _, err := ws.Write(bytes.Repeat([]byte{byte('a' + i)}, 90)); err != nil {
					errs[i] = err
					return
				}
				errs[i] = ws.Close()
				ids[i] = ws.BlobID()
			}(i)
		}
		wg.Wait()
		for i, err := range errs {
			if err != nil {
				t.Fatalf("upload %d error = %v", i, err)
			}
			want := bytes.Repeat([]byte{byte('a' + i)}, 90)
			if got := readBlob(t, s, ids[i]); !bytes.Equal(got, want) {
				t.Errorf("upload %d content mismatch", i)
			}
		}
	})
}
