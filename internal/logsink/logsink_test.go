package logsink

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAppendThenReadPreservesOrder(t *testing.T) {
	sink := New(t.TempDir())
	for i := 0; i < 5; i++ {
		err := sink.Append("alpha", Entry{
			Timestamp: time.Now(),
			Level:     Info,
			Message:   fmt.Sprintf("line %d", i),
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	entries, err := sink.Read("alpha", "", 0, 10)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("len(entries) = %d, want 5", len(entries))
	}
	for i, e := range entries {
		if e.Message != fmt.Sprintf("line %d", i) {
			t.Errorf("entries[%d].Message = %q, want %q", i, e.Message, fmt.Sprintf("line %d", i))
		}
	}
}

// spec.md §8: read(p, null, 0, N) on a file of exactly M lines returns
// min(M, N) entries in file order.
func TestReadBoundaryMinOfMAndN(t *testing.T) {
	sink := New(t.TempDir())
	for i := 0; i < 3; i++ {
		sink.Append("alpha", Entry{Timestamp: time.Now(), Level: Info, Message: fmt.Sprint(i)})
	}

	entries, err := sink.Read("alpha", "", 0, 10)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("len(entries) = %d, want min(3,10)=3", len(entries))
	}
}

func TestReadAppliesLevelFilterAfterParsing(t *testing.T) {
	sink := New(t.TempDir())
	sink.Append("alpha", Entry{Timestamp: time.Now(), Level: Info, Message: "a"})
	sink.Append("alpha", Entry{Timestamp: time.Now(), Level: Error, Message: "b"})
	sink.Append("alpha", Entry{Timestamp: time.Now(), Level: Info, Message: "c"})

	entries, err := sink.Read("alpha", Info, 0, 10)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].Message != "a" || entries[1].Message != "c" {
		t.Errorf("entries = %+v, want [a, c]", entries)
	}
}

func TestReadSkipsUnparseableLinesSilently(t *testing.T) {
	dir := t.TempDir()
	sink := New(dir)
	sink.Append("alpha", Entry{Timestamp: time.Now(), Level: Info, Message: "good-1"})

	f, err := os.OpenFile(sink.Path("alpha"), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open for corruption: %v", err)
	}
	if _, err := f.WriteString("not json at all\n"); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	f.Close()

	sink2 := New(dir)
	sink2.Append("alpha", Entry{Timestamp: time.Now(), Level: Info, Message: "good-2"})

	entries, err := sink.Read("alpha", "", 0, 10)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2 (garbage line discarded)", len(entries))
	}
}

func TestReadPagination(t *testing.T) {
	sink := New(t.TempDir())
	for i := 0; i < 25; i++ {
		sink.Append("alpha", Entry{Timestamp: time.Now(), Level: Info, Message: fmt.Sprint(i)})
	}

	page0, err := sink.Read("alpha", "", 0, 10)
	if err != nil {
		t.Fatalf("Read page 0: %v", err)
	}
	page1, err := sink.Read("alpha", "", 1, 10)
	if err != nil {
		t.Fatalf("Read page 1: %v", err)
	}
	page2, err := sink.Read("alpha", "", 2, 10)
	if err != nil {
		t.Fatalf("Read page 2: %v", err)
	}

	if len(page0) != 10 || len(page1) != 10 || len(page2) != 5 {
		t.Fatalf("page sizes = %d, %d, %d, want 10, 10, 5", len(page0), len(page1), len(page2))
	}
	if page0[0].Message != "0" || page1[0].Message != "10" || page2[0].Message != "20" {
		t.Errorf("page starts = %q, %q, %q, want 0, 10, 20", page0[0].Message, page1[0].Message, page2[0].Message)
	}
}

func TestReadMissingFileReturnsEmpty(t *testing.T) {
	sink := New(t.TempDir())
	entries, err := sink.Read("never-logged", "", 0, 10)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("entries = %v, want empty", entries)
	}
}

func TestPathIsPerPlugin(t *testing.T) {
	dir := t.TempDir()
	sink := New(dir)
	if got, want := sink.Path("alpha"), filepath.Join(dir, "alpha.jsonl"); got != want {
		t.Errorf("Path = %q, want %q", got, want)
	}
}
