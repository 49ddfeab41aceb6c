package store

import (
	"fmt"
	"testing"
)

func TestLogFlushMergesWithDiskTail(t *testing.T) {
	s := newTestStore(t)
	b := NewLogBuffer(s)

	b.Append("info", "first")
	b.Append("warn", "second")
	if err := b.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	b.Append("error", "third")
	if err := b.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	var tail []LogEntry
	if err := s.Load(AppLogsFile, &tail); err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(tail) != 3 {
		t.Fatalf("got %d entries, want 3", len(tail))
	}
	if tail[0].Message != "first" || tail[2].Message != "third" {
		t.Fatalf("order wrong: %+v", tail)
	}
	if tail[1].Level != "warn" || tail[1].Timestamp == "" {
		t.Fatalf("entry fields wrong: %+v", tail[1])
	}
}

func TestLogCapEnforced(t *testing.T) {
	s := newTestStore(t)
	b := NewLogBuffer(s)

	for i := 0; i < LogCap+50; i++ {
		b.Append("info", fmt.Sprintf("entry %d", i))
	}
	if err := b.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	var tail []LogEntry
	if err := s.Load(AppLogsFile, &tail); err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(tail) != LogCap {
		t.Fatalf("got %d entries, want cap %d", len(tail), LogCap)
	}
	if tail[len(tail)-1].Message != fmt.Sprintf("entry %d", LogCap+49) {
		t.Fatalf("newest entry missing: %+v", tail[len(tail)-1])
	}
}

func TestThresholdTriggersEarlyFlush(t *testing.T) {
	s := newTestStore(t)
	b := NewLogBuffer(s)

	for i := 0; i < logFlushThreshold; i++ {
		b.Append("info", "bulk")
	}

	// The threshold append flushed without an explicit Flush call.
	var tail []LogEntry
	if err := s.Load(AppLogsFile, &tail); err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(tail) != logFlushThreshold {
		t.Fatalf("auto flush missing: %d entries on disk", len(tail))
	}
}

func TestRecentMergesMemoryAndDisk(t *testing.T) {
	s := newTestStore(t)
	b := NewLogBuffer(s)

	b.Append("info", "flushed")
	if err := b.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	b.Append("info", "buffered")

	recent := b.Recent()
	if len(recent) != 2 {
		t.Fatalf("got %d entries, want 2", len(recent))
	}
	if recent[0].Message != "flushed" || recent[1].Message != "buffered" {
		t.Fatalf("merge order wrong: %+v", recent)
	}
}
