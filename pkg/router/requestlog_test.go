package router

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
)

func TestRequestLogRingEviction(t *testing.T) {
	l := NewRequestLog(4, "")
	for i := 0; i < 6; i++ {
		l.Record(LogEntry{Path: "/v1/chat/completions", Status: 200, TSMS: int64(i + 1)})
	}
	recent := l.Recent(10)
	if len(recent) != 4 {
		t.Fatalf("ring kept %d entries, want 4", len(recent))
	}
	// Newest first.
	if recent[0].TSMS != 6 || recent[3].TSMS != 3 {
		t.Fatalf("unexpected order: first=%d last=%d", recent[0].TSMS, recent[3].TSMS)
	}
}

func TestRequestLogRecentLimit(t *testing.T) {
	l := NewRequestLog(8, "")
	for i := 0; i < 5; i++ {
		l.Record(LogEntry{Status: 200, TSMS: int64(i + 1)})
	}
	if got := len(l.Recent(2)); got != 2 {
		t.Fatalf("limit ignored: %d", got)
	}
	if got := len(l.Recent(0)); got != 5 {
		t.Fatalf("zero limit should return all: %d", got)
	}
}

func TestMetricsBucketClassification(t *testing.T) {
	l := NewRequestLog(16, "")
	base := time.Now().UnixMilli()
	l.Record(LogEntry{Status: 200, TSMS: base})
	l.Record(LogEntry{Status: 502, TSMS: base})
	l.Record(LogEntry{Status: 404, TSMS: base})

	buckets := l.Buckets(WindowMinute)
	if len(buckets) == 0 {
		t.Fatal("no minute buckets")
	}
	last := buckets[len(buckets)-1]
	if last.Total != 3 || last.Success != 1 || last.Failure != 1 || last.Ignored != 1 {
		t.Fatalf("bucket = %+v", last)
	}
	if last.TSMS%60_000 != 0 {
		t.Fatalf("bucket not aligned: %d", last.TSMS)
	}
}

func TestMetricsBucketWindows(t *testing.T) {
	l := NewRequestLog(16, "")
	ts := time.Now().UnixMilli()
	l.Record(LogEntry{Status: 200, TSMS: ts})
	for _, w := range []MetricsWindow{WindowMinute, WindowHour, WindowDay} {
		buckets := l.Buckets(w)
		if len(buckets) != 1 {
			t.Fatalf("window %s: %d buckets", w, len(buckets))
		}
		if buckets[0].Success != 1 {
			t.Fatalf("window %s: success not counted", w)
		}
	}
}

func TestRequestLogEntryIDsAssigned(t *testing.T) {
	l := NewRequestLog(4, "")
	l.Record(LogEntry{Status: 200})
	if l.Recent(1)[0].ID == "" {
		t.Fatal("entry id not assigned")
	}
}

func TestRequestLogFileWriter(t *testing.T) {
	dir := t.TempDir()
	l := NewRequestLog(4, dir)
	l.Record(LogEntry{Status: 200, Path: "/v1/embeddings", ClientIP: "10.0.0.9"})
	// Give the async writer a flush cycle.
	time.Sleep(1200 * time.Millisecond)
	l.Close()
	time.Sleep(50 * time.Millisecond)

	f, err := os.Open(filepath.Join(dir, "requests.jsonl.zst"))
	if err != nil {
		t.Fatalf("open log file: %v", err)
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer dec.Close()
	raw, err := io.ReadAll(dec.IOReadCloser())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	line := strings.TrimSpace(string(raw))
	if line == "" {
		t.Fatal("no entries written")
	}
	var entry LogEntry
	if err := json.Unmarshal([]byte(strings.Split(line, "\n")[0]), &entry); err != nil {
		t.Fatalf("parse entry: %v", err)
	}
	if entry.Path != "/v1/embeddings" || entry.ClientIP != "10.0.0.9" {
		t.Fatalf("entry mismatch: %+v", entry)
	}
}

func TestParseMetricsWindow(t *testing.T) {
	if ParseMetricsWindow("hour") != WindowHour {
		t.Fatal("hour")
	}
	if ParseMetricsWindow("day") != WindowDay {
		t.Fatal("day")
	}
	if ParseMetricsWindow("") != WindowMinute {
		t.Fatal("default")
	}
	if ParseMetricsWindow("bogus") != WindowMinute {
		t.Fatal("fallback")
	}
}
