package router

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

const (
	DefaultRequestLogCapacity = 1024

	minuteBucketMS = int64(60_000)
	hourBucketMS   = int64(3_600_000)
	dayBucketMS    = int64(86_400_000)

	minuteBucketKeep = 60
	hourBucketKeep   = 48
	dayBucketKeep    = 30
)

// LogEntry is one recorded proxy request. Token counts stay nil when usage
// could not be parsed from the response.
type LogEntry struct {
	ID               string `json:"id"`
	TSMS             int64  `json:"ts_ms"`
	ClientIP         string `json:"client_ip"`
	Method           string `json:"method"`
	Path             string `json:"path"`
	Model            string `json:"model,omitempty"`
	UpstreamID       string `json:"upstream_id,omitempty"`
	Status           int    `json:"status"`
	LatencyMS        int64  `json:"latency_ms"`
	ReqBytes         int    `json:"req_bytes"`
	RespBytes        int    `json:"resp_bytes"`
	PromptTokens     *int64 `json:"prompt_tokens,omitempty"`
	CompletionTokens *int64 `json:"completion_tokens,omitempty"`
	TotalTokens      *int64 `json:"total_tokens,omitempty"`
}

// MetricsBucket is one rolling-window tally. 404s count as ignored, neither
// success nor failure.
type MetricsBucket struct {
	TSMS    int64 `json:"ts_ms"`
	Total   int64 `json:"total"`
	Success int64 `json:"success"`
	Failure int64 `json:"failure"`
	Ignored int64 `json:"ignored"`
}

type MetricsWindow string

const (
	WindowMinute MetricsWindow = "minute"
	WindowHour   MetricsWindow = "hour"
	WindowDay    MetricsWindow = "day"
)

func ParseMetricsWindow(s string) MetricsWindow {
	switch s {
	case "hour":
		return WindowHour
	case "day":
		return WindowDay
	default:
		return WindowMinute
	}
}

// RequestLog keeps a bounded in-memory ring of recent requests plus rolling
// minute/hour/day buckets, and streams every entry to a zstd-compressed JSONL
// file through an asynchronous writer.
type RequestLog struct {
	mu      sync.Mutex
	entries []LogEntry
	next    int
	full    bool

	minute []MetricsBucket
	hour   []MetricsBucket
	day    []MetricsBucket

	ch   chan LogEntry
	done chan struct{}
	once sync.Once
}

// NewRequestLog creates a log with the given ring capacity. When dataDir is
// non-empty, entries are also appended to requests.jsonl.zst under it.
func NewRequestLog(capacity int, dataDir string) *RequestLog {
	if capacity <= 0 {
		capacity = DefaultRequestLogCapacity
	}
	l := &RequestLog{
		entries: make([]LogEntry, capacity),
		done:    make(chan struct{}),
	}
	if dataDir != "" {
		l.ch = make(chan LogEntry, 2048)
		go l.writeLoop(filepath.Join(dataDir, "requests.jsonl.zst"))
	}
	return l
}

// Record stamps and stores one entry.
func (l *RequestLog) Record(entry LogEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.TSMS == 0 {
		entry.TSMS = time.Now().UnixMilli()
	}
	if l.ch != nil {
		select {
		case l.ch <- entry:
		default:
			// Writer backlogged; drop the file copy, keep the ring copy.
		}
	}

	l.mu.Lock()
	l.entries[l.next] = entry
	l.next++
	if l.next == len(l.entries) {
		l.next = 0
		l.full = true
	}
	success, failure, ignored := classifyStatus(entry.Status)
	updateBuckets(&l.minute, entry.TSMS, minuteBucketMS, minuteBucketKeep, success, failure, ignored)
	updateBuckets(&l.hour, entry.TSMS, hourBucketMS, hourBucketKeep, success, failure, ignored)
	updateBuckets(&l.day, entry.TSMS, dayBucketMS, dayBucketKeep, success, failure, ignored)
	l.mu.Unlock()
}

// Recent returns up to limit entries, newest first.
func (l *RequestLog) Recent(limit int) []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	size := l.next
	if l.full {
		size = len(l.entries)
	}
	if limit <= 0 || limit > size {
		limit = size
	}
	out := make([]LogEntry, 0, limit)
	for i := 0; i < limit; i++ {
		idx := l.next - 1 - i
		if idx < 0 {
			idx += len(l.entries)
		}
		out = append(out, l.entries[idx])
	}
	return out
}

// Buckets returns a copy of the requested rolling window.
func (l *RequestLog) Buckets(window MetricsWindow) []MetricsBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	var src []MetricsBucket
	switch window {
	case WindowHour:
		src = l.hour
	case WindowDay:
		src = l.day
	default:
		src = l.minute
	}
	out := make([]MetricsBucket, len(src))
	copy(out, src)
	return out
}

// Close tells the file writer to write what it still holds and stop. It
// returns without waiting for the writer to finish.
func (l *RequestLog) Close() {
	l.once.Do(func() { close(l.done) })
}

func (l *RequestLog) writeLoop(path string) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		log.Warn("request log dir create failed", "err", err)
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		log.Warn("request log open failed", "path", path, "err", err)
		return
	}
	defer f.Close()
	enc, err := zstd.NewWriter(f)
	if err != nil {
		log.Warn("request log encoder failed", "err", err)
		return
	}
	defer enc.Close()

	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	pending := 0
	for {
		select {
		case entry := <-l.ch:
			line, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			line = append(line, '\n')
			if _, err := enc.Write(line); err != nil {
				log.Warn("request log write failed", "err", err)
				return
			}
			pending++
			if pending >= 256 {
				_ = enc.Flush()
				pending = 0
			}
		case <-tick.C:
			if pending > 0 {
				_ = enc.Flush()
				pending = 0
			}
		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					if line, err := json.Marshal(entry); err == nil {
						_, _ = enc.Write(append(line, '\n'))
					}
				default:
					return
				}
			}
		}
	}
}

func classifyStatus(status int) (success, failure, ignored int64) {
	switch {
	case status >= 200 && status < 300:
		return 1, 0, 0
	case status == 404:
		return 0, 0, 1
	default:
		return 0, 1, 0
	}
}

func updateBuckets(buckets *[]MetricsBucket, tsMS, stepMS int64, keep int, success, failure, ignored int64) {
	start := tsMS - tsMS%stepMS
	b := *buckets
	if n := len(b); n == 0 || b[n-1].TSMS < start {
		// Backfill empty buckets between the last entry and this one.
		if n > 0 {
			for next := b[n-1].TSMS + stepMS; next < start && len(b) < keep*2; next += stepMS {
				b = append(b, MetricsBucket{TSMS: next})
			}
		}
		b = append(b, MetricsBucket{TSMS: start})
	}
	last := &b[len(b)-1]
	if last.TSMS == start {
		last.Total++
		last.Success += success
		last.Failure += failure
		last.Ignored += ignored
	}
	if len(b) > keep {
		b = b[len(b)-keep:]
	}
	*buckets = b
}
