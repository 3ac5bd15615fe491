// Package ingesttest has fakes for driving ingest.Manager in tests.
package ingesttest

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"pagewise/internal/ingest"
	"pagewise/internal/models"
)

const header = "%PDF-1.4\n"

// PDFBytes builds an upload FakeExtractor understands: one page per
// argument, separated by form feeds.
func PDFBytes(pages ...string) []byte {
	return []byte(header + strings.Join(pages, "\f"))
}

// FakeExtractor splits PDFBytes output back into pages. Gate, when set,
// holds every call until it is closed or the context ends.
type FakeExtractor struct {
	Err  error
	Gate chan struct{}

	mu    sync.Mutex
	calls int
}

func (f *FakeExtractor) Extract(ctx context.Context, data []byte) ([]models.PageText, int, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.Gate != nil {
		select {
		case <-f.Gate:
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
	if f.Err != nil {
		return nil, 0, f.Err
	}
	body := string(bytes.TrimPrefix(data, []byte(header)))
	parts := strings.Split(body, "\f")
	pages := make([]models.PageText, len(parts))
	for i, p := range parts {
		pages[i] = models.PageText{Page: i + 1, Text: p}
	}
	return pages, len(pages), nil
}

func (f *FakeExtractor) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Recorder keeps every event it is notified of.
type Recorder struct {
	mu     sync.Mutex
	events []ingest.Event
	users  []string
}

func (r *Recorder) Notify(userID string, ev ingest.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	r.users = append(r.users, userID)
}

func (r *Recorder) Events() []ingest.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ingest.Event(nil), r.events...)
}

// ForJob returns the events of one job in arrival order.
func (r *Recorder) ForJob(jobID string) []ingest.Event {
	var out []ingest.Event
	for _, ev := range r.Events() {
		if ev.JobState().JobID == jobID {
			out = append(out, ev)
		}
	}
	return out
}

// WaitFor polls until match accepts some event or the timeout passes.
func (r *Recorder) WaitFor(t testing.TB, timeout time.Duration, match func(ingest.Event) bool) ingest.Event {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		for _, ev := range r.Events() {
			if match(ev) {
				return ev
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("no matching event after %s; got %d events", timeout, len(r.Events()))
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Terminal matches the Complete or Failed event of a job.
func Terminal(jobID string) func(ingest.Event) bool {
	return func(ev ingest.Event) bool {
		switch ev.(type) {
		case ingest.Complete, ingest.Failed:
			return ev.JobState().JobID == jobID
		}
		return false
	}
}
