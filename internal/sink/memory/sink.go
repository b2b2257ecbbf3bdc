// Package memory provides an in-memory link sink for development and tests.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/flounder/internal/link"
)

// Sink keeps rows grouped by bucket.
type Sink struct {
	mu      sync.RWMutex
	buckets map[string][]link.Row
	order   []string
}

// New constructs a Sink.
func New() *Sink {
	return &Sink{buckets: make(map[string][]link.Row)}
}

// Append stores row under its bucket, creating the bucket on first write.
func (s *Sink) Append(_ context.Context, row link.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[row.Bucket]; !ok {
		s.order = append(s.order, row.Bucket)
	}
	s.buckets[row.Bucket] = append(s.buckets[row.Bucket], row)
	return nil
}

// Rows returns a copy of the rows written to bucket.
func (s *Sink) Rows(bucket string) []link.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]link.Row(nil), s.buckets[bucket]...)
}

// Buckets lists buckets in the order they were first written.
func (s *Sink) Buckets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// Len returns the total number of stored rows.
func (s *Sink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rows := range s.buckets {
		n += len(rows)
	}
	return n
}
