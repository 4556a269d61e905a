package datastore

import (
	"sync"
	"sync/atomic"
)

// Op names a repository operation.
type Op string

const (
	OpList   Op = "list"
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Status is the loading and error state of one operation. Calls to different
// operations never share a Status.
type Status struct {
	inflight atomic.Int64
	mu       sync.Mutex
	err      string
}

// Loading reports whether a call of this operation is in flight.
func (s *Status) Loading() bool {
	return s.inflight.Load() > 0
}

// Err returns the message of the last failed call, cleared by the next success.
func (s *Status) Err() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Status) begin() func(error) {
	s.inflight.Add(1)
	return func(err error) {
		s.mu.Lock()
		if err != nil {
			s.err = errorMessage(err)
		} else {
			s.err = ""
		}
		s.mu.Unlock()
		s.inflight.Add(-1)
	}
}
