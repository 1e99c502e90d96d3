// Package pipestore records completed tasks' captured stdout and assembles
// the concatenated stdin for tasks declaring pipe_from.
package pipestore

import (
	deadlock "github.com/sasha-s/go-deadlock"
)

// Store is a thread-safe task_name -> captured stdout map. Entries are
// created once per task instance per run and never overwritten.
type Store struct {
	mu   deadlock.RWMutex
	data map[string]string
}

// New returns an empty Store.
func New() *Store {
	return &Store{data: make(map[string]string)}
}

// Put records task's captured stdout. Called once, after the task
// completes (successfully or not).
func (s *Store) Put(task, output string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[task] = output
}

// Get returns task's stored output, or "" if none was recorded (a missing
// source contributes an empty string per the pipe-composition contract).
func (s *Store) Get(task string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data[task]
}

// Has reports whether task has a recorded output yet.
func (s *Store) Has(task string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[task]
	return ok
}

// Stdin assembles a task's stdin: the concatenation of sources' stored
// outputs in declared order. An empty sources list, or a combined result
// that is the empty string, reports hasInput=false so the caller can close
// stdin explicitly rather than leave it open on an empty pipe.
func (s *Store) Stdin(sources []string) (input string, hasInput bool) {
	if len(sources) == 0 {
		return "", false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var combined string
	for _, src := range sources {
		combined += s.data[src]
	}
	return combined, combined != ""
}
