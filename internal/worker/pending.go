package worker

import (
	"fmt"
	"sync"
	"time"
)

type callResult struct {
	msg response
	err error
}

// pendingCall is one in-flight request awaiting its correlated response. The
// result channel is buffered so the resolver never blocks; removal from the
// set decides who delivers, which makes completion exactly-once.
type pendingCall struct {
	id         string
	registered time.Time
	result     chan callResult
}

// pendingSet holds every outstanding call keyed by correlation id. At most
// one live entry per id; removal is idempotent.
type pendingSet struct {
	mu    sync.Mutex
	calls map[string]*pendingCall
}

func newPendingSet() *pendingSet {
	return &pendingSet{calls: make(map[string]*pendingCall)}
}

func (s *pendingSet) register(id string) (*pendingCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.calls[id]; exists {
		return nil, fmt.Errorf("duplicate correlation id %q", id)
	}
	pc := &pendingCall{
		id:         id,
		registered: time.Now(),
		result:     make(chan callResult, 1),
	}
	s.calls[id] = pc
	return pc, nil
}

// take removes the call with the given id, if still present. Callers that get
// back nil lost the race against another resolution path.
func (s *pendingSet) take(id string) *pendingCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	pc := s.calls[id]
	delete(s.calls, id)
	return pc
}

// resolve delivers a response to the matching call. Returns false when no
// entry matches: protocol desync, a duplicate response, or a late response
// after timeout-driven removal.
func (s *pendingSet) resolve(id string, msg response) bool {
	pc := s.take(id)
	if pc == nil {
		return false
	}
	pc.result <- callResult{msg: msg}
	return true
}

// failOldest fails the longest-waiting call. Used to route unparsable worker
// output to the call most likely to have triggered it.
func (s *pendingSet) failOldest(err error) bool {
	s.mu.Lock()
	var oldest *pendingCall
	for _, pc := range s.calls {
		if oldest == nil || pc.registered.Before(oldest.registered) {
			oldest = pc
		}
	}
	if oldest != nil {
		delete(s.calls, oldest.id)
	}
	s.mu.Unlock()

	if oldest == nil {
		return false
	}
	oldest.result <- callResult{err: err}
	return true
}

// failAll fails every outstanding call. Used on worker exit and shutdown so a
// crash never silently hangs a caller.
func (s *pendingSet) failAll(err error) {
	s.mu.Lock()
	calls := make([]*pendingCall, 0, len(s.calls))
	for _, pc := range s.calls {
		calls = append(calls, pc)
	}
	s.calls = make(map[string]*pendingCall)
	s.mu.Unlock()

	for _, pc := range calls {
		pc.result <- callResult{err: err}
	}
}

func (s *pendingSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}
