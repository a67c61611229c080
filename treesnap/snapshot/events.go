package snapshot

import "sync"

// sequencer runs listener callbacks one at a time, in the order they were
// posted, on a goroutine of its own. Posting never waits for a callback, so
// a slow listener cannot hold up a build or the coordinator lock.
type sequencer struct {
	mu      sync.Mutex
	idle    *sync.Cond
	queue   []func()
	running bool
}

func newSequencer() *sequencer {
	s := &sequencer{}
	s.idle = sync.NewCond(&s.mu)
	return s
}

// post queues fn behind every callback posted before it.
func (s *sequencer) post(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, fn)
	if !s.running {
		s.running = true
		go s.drain()
	}
}

func (s *sequencer) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.running = false
			s.queue = nil
			s.idle.Broadcast()
			s.mu.Unlock()
			return
		}
		fn := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		fn()
	}
}

// flush waits until every posted callback has run.
func (s *sequencer) flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.running {
		s.idle.Wait()
	}
}
