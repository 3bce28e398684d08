package distobj

import (
	"fmt"
	"sync"
)

// ConversationPolicy picks the execution queue of a request
// that names no conversation of its own.
type ConversationPolicy string

const (
	// SharedQueue runs all such requests one at a time, in arrival order.
	SharedQueue ConversationPolicy = "shared"

	// PerTarget gives each target object its own queue.
	PerTarget ConversationPolicy = "per-target"
)

// conversations runs jobs in per-key FIFO order. Each key with
// pending work has exactly one worker goroutine draining it;
// the worker exits when its queue empties, so idle keys cost
// nothing. Different keys run concurrently.
type conversations struct {
	mut    sync.Mutex
	queues map[string]*convQueue
	closed bool

	wg sync.WaitGroup
}

type convQueue struct {
	key  string
	jobs []func()
}

func newConversations() *conversations {
	return &conversations{
		queues: make(map[string]*convQueue),
	}
}

// enqueue appends job to the queue for key, starting a worker
// if none is running. It reports false after close.
func (s *conversations) enqueue(key string, job func()) bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.closed {
		return false
	}
	q, ok := s.queues[key]
	if ok {
		q.jobs = append(q.jobs, job)
		return true
	}
	q = &convQueue{key: key, jobs: []func(){job}}
	s.queues[key] = q
	s.wg.Add(1)
	go s.drain(q)
	return true
}

func (s *conversations) drain(q *convQueue) {
	defer s.wg.Done()
	for {
		s.mut.Lock()
		if len(q.jobs) == 0 || s.closed {
			delete(s.queues, q.key)
			s.mut.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs[0] = nil
		q.jobs = q.jobs[1:]
		s.mut.Unlock()

		job()
	}
}

// close drops all pending jobs; running ones finish on their own.
func (s *conversations) close() {
	s.mut.Lock()
	s.closed = true
	s.mut.Unlock()
}

// active returns the number of queues with a running worker.
func (s *conversations) active() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return len(s.queues)
}

// conversationKey is the queue a request runs on.
func conversationKey(inv *Invocation, policy ConversationPolicy) string {
	if inv.Conversation != "" {
		return "c:" + inv.Conversation
	}
	if policy == PerTarget {
		return fmt.Sprintf("t:%v", inv.Target)
	}
	return ""
}
