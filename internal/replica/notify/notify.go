// Package notify publishes reconciled runs to subscribers.
//
// Each subscriber owns a mailbox keyed by run id and a delivery goroutine.
// Publishing never blocks on a subscriber: a value that has not been
// delivered yet is replaced by a newer one for the same run, so a slow
// subscriber skips intermediate states and always ends on the latest.
package notify

import (
	"log"
	"os"
	"sync"

	"github.com/runsync/runsync/internal/replica/schema"
)

// Change is one published value. Run is nil when the run was removed.
type Change struct {
	RunID string
	Run   *schema.Run
}

// Removed reports whether the change is a removal.
func (c Change) Removed() bool {
	return c.Run == nil
}

// Func receives changes on the subscriber's own goroutine.
type Func func(Change)

// Notifier fans changes out to subscribers.
type Notifier struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool
	logger *log.Logger
	wg     sync.WaitGroup
}

// New creates a Notifier. A nil logger logs to stderr.
func New(logger *log.Logger) *Notifier {
	if logger == nil {
		logger = log.New(os.Stderr, "[notify] ", log.LstdFlags)
	}
	return &Notifier{
		subs:   make(map[uint64]*subscriber),
		logger: logger,
	}
}

type subscriber struct {
	id     uint64
	fn     Func
	logger *log.Logger

	mu      sync.Mutex
	pending map[string]Change
	order   []string

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Subscribe registers fn and returns a function that unregisters it.
// Calling the returned function more than once is harmless. It does not
// wait for an in-progress delivery, so it may be called from inside fn.
func (n *Notifier) Subscribe(fn Func) (unsubscribe func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	sub := &subscriber{
		id:      n.nextID,
		fn:      fn,
		logger:  n.logger,
		pending: make(map[string]Change),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	n.nextID++
	if n.closed {
		close(sub.done)
		return func() {}
	}
	n.subs[sub.id] = sub

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		sub.run()
	}()

	return func() {
		n.mu.Lock()
		delete(n.subs, sub.id)
		n.mu.Unlock()
		sub.stop()
	}
}

// Publish delivers run to every subscriber.
func (n *Notifier) Publish(run *schema.Run) {
	if run == nil {
		return
	}
	n.publish(Change{RunID: run.ID, Run: run})
}

// PublishRemoved tells every subscriber that the run is gone.
func (n *Notifier) PublishRemoved(id string) {
	n.publish(Change{RunID: id})
}

func (n *Notifier) publish(c Change) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, sub := range n.subs {
		sub.offer(c)
	}
}

// Len returns the number of live subscribers.
func (n *Notifier) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs)
}

// Close unregisters every subscriber and waits for their delivery
// goroutines to finish. Pending changes are dropped.
func (n *Notifier) Close() {
	n.mu.Lock()
	n.closed = true
	subs := n.subs
	n.subs = make(map[uint64]*subscriber)
	n.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	n.wg.Wait()
}

func (s *subscriber) offer(c Change) {
	s.mu.Lock()
	if _, queued := s.pending[c.RunID]; !queued {
		s.order = append(s.order, c.RunID)
	}
	s.pending[c.RunID] = c
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			c, ok := s.next()
			if !ok {
				break
			}
			select {
			case <-s.done:
				return
			default:
			}
			s.deliver(c)
		}
	}
}

// next pops the oldest queued run id.
func (s *subscriber) next() (Change, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) == 0 {
		return Change{}, false
	}
	id := s.order[0]
	s.order = s.order[1:]
	c := s.pending[id]
	delete(s.pending, id)
	return c, true
}

func (s *subscriber) deliver(c Change) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("Subscriber %d panicked on run %s: %v", s.id, c.RunID, r)
		}
	}()
	s.fn(c)
}
