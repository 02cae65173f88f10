package delivery

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/semaphore"

	"walletchat/models"
)

// outbound is the sender-side state of one message. Only its thread's
// actor touches it.
type outbound struct {
	msg       models.Message
	attempt   int
	timer     *clock.Timer
	gen       uint64
	handedOff bool
	via       string
	sentAt    int64

	storing   bool
	contentID string
	storeErr  error
}

// inbound remembers a received message so it can be marked read.
type inbound struct {
	sender string
	read   bool
}

// thread serializes every state change for one conversation. Functions
// posted to its mailbox run one at a time on its goroutine.
type thread struct {
	id      string
	mailbox chan func()
	done    chan struct{}

	// mu is held while a mailbox function runs, and by callers once the
	// actor has exited.
	mu       sync.Mutex
	outbound map[string]*outbound
	inbound  map[string]*inbound
}

func newThread(id string, mailboxSize int) *thread {
	return &thread{
		id:       id,
		mailbox:  make(chan func(), mailboxSize),
		done:     make(chan struct{}),
		outbound: make(map[string]*outbound),
		inbound:  make(map[string]*inbound),
	}
}

func (t *thread) run(ctx context.Context) {
	defer close(t.done)
	for {
		select {
		case fn := <-t.mailbox:
			t.mu.Lock()
			fn()
			t.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

// post queues fn without waiting for it. It reports false once the thread
// has stopped.
func (t *thread) post(fn func()) bool {
	select {
	case <-t.done:
		return false
	default:
	}
	select {
	case t.mailbox <- fn:
		return true
	case <-t.done:
		return false
	}
}

// call runs fn on the actor and waits for it. After the actor has stopped
// fn runs on the caller under the thread lock.
func (t *thread) call(fn func()) {
	finished := make(chan struct{})
	if t.post(func() {
		defer close(finished)
		fn()
	}) {
		select {
		case <-finished:
			return
		case <-t.done:
			// The actor may have exited with fn still queued.
			select {
			case <-finished:
				return
			default:
			}
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-finished:
	default:
		fn()
	}
}

// exec runs fn on the actor, or under the thread lock once the actor has
// stopped. It does not wait.
func (t *thread) exec(fn func()) {
	if t.post(fn) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	fn()
}

// pool bounds CPU-heavy and blocking work. A slot is never held while
// posting to a mailbox.
type pool struct {
	sem *semaphore.Weighted
}

func newPool(workers int) *pool {
	return &pool{sem: semaphore.NewWeighted(int64(workers))}
}

// do runs fn on the calling goroutine once a worker slot is free.
func (p *pool) do(ctx context.Context, fn func()) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	fn()
	return nil
}
