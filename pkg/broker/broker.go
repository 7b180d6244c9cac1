// Package broker hands out live log subscriptions backed by the durable
// per-job log files. All subscribers of one job stream share a single
// file tail: the file is read once no matter how many consumers watch
// it, and each subscriber replays history from its requested offset
// before joining the shared live feed, with no gap and no duplicate at
// the boundary.
package broker

import (
	"context"
	"errors"
	"sync"

	"github.com/packmirror/packmirror/pkg/logstore"
)

// ErrSlowConsumer is reported by a subscription that was disconnected
// because its consumer could not keep up with the stream.
var ErrSlowConsumer = errors.New("subscriber too slow, disconnected")

// DefaultBuffer is the per-subscriber line buffer. A consumer that
// falls this many lines behind the pump is disconnected rather than
// allowed to stall other work.
const DefaultBuffer = 256

// Broker tracks one tail per job stream and the subscribers attached
// to it.
type Broker struct {
	mu    sync.Mutex
	tails map[string]*tail
}

func New() *Broker {
	return &Broker{tails: make(map[string]*tail)}
}

// tail is the single watcher on one job stream's file. It starts with
// the first subscriber and stops when the last one detaches.
type tail struct {
	cancel context.CancelFunc

	mu sync.Mutex
	// delivered counts the lines fanned out since the file's start; it
	// is the replay/live boundary for joining subscribers.
	delivered int
	subs      map[*Subscription]struct{}
}

// Subscription is one consumer's view of a job log stream.
type Subscription struct {
	lines chan string
	// done is closed when the tail drops this subscriber.
	done   chan struct{}
	cancel context.CancelFunc

	mu  sync.Mutex
	err error

	release func()
	once    sync.Once

	// live and pending are guarded by the owning tail's mu. Until the
	// subscriber finishes its replay, the tail queues live lines here.
	live    bool
	pending []string
}

// Lines yields replayed then live lines. The channel is closed when
// the subscription ends; check Err afterwards to distinguish a normal
// close from a slow-consumer disconnect.
func (s *Subscription) Lines() <-chan string {
	return s.lines
}

// Err returns why the subscription ended, or nil for a clean close.
// Only meaningful after Lines is closed.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Close detaches the subscriber. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.cancel()
		s.release()
	})
}

func key(jobID string, stream logstore.Stream) string {
	return jobID + "/" + string(stream)
}

// Subscribe attaches a consumer to one stream of one job, starting at
// the zero-based line offset from. Pass from equal to the current line
// count for live-only, or zero for a full replay. Subscribers of the
// same job stream share one underlying file tail.
func (b *Broker) Subscribe(ctx context.Context, store *logstore.Store, jobID string, stream logstore.Stream, from int) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	k := key(jobID, stream)

	sub := &Subscription{
		lines:  make(chan string, DefaultBuffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	b.mu.Lock()
	t := b.tails[k]
	if t == nil {
		t = newTail(store, stream)
		b.tails[k] = t
	}
	sub.release = func() {
		b.mu.Lock()
		t.mu.Lock()
		delete(t.subs, sub)
		idle := len(t.subs) == 0
		t.mu.Unlock()
		if idle && b.tails[k] == t {
			t.cancel()
			delete(b.tails, k)
		}
		b.mu.Unlock()
	}
	t.mu.Lock()
	boundary := t.delivered
	t.subs[sub] = struct{}{}
	t.mu.Unlock()
	b.mu.Unlock()

	go sub.run(ctx, t, store, stream, from, boundary)
	return sub
}

// newTail starts the shared watcher at the file's current line count;
// everything before that is history subscribers replay on their own.
func newTail(store *logstore.Store, stream logstore.Stream) *tail {
	count, _ := store.LineCount(stream)
	ctx, cancel := context.WithCancel(context.Background())
	t := &tail{
		cancel:    cancel,
		delivered: count,
		subs:      make(map[*Subscription]struct{}),
	}
	go t.pump(store.Follow(ctx, stream, count))
	return t
}

// pump fans every new line out to the attached subscribers. It never
// blocks on any single consumer.
func (t *tail) pump(feed <-chan string) {
	for line := range feed {
		t.mu.Lock()
		t.delivered++
		for sub := range t.subs {
			t.offer(sub, line)
		}
		t.mu.Unlock()
	}
}

// offer delivers one live line to a subscriber. Caller holds t.mu.
func (t *tail) offer(sub *Subscription, line string) {
	if !sub.live {
		if len(sub.pending) >= DefaultBuffer {
			t.drop(sub)
			return
		}
		sub.pending = append(sub.pending, line)
		return
	}
	select {
	case sub.lines <- line:
	default:
		// Inbox full: the consumer is not draining. Cut it loose
		// instead of blocking the pump.
		t.drop(sub)
	}
}

// drop disconnects a slow subscriber. Caller holds t.mu.
func (t *tail) drop(sub *Subscription) {
	delete(t.subs, sub)
	sub.fail(ErrSlowConsumer)
	close(sub.done)
}

// run replays history up to the tail's boundary straight from the
// file, then hands delivery over to the shared tail.
func (s *Subscription) run(ctx context.Context, t *tail, store *logstore.Store, stream logstore.Stream, from, boundary int) {
	defer close(s.lines)
	defer s.Close()

	if from < boundary {
		lines, err := store.ReadAll(stream, 0)
		if err == nil {
			if boundary > len(lines) {
				boundary = len(lines)
			}
			for i := from; i < boundary; i++ {
				select {
				case s.lines <- lines[i]:
				case <-ctx.Done():
					return
				default:
					s.fail(ErrSlowConsumer)
					return
				}
			}
		}
	}

	// Go live under the tail's lock so queued lines land ahead of
	// anything the pump delivers next.
	t.mu.Lock()
	for _, line := range s.pending {
		select {
		case s.lines <- line:
		default:
			s.pending = nil
			t.drop(s)
			t.mu.Unlock()
			return
		}
	}
	s.pending = nil
	s.live = true
	t.mu.Unlock()

	select {
	case <-ctx.Done():
	case <-s.done:
	}
}

// ActiveSubscribers reports how many consumers are attached to a job
// stream right now.
func (b *Broker) ActiveSubscribers(jobID string, stream logstore.Stream) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.tails[key(jobID, stream)]
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}
