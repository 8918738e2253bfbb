package state

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-immutable-radix"
	"go.uber.org/zap"
)

// Listener receives the snapshot that was just installed. Listeners run
// synchronously on the writer's goroutine, in subscription order. A
// listener that panics is logged and isolated; the remaining listeners
// still fire.
type Listener func(EngineState)

type subscription struct {
	listener Listener
	canceled *uint32
}

// Store is a reactive snapshot container. Writers replace the snapshot
// wholesale; readers always observe a complete, consistent state.
// Subscriptions live in an immutable radix tree keyed by insertion counter,
// replaced under the store mutex on every subscribe and cancel, so
// notification order equals subscription order. Notification walks the
// tree it read without holding the mutex.
type Store struct {
	mtx     sync.Mutex
	current atomic.Value
	subs    *iradix.Tree
	nextSub uint64
	logger  *zap.Logger
}

func NewStore(initial EngineState, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		subs:   iradix.New(),
		logger: logger,
	}
	s.current.Store(initial)
	return s
}

// Get returns the current snapshot. Callers must treat it as immutable.
func (s *Store) Get() EngineState {
	return s.current.Load().(EngineState)
}

// Set applies the mutation to the current snapshot, installs the result
// and notifies. The mutation receives a shallow copy: map fields must be
// replaced, not written through (the With* helpers on EngineState do this).
func (s *Store) Set(mutate func(EngineState) EngineState) {
	s.mtx.Lock()
	next := mutate(s.Get())
	s.current.Store(next)
	s.mtx.Unlock()
	s.notify(next)
}

// Update passes a pointer to a shallow copy of the snapshot to the
// mutator, then installs and notifies.
func (s *Store) Update(mutate func(*EngineState)) {
	s.Set(func(current EngineState) EngineState {
		mutate(&current)
		return current
	})
}

// Subscribe registers a listener and returns its cancel function. Cancel
// is idempotent.
func (s *Store) Subscribe(listener Listener) func() {
	sub := &subscription{
		listener: listener,
		canceled: new(uint32),
	}
	s.mtx.Lock()
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, s.nextSub)
	s.nextSub++
	s.subs, _, _ = s.subs.Insert(key, sub)
	s.mtx.Unlock()
	return func() {
		if !atomic.CompareAndSwapUint32(sub.canceled, 0, 1) {
			return
		}
		s.mtx.Lock()
		s.subs, _, _ = s.subs.Delete(key)
		s.mtx.Unlock()
	}
}

func (s *Store) notify(snapshot EngineState) {
	s.mtx.Lock()
	subs := s.subs
	s.mtx.Unlock()
	subs.Root().Walk(func(k []byte, v interface{}) bool {
		sub := v.(*subscription)
		if atomic.LoadUint32(sub.canceled) == 1 {
			return false
		}
		s.dispatch(sub.listener, snapshot)
		return false
	})
}

func (s *Store) dispatch(listener Listener, snapshot EngineState) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("state listener panicked", zap.Any("panic_log", r))
		}
	}()
	listener(snapshot)
}
