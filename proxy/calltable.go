package proxy

import (
	"sync"
	"sync/atomic"
	"time"
)

const sweepInterval = 10 * time.Second

// ServerContext is the per-call state held in the call table - either a
// ServerResponseContext or a ServerChannelUploadContext.
type ServerContext interface {
	CallID() string
	IsClosed() bool
	Close()
}

// CallTable maps correlation identifiers to their active server context. At most one
// context exists per callID at any time; promotion from upload to response replaces the
// entry atomically. Entries are removed by the sweep once their context reports closed.
type CallTable struct {
	calls     sync.Map
	start     time.Time
	lastSweep int64
}

func NewCallTable() *CallTable {
	t := &CallTable{start: time.Now()}
	// Force an immediate first sweep opportunity
	t.lastSweep = -int64(sweepInterval)
	return t
}

func (t *CallTable) Get(callID string) (ServerContext, bool) {
	ctx, ok := t.calls.Load(callID)
	if !ok {
		return nil, false
	}
	return ctx.(ServerContext), true
}

// PutIfAbsent installs the context unless one already exists, returning the winner and
// whether the given context was installed.
func (t *CallTable) PutIfAbsent(callID string, ctx ServerContext) (ServerContext, bool) {
	existing, loaded := t.calls.LoadOrStore(callID, ctx)
	return existing.(ServerContext), !loaded
}

// Put installs the context, replacing any existing entry. Used for the atomic promotion
// of an upload context to a response context.
func (t *CallTable) Put(callID string, ctx ServerContext) {
	t.calls.Store(callID, ctx)
}

func (t *CallTable) Remove(callID string) {
	t.calls.Delete(callID)
}

func (t *CallTable) Len() int {
	count := 0
	t.calls.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

// MaybeSweep removes closed entries, at most once per sweepInterval. The guard uses a
// monotonic clock (duration since table creation) so wall clock regression cannot defer
// cleanup, and a CAS so concurrent callers never sweep twice.
func (t *CallTable) MaybeSweep() {
	now := int64(time.Since(t.start))
	last := atomic.LoadInt64(&t.lastSweep)
	if now-last < int64(sweepInterval) {
		return
	}
	if !atomic.CompareAndSwapInt64(&t.lastSweep, last, now) {
		return
	}
	t.sweep()
}

func (t *CallTable) sweep() {
	t.calls.Range(func(key, value interface{}) bool {
		ctx := value.(ServerContext)
		if ctx.IsClosed() {
			// A concurrent promotion may have replaced the entry - only remove if it
			// still holds this context
			t.calls.CompareAndDelete(key, value)
		}
		return true
	})
}

// CloseAll closes every live context and clears the table. Used on proxy teardown.
func (t *CallTable) CloseAll() {
	t.calls.Range(func(key, value interface{}) bool {
		value.(ServerContext).Close()
		t.calls.Delete(key)
		return true
	})
}
