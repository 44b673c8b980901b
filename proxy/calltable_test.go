package proxy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type stubContext struct {
	callID string
	closed bool
}

func (s *stubContext) CallID() string {
	return s.callID
}

func (s *stubContext) IsClosed() bool {
	return s.closed
}

func (s *stubContext) Close() {
	s.closed = true
}

func TestPutIfAbsent(t *testing.T) {
	table := NewCallTable()
	first := &stubContext{callID: "c1"}
	second := &stubContext{callID: "c1"}

	winner, installed := table.PutIfAbsent("c1", first)
	require.True(t, installed)
	require.Same(t, first, winner)

	winner, installed = table.PutIfAbsent("c1", second)
	require.False(t, installed)
	require.Same(t, first, winner)
	require.Equal(t, 1, table.Len())
}

func TestPromotionReplacesEntry(t *testing.T) {
	table := NewCallTable()
	upload := &stubContext{callID: "c1"}
	response := &stubContext{callID: "c1"}

	table.PutIfAbsent("c1", upload)
	table.Put("c1", response)

	ctx, ok := table.Get("c1")
	require.True(t, ok)
	require.Same(t, ServerContext(response), ctx)
	require.Equal(t, 1, table.Len())
}

func TestSweepRemovesClosedEntries(t *testing.T) {
	table := NewCallTable()
	open := &stubContext{callID: "open"}
	closed := &stubContext{callID: "closed", closed: true}
	table.PutIfAbsent("open", open)
	table.PutIfAbsent("closed", closed)

	// The first sweep opportunity is always taken
	table.MaybeSweep()
	require.Equal(t, 1, table.Len())
	_, ok := table.Get("closed")
	require.False(t, ok)

	// Within the sweep interval nothing is removed
	open.closed = true
	table.MaybeSweep()
	require.Equal(t, 1, table.Len())
}

func TestSweepSkipsPromotedEntry(t *testing.T) {
	table := NewCallTable()
	closed := &stubContext{callID: "c1", closed: true}
	table.PutIfAbsent("c1", closed)

	// A promotion that replaced the closed entry before the sweep leaves the newer,
	// open context in place - the sweep only removes closed contexts
	fresh := &stubContext{callID: "c1"}
	table.Put("c1", fresh)
	table.MaybeSweep()

	ctx, ok := table.Get("c1")
	require.True(t, ok)
	require.Same(t, ServerContext(fresh), ctx)
}

func TestCloseAll(t *testing.T) {
	table := NewCallTable()
	a := &stubContext{callID: "a"}
	b := &stubContext{callID: "b"}
	table.PutIfAbsent("a", a)
	table.PutIfAbsent("b", b)

	table.CloseAll()
	require.Equal(t, 0, table.Len())
	require.True(t, a.closed)
	require.True(t, b.closed)
}
