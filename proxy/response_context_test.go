package proxy

import (
	"testing"
	"time"

	"github.com/fluxmq/fluxproxy/broker"
	"github.com/fluxmq/fluxproxy/broker/fake"
	"github.com/fluxmq/fluxproxy/metrics"
	"github.com/stretchr/testify/require"
)

func newTestResponseContext(t *testing.T, deadline time.Time, maxMessageSize int) (*ServerResponseContext, chan *broker.Message, *metrics.ProxyMetrics) {
	t.Helper()
	b := fake.NewBroker()
	conn := b.NewConnection()
	t.Cleanup(func() {
		require.NoError(t, conn.Close())
	})
	producer, err := conn.CreateProducer()
	require.NoError(t, err)
	replyTo, err := conn.CreateTemporaryDestination()
	require.NoError(t, err)
	replies := make(chan *broker.Message, 100)
	cons, err := conn.CreateConsumer(replyTo)
	require.NoError(t, err)
	cons.SetListener(func(msg *broker.Message) {
		replies <- msg
	})
	m := metrics.NewProxyMetrics()
	ctx := NewServerResponseContext("c1", producer, replyTo, deadline, ProtocolV1,
		rawSerializer{}, maxMessageSize, 1, m)
	return ctx, replies, m
}

func recv(t *testing.T, ch chan *broker.Message) *broker.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestSendAfterCloseIsDropped(t *testing.T) {
	ctx, replies, _ := newTestResponseContext(t, time.Now().Add(10*time.Second), 1000)

	require.NoError(t, ctx.SendResponse(rawMessage("one")))
	ctx.EndOfStream()
	require.True(t, ctx.IsClosed())

	// A late handler may still write - nothing is emitted
	require.NoError(t, ctx.SendResponse(rawMessage("late")))
	ctx.EndOfStream()

	require.Equal(t, MessageTypeResponse, messageTypeOf(recv(t, replies)))
	require.Equal(t, MessageTypeEndOfStream, messageTypeOf(recv(t, replies)))
	select {
	case msg := <-replies:
		t.Fatalf("unexpected message of type %s", messageTypeOf(msg))
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWriteAfterDeadlineConvertsToEndOfStream(t *testing.T) {
	ctx, replies, _ := newTestResponseContext(t, time.Now().Add(20*time.Millisecond), 1000)

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, ctx.SendResponse(rawMessage("too late")))
	require.True(t, ctx.IsClosed())

	require.Equal(t, MessageTypeEndOfStream, messageTypeOf(recv(t, replies)))
}

func TestReportErrorIsTerminalAndCountedOnce(t *testing.T) {
	ctx, replies, m := newTestResponseContext(t, time.Now().Add(10*time.Second), 1000)

	ctx.ReportError(ErrorKindHandler, "it broke")
	require.True(t, ctx.IsClosed())
	// Errors after close are not re-counted
	ctx.ReportError(ErrorKindHandler, "still broken")

	msg := recv(t, replies)
	require.Equal(t, MessageTypeError, messageTypeOf(msg))
	kind, _ := msg.Header(HeaderErrorKind)
	require.Equal(t, ErrorKindHandler, kind)
	require.Equal(t, []byte("it broke"), msg.Payload)
	require.Equal(t, uint64(1), m.Snapshot().Errors)
}

func TestResponseCarriesProtocolHeaders(t *testing.T) {
	ctx, replies, _ := newTestResponseContext(t, time.Now().Add(10*time.Second), 1000)

	require.NoError(t, ctx.SendResponse(rawMessage("payload")))
	msg := recv(t, replies)
	require.Equal(t, "c1", msg.CorrelationID)
	version, ok := headerInt(msg, HeaderProtocolVersion)
	require.True(t, ok)
	require.Equal(t, int(ProtocolV1), version)
	serializerID, _ := msg.Header(HeaderSerializerID)
	require.Equal(t, "raw", serializerID)
}

func TestSmallResponseIsNotFragmented(t *testing.T) {
	ctx, replies, _ := newTestResponseContext(t, time.Now().Add(10*time.Second), 64)

	require.NoError(t, ctx.SendResponse(rawMessage(make([]byte, 64))))
	require.Equal(t, MessageTypeResponse, messageTypeOf(recv(t, replies)))
}
