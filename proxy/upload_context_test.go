package proxy

import (
	"hash/crc32"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/fluxmq/fluxproxy/broker"
	"github.com/fluxmq/fluxproxy/broker/fake"
	"github.com/fluxmq/fluxproxy/metrics"
	"github.com/fluxmq/fluxproxy/serializer"
	"github.com/stretchr/testify/require"
)

type uploadFixture struct {
	t        *testing.T
	conn     broker.Connection
	producer broker.Producer
	ctx      *ServerChannelUploadContext
	metrics  *metrics.ProxyMetrics
	replies  chan *broker.Message

	lock      sync.Mutex
	completed [][]byte
}

func newUploadFixture(t *testing.T, deadline time.Time) *uploadFixture {
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
	f := &uploadFixture{
		t:        t,
		conn:     conn,
		producer: producer,
		metrics:  m,
		replies:  replies,
	}
	f.ctx = NewServerChannelUploadContext("c1", conn, producer, replyTo, deadline,
		ProtocolV1, rawSerializer{}, 1024, 1, m)
	require.NoError(t, f.ctx.SetupChannel(f.onCompleted))
	return f
}

func (f *uploadFixture) onCompleted(callID string, data []byte, replyTo string,
	deadline time.Time, version ProtocolVersion, ser serializer.Serializer) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.completed = append(f.completed, data)
}

func (f *uploadFixture) uploadDest() string {
	setup := recv(f.t, f.replies)
	require.Equal(f.t, MessageTypeChannelSetup, messageTypeOf(setup))
	dest, ok := setup.Header(HeaderUploadDest)
	require.True(f.t, ok)
	return dest
}

func (f *uploadFixture) sendFragment(dest string, idx int, payload []byte, headers map[string]string) {
	msg := &broker.Message{
		CorrelationID: "c1",
		Payload:       payload,
		Headers: map[string]string{
			HeaderMessageType: MessageTypeChannelUpload,
			HeaderFragmentIdx: strconv.Itoa(idx),
		},
	}
	for k, v := range headers {
		msg.Headers[k] = v
	}
	require.NoError(f.t, f.producer.Send(dest, msg))
}

func (f *uploadFixture) completedData() [][]byte {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.completed
}

func TestUploadReassemblesOutOfOrderFragments(t *testing.T) {
	f := newUploadFixture(t, time.Now().Add(10*time.Second))
	dest := f.uploadDest()

	// Fragments arrive out of order - reassembly is by index
	f.sendFragment(dest, 2, []byte("cc"), nil)
	f.sendFragment(dest, 0, []byte("aa"), nil)
	f.sendFragment(dest, 1, []byte("bb"), nil)
	require.NoError(t, f.producer.Send(dest, &broker.Message{
		CorrelationID: "c1",
		Headers: map[string]string{
			HeaderMessageType: MessageTypeChannelEnd,
		},
	}))

	require.Eventually(t, func() bool {
		return len(f.completedData()) == 1
	}, 5*time.Second, 1*time.Millisecond)
	require.Equal(t, []byte("aabbcc"), f.completedData()[0])
	require.True(t, f.ctx.IsClosed())
}

func TestUploadChecksumMismatchAborts(t *testing.T) {
	f := newUploadFixture(t, time.Now().Add(10*time.Second))
	dest := f.uploadDest()

	f.sendFragment(dest, 0, []byte("data"), nil)
	require.NoError(t, f.producer.Send(dest, &broker.Message{
		CorrelationID: "c1",
		Headers: map[string]string{
			HeaderMessageType: MessageTypeChannelEnd,
			HeaderChecksum:    "12345",
		},
	}))

	errMsg := recv(t, f.replies)
	require.Equal(t, MessageTypeError, messageTypeOf(errMsg))
	kind, _ := errMsg.Header(HeaderErrorKind)
	require.Equal(t, ErrorKindUpload, kind)
	require.Empty(t, f.completedData())
	require.Equal(t, uint64(1), f.metrics.Snapshot().Errors)
}

func TestUploadChecksumMatchCompletes(t *testing.T) {
	f := newUploadFixture(t, time.Now().Add(10*time.Second))
	dest := f.uploadDest()

	payload := []byte("checked payload")
	f.sendFragment(dest, 0, payload, nil)
	require.NoError(t, f.producer.Send(dest, &broker.Message{
		CorrelationID: "c1",
		Headers: map[string]string{
			HeaderMessageType: MessageTypeChannelEnd,
			HeaderChecksum:    strconv.FormatUint(uint64(crc32.ChecksumIEEE(payload)), 10),
		},
	}))

	require.Eventually(t, func() bool {
		return len(f.completedData()) == 1
	}, 5*time.Second, 1*time.Millisecond)
	require.Equal(t, payload, f.completedData()[0])
}

func TestUploadTimesOut(t *testing.T) {
	f := newUploadFixture(t, time.Now().Add(30*time.Millisecond))
	dest := f.uploadDest()

	f.sendFragment(dest, 0, []byte("partial"), map[string]string{HeaderFragmentTotal: "2"})

	require.Eventually(t, func() bool {
		return f.ctx.IsClosed()
	}, 5*time.Second, 1*time.Millisecond)

	// The missing fragment arriving late does not complete the upload
	f.sendFragment(dest, 1, []byte("late"), map[string]string{HeaderFragmentTotal: "2"})
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, f.completedData())
}

func TestUploadCompletionIsAtMostOnce(t *testing.T) {
	f := newUploadFixture(t, time.Now().Add(10*time.Second))
	dest := f.uploadDest()

	f.sendFragment(dest, 0, []byte("solo"), map[string]string{HeaderFragmentTotal: "1"})
	require.NoError(t, f.producer.Send(dest, &broker.Message{
		CorrelationID: "c1",
		Headers: map[string]string{
			HeaderMessageType: MessageTypeChannelEnd,
		},
	}))

	require.Eventually(t, func() bool {
		return len(f.completedData()) >= 1
	}, 5*time.Second, 1*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Len(t, f.completedData(), 1)
}
