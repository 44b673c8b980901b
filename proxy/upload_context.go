// Copyright 2024 The FluxMQ Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package proxy

import (
	"hash/crc32"
	"strconv"
	"sync"
	"time"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/fluxmq/fluxproxy/broker"
	"github.com/fluxmq/fluxproxy/common"
	"github.com/fluxmq/fluxproxy/errors"
	log "github.com/fluxmq/fluxproxy/logger"
	"github.com/fluxmq/fluxproxy/metrics"
	"github.com/fluxmq/fluxproxy/serializer"
)

// UploadCompletedFunc receives the reassembled request once all fragments have arrived.
type UploadCompletedFunc func(callID string, data []byte, replyTo string, deadline time.Time,
	protocolVersion ProtocolVersion, ser serializer.Serializer)

/*
ServerChannelUploadContext coordinates one fragmented request upload. It allocates a
private temporary destination, advertises it back to the client in a channel-setup
message, collects the fragments arriving on the private destination and hands the
reassembled bytes to the completion callback. The upload completes when every announced
fragment has arrived or on an explicit channel-end, whichever comes first. If the call
deadline elapses first the context closes itself and the sweep removes it.
*/
type ServerChannelUploadContext struct {
	callID          string
	conn            broker.Connection
	producer        broker.Producer
	replyTo         string
	deadline        time.Time
	protocolVersion ProtocolVersion
	ser             serializer.Serializer
	maxFragmentSize int
	priority        int
	metrics         *metrics.ProxyMetrics
	onCompleted     UploadCompletedFunc

	lock          sync.Mutex
	privateDest   string
	consumer      broker.Consumer
	fragments     *treemap.Map
	expectedTotal int
	receivedBytes int
	timeoutTimer  *common.TimerHandle
	completing    bool
	closed        bool
}

func NewServerChannelUploadContext(callID string, conn broker.Connection, producer broker.Producer,
	replyTo string, deadline time.Time, protocolVersion ProtocolVersion, ser serializer.Serializer,
	maxFragmentSize int, priority int, proxyMetrics *metrics.ProxyMetrics) *ServerChannelUploadContext {
	return &ServerChannelUploadContext{
		callID:          callID,
		conn:            conn,
		producer:        producer,
		replyTo:         replyTo,
		deadline:        deadline,
		protocolVersion: protocolVersion,
		ser:             ser,
		maxFragmentSize: maxFragmentSize,
		priority:        priority,
		metrics:         proxyMetrics,
		fragments:       treemap.NewWithIntComparator(),
	}
}

func (c *ServerChannelUploadContext) CallID() string {
	return c.callID
}

func (c *ServerChannelUploadContext) IsClosed() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.closed || time.Now().After(c.deadline)
}

// SetupChannel creates the private destination, arms the fragment listener and sends the
// channel-setup message advertising the destination and the negotiated fragment size.
func (c *ServerChannelUploadContext) SetupChannel(onCompleted UploadCompletedFunc) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return errors.New("upload context is closed")
	}
	c.onCompleted = onCompleted
	privateDest, err := c.conn.CreateTemporaryDestination()
	if err != nil {
		return errors.WithStack(err)
	}
	c.privateDest = privateDest
	consumer, err := c.conn.CreateConsumer(privateDest)
	if err != nil {
		c.deleteUploadDestination()
		return errors.WithStack(err)
	}
	c.consumer = consumer
	consumer.SetListener(c.onFragment)

	maxWait := time.Until(c.deadline)
	c.timeoutTimer = common.ScheduleTimer(maxWait, false, c.onTimeout)

	err = c.producer.Send(c.replyTo, &broker.Message{
		CorrelationID: c.callID,
		Priority:      c.priority,
		Headers: map[string]string{
			HeaderMessageType:     MessageTypeChannelSetup,
			HeaderProtocolVersion: strconv.Itoa(int(c.protocolVersion)),
			HeaderUploadDest:      privateDest,
			HeaderFragmentSize:    strconv.Itoa(c.maxFragmentSize),
		},
	})
	if err != nil {
		c.closeLocked()
		return errors.WithStack(err)
	}
	return nil
}

// onFragment runs on the private destination's delivery goroutine.
func (c *ServerChannelUploadContext) onFragment(msg *broker.Message) {
	switch messageTypeOf(msg) {
	case MessageTypeChannelUpload:
		c.addFragment(msg)
	case MessageTypeChannelEnd:
		c.channelEnd(msg)
	default:
		log.Warnf("ignoring unexpected message on upload channel [callID=%s type=%s]",
			c.callID, messageTypeOf(msg))
	}
}

func (c *ServerChannelUploadContext) addFragment(msg *broker.Message) {
	c.lock.Lock()
	if c.closed || c.completing {
		c.lock.Unlock()
		return
	}
	idx, ok := headerInt(msg, HeaderFragmentIdx)
	if !ok {
		c.lock.Unlock()
		c.abort("upload fragment without fragment index")
		return
	}
	if _, exists := c.fragments.Get(idx); !exists {
		c.receivedBytes += len(msg.Payload)
	}
	c.fragments.Put(idx, msg.Payload)
	if total, ok := headerInt(msg, HeaderFragmentTotal); ok {
		c.expectedTotal = total
	}
	complete := c.expectedTotal > 0 && c.fragments.Size() >= c.expectedTotal
	c.lock.Unlock()
	if complete {
		c.complete("")
	}
}

func (c *ServerChannelUploadContext) channelEnd(msg *broker.Message) {
	checksum, _ := msg.Header(HeaderChecksum)
	c.complete(checksum)
}

// complete reassembles the fragments in index order and hands the bytes to the
// completion callback. At most one of complete/abort/timeout wins. The context is only
// closed after the callback has run - the callback replaces this context in the call
// table, so the table never goes without an entry for the call.
func (c *ServerChannelUploadContext) complete(checksum string) {
	c.lock.Lock()
	if c.closed || c.completing {
		c.lock.Unlock()
		return
	}
	c.completing = true
	data := make([]byte, 0, c.receivedBytes)
	it := c.fragments.Iterator()
	for it.Next() {
		data = append(data, it.Value().([]byte)...)
	}
	onCompleted := c.onCompleted
	c.lock.Unlock()
	if checksum != "" {
		expected, err := strconv.ParseUint(checksum, 10, 32)
		if err != nil || uint32(expected) != crc32.ChecksumIEEE(data) {
			c.abort("upload checksum mismatch")
			return
		}
	}
	if onCompleted != nil {
		onCompleted(c.callID, data, c.replyTo, c.deadline, c.protocolVersion, c.ser)
	}
	c.Close()
}

// abort drops the upload and reports a terminal error to the client.
func (c *ServerChannelUploadContext) abort(detail string) {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return
	}
	c.closeLocked()
	c.lock.Unlock()
	log.Warnf("aborting upload [callID=%s]: %s", c.callID, detail)
	c.metrics.Error()
	err := c.producer.Send(c.replyTo, &broker.Message{
		CorrelationID: c.callID,
		Priority:      c.priority,
		Payload:       []byte(detail),
		Headers: map[string]string{
			HeaderMessageType:     MessageTypeError,
			HeaderProtocolVersion: strconv.Itoa(int(c.protocolVersion)),
			HeaderErrorKind:       ErrorKindUpload,
		},
	})
	if err != nil {
		log.Warnf("failed to send upload error [callID=%s]: %v", c.callID, err)
	}
}

func (c *ServerChannelUploadContext) onTimeout() {
	c.lock.Lock()
	if c.closed || c.completing {
		c.lock.Unlock()
		return
	}
	c.closeLocked()
	c.lock.Unlock()
	log.Debugf("upload timed out [callID=%s]", c.callID)
}

// Close marks the context closed and releases the private destination.
func (c *ServerChannelUploadContext) Close() {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return
	}
	c.closeLocked()
}

func (c *ServerChannelUploadContext) closeLocked() {
	c.closed = true
	if c.timeoutTimer != nil {
		c.timeoutTimer.Stop()
	}
	consumer := c.consumer
	c.consumer = nil
	if consumer != nil {
		// The fragment listener runs on the consumer's delivery goroutine, so the
		// consumer cannot be closed from here without deadlocking - detach and close it
		// from a fresh goroutine.
		consumer.SetListener(nil)
		common.Go(func() {
			if err := consumer.Close(); err != nil {
				log.Warnf("failed to close upload consumer %v", err)
			}
			c.deleteUploadDestination()
		})
	}
}

func (c *ServerChannelUploadContext) deleteUploadDestination() {
	if c.privateDest == "" {
		return
	}
	if err := c.conn.DeleteDestination(c.privateDest); err != nil {
		log.Debugf("failed to delete upload destination %s %v", c.privateDest, err)
	}
}
