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

	"github.com/fluxmq/fluxproxy/broker"
	"github.com/fluxmq/fluxproxy/errors"
	log "github.com/fluxmq/fluxproxy/logger"
	"github.com/fluxmq/fluxproxy/metrics"
	"github.com/fluxmq/fluxproxy/serializer"
)

// ServerResponseContext is the reply side of one active call. It owns the reply
// destination and streams responses back until end-of-stream, a terminal error, or the
// call deadline. All writes are serialized through the context lock, which gives the
// per-call ordering guarantee.
type ServerResponseContext struct {
	callID          string
	producer        broker.Producer
	replyTo         string
	deadline        time.Time
	protocolVersion ProtocolVersion
	ser             serializer.Serializer
	maxMessageSize  int
	priority        int
	metrics         *metrics.ProxyMetrics

	lock   sync.Mutex
	closed bool
}

func NewServerResponseContext(callID string, producer broker.Producer, replyTo string,
	deadline time.Time, protocolVersion ProtocolVersion, ser serializer.Serializer,
	maxMessageSize int, priority int, proxyMetrics *metrics.ProxyMetrics) *ServerResponseContext {
	return &ServerResponseContext{
		callID:          callID,
		producer:        producer,
		replyTo:         replyTo,
		deadline:        deadline,
		protocolVersion: protocolVersion,
		ser:             ser,
		maxMessageSize:  maxMessageSize,
		priority:        priority,
		metrics:         proxyMetrics,
	}
}

func (c *ServerResponseContext) CallID() string {
	return c.callID
}

// IsClosed reports whether the call has terminated - explicitly or by its deadline
// passing.
func (c *ServerResponseContext) IsClosed() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.closed || time.Now().After(c.deadline)
}

// Close marks the context closed without emitting anything further. Used on proxy
// teardown.
func (c *ServerResponseContext) Close() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.closed = true
}

// SendResponse serializes the message and sends it on the reply destination, fragmenting
// when the serialized form exceeds maxMessageSize. Sends after close are dropped
// silently - they may arrive from a late handler.
func (c *ServerResponseContext) SendResponse(response interface{}) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return nil
	}
	if time.Now().After(c.deadline) {
		// The client has given up - convert the write into a timeout-close
		c.endOfStreamLocked()
		return nil
	}
	data, err := c.ser.Serialize(response)
	if err != nil {
		return errors.WithStack(err)
	}
	if len(data) > c.maxMessageSize {
		return c.sendFragmentedLocked(data)
	}
	return c.sendLocked(MessageTypeResponse, data, nil)
}

func (c *ServerResponseContext) sendFragmentedLocked(data []byte) error {
	idx := 0
	for off := 0; off < len(data); off += c.maxMessageSize {
		end := off + c.maxMessageSize
		if end > len(data) {
			end = len(data)
		}
		err := c.sendLocked(MessageTypeResponseFragment, data[off:end], map[string]string{
			HeaderFragmentIdx: strconv.Itoa(idx),
		})
		if err != nil {
			return err
		}
		idx++
	}
	return c.sendLocked(MessageTypeResponseFragmentEnd, nil, map[string]string{
		HeaderFragmentTotal: strconv.Itoa(idx),
		HeaderChecksum:      strconv.FormatUint(uint64(crc32.ChecksumIEEE(data)), 10),
	})
}

// EndOfStream terminates the call normally. Idempotent.
func (c *ServerResponseContext) EndOfStream() {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return
	}
	c.endOfStreamLocked()
}

func (c *ServerResponseContext) endOfStreamLocked() {
	if err := c.sendLocked(MessageTypeEndOfStream, nil, nil); err != nil {
		log.Warnf("failed to send end-of-stream [callID=%s]: %v", c.callID, err)
	}
	c.closed = true
}

// ReportError terminates the call with a terminal error message. Errors reported after
// close are not re-counted.
func (c *ServerResponseContext) ReportError(kind string, detail string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return
	}
	c.metrics.Error()
	err := c.sendLocked(MessageTypeError, []byte(detail), map[string]string{
		HeaderErrorKind: kind,
	})
	if err != nil {
		log.Warnf("failed to send error message [callID=%s]: %v", c.callID, err)
	}
	c.closed = true
}

func (c *ServerResponseContext) sendLocked(messageType string, payload []byte, headers map[string]string) error {
	msg := &broker.Message{
		CorrelationID: c.callID,
		Priority:      c.priority,
		Payload:       payload,
		Headers: map[string]string{
			HeaderMessageType:     messageType,
			HeaderProtocolVersion: strconv.Itoa(int(c.protocolVersion)),
			HeaderSerializerID:    c.ser.ID(),
		},
	}
	for k, v := range headers {
		msg.Headers[k] = v
	}
	return c.producer.Send(c.replyTo, msg)
}
