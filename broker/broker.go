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

package broker

import (
	"time"

	"github.com/fluxmq/fluxproxy/errors"
)

// ConnectionFactory creates a connection to a broker from opaque connection properties.
type ConnectionFactory func(props map[string]string) (Connection, error)

// Connection is a single logical connection to a message broker. Implementations state
// whether producers created from the same connection are safe for concurrent sends.
type Connection interface {
	// CreateProducer opens a producer with no bound destination - the destination is
	// supplied per send.
	CreateProducer() (Producer, error)
	// CreateConsumer opens a consumer on the named destination. The destination is
	// created if it does not exist.
	CreateConsumer(destination string) (Consumer, error)
	// CreateTemporaryDestination creates a transient, uniquely named destination which
	// lives until deleted or until the connection closes.
	CreateTemporaryDestination() (string, error)
	DeleteDestination(destination string) error
	// SetErrorListener registers a callback invoked on a fatal broker-layer error.
	SetErrorListener(listener func(error))
	Close() error
}

type Producer interface {
	// Send delivers the message to the destination, non-persistent. Blocks until the
	// broker has accepted the message.
	Send(destination string, msg *Message) error
	Close() error
}

type Consumer interface {
	// SetListener installs the inbound callback. Passing nil detaches the listener so
	// no further messages are delivered; already-received messages stay queued in the
	// broker. Messages are delivered serially from a single delivery goroutine, and
	// a listener that blocks exerts backpressure on the destination.
	SetListener(listener func(*Message))
	Close() error
}

// Message is one broker message - a byte payload plus typed headers. CorrelationID and
// ReplyTo are broker-native fields, everything protocol-specific rides in Headers.
type Message struct {
	CorrelationID string
	ReplyTo       string
	Priority      int
	Timestamp     time.Time
	Headers       map[string]string
	Payload       []byte
}

func (m *Message) Header(key string) (string, bool) {
	if m.Headers == nil {
		return "", false
	}
	v, ok := m.Headers[key]
	return v, ok
}

func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = map[string]string{}
	}
	m.Headers[key] = value
}

// ErrConnectionLost is reported to the error listener when the broker connection fails
// fatally.
var ErrConnectionLost = errors.New("broker connection lost")
