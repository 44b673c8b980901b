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
	"strconv"
	"time"

	"github.com/fluxmq/fluxproxy/broker"
)

// Header vocabulary of the request/response protocol. Correlation identifier and reply
// destination are broker-native fields on broker.Message.
const (
	HeaderMessageType     = "x-msg-type"
	HeaderProtocolVersion = "x-proto-ver"
	HeaderSerializerID    = "x-serializer-id"
	HeaderRequestTimeout  = "x-req-timeout"
	HeaderFragmentIdx     = "x-frag-idx"
	HeaderFragmentTotal   = "x-frag-total"
	HeaderChecksum        = "x-checksum"
	HeaderUploadDest      = "x-upload-dest"
	HeaderFragmentSize    = "x-frag-size"
	HeaderErrorKind       = "x-error-kind"
)

const (
	MessageTypeSignal              = "signal"
	MessageTypeChannelRequest      = "channel-request"
	MessageTypeChannelUpload       = "channel-upload"
	MessageTypeChannelEnd          = "channel-end"
	MessageTypeChannelSetup        = "channel-setup"
	MessageTypeResponse            = "response"
	MessageTypeResponseFragment    = "response-fragment"
	MessageTypeResponseFragmentEnd = "response-fragment-end"
	MessageTypeEndOfStream         = "end-of-stream"
	MessageTypeError               = "error"
)

// Error kinds reported in terminal error messages.
const (
	ErrorKindHandler = "handler-error"
	ErrorKindBroker  = "broker-error"
	ErrorKindUpload  = "upload-error"
)

type ProtocolVersion int

const (
	ProtocolV1 ProtocolVersion = 1
	ProtocolV2 ProtocolVersion = 2
)

// Valid reports whether the version is a known tag. This is the only cross-version gate -
// contexts tolerate any minor variance within a known version.
func (v ProtocolVersion) Valid() bool {
	return v == ProtocolV1 || v == ProtocolV2
}

func protocolVersionOf(msg *broker.Message) (ProtocolVersion, bool) {
	v, ok := headerInt(msg, HeaderProtocolVersion)
	if !ok {
		return 0, false
	}
	version := ProtocolVersion(v)
	return version, version.Valid()
}

// deadlineOf reads the absolute request deadline, milliseconds since epoch.
func deadlineOf(msg *broker.Message) (time.Time, bool) {
	ms, ok := headerInt64(msg, HeaderRequestTimeout)
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func messageTypeOf(msg *broker.Message) string {
	t, _ := msg.Header(HeaderMessageType)
	return t
}

func headerInt(msg *broker.Message, key string) (int, bool) {
	v, ok := headerInt64(msg, key)
	return int(v), ok
}

func headerInt64(msg *broker.Message, key string) (int64, bool) {
	s, ok := msg.Header(key)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
