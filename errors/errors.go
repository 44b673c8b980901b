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

package errors

import (
	"fmt"

	"github.com/pkg/errors"
)

type ErrorCode int

const (
	IncompatibleMessage = iota + 1000
	MalformedMessage
	UnknownSerializer
	RequestTimeout = iota + 2000
	HandlerError
	BrokerError
	ShutdownError
	InvalidConfiguration = iota + 3000
	InternalError        = iota + 5000
)

type ProxyError struct {
	Code ErrorCode
	Msg  string
}

func (p ProxyError) Error() string {
	return p.Msg
}

func NewProxyError(errorCode ErrorCode, msg string) ProxyError {
	return ProxyError{Code: errorCode, Msg: msg}
}

func NewProxyErrorf(errorCode ErrorCode, msgFormat string, args ...interface{}) ProxyError {
	msg := fmt.Sprintf(msgFormat, args...)
	return ProxyError{Code: errorCode, Msg: msg}
}

func NewInvalidConfigurationError(msg string) ProxyError {
	return NewProxyErrorf(InvalidConfiguration, "invalid configuration: %s", msg)
}

func NewIncompatibleMessageError(msg string) ProxyError {
	return NewProxyError(IncompatibleMessage, msg)
}

func NewUnknownSerializerError(serializerID string) ProxyError {
	return NewProxyErrorf(UnknownSerializer, "no serializer registered with id %s", serializerID)
}

func NewBrokerError(err error) ProxyError {
	return NewProxyErrorf(BrokerError, "broker failure: %v", err)
}

func NewInternalError(errReference string) ProxyError {
	return NewProxyErrorf(InternalError, "internal error - reference: %s please consult server logs for details", errReference)
}

// Passthroughs to pkg/errors so callers only import this package.

func New(msg string) error {
	return errors.New(msg)
}

func Errorf(format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}

func WithStack(err error) error {
	return errors.WithStack(err)
}

func Wrap(err error, msg string) error {
	return errors.Wrap(err, msg)
}

func Is(err error, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
