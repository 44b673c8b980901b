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
	"context"
	"sync"
	"time"

	"github.com/fluxmq/fluxproxy/broker"
	"github.com/fluxmq/fluxproxy/common"
	"github.com/fluxmq/fluxproxy/conf"
	"github.com/fluxmq/fluxproxy/errors"
	log "github.com/fluxmq/fluxproxy/logger"
	"github.com/fluxmq/fluxproxy/metrics"
	"github.com/fluxmq/fluxproxy/serializer"
	"golang.org/x/sync/semaphore"
)

/*
RequestProxy subscribes to a broker destination and dispatches the requests arriving
there to the configured RequestSink, streaming the responses back through the broker.

Each request runs on a worker from a fixed-size pool, and a counting permit of
maxConcurrentCalls is acquired on the broker delivery goroutine before a request is
handed to the pool. When the permit is exhausted the delivery goroutine blocks, so
unconsumed load stays queued in the broker rather than in process memory, and multiple
proxies sharing a destination split the load between them.
*/
type RequestProxy struct {
	cnf         conf.Config
	conn        broker.Connection
	sink        RequestSink
	serializers *serializer.Registry
	metrics     *metrics.ProxyMetrics

	calls    *CallTable
	sema     *semaphore.Weighted
	executor *workerPool

	stopCtx    context.Context
	stopCancel context.CancelFunc

	replyProducer broker.Producer
	consumer      broker.Consumer

	listenerLock        sync.Mutex
	connectionListeners map[ConnectionListener]struct{}
	closeListeners      map[CloseListener]struct{}

	lock    sync.Mutex
	started bool
	stopped bool
}

// ConnectionListener is notified when the proxy has attached to the broker.
type ConnectionListener interface {
	Connected(proxy *RequestProxy)
}

// CloseListener is notified when the proxy has shut down.
type CloseListener interface {
	Closed(proxy *RequestProxy)
}

func NewRequestProxy(cnf conf.Config, conn broker.Connection, sink RequestSink,
	serializers *serializer.Registry, proxyMetrics *metrics.ProxyMetrics) (*RequestProxy, error) {
	if err := cnf.Validate(); err != nil {
		return nil, errors.WithStack(err)
	}
	if sink == nil {
		return nil, errors.NewInvalidConfigurationError("request sink must be provided")
	}
	if serializers == nil {
		return nil, errors.NewInvalidConfigurationError("serializer registry must be provided")
	}
	if proxyMetrics == nil {
		proxyMetrics = metrics.NewProxyMetrics()
	}
	stopCtx, stopCancel := context.WithCancel(context.Background())
	return &RequestProxy{
		cnf:                 cnf,
		conn:                conn,
		sink:                sink,
		serializers:         serializers,
		metrics:             proxyMetrics,
		calls:               NewCallTable(),
		sema:                semaphore.NewWeighted(int64(cnf.MaxConcurrentCalls)),
		executor:            newWorkerPool(cnf.MaxConcurrentCalls),
		stopCtx:             stopCtx,
		stopCancel:          stopCancel,
		connectionListeners: map[ConnectionListener]struct{}{},
		closeListeners:      map[CloseListener]struct{}{},
	}, nil
}

// Metrics returns a snapshot of the proxy counters.
func (p *RequestProxy) Metrics() metrics.Snapshot {
	return p.metrics.Snapshot()
}

func (p *RequestProxy) AddConnectionListener(listener ConnectionListener) {
	p.listenerLock.Lock()
	defer p.listenerLock.Unlock()
	p.connectionListeners[listener] = struct{}{}
}

func (p *RequestProxy) RemoveConnectionListener(listener ConnectionListener) {
	p.listenerLock.Lock()
	defer p.listenerLock.Unlock()
	delete(p.connectionListeners, listener)
}

func (p *RequestProxy) AddCloseListener(listener CloseListener) {
	p.listenerLock.Lock()
	defer p.listenerLock.Unlock()
	p.closeListeners[listener] = struct{}{}
}

func (p *RequestProxy) RemoveCloseListener(listener CloseListener) {
	p.listenerLock.Lock()
	defer p.listenerLock.Unlock()
	delete(p.closeListeners, listener)
}

func (p *RequestProxy) Start() error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.started {
		return nil
	}
	replyProducer, err := p.conn.CreateProducer()
	if err != nil {
		return errors.WithStack(err)
	}
	consumer, err := p.conn.CreateConsumer(p.cnf.DestinationName)
	if err != nil {
		closeQuietly(replyProducer.Close)
		return errors.WithStack(err)
	}
	p.replyProducer = replyProducer
	p.consumer = consumer
	p.conn.SetErrorListener(p.onBrokerError)
	consumer.SetListener(p.OnMessage)
	p.started = true
	log.Debugf("request proxy listening on %s", p.cnf.DestinationName)
	for _, l := range p.snapshotConnectionListeners() {
		l.Connected(p)
	}
	return nil
}

// Stop detaches from the broker, waits up to the shutdown timeout for in-flight requests
// to finish and releases all resources. Errors during shutdown are logged and swallowed.
func (p *RequestProxy) Stop() error {
	p.lock.Lock()
	if !p.started || p.stopped {
		p.lock.Unlock()
		return nil
	}
	p.stopped = true
	p.lock.Unlock()

	// Stop accepting messages
	p.consumer.SetListener(nil)
	// Unblock any delivery goroutine stuck on the permit
	p.stopCancel()
	// Wait for in-flight requests to finish
	if !p.executor.shutdown(p.cnf.ShutdownTimeout) {
		log.Warnf("request proxy workers did not finish within %v - abandoning", p.cnf.ShutdownTimeout)
	}
	p.calls.CloseAll()
	closeQuietly(p.consumer.Close)
	closeQuietly(p.replyProducer.Close)
	for _, l := range p.snapshotCloseListeners() {
		l.Closed(p)
	}
	log.Debugf("request proxy on %s stopped", p.cnf.DestinationName)
	return nil
}

func closeQuietly(f func() error) {
	if err := f(); err != nil {
		log.Warnf("error releasing broker resource during shutdown %v", err)
	}
}

// onBrokerError handles a fatal broker-layer error by shutting the proxy down
// asynchronously - Stop must not run on the broker goroutine reporting the error.
func (p *RequestProxy) onBrokerError(err error) {
	p.metrics.Error()
	log.Errorf("fatal broker error %v", err)
	common.Go(func() {
		if err := p.Stop(); err != nil {
			log.Warnf("error stopping request proxy %v", err)
		}
	})
}

// OnMessage is the broker consumer callback. It validates compatibility and deadline,
// acquires a permit - blocking the delivery goroutine when the proxy is saturated - and
// schedules the request on the worker pool.
func (p *RequestProxy) OnMessage(msg *broker.Message) {
	p.calls.MaybeSweep()
	p.metrics.Request()

	if _, ok := protocolVersionOf(msg); !ok {
		log.Warnf("ignoring request of incompatible version [callID=%s]", msg.CorrelationID)
		p.metrics.IncompatibleMessage()
		return
	}
	deadline, ok := deadlineOf(msg)
	if !ok {
		log.Warnf("ignoring request without deadline [callID=%s]", msg.CorrelationID)
		p.metrics.IncompatibleMessage()
		return
	}
	if time.Until(deadline) <= 0 {
		log.Warnf("ignoring request: timed out [callID=%s]", msg.CorrelationID)
		p.metrics.RequestTimeout()
		return
	}

	messageType := messageTypeOf(msg)
	if log.DebugEnabled {
		log.Debugf("<< process [callID=%s type=%s]", msg.CorrelationID, messageType)
	}

	// The permit must be acquired before the task is submitted - with the permit
	// exhausted this blocks the broker delivery goroutine, so further messages queue up
	// in the broker where delivery is durable and fair
	if err := p.sema.Acquire(p.stopCtx, 1); err != nil {
		// Proxy is stopping
		return
	}
	if !p.executor.submit(func() {
		p.doProcessMessage(msg, messageType, deadline)
	}) {
		p.sema.Release(1)
	}
}

func (p *RequestProxy) doProcessMessage(msg *broker.Message, messageType string, deadline time.Time) {
	defer func() {
		p.sema.Release(1)
		if log.DebugEnabled {
			log.Debugf("# end process [type=%s]", messageType)
		}
	}()
	defer p.recoverToErrorMetric()

	switch messageType {
	case MessageTypeSignal:
		p.handleSignal(msg, deadline)
	case MessageTypeChannelRequest:
		p.handleChannelRequest(msg, deadline)
	default:
		p.metrics.IncompatibleMessage()
		log.Warnf("ignoring unrecognized request type: %s", messageType)
	}
}

// recoverToErrorMetric keeps worker panics from crossing the pool boundary.
func (p *RequestProxy) recoverToErrorMetric() {
	if r := recover(); r != nil {
		p.metrics.Error()
		log.Errorf("error handling request: %v\n%s", r, common.GetCurrentStack())
	}
}

func (p *RequestProxy) handleSignal(msg *broker.Message, deadline time.Time) {
	callID := msg.CorrelationID
	replyTo := msg.ReplyTo
	// Ignore requests without a clear response destination/call ID
	if callID == "" || replyTo == "" {
		log.Debugf("request without return information ignored")
		return
	}
	version, _ := protocolVersionOf(msg)
	ser, ok := p.resolveSerializer(msg)
	if !ok {
		return
	}
	if log.DebugEnabled {
		log.Debugf("<< handleSignal [callID=%s]", callID)
	}
	ctx, ok := p.setupServerContext(callID, replyTo, deadline, version, ser)
	if !ok {
		// An upload is in progress under this callID - a plain signal here is a
		// protocol violation
		p.metrics.Error()
		log.Warnf("signal for callID %s which has an upload in progress - dropping", callID)
		return
	}
	request, err := ser.Deserialize(msg.Payload)
	if err != nil {
		p.metrics.Error()
		log.Warnf("could not deserialize request [callID=%s]: %v", callID, err)
		return
	}
	p.invokeSink(request, ctx)
}

func (p *RequestProxy) handleChannelRequest(msg *broker.Message, deadline time.Time) {
	callID := msg.CorrelationID
	replyTo := msg.ReplyTo
	if callID == "" || replyTo == "" {
		log.Infof("channel request without return information ignored")
		p.metrics.IncompatibleMessage()
		return
	}
	version, _ := protocolVersionOf(msg)
	ser, ok := p.resolveSerializer(msg)
	if !ok {
		return
	}
	if log.DebugEnabled {
		log.Debugf("<< channelRequest [callID=%s]", callID)
	}
	if _, exists := p.calls.Get(callID); exists {
		// Duplicate channel request - idempotent
		return
	}
	p.metrics.FragmentedUploadRequested()
	ctx := NewServerChannelUploadContext(callID, p.conn, p.replyProducer, replyTo, deadline,
		version, ser, p.cnf.MaxMessageSize, p.cnf.Priority, p.metrics)
	if _, installed := p.calls.PutIfAbsent(callID, ctx); !installed {
		return
	}
	if err := ctx.SetupChannel(p.onUploadCompleted); err != nil {
		p.metrics.Error()
		log.Warnf("could not set up upload channel [callID=%s]: %v", callID, err)
		ctx.Close()
		p.calls.Remove(callID)
	}
}

// onUploadCompleted promotes the upload context to a response context and dispatches the
// reassembled request. Runs on the private destination's delivery goroutine.
func (p *RequestProxy) onUploadCompleted(callID string, data []byte, replyTo string,
	deadline time.Time, version ProtocolVersion, ser serializer.Serializer) {
	defer p.recoverToErrorMetric()
	ctx := NewServerResponseContext(callID, p.replyProducer, replyTo, deadline, version,
		ser, p.cnf.MaxMessageSize, p.cnf.Priority, p.metrics)
	// Overwrite the upload context with the response context - atomic replace, so the
	// table never goes without an entry for this callID
	p.calls.Put(callID, ctx)
	p.metrics.FragmentedUploadCompleted()
	request, err := ser.Deserialize(data)
	if err != nil {
		p.metrics.Error()
		log.Warnf("could not deserialize uploaded request [callID=%s]: %v", callID, err)
		return
	}
	p.invokeSink(request, ctx)
}

// setupServerContext looks up or creates the response context for the call. Returns
// false if the callID is bound to an upload context.
func (p *RequestProxy) setupServerContext(callID string, replyTo string, deadline time.Time,
	version ProtocolVersion, ser serializer.Serializer) (*ServerResponseContext, bool) {
	if existing, ok := p.calls.Get(callID); ok {
		respCtx, ok := existing.(*ServerResponseContext)
		return respCtx, ok
	}
	ctx := NewServerResponseContext(callID, p.replyProducer, replyTo, deadline, version,
		ser, p.cnf.MaxMessageSize, p.cnf.Priority, p.metrics)
	winner, installed := p.calls.PutIfAbsent(callID, ctx)
	if !installed {
		respCtx, ok := winner.(*ServerResponseContext)
		return respCtx, ok
	}
	return ctx, true
}

func (p *RequestProxy) resolveSerializer(msg *broker.Message) (serializer.Serializer, bool) {
	serializerID, _ := msg.Header(HeaderSerializerID)
	ser, err := p.serializers.Get(serializerID)
	if err != nil {
		p.metrics.IncompatibleMessage()
		log.Warnf("ignoring request with unknown serializer %q [callID=%s]", serializerID, msg.CorrelationID)
		return nil, false
	}
	return ser, true
}

// invokeSink hands the request to the downstream sink, converting a panic into a
// terminal error message on the call.
func (p *RequestProxy) invokeSink(request interface{}, ctx *ServerResponseContext) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("request sink failed [callID=%s]: %v\n%s", ctx.CallID(), r, common.GetCurrentStack())
			ctx.ReportError(ErrorKindHandler, "request handler failed")
		}
	}()
	p.sink.Handle(request, ctx)
}

func (p *RequestProxy) snapshotConnectionListeners() []ConnectionListener {
	p.listenerLock.Lock()
	defer p.listenerLock.Unlock()
	listeners := make([]ConnectionListener, 0, len(p.connectionListeners))
	for l := range p.connectionListeners {
		listeners = append(listeners, l)
	}
	return listeners
}

func (p *RequestProxy) snapshotCloseListeners() []CloseListener {
	p.listenerLock.Lock()
	defer p.listenerLock.Unlock()
	listeners := make([]CloseListener, 0, len(p.closeListeners))
	for l := range p.closeListeners {
		listeners = append(listeners, l)
	}
	return listeners
}
