package fake

import (
	"sync"
	"time"

	"github.com/fluxmq/fluxproxy/broker"
	"github.com/fluxmq/fluxproxy/common"
	"github.com/fluxmq/fluxproxy/errors"
	log "github.com/fluxmq/fluxproxy/logger"
	"github.com/google/uuid"
)

// Broker is an in-memory broker used in tests and local development. Destinations are
// queues: each message is delivered to exactly one consumer, serially, from a per-consumer
// delivery goroutine.
type Broker struct {
	destLock      sync.Mutex
	destinations  sync.Map
	connections   sync.Map
	connectionSeq int
}

func NewBroker() *Broker {
	return &Broker{}
}

// NewConnectionFactory returns a broker.ConnectionFactory backed by this fake broker.
func NewConnectionFactory(b *Broker) broker.ConnectionFactory {
	return func(props map[string]string) (broker.Connection, error) {
		return b.NewConnection(), nil
	}
}

func (b *Broker) NewConnection() broker.Connection {
	b.destLock.Lock()
	defer b.destLock.Unlock()
	b.connectionSeq++
	conn := &connection{broker: b, id: b.connectionSeq}
	b.connections.Store(conn, struct{}{})
	return conn
}

// InjectError simulates a fatal broker-layer failure, invoking the error listener of
// every open connection.
func (b *Broker) InjectError(err error) {
	b.connections.Range(func(c, _ interface{}) bool {
		c.(*connection).notifyError(err)
		return true
	})
}

// GetDestination returns the named destination, creating it if absent.
func (b *Broker) GetDestination(name string) *Destination {
	d, ok := b.destinations.Load(name)
	if ok {
		return d.(*Destination)
	}
	b.destLock.Lock()
	defer b.destLock.Unlock()
	d, ok = b.destinations.Load(name)
	if ok {
		return d.(*Destination)
	}
	dest := &Destination{name: name}
	b.destinations.Store(name, dest)
	return dest
}

func (b *Broker) deleteDestination(name string) error {
	d, ok := b.destinations.Load(name)
	if !ok {
		return errors.Errorf("no such destination %s", name)
	}
	b.destinations.Delete(name)
	d.(*Destination).close()
	return nil
}

type Destination struct {
	name     string
	lock     sync.Mutex
	messages []*broker.Message
}

func (d *Destination) push(msg *broker.Message) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.messages = append(d.messages, msg)
}

func (d *Destination) pop() *broker.Message {
	d.lock.Lock()
	defer d.lock.Unlock()
	if len(d.messages) == 0 {
		return nil
	}
	msg := d.messages[0]
	d.messages = d.messages[1:]
	return msg
}

// QueuedMessageCount reports how many messages are waiting on the destination - used by
// tests to assert backpressure.
func (d *Destination) QueuedMessageCount() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return len(d.messages)
}

func (d *Destination) close() {
}

type connection struct {
	broker        *Broker
	id            int
	lock          sync.Mutex
	errorListener func(error)
	consumers     []*consumer
	tempDests     []string
	closed        common.AtomicBool
}

func (c *connection) CreateProducer() (broker.Producer, error) {
	if c.closed.Get() {
		return nil, errors.New("connection is closed")
	}
	return &producer{conn: c}, nil
}

func (c *connection) CreateConsumer(destination string) (broker.Consumer, error) {
	if c.closed.Get() {
		return nil, errors.New("connection is closed")
	}
	cons := &consumer{
		conn: c,
		dest: c.broker.GetDestination(destination),
	}
	c.lock.Lock()
	c.consumers = append(c.consumers, cons)
	c.lock.Unlock()
	cons.start()
	return cons, nil
}

func (c *connection) CreateTemporaryDestination() (string, error) {
	if c.closed.Get() {
		return "", errors.New("connection is closed")
	}
	name := "fluxproxy.tmp." + uuid.New().String()
	c.broker.GetDestination(name)
	c.lock.Lock()
	c.tempDests = append(c.tempDests, name)
	c.lock.Unlock()
	return name, nil
}

func (c *connection) DeleteDestination(destination string) error {
	return c.broker.deleteDestination(destination)
}

func (c *connection) SetErrorListener(listener func(error)) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.errorListener = listener
}

func (c *connection) notifyError(err error) {
	c.lock.Lock()
	listener := c.errorListener
	c.lock.Unlock()
	if listener != nil {
		listener(err)
	}
}

func (c *connection) Close() error {
	if !c.closed.CompareAndSet(false, true) {
		return nil
	}
	c.lock.Lock()
	consumers := c.consumers
	tempDests := c.tempDests
	c.lock.Unlock()
	for _, cons := range consumers {
		if err := cons.Close(); err != nil {
			log.Warnf("failed to close consumer %v", err)
		}
	}
	for _, name := range tempDests {
		if err := c.broker.deleteDestination(name); err != nil {
			// Already deleted - ignore
		}
	}
	c.broker.connections.Delete(c)
	return nil
}

type producer struct {
	conn   *connection
	closed common.AtomicBool
}

func (p *producer) Send(destination string, msg *broker.Message) error {
	if p.closed.Get() || p.conn.closed.Get() {
		return errors.New("producer is closed")
	}
	cp := *msg
	cp.Timestamp = time.Now()
	p.conn.broker.GetDestination(destination).push(&cp)
	return nil
}

func (p *producer) Close() error {
	p.closed.Set(true)
	return nil
}

type consumer struct {
	conn      *connection
	dest      *Destination
	lock      sync.Mutex
	listener  func(*broker.Message)
	closed    common.AtomicBool
	loopGroup sync.WaitGroup
}

func (c *consumer) start() {
	c.loopGroup.Add(1)
	common.Go(c.deliverLoop)
}

// deliverLoop polls the destination and invokes the listener serially, mirroring a broker
// delivery thread. A blocking listener leaves further messages queued on the destination.
func (c *consumer) deliverLoop() {
	defer c.loopGroup.Done()
	for !c.closed.Get() {
		listener := c.getListener()
		if listener == nil {
			time.Sleep(1 * time.Millisecond)
			continue
		}
		msg := c.dest.pop()
		if msg == nil {
			time.Sleep(1 * time.Millisecond)
			continue
		}
		listener(msg)
	}
}

func (c *consumer) getListener() func(*broker.Message) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.listener
}

func (c *consumer) SetListener(listener func(*broker.Message)) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.listener = listener
}

func (c *consumer) Close() error {
	c.closed.Set(true)
	c.loopGroup.Wait()
	return nil
}
