package kafka

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fluxmq/fluxproxy/broker"
	"github.com/fluxmq/fluxproxy/common"
	"github.com/fluxmq/fluxproxy/errors"
	log "github.com/fluxmq/fluxproxy/logger"
	"github.com/google/uuid"
	segment "github.com/segmentio/kafka-go"
)

const (
	headerCorrelationID = "correlation-id"
	headerReplyTo       = "reply-to"
	headerPriority      = "priority"

	defaultConnectTimeout = 10 * time.Second
	defaultSendTimeout    = 10 * time.Second
	tempDestinationPrefix = "fluxproxy.tmp."
)

/*
NewConnectionFactory returns a broker.ConnectionFactory backed by Kafka, using the
segmentio client. Destinations map to topics, the correlation identifier and reply
destination ride as message headers, and temporary destinations are single-partition
topics with a generated name, deleted when the connection closes. Kafka has no
non-persistent delivery mode nor priorities - sends use acks=1 and the priority is
carried as a header only.
*/
func NewConnectionFactory() broker.ConnectionFactory {
	return func(props map[string]string) (broker.Connection, error) {
		bs, ok := props["bootstrap.servers"]
		if !ok {
			return nil, errors.New("cannot connect - bootstrap.servers must be specified")
		}
		var bootstrapServers []string
		for _, s := range strings.Split(bs, ",") {
			bootstrapServers = append(bootstrapServers, strings.Trim(s, " "))
		}
		return &connection{
			bootstrapServers: bootstrapServers,
			props:            props,
		}, nil
	}
}

type connection struct {
	bootstrapServers []string
	props            map[string]string
	lock             sync.Mutex
	errorListener    func(error)
	consumers        []*consumer
	producers        []*producer
	tempDests        []string
	closed           common.AtomicBool
}

func (c *connection) CreateProducer() (broker.Producer, error) {
	if c.closed.Get() {
		return nil, errors.New("connection is closed")
	}
	w := &segment.Writer{
		Addr:                   segment.TCP(c.bootstrapServers...),
		Balancer:               &segment.LeastBytes{},
		RequiredAcks:           segment.RequireOne,
		WriteTimeout:           defaultSendTimeout,
		AllowAutoTopicCreation: true,
	}
	p := &producer{conn: c, writer: w}
	c.lock.Lock()
	c.producers = append(c.producers, p)
	c.lock.Unlock()
	return p, nil
}

func (c *connection) CreateConsumer(destination string) (broker.Consumer, error) {
	if c.closed.Get() {
		return nil, errors.New("connection is closed")
	}
	// Consumers share load through a consumer group per destination - multiple proxies
	// listening on the same destination split the requests between them.
	groupID := "fluxproxy-" + destination
	if strings.HasPrefix(destination, tempDestinationPrefix) {
		// A temporary destination has exactly one consumer - make the group unique
		groupID = "fluxproxy-" + destination + "-" + uuid.New().String()
	}
	reader := segment.NewReader(segment.ReaderConfig{
		Brokers:     c.bootstrapServers,
		Topic:       destination,
		GroupID:     groupID,
		StartOffset: segment.LastOffset,
		MinBytes:    1,
		MaxBytes:    10 * 1024 * 1024,
	})
	ctx, cancel := context.WithCancel(context.Background())
	cons := &consumer{
		conn:   c,
		reader: reader,
		ctx:    ctx,
		cancel: cancel,
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
	name := tempDestinationPrefix + uuid.New().String()
	conn, err := c.controllerConn()
	if err != nil {
		return "", err
	}
	defer closeConn(conn)
	err = conn.CreateTopics(segment.TopicConfig{
		Topic:             name,
		NumPartitions:     1,
		ReplicationFactor: 1,
	})
	if err != nil {
		return "", errors.WithStack(err)
	}
	c.lock.Lock()
	c.tempDests = append(c.tempDests, name)
	c.lock.Unlock()
	return name, nil
}

func (c *connection) DeleteDestination(destination string) error {
	conn, err := c.controllerConn()
	if err != nil {
		return err
	}
	defer closeConn(conn)
	return errors.WithStack(conn.DeleteTopics(destination))
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
	producers := c.producers
	tempDests := c.tempDests
	c.lock.Unlock()
	for _, cons := range consumers {
		if err := cons.Close(); err != nil {
			log.Warnf("failed to close kafka consumer %v", err)
		}
	}
	for _, p := range producers {
		if err := p.Close(); err != nil {
			log.Warnf("failed to close kafka producer %v", err)
		}
	}
	for _, name := range tempDests {
		if err := c.DeleteDestination(name); err != nil {
			log.Warnf("failed to delete temporary topic %s %v", name, err)
		}
	}
	return nil
}

// controllerConn dials the cluster controller, which is required for topic admin.
func (c *connection) controllerConn() (*segment.Conn, error) {
	var lastErr error
	for _, address := range c.bootstrapServers {
		ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
		conn, err := segment.DialContext(ctx, "tcp", address)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		controller, err := conn.Controller()
		closeConn(conn)
		if err != nil {
			lastErr = err
			continue
		}
		ctx, cancel = context.WithTimeout(context.Background(), defaultConnectTimeout)
		controllerConn, err := segment.DialContext(ctx, "tcp",
			net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		return controllerConn, nil
	}
	return nil, errors.Wrap(lastErr, "could not connect to any bootstrap server")
}

func closeConn(conn *segment.Conn) {
	if err := conn.Close(); err != nil {
		// Ignore
	}
}

type producer struct {
	conn   *connection
	writer *segment.Writer
	closed common.AtomicBool
}

func (p *producer) Send(destination string, msg *broker.Message) error {
	if p.closed.Get() || p.conn.closed.Get() {
		return errors.New("producer is closed")
	}
	headers := make([]segment.Header, 0, len(msg.Headers)+3)
	for k, v := range msg.Headers {
		headers = append(headers, segment.Header{Key: k, Value: []byte(v)})
	}
	headers = append(headers,
		segment.Header{Key: headerCorrelationID, Value: []byte(msg.CorrelationID)},
		segment.Header{Key: headerReplyTo, Value: []byte(msg.ReplyTo)},
		segment.Header{Key: headerPriority, Value: []byte(strconv.Itoa(msg.Priority))},
	)
	ctx, cancel := context.WithTimeout(context.Background(), defaultSendTimeout)
	defer cancel()
	err := p.writer.WriteMessages(ctx, segment.Message{
		Topic:   destination,
		Key:     []byte(msg.CorrelationID),
		Value:   msg.Payload,
		Headers: headers,
		Time:    msg.Timestamp,
	})
	return errors.WithStack(err)
}

func (p *producer) Close() error {
	if !p.closed.CompareAndSet(false, true) {
		return nil
	}
	return p.writer.Close()
}

type consumer struct {
	conn      *connection
	reader    *segment.Reader
	ctx       context.Context
	cancel    context.CancelFunc
	lock      sync.Mutex
	listener  func(*broker.Message)
	closed    common.AtomicBool
	loopGroup sync.WaitGroup
}

func (c *consumer) start() {
	c.loopGroup.Add(1)
	common.Go(c.fetchLoop)
}

func (c *consumer) fetchLoop() {
	defer c.loopGroup.Done()
	for {
		if c.getListener() == nil {
			// Detached - leave further messages with the broker
			if c.closed.Get() {
				return
			}
			time.Sleep(1 * time.Millisecond)
			continue
		}
		m, err := c.reader.FetchMessage(c.ctx)
		if err != nil {
			if c.closed.Get() || errors.Is(err, context.Canceled) {
				return
			}
			log.Errorf("kafka fetch failed %v", err)
			c.conn.notifyError(err)
			return
		}
		listener := c.getListener()
		if listener == nil {
			// Detached while fetching - the message is not committed
			continue
		}
		listener(convertMessage(&m))
		if err := c.reader.CommitMessages(c.ctx, m); err != nil {
			if c.closed.Get() || errors.Is(err, context.Canceled) {
				return
			}
			log.Warnf("kafka commit failed %v", err)
		}
	}
}

func convertMessage(m *segment.Message) *broker.Message {
	msg := &broker.Message{
		Timestamp: m.Time,
		Payload:   m.Value,
		Headers:   map[string]string{},
	}
	for _, h := range m.Headers {
		switch h.Key {
		case headerCorrelationID:
			msg.CorrelationID = string(h.Value)
		case headerReplyTo:
			msg.ReplyTo = string(h.Value)
		case headerPriority:
			priority, err := strconv.Atoi(string(h.Value))
			if err == nil {
				msg.Priority = priority
			}
		default:
			msg.Headers[h.Key] = string(h.Value)
		}
	}
	return msg
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
	if !c.closed.CompareAndSet(false, true) {
		return nil
	}
	c.cancel()
	err := c.reader.Close()
	c.loopGroup.Wait()
	return errors.WithStack(err)
}
