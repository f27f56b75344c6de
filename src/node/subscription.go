package node

import (
	"net"
	"sync"
	"time"

	"github.com/robomesh/robomesh/src/msg"
	"github.com/robomesh/robomesh/src/wire"
	"github.com/sirupsen/logrus"
)

// MessageCallback is invoked by a subscription's dispatcher with each decoded
// message. All callbacks registered on a topic share one dispatcher, so at
// most one invocation per topic is active at any instant.
type MessageCallback func(m interface{})

// Subscription is a node's local record of being a subscriber of a topic: the
// type descriptor, the inbound connections (one per remote publisher), the
// bounded delivery queue, the registered callbacks, and the dispatcher that
// owns their invocation.
type Subscription struct {
	topic       string
	typ         msg.Type
	caller      string
	dialTimeout time.Duration
	queue       *messageQueue

	mu        sync.Mutex
	callbacks []MessageCallback
	conns     map[string]net.Conn

	dispatcherDone chan struct{}
	logger         *logrus.Entry
}

func newSubscription(topic string, typ msg.Type, caller string, queueLimit int, policy OverflowPolicy, dialTimeout time.Duration, logger *logrus.Entry) *Subscription {
	return &Subscription{
		topic:          topic,
		typ:            typ,
		caller:         caller,
		dialTimeout:    dialTimeout,
		queue:          newMessageQueue(queueLimit, policy),
		conns:          map[string]net.Conn{},
		dispatcherDone: make(chan struct{}),
		logger:         logger.WithField("topic", topic),
	}
}

// addCallback appends a callback to the invocation list. It shares the
// existing dispatcher with previously registered callbacks.
func (s *Subscription) addCallback(cb MessageCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

// updatePublishers reconciles the connection set against the registry's
// current publisher list: new addresses are connected, vanished ones closed.
// Individual connection failures are logged and skipped.
func (s *Subscription) updatePublishers(uris []string) {
	current := map[string]bool{}
	for _, uri := range uris {
		current[uri] = true
	}

	s.mu.Lock()
	var stale []net.Conn
	for uri, conn := range s.conns {
		if !current[uri] {
			stale = append(stale, conn)
			delete(s.conns, uri)
		}
	}
	connected := map[string]bool{}
	for uri := range s.conns {
		connected[uri] = true
	}
	s.mu.Unlock()

	for _, conn := range stale {
		conn.Close()
	}

	for _, uri := range uris {
		if connected[uri] {
			continue
		}
		if err := s.connect(uri); err != nil {
			s.logger.WithField("publisher", uri).WithError(err).Warn("Failed to connect to publisher")
		}
	}
}

// connect dials one publisher, performs the handshake, and starts the read
// loop feeding the delivery queue.
func (s *Subscription) connect(uri string) error {
	conn, err := net.DialTimeout("tcp", uri, s.dialTimeout)
	if err != nil {
		return err
	}

	hs := wire.Handshake{
		Topic:    s.topic,
		Type:     s.typ.Name(),
		Checksum: s.typ.Checksum(),
		CallerID: s.caller,
	}
	if err := wire.WriteHandshake(conn, hs); err != nil {
		conn.Close()
		return err
	}

	reply, err := wire.ReadHandshakeReply(conn)
	if err != nil {
		conn.Close()
		return err
	}
	if sum := reply[wire.FieldChecksum]; sum != "" && sum != s.typ.Checksum() {
		conn.Close()
		return NewErr(TypeMismatch, s.topic, nil)
	}

	s.mu.Lock()
	s.conns[uri] = conn
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"publisher": uri,
		"caller":    reply[wire.FieldCallerID],
	}).Debug("Connected to publisher")

	go s.readLoop(uri, conn)

	return nil
}

// readLoop decodes frames off one publisher connection and pushes them onto
// the delivery queue, blocking when a bounded queue is full so backpressure
// reaches the remote writer. It exits when the connection or the queue
// closes.
func (s *Subscription) readLoop(uri string, conn net.Conn) {
	for {
		payload, err := wire.ReadFrame(conn)
		if err != nil {
			s.logger.WithField("publisher", uri).WithError(err).Debug("Publisher connection closed")
			break
		}

		m, err := s.typ.Decode(payload)
		if err != nil {
			s.logger.WithField("publisher", uri).WithError(err).Error("Failed to decode message")
			break
		}

		if !s.queue.push(m) {
			break
		}
	}

	conn.Close()

	s.mu.Lock()
	if s.conns[uri] == conn {
		delete(s.conns, uri)
	}
	s.mu.Unlock()
}

// numPublishers counts open publisher connections.
func (s *Subscription) numPublishers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// runDispatcher drains the queue, invoking every registered callback in
// registration order for each message. It terminates once the queue has been
// closed and drained.
func (s *Subscription) runDispatcher() {
	defer close(s.dispatcherDone)

	for {
		m, ok := s.queue.pop()
		if !ok {
			return
		}

		s.mu.Lock()
		cbs := make([]MessageCallback, len(s.callbacks))
		copy(cbs, s.callbacks)
		s.mu.Unlock()

		for _, cb := range cbs {
			cb(m)
		}
	}
}

// close shuts the queue, closes every publisher connection, and joins the
// dispatcher.
func (s *Subscription) close() {
	s.queue.close()

	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.conns = map[string]net.Conn{}
	s.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}

	<-s.dispatcherDone
}
