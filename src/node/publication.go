package node

import (
	"net"
	"sync"

	"github.com/robomesh/robomesh/src/msg"
	"github.com/robomesh/robomesh/src/wire"
	"github.com/sirupsen/logrus"
)

// Publication is a node's local record of being a publisher of a topic: its
// type descriptor and the set of open connections to remote subscribers.
type Publication struct {
	topic        string
	typ          msg.Type
	onSubscriber func(callerID string)

	mu     sync.Mutex
	conns  []*subscriberConn
	closed bool

	logger *logrus.Entry
}

// subscriberConn is one outbound stream to a remote subscriber. Subscribers
// never write after the handshake, so a read returning marks the connection
// dead; write failures do the same.
type subscriberConn struct {
	conn   net.Conn
	caller string
	dead   bool
}

func newPublication(topic string, typ msg.Type, onSubscriber func(string), logger *logrus.Entry) *Publication {
	return &Publication{
		topic:        topic,
		typ:          typ,
		onSubscriber: onSubscriber,
		logger:       logger.WithField("topic", topic),
	}
}

// addSubscriber records a handshaken inbound connection and fires the
// new-subscriber callback outside the publication lock. It reports false
// once the publication has been closed; the caller then owns the connection.
func (p *Publication) addSubscriber(conn net.Conn, caller string) bool {
	sc := &subscriberConn{conn: conn, caller: caller}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.conns = append(p.conns, sc)
	p.mu.Unlock()

	p.logger.WithField("caller", caller).Debug("Subscriber connected")

	// Watch for the remote end closing. Subscribers send nothing after the
	// handshake, so any read result means the stream is done.
	go func() {
		buf := make([]byte, 1)
		sc.conn.Read(buf)
		p.mu.Lock()
		sc.dead = true
		p.mu.Unlock()
	}()

	if p.onSubscriber != nil {
		p.onSubscriber(caller)
	}

	return true
}

// publish frames the encoded message and writes it to every live connection.
// A write failure on one connection never prevents delivery attempts to the
// others; the failed connection is marked dead and pruned on the next call.
func (p *Publication) publish(payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.prune()

	for _, sc := range p.conns {
		if sc.dead {
			continue
		}
		if err := wire.WriteFrame(sc.conn, payload); err != nil {
			p.logger.WithField("caller", sc.caller).WithError(err).Debug("Dropping subscriber connection")
			sc.dead = true
			sc.conn.Close()
		}
	}
}

// prune discards connections already marked dead. Callers hold p.mu.
func (p *Publication) prune() {
	live := p.conns[:0]
	for _, sc := range p.conns {
		if sc.dead {
			sc.conn.Close()
			continue
		}
		live = append(live, sc)
	}
	p.conns = live
}

// numSubscribers counts live connections.
func (p *Publication) numSubscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, sc := range p.conns {
		if !sc.dead {
			n++
		}
	}
	return n
}

// close tears down every subscriber connection and refuses new ones.
func (p *Publication) close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	for _, sc := range p.conns {
		sc.conn.Close()
	}
	p.conns = nil
}
