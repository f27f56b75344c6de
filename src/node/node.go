package node

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robomesh/robomesh/src/config"
	"github.com/robomesh/robomesh/src/msg"
	"github.com/robomesh/robomesh/src/registry"
	"github.com/robomesh/robomesh/src/wire"
	"github.com/sirupsen/logrus"
)

// Session is the top-level state machine of a node: it owns the registry
// client, the listening endpoints, and the publication, subscription, and
// service maps. A process may run several sessions; nothing here is global.
type Session struct {
	state

	name   string
	conf   *config.Config
	logger *logrus.Entry

	registry *registry.Client

	listener    net.Listener
	callback    *callbackServer
	streamAddr  string
	callbackURI string

	// mu protects the three maps below. It is held only while mutating the
	// map structure itself, never across a callback invocation or a blocking
	// network operation.
	mu            sync.Mutex
	publications  map[string]*Publication
	subscriptions map[string]*Subscription
	services      map[string]*ServiceRecord

	// inbound tracks accepted connections that no publication owns yet:
	// in-handshake and in-flight service connections. Shutdown closes them
	// so their goroutines unwind.
	inboundMu sync.Mutex
	inbound   map[net.Conn]struct{}

	simMu   sync.RWMutex
	simTime time.Time
}

// NewSession creates a session in the Stopped state.
func NewSession(conf *config.Config) *Session {
	return &Session{
		conf:   conf,
		logger: conf.Logger(),
	}
}

// Start binds the streaming and registry-callback endpoints, scanning upward
// from the configured ports when they are taken, registers nothing yet, and
// transitions to Running. After Running it applies parameter overrides,
// advertises the diagnostic log topic, and subscribes to the clock topic when
// simulated time is configured.
func (s *Session) Start(name string) error {
	if s.getState() != Stopped {
		return fmt.Errorf("session is %s, not Stopped", s.getState())
	}

	s.name = name
	s.logger = s.conf.Logger().WithField("node", name)

	listener, err := listenScan(s.conf.BindAddr, s.conf.PortScanLimit)
	if err != nil {
		return NewErr(PortExhausted, s.conf.BindAddr, err)
	}
	s.listener = listener
	s.streamAddr = advertisedAddr(s.conf.BindAddr, s.conf.AdvertiseAddr, listener)

	cbListener, err := listenScan(s.conf.CallbackAddr, s.conf.PortScanLimit)
	if err != nil {
		listener.Close()
		return NewErr(PortExhausted, s.conf.CallbackAddr, err)
	}
	s.callbackURI = "http://" + advertisedAddr(s.conf.CallbackAddr, s.conf.AdvertiseAddr, cbListener)

	s.registry = registry.NewClient(s.conf.RegistryURL, name, s.callbackURI, s.logger)

	s.publications = map[string]*Publication{}
	s.subscriptions = map[string]*Subscription{}
	s.services = map[string]*ServiceRecord{}
	s.inbound = map[net.Conn]struct{}{}

	s.callback = newCallbackServer(cbListener, s.publisherUpdate, s.logger)
	s.callback.start()

	s.setState(Running)

	s.goFunc(s.acceptLoop)

	s.logger.WithFields(logrus.Fields{
		"stream_addr":  s.streamAddr,
		"callback_uri": s.callbackURI,
		"registry":     s.conf.RegistryURL,
	}).Debug("Session running")

	s.applyParamOverrides()

	if err := s.Advertise(config.LogTopic, msg.LogType, nil); err != nil {
		s.logger.WithError(err).Warn("Failed to advertise log topic")
	}

	if s.conf.SimTime {
		err := s.Subscribe(config.ClockTopic, msg.ClockType, func(m interface{}) {
			if clock, ok := m.(*msg.Clock); ok {
				s.simMu.Lock()
				s.simTime = time.Unix(clock.Sec, clock.NSec)
				s.simMu.Unlock()
			}
		}, 1)
		if err != nil {
			s.logger.WithError(err).Warn("Failed to subscribe to clock topic")
		}
	}

	return nil
}

// applyParamOverrides pushes command-line-supplied key=value pairs to the
// parameter server.
func (s *Session) applyParamOverrides() {
	for _, kv := range s.conf.Params {
		idx := strings.Index(kv, "=")
		if idx < 0 {
			s.logger.WithField("param", kv).Warn("Ignoring malformed parameter override")
			continue
		}
		if err := s.SetParam(kv[:idx], kv[idx+1:]); err != nil {
			s.logger.WithField("param", kv).WithError(err).Warn("Failed to apply parameter override")
		}
	}
}

// StreamAddr returns the address remote peers connect to for topic and
// service streams.
func (s *Session) StreamAddr() string {
	return s.streamAddr
}

// CallbackURI returns the registry-callback endpoint of this session.
func (s *Session) CallbackURI() string {
	return s.callbackURI
}

// acceptLoop owns the streaming listener for the lifetime of the session.
func (s *Session) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.getState() == Shutdown {
				return
			}
			s.logger.WithError(err).Error("Failed to accept connection")
			return
		}

		s.trackInbound(conn)

		if !s.goFunc(func() { s.handleInbound(conn) }) {
			s.untrackInbound(conn)
			conn.Close()
			return
		}
	}
}

func (s *Session) trackInbound(conn net.Conn) {
	s.inboundMu.Lock()
	s.inbound[conn] = struct{}{}
	s.inboundMu.Unlock()
}

func (s *Session) untrackInbound(conn net.Conn) {
	s.inboundMu.Lock()
	delete(s.inbound, conn)
	s.inboundMu.Unlock()
}

// handleInbound performs the receiving side of the handshake and hands the
// connection to the publication or service it names. Rejections are reported
// to the peer in an error header before closing.
func (s *Session) handleInbound(conn net.Conn) {
	// Once a publication takes ownership of the connection, or the
	// connection is done, it no longer needs shutdown tracking here.
	defer s.untrackInbound(conn)

	header, err := wire.ReadHeader(conn)
	if err != nil {
		s.logger.WithError(err).Debug("Failed to read handshake")
		conn.Close()
		return
	}

	hs, err := wire.ParseHandshake(header)
	if err != nil {
		wire.WriteHandshakeError(conn, err.Error())
		conn.Close()
		return
	}

	if hs.Topic != "" {
		s.handleSubscriberConn(conn, hs)
		return
	}
	s.handleServiceConn(conn, hs)
}

func (s *Session) handleSubscriberConn(conn net.Conn, hs wire.Handshake) {
	s.mu.Lock()
	pub := s.publications[hs.Topic]
	s.mu.Unlock()

	if pub == nil {
		wire.WriteHandshakeError(conn, fmt.Sprintf("topic %s is not advertised here", hs.Topic))
		conn.Close()
		return
	}

	if hs.Checksum != pub.typ.Checksum() {
		s.logger.WithFields(logrus.Fields{
			"topic":  hs.Topic,
			"caller": hs.CallerID,
			"theirs": hs.Checksum,
			"ours":   pub.typ.Checksum(),
		}).Warn("Rejecting subscriber with mismatched checksum")
		wire.WriteHandshakeError(conn, fmt.Sprintf("checksum mismatch for topic %s", hs.Topic))
		conn.Close()
		return
	}

	reply := wire.Header{
		wire.FieldType:     pub.typ.Name(),
		wire.FieldChecksum: pub.typ.Checksum(),
		wire.FieldCallerID: s.name,
	}
	if err := wire.WriteHeader(conn, reply); err != nil {
		conn.Close()
		return
	}

	// The publication may have been unadvertised while the handshake was in
	// flight; it then refuses the connection.
	if !pub.addSubscriber(conn, hs.CallerID) {
		conn.Close()
	}
}

func (s *Session) handleServiceConn(conn net.Conn, hs wire.Handshake) {
	s.mu.Lock()
	svc := s.services[hs.Service]
	s.mu.Unlock()

	if svc == nil {
		wire.WriteHandshakeError(conn, fmt.Sprintf("service %s is not provided here", hs.Service))
		conn.Close()
		return
	}

	if hs.Checksum != svc.reqType.Checksum() {
		wire.WriteHandshakeError(conn, fmt.Sprintf("checksum mismatch for service %s", hs.Service))
		conn.Close()
		return
	}

	reply := wire.Header{
		wire.FieldType:     svc.reqType.Name(),
		wire.FieldChecksum: svc.reqType.Checksum(),
		wire.FieldCallerID: s.name,
	}
	if err := wire.WriteHeader(conn, reply); err != nil {
		conn.Close()
		return
	}

	svc.serve(conn)
}

// publisherUpdate reacts to the registry pushing a new publisher list for a
// topic. Updates for topics this session is not subscribed to are ignored.
func (s *Session) publisherUpdate(topic string, uris []string) {
	s.mu.Lock()
	sub := s.subscriptions[topic]
	s.mu.Unlock()

	if sub == nil {
		return
	}

	sub.updatePublishers(uris)
}

// Advertise registers this session as a publisher of topic. onSubscriber, if
// non-nil, is invoked with the caller id of each newly connected subscriber.
func (s *Session) Advertise(topic string, typ msg.Type, onSubscriber func(callerID string)) error {
	pub := newPublication(topic, typ, onSubscriber, s.logger)

	// The state check shares the session lock with the map insert, so a
	// concurrent Shutdown either sees the publication in its snapshot or
	// rejects the call.
	s.mu.Lock()
	if s.getState() != Running {
		s.mu.Unlock()
		return NewErr(NotRunning, topic, nil)
	}
	if _, ok := s.publications[topic]; ok {
		s.mu.Unlock()
		return NewErr(DuplicateRegistration, topic, nil)
	}
	s.publications[topic] = pub
	s.mu.Unlock()

	if err := s.registry.RegisterPublisher(topic, typ.Name(), s.streamAddr); err != nil {
		s.mu.Lock()
		delete(s.publications, topic)
		s.mu.Unlock()
		return NewErr(RegistryUnreachable, topic, err)
	}

	return nil
}

// Unadvertise closes every subscriber connection, unregisters with the
// registry, and removes the publication.
func (s *Session) Unadvertise(topic string) error {
	s.mu.Lock()
	pub, ok := s.publications[topic]
	if !ok {
		s.mu.Unlock()
		return NewErr(UnknownTopicOrService, topic, nil)
	}
	delete(s.publications, topic)
	s.mu.Unlock()

	pub.close()

	if count, err := s.registry.UnregisterPublisher(topic); err != nil {
		s.logger.WithField("topic", topic).WithError(err).Warn("Failed to unregister publisher")
	} else {
		s.logger.WithFields(logrus.Fields{"topic": topic, "count": count}).Debug("Unregistered publisher")
	}

	return nil
}

// Publish fans the encoded message out to every live subscriber connection.
// Publishing on a topic with zero subscribers is a successful no-op.
func (s *Session) Publish(topic string, m interface{}) error {
	if s.getState() != Running {
		return NewErr(NotRunning, topic, nil)
	}

	s.mu.Lock()
	pub, ok := s.publications[topic]
	s.mu.Unlock()

	if !ok {
		return NewErr(UnknownTopicOrService, topic, nil)
	}

	payload, err := pub.typ.Encode(m)
	if err != nil {
		return err
	}
	if len(payload) > wire.MaxFrameLen {
		return fmt.Errorf("message on %s exceeds frame limit: %d > %d", topic, len(payload), wire.MaxFrameLen)
	}

	pub.publish(payload)

	return nil
}

// Subscribe registers callback for topic. The first call for a topic creates
// the subscription, connects to the topic's current publishers, and starts
// its dispatcher; subsequent calls append the callback to the existing
// subscription, whose type descriptor must match. queueLimit bounds the
// delivery queue; 0 means unbounded.
func (s *Session) Subscribe(topic string, typ msg.Type, callback MessageCallback, queueLimit int) error {
	policy := OverflowBlock
	if s.conf.DropOldest {
		policy = OverflowDropOldest
	}

	s.mu.Lock()
	if s.getState() != Running {
		s.mu.Unlock()
		return NewErr(NotRunning, topic, nil)
	}
	if existing, ok := s.subscriptions[topic]; ok {
		if existing.typ.Checksum() != typ.Checksum() {
			s.mu.Unlock()
			return NewErr(TypeMismatch, topic, nil)
		}
		existing.addCallback(callback)
		s.mu.Unlock()
		return nil
	}

	sub := newSubscription(topic, typ, s.name, queueLimit, policy, s.conf.TCPTimeout, s.logger)
	sub.addCallback(callback)
	s.subscriptions[topic] = sub

	// The dispatcher starts with the subscription itself, not with the
	// registry registration, so close can always join it.
	go sub.runDispatcher()
	s.mu.Unlock()

	uris, err := s.registry.RegisterSubscriber(topic, typ.Name())
	if err != nil {
		s.mu.Lock()
		delete(s.subscriptions, topic)
		s.mu.Unlock()
		sub.close()
		return NewErr(RegistryUnreachable, topic, err)
	}

	sub.updatePublishers(uris)

	return nil
}

// Unsubscribe closes the delivery queue, signalling the dispatcher to drain
// and stop, closes all publisher connections, and unregisters with the
// registry.
func (s *Session) Unsubscribe(topic string) error {
	s.mu.Lock()
	sub, ok := s.subscriptions[topic]
	if !ok {
		s.mu.Unlock()
		return NewErr(UnknownTopicOrService, topic, nil)
	}
	delete(s.subscriptions, topic)
	s.mu.Unlock()

	if count, err := s.registry.UnregisterSubscriber(topic); err != nil {
		s.logger.WithField("topic", topic).WithError(err).Warn("Failed to unregister subscriber")
	} else {
		s.logger.WithFields(logrus.Fields{"topic": topic, "count": count}).Debug("Unregistered subscriber")
	}

	sub.close()

	return nil
}

// RegisterService registers a service handler under name. The service
// checksum is the request type's checksum.
func (s *Session) RegisterService(name string, reqType, respType msg.Type, handler ServiceHandler) error {
	record := newServiceRecord(name, reqType, respType, handler, s.logger)

	s.mu.Lock()
	if s.getState() != Running {
		s.mu.Unlock()
		return NewErr(NotRunning, name, nil)
	}
	if _, ok := s.services[name]; ok {
		s.mu.Unlock()
		return NewErr(DuplicateRegistration, name, nil)
	}
	s.services[name] = record
	s.mu.Unlock()

	if err := s.registry.RegisterService(name, s.streamAddr); err != nil {
		s.mu.Lock()
		delete(s.services, name)
		s.mu.Unlock()
		return NewErr(RegistryUnreachable, name, err)
	}

	return nil
}

// UnregisterService removes a service record and unregisters it with the
// registry. A registry count above one is a reportable inconsistency, not a
// failure.
func (s *Session) UnregisterService(name string) error {
	s.mu.Lock()
	_, ok := s.services[name]
	if !ok {
		s.mu.Unlock()
		return NewErr(UnknownTopicOrService, name, nil)
	}
	delete(s.services, name)
	s.mu.Unlock()

	count, err := s.registry.UnregisterService(name)
	if err != nil {
		s.logger.WithField("service", name).WithError(err).Warn("Failed to unregister service")
	} else if count > 1 {
		s.logger.WithFields(logrus.Fields{"service": name, "count": count}).Warn("Registry removed more than one service entry")
	}

	return nil
}

// CallService looks up the service address, opens a connection, and performs
// one request/response round trip. There is no built-in timeout beyond
// connection establishment, and no retry.
func (s *Session) CallService(name string, req interface{}, reqType, respType msg.Type) (interface{}, error) {
	if s.getState() != Running {
		return nil, NewErr(NotRunning, name, nil)
	}

	addr, err := s.registry.LookupService(name)
	if err != nil {
		return nil, NewErr(UnknownTopicOrService, name, err)
	}

	return callService(addr, name, s.name, req, reqType, respType, s.conf.TCPTimeout)
}

// GetParam fetches a parameter from the registry.
func (s *Session) GetParam(key string) (interface{}, error) {
	if s.getState() != Running {
		return nil, NewErr(NotRunning, key, nil)
	}
	return s.registry.GetParam(key)
}

// SetParam stores a parameter in the registry.
func (s *Session) SetParam(key string, value interface{}) error {
	if s.getState() != Running {
		return NewErr(NotRunning, key, nil)
	}
	return s.registry.SetParam(key, value)
}

// HasParam reports whether a parameter is set in the registry.
func (s *Session) HasParam(key string) (bool, error) {
	if s.getState() != Running {
		return false, NewErr(NotRunning, key, nil)
	}
	return s.registry.HasParam(key)
}

// DeleteParam removes a parameter from the registry.
func (s *Session) DeleteParam(key string) error {
	if s.getState() != Running {
		return NewErr(NotRunning, key, nil)
	}
	return s.registry.DeleteParam(key)
}

// Now returns the session's current time: the last value received on the
// clock topic when simulated time is active, the wall clock otherwise.
func (s *Session) Now() time.Time {
	s.simMu.RLock()
	defer s.simMu.RUnlock()

	if s.simTime.IsZero() {
		return time.Now()
	}
	return s.simTime
}

// Logf logs locally and, when the session is running, publishes the entry on
// the diagnostic log topic.
func (s *Session) Logf(level, format string, args ...interface{}) {
	text := fmt.Sprintf(format, args...)
	s.logger.WithField("level", level).Debug(text)

	if s.getState() != Running {
		return
	}

	s.Publish(config.LogTopic, msg.LogEntry{
		Level: level,
		Node:  s.name,
		Text:  text,
		Stamp: s.Now().UnixNano(),
	})
}

// Shutdown tears the session down: it stops the callback endpoint, closes the
// streaming listener, then unregisters and closes every publication,
// subscription, and service. Failures along the way are logged and skipped so
// shutdown always reaches completion. Calling Shutdown more than once is a
// no-op.
func (s *Session) Shutdown() {
	s.mu.Lock()
	if s.getState() == Shutdown {
		s.mu.Unlock()
		return
	}
	s.setState(Shutdown)

	pubs := s.publications
	subs := s.subscriptions
	svcs := s.services
	s.publications = map[string]*Publication{}
	s.subscriptions = map[string]*Subscription{}
	s.services = map[string]*ServiceRecord{}
	s.mu.Unlock()

	s.logger.Debug("Shutting down")

	if s.callback != nil {
		if err := s.callback.stop(); err != nil {
			s.logger.WithError(err).Warn("Failed to stop callback server")
		}
	}

	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			s.logger.WithError(err).Warn("Failed to close listener")
		}
	}

	s.inboundMu.Lock()
	for conn := range s.inbound {
		conn.Close()
	}
	s.inboundMu.Unlock()

	for topic, pub := range pubs {
		if _, err := s.registry.UnregisterPublisher(topic); err != nil {
			s.logger.WithField("topic", topic).WithError(err).Warn("Failed to unregister publisher")
		}
		pub.close()
	}

	for topic, sub := range subs {
		if _, err := s.registry.UnregisterSubscriber(topic); err != nil {
			s.logger.WithField("topic", topic).WithError(err).Warn("Failed to unregister subscriber")
		}
		sub.close()
	}

	for name := range svcs {
		if _, err := s.registry.UnregisterService(name); err != nil {
			s.logger.WithField("service", name).WithError(err).Warn("Failed to unregister service")
		}
	}

	s.waitRoutines()

	s.logger.Debug("Shutdown complete")
}

// listenScan binds a TCP listener, scanning upward from the configured port
// when it is taken. Port 0 delegates the choice to the OS.
func listenScan(addr string, limit int) (net.Listener, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}

	if port == 0 {
		return net.Listen("tcp", addr)
	}

	if limit <= 0 {
		limit = 1
	}

	var lastErr error
	for i := 0; i < limit; i++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port+i)))
		if err == nil {
			return ln, nil
		}
		lastErr = err
	}

	return nil, fmt.Errorf("no free port in %d tries from %s: %w", limit, addr, lastErr)
}

// advertisedAddr derives the address to register with the registry: the
// advertise host when configured, otherwise the bind host, always with the
// actually-bound port.
func advertisedAddr(bindAddr, advertiseAddr string, ln net.Listener) string {
	_, port, _ := net.SplitHostPort(ln.Addr().String())

	host := ""
	if advertiseAddr != "" {
		host, _, _ = net.SplitHostPort(advertiseAddr)
		if host == "" {
			host = advertiseAddr
		}
	}
	if host == "" {
		host, _, _ = net.SplitHostPort(bindAddr)
	}
	if host == "" {
		host = "127.0.0.1"
	}

	return net.JoinHostPort(host, port)
}
