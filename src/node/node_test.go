package node

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robomesh/robomesh/src/common"
	"github.com/robomesh/robomesh/src/config"
	"github.com/robomesh/robomesh/src/msg"
	"github.com/robomesh/robomesh/src/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stringMsg struct {
	Data string
}

type numberMsg struct {
	Value int64
}

var (
	stringType = msg.NewType("test/String", stringMsg{})
	numberType = msg.NewType("test/Number", numberMsg{})
)

func startTestRegistry(t *testing.T) *registry.Server {
	server := registry.NewServer("127.0.0.1:0", registry.NewInmemParams(), common.NewTestEntry(t, common.TestLogLevel))
	require.NoError(t, server.Start())
	t.Cleanup(func() { server.Shutdown() })
	return server
}

func newTestSession(t *testing.T, name string, reg *registry.Server) *Session {
	conf := config.NewTestConfig(t, common.TestLogLevel)
	conf.RegistryURL = reg.URL()
	conf.BindAddr = "127.0.0.1:0"
	conf.CallbackAddr = "127.0.0.1:0"

	session := NewSession(conf)
	require.NoError(t, session.Start(name))
	t.Cleanup(session.Shutdown)

	return session
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, d time.Duration, cond func() bool, desc string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestPublishSubscribeOrdering(t *testing.T) {
	reg := startTestRegistry(t)
	talker := newTestSession(t, "talker", reg)
	listener := newTestSession(t, "listener", reg)

	connected := make(chan string, 1)
	require.NoError(t, talker.Advertise("/chatter", stringType, func(caller string) {
		connected <- caller
	}))

	var mu sync.Mutex
	var received []string
	require.NoError(t, listener.Subscribe("/chatter", stringType, func(m interface{}) {
		mu.Lock()
		received = append(received, m.(*stringMsg).Data)
		mu.Unlock()
	}, 0))

	select {
	case caller := <-connected:
		assert.Equal(t, "listener", caller)
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber never connected")
	}

	const n = 20
	for i := 0; i < n; i++ {
		require.NoError(t, talker.Publish("/chatter", stringMsg{Data: fmt.Sprintf("msg-%d", i)}))
	}

	waitUntil(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == n
	}, "all messages to arrive")

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprintf("msg-%d", i), received[i])
	}
}

func TestLateJoiningPublisher(t *testing.T) {
	reg := startTestRegistry(t)
	listener := newTestSession(t, "listener", reg)

	got := make(chan string, 1)
	require.NoError(t, listener.Subscribe("/late", stringType, func(m interface{}) {
		got <- m.(*stringMsg).Data
	}, 0))

	// The publisher shows up after the subscription; the registry pushes a
	// publisherUpdate at the subscriber's callback endpoint.
	talker := newTestSession(t, "talker", reg)

	connected := make(chan string, 1)
	require.NoError(t, talker.Advertise("/late", stringType, func(caller string) {
		connected <- caller
	}))

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber never connected to late publisher")
	}

	require.NoError(t, talker.Publish("/late", stringMsg{Data: "hello"}))

	select {
	case data := <-got:
		assert.Equal(t, "hello", data)
	case <-time.After(5 * time.Second):
		t.Fatal("message from late publisher never arrived")
	}
}

func TestSharedDispatcherNoOverlap(t *testing.T) {
	reg := startTestRegistry(t)
	talker := newTestSession(t, "talker", reg)
	listener := newTestSession(t, "listener", reg)

	connected := make(chan string, 1)
	require.NoError(t, talker.Advertise("/busy", stringType, func(caller string) {
		connected <- caller
	}))

	var active int32
	var overlapped int32
	var delivered int32

	cb := func(m interface{}) {
		if atomic.AddInt32(&active, 1) > 1 {
			atomic.StoreInt32(&overlapped, 1)
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt32(&active, -1)
		atomic.AddInt32(&delivered, 1)
	}

	require.NoError(t, listener.Subscribe("/busy", stringType, cb, 0))
	require.NoError(t, listener.Subscribe("/busy", stringType, cb, 0))

	<-connected

	const n = 10
	for i := 0; i < n; i++ {
		require.NoError(t, talker.Publish("/busy", stringMsg{Data: "x"}))
	}

	// Both callbacks fire once per message, strictly sequentially.
	waitUntil(t, 5*time.Second, func() bool {
		return atomic.LoadInt32(&delivered) == 2*n
	}, "both callbacks to consume every message")

	assert.Zero(t, atomic.LoadInt32(&overlapped), "callback invocations overlapped")
}

func TestSecondSubscribeTypeMismatch(t *testing.T) {
	reg := startTestRegistry(t)
	listener := newTestSession(t, "listener", reg)

	require.NoError(t, listener.Subscribe("/typed", stringType, func(interface{}) {}, 0))

	err := listener.Subscribe("/typed", numberType, func(interface{}) {}, 0)
	require.Error(t, err)
	assert.True(t, Is(err, TypeMismatch))
}

func TestBoundedQueueBackpressure(t *testing.T) {
	reg := startTestRegistry(t)
	talker := newTestSession(t, "talker", reg)
	listener := newTestSession(t, "listener", reg)

	connected := make(chan string, 1)
	require.NoError(t, talker.Advertise("/pressure", stringType, func(caller string) {
		connected <- caller
	}))

	gate := make(chan struct{})
	var mu sync.Mutex
	var received []string
	require.NoError(t, listener.Subscribe("/pressure", stringType, func(m interface{}) {
		<-gate
		mu.Lock()
		received = append(received, m.(*stringMsg).Data)
		mu.Unlock()
	}, 1))

	<-connected

	for i := 0; i < 3; i++ {
		require.NoError(t, talker.Publish("/pressure", stringMsg{Data: fmt.Sprintf("m%d", i)}))
	}

	// Let the callback consume one message at a time.
	for i := 0; i < 3; i++ {
		gate <- struct{}{}
	}

	waitUntil(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 3
	}, "all three messages to be consumed")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"m0", "m1", "m2"}, received)
}

func TestPublishNoSubscribers(t *testing.T) {
	reg := startTestRegistry(t)
	talker := newTestSession(t, "talker", reg)

	require.NoError(t, talker.Advertise("/lonely", stringType, nil))
	require.NoError(t, talker.Publish("/lonely", stringMsg{Data: "anyone?"}))
}

func TestDuplicateAdvertise(t *testing.T) {
	reg := startTestRegistry(t)
	talker := newTestSession(t, "talker", reg)

	require.NoError(t, talker.Advertise("/dup", stringType, nil))

	err := talker.Advertise("/dup", stringType, nil)
	require.Error(t, err)
	assert.True(t, Is(err, DuplicateRegistration))
}

func TestPublishUnknownTopic(t *testing.T) {
	reg := startTestRegistry(t)
	talker := newTestSession(t, "talker", reg)

	err := talker.Publish("/nowhere", stringMsg{Data: "x"})
	require.Error(t, err)
	assert.True(t, Is(err, UnknownTopicOrService))
}

func TestUnadvertiseReadvertise(t *testing.T) {
	reg := startTestRegistry(t)
	talker := newTestSession(t, "talker", reg)
	listener := newTestSession(t, "listener", reg)

	connected := make(chan string, 1)
	require.NoError(t, talker.Advertise("/cycle", stringType, func(caller string) {
		connected <- caller
	}))
	require.NoError(t, listener.Subscribe("/cycle", stringType, func(interface{}) {}, 0))
	<-connected

	require.NoError(t, talker.Unadvertise("/cycle"))

	err := talker.Unadvertise("/cycle")
	require.Error(t, err)
	assert.True(t, Is(err, UnknownTopicOrService))

	// Drop the subscriber so re-advertising does not immediately trigger a
	// reconnect through the registry.
	require.NoError(t, listener.Unsubscribe("/cycle"))

	// Re-advertising starts from an empty connection set.
	require.NoError(t, talker.Advertise("/cycle", stringType, nil))

	talker.mu.Lock()
	pub := talker.publications["/cycle"]
	talker.mu.Unlock()
	assert.Zero(t, pub.numSubscribers())
}

func TestChecksumMismatchRejected(t *testing.T) {
	reg := startTestRegistry(t)
	talker := newTestSession(t, "talker", reg)
	listener := newTestSession(t, "listener", reg)

	require.NoError(t, talker.Advertise("/strict", stringType, nil))

	var delivered int32
	mismatched := msg.NewType("test/String", numberMsg{})
	require.NoError(t, listener.Subscribe("/strict", mismatched, func(interface{}) {
		atomic.AddInt32(&delivered, 1)
	}, 0))

	// The handshake is rejected, so the publisher never gains a connection
	// and no message ever reaches the callback.
	time.Sleep(200 * time.Millisecond)

	talker.mu.Lock()
	pub := talker.publications["/strict"]
	talker.mu.Unlock()
	assert.Zero(t, pub.numSubscribers())

	require.NoError(t, talker.Publish("/strict", stringMsg{Data: "x"}))
	time.Sleep(100 * time.Millisecond)

	assert.Zero(t, atomic.LoadInt32(&delivered))
}

func TestParamRoundTrip(t *testing.T) {
	reg := startTestRegistry(t)
	session := newTestSession(t, "n1", reg)

	require.NoError(t, session.SetParam("/speed", 2.5))

	found, err := session.HasParam("/speed")
	require.NoError(t, err)
	assert.True(t, found)

	value, err := session.GetParam("/speed")
	require.NoError(t, err)
	assert.Equal(t, 2.5, value)

	require.NoError(t, session.DeleteParam("/speed"))

	found, err = session.HasParam("/speed")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestParamOverridesApplied(t *testing.T) {
	reg := startTestRegistry(t)

	conf := config.NewTestConfig(t, common.TestLogLevel)
	conf.RegistryURL = reg.URL()
	conf.BindAddr = "127.0.0.1:0"
	conf.CallbackAddr = "127.0.0.1:0"
	conf.Params = []string{"/frame=map", "/use_lidar=true"}

	session := NewSession(conf)
	require.NoError(t, session.Start("n1"))
	t.Cleanup(session.Shutdown)

	value, err := session.GetParam("/frame")
	require.NoError(t, err)
	assert.Equal(t, "map", value)
}

func TestSimTime(t *testing.T) {
	reg := startTestRegistry(t)

	conf := config.NewTestConfig(t, common.TestLogLevel)
	conf.RegistryURL = reg.URL()
	conf.BindAddr = "127.0.0.1:0"
	conf.CallbackAddr = "127.0.0.1:0"
	conf.SimTime = true

	session := NewSession(conf)
	require.NoError(t, session.Start("sim"))
	t.Cleanup(session.Shutdown)

	clock := newTestSession(t, "clock", reg)
	require.NoError(t, clock.Advertise(config.ClockTopic, msg.ClockType, nil))

	stamp := time.Date(2020, 6, 1, 12, 0, 0, 0, time.UTC)

	// Keep publishing until the subscriber has caught the value; the
	// connection may still be establishing.
	waitUntil(t, 5*time.Second, func() bool {
		clock.Publish(config.ClockTopic, msg.Clock{Sec: stamp.Unix(), NSec: 0})
		return session.Now().Equal(stamp)
	}, "simulated time to take effect")
}

func TestShutdownComplete(t *testing.T) {
	reg := startTestRegistry(t)
	session := newTestSession(t, "n1", reg)

	require.NoError(t, session.Advertise("/a", stringType, nil))
	require.NoError(t, session.Advertise("/b", stringType, nil))
	require.NoError(t, session.Subscribe("/c", stringType, func(interface{}) {}, 0))
	require.NoError(t, session.RegisterService("/svc", numberType, numberType, func(req interface{}) (interface{}, error) {
		return numberMsg{}, nil
	}))

	session.Shutdown()
	assert.Equal(t, Shutdown, session.getState())

	// The session is gone; every operation reports it.
	err := session.Publish("/a", stringMsg{Data: "x"})
	assert.True(t, Is(err, NotRunning))

	// Shutdown is idempotent.
	session.Shutdown()
}

func TestShutdownDuringFailingSubscribe(t *testing.T) {
	// A registry that answers everything except registerSubscriber, which it
	// holds until released and then rejects. This leaves a subscription in
	// the session maps whose registration is still in flight.
	release := make(chan struct{})
	var inFlight int32

	mux := http.NewServeMux()
	mux.HandleFunc("/api/registerSubscriber", func(w http.ResponseWriter, r *http.Request) {
		atomic.StoreInt32(&inFlight, 1)
		<-release
		http.Error(w, "registry going away", http.StatusInternalServerError)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("{}"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conf := config.NewTestConfig(t, common.TestLogLevel)
	conf.RegistryURL = srv.URL
	conf.BindAddr = "127.0.0.1:0"
	conf.CallbackAddr = "127.0.0.1:0"

	session := NewSession(conf)
	require.NoError(t, session.Start("n1"))

	subErr := make(chan error, 1)
	go func() {
		subErr <- session.Subscribe("/stalled", stringType, func(interface{}) {}, 0)
	}()

	waitUntil(t, 5*time.Second, func() bool {
		return atomic.LoadInt32(&inFlight) == 1
	}, "registration to be in flight")

	done := make(chan struct{})
	go func() {
		session.Shutdown()
		close(done)
	}()

	// Let shutdown snapshot the half-registered subscription before the
	// registry call comes back with its failure.
	time.Sleep(100 * time.Millisecond)
	close(release)

	select {
	case err := <-subErr:
		require.Error(t, err)
		assert.True(t, Is(err, RegistryUnreachable))
	case <-time.After(5 * time.Second):
		t.Fatal("subscribe never returned")
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete after a failing subscribe")
	}
}

func TestShutdownClosesConnections(t *testing.T) {
	reg := startTestRegistry(t)
	talker := newTestSession(t, "talker", reg)
	listener := newTestSession(t, "listener", reg)

	connected := make(chan string, 1)
	require.NoError(t, talker.Advertise("/wired", stringType, func(caller string) {
		connected <- caller
	}))
	require.NoError(t, listener.Subscribe("/wired", stringType, func(interface{}) {}, 0))
	<-connected

	talker.mu.Lock()
	pub := talker.publications["/wired"]
	talker.mu.Unlock()
	require.Equal(t, 1, pub.numSubscribers())

	listener.mu.Lock()
	sub := listener.subscriptions["/wired"]
	listener.mu.Unlock()
	waitUntil(t, 5*time.Second, func() bool {
		return sub.numPublishers() == 1
	}, "subscriber to record the publisher connection")

	// Tearing the subscriber down closes its end of the stream; the
	// publisher observes it and drops the connection.
	listener.Shutdown()
	waitUntil(t, 5*time.Second, func() bool {
		return pub.numSubscribers() == 0
	}, "publisher to drop the closed connection")

	// And the publisher going away unwinds the subscriber's read loop.
	second := newTestSession(t, "listener2", reg)
	require.NoError(t, second.Subscribe("/wired", stringType, func(interface{}) {}, 0))
	<-connected

	second.mu.Lock()
	sub2 := second.subscriptions["/wired"]
	second.mu.Unlock()
	waitUntil(t, 5*time.Second, func() bool {
		return sub2.numPublishers() == 1
	}, "second subscriber to connect")

	talker.Shutdown()
	waitUntil(t, 5*time.Second, func() bool {
		return sub2.numPublishers() == 0
	}, "subscriber to drop the dead publisher")
}

func TestClosedPublicationRejectsSubscriber(t *testing.T) {
	pub := newPublication("/late", stringType, nil, common.NewTestEntry(t, common.TestLogLevel))
	pub.close()

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	assert.False(t, pub.addSubscriber(server, "latecomer"))
	assert.Zero(t, pub.numSubscribers())
}

func TestShutdownStopsNewRoutines(t *testing.T) {
	reg := startTestRegistry(t)
	session := newTestSession(t, "n1", reg)

	session.Shutdown()

	assert.False(t, session.goFunc(func() {}))
}

func TestShutdownWithUnreachableRegistry(t *testing.T) {
	reg := startTestRegistry(t)

	conf := config.NewTestConfig(t, common.TestLogLevel)
	conf.RegistryURL = reg.URL()
	conf.BindAddr = "127.0.0.1:0"
	conf.CallbackAddr = "127.0.0.1:0"

	session := NewSession(conf)
	require.NoError(t, session.Start("n1"))

	require.NoError(t, session.Advertise("/a", stringType, nil))
	require.NoError(t, session.Subscribe("/b", stringType, func(interface{}) {}, 0))

	// Teardown must complete even when every unregistration fails.
	reg.Shutdown()

	done := make(chan struct{})
	go func() {
		session.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("shutdown did not complete with unreachable registry")
	}
}

func TestStartTwice(t *testing.T) {
	reg := startTestRegistry(t)
	session := newTestSession(t, "n1", reg)

	require.Error(t, session.Start("n1"))
}

func TestPortScan(t *testing.T) {
	// Occupy a port, then ask the scan to start there; it must land on a
	// higher one.
	first, err := listenScan("127.0.0.1:0", 1)
	require.NoError(t, err)
	defer first.Close()

	addr := first.Addr().String()
	second, err := listenScan(addr, 8)
	require.NoError(t, err)
	defer second.Close()

	assert.NotEqual(t, addr, second.Addr().String())

	// With no headroom the scan reports exhaustion.
	_, err = listenScan(addr, 1)
	require.Error(t, err)
}
