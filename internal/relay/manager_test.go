package relay

import (
	"bufio"
	"context"
	"errors"
	"math"
	"net"
	"reflect"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bardlex/gomp-relay/internal/config"
	"github.com/bardlex/gomp-relay/internal/stratum"
	"github.com/bardlex/gomp-relay/pkg/log"
)

type fakeResolver struct {
	hosts map[string][]string
}

func (r *fakeResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	if addrs, ok := r.hosts[host]; ok {
		return addrs, nil
	}
	return nil, errors.New("no such host")
}

// fakePool is a loopback upstream that hands accepted sockets to the test.
type fakePool struct {
	ln    net.Listener
	conns chan net.Conn
}

func newFakePool(t *testing.T) *fakePool {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	p := &fakePool{ln: ln, conns: make(chan net.Conn, 8)}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			p.conns <- c
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return p
}

func (p *fakePool) port() int { return p.ln.Addr().(*net.TCPAddr).Port }

func (p *fakePool) target(host string) config.RelayTarget {
	return config.RelayTarget{Enabled: true, URL: host, Port: p.port(), WorkerID: "worker", Password: "x", RefreshInterval: 1000}
}

func (p *fakePool) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-p.conns:
		t.Cleanup(func() { _ = c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("upstream never saw a connection")
		return nil
	}
}

func readRequest(t *testing.T, r *bufio.Reader, conn net.Conn) *stratum.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := r.ReadBytes('\n')
	if err != nil {
		t.Fatalf("reading upstream request: %v", err)
	}
	env, err := stratum.DecodeEnvelope(line)
	if err != nil {
		t.Fatal(err)
	}
	return env
}

func testConfig(targets ...config.RelayTarget) Config {
	cfg := DefaultConfig(targets)
	cfg.DialTimeout = time.Second
	cfg.FirstByteTimeout = 200 * time.Millisecond
	cfg.FrameTimeout = time.Second
	return cfg
}

func newTestManager(cfg Config, relaying bool, hosts map[string][]string) *Manager {
	return NewManager(cfg, NewState(relaying), nil, &fakeResolver{hosts: hosts}, log.Nop())
}

func TestSwitchUpstream_AllFail(t *testing.T) {
	targets := []config.RelayTarget{
		{URL: "a", Port: 1}, {URL: "b", Port: 2}, {URL: "c", Port: 3},
	}
	m := newTestManager(testConfig(targets...), true, nil)
	m.SetExternalDiff(16)

	var ids []int
	m.Events().On(UpstreamSwitched, func(ev Event) { ids = append(ids, ev.PoolID) })

	if m.SwitchUpstream(context.Background()) {
		t.Fatal("switch should fail with no reachable pool")
	}
	if want := []int{1, 2, 0}; !reflect.DeepEqual(ids, want) {
		t.Errorf("switched through %v, want %v", ids, want)
	}
	if m.State().IsRelaying() {
		t.Error("relaying should stop when no upstream is available")
	}
	if !math.IsInf(m.ExternalDiff(), 1) {
		t.Errorf("external difficulty = %v, want +Inf", m.ExternalDiff())
	}
}

func TestSwitchUpstream_SkipsUnreachable(t *testing.T) {
	pool := newFakePool(t)
	targets := []config.RelayTarget{pool.target("up-a"), pool.target("down"), pool.target("up-b")}
	m := newTestManager(testConfig(targets...), true, map[string][]string{
		"up-a": {"127.0.0.1"},
		"up-b": {"127.0.0.1"},
	})
	t.Cleanup(m.Close)

	var ids []int
	m.Events().On(UpstreamSwitched, func(ev Event) { ids = append(ids, ev.PoolID) })

	if !m.SwitchUpstream(context.Background()) {
		t.Fatal("switch failed")
	}
	if want := []int{1, 2}; !reflect.DeepEqual(ids, want) {
		t.Errorf("switched through %v, want %v", ids, want)
	}
	if m.PoolID() != 2 || !m.IsConnected() {
		t.Errorf("pool %d connected=%v, want pool 2 connected", m.PoolID(), m.IsConnected())
	}
	if got, want := m.Endpoint(), net.JoinHostPort("127.0.0.1", strconv.Itoa(pool.port())); got != want {
		t.Errorf("endpoint = %q, want %q", got, want)
	}
	pool.accept(t)
}

func TestSubscribe_Connects(t *testing.T) {
	pool := newFakePool(t)
	m := newTestManager(testConfig(pool.target("pool")), true, map[string][]string{"pool": {"127.0.0.1"}})
	t.Cleanup(m.Close)

	sent := 0
	m.Events().On(RequestSent, func(Event) { sent++ })

	if !m.Subscribe(context.Background()) {
		t.Fatal("subscribe failed")
	}
	conn := pool.accept(t)
	env := readRequest(t, bufio.NewReader(conn), conn)
	if env.Method != stratum.MethodSubscribe {
		t.Errorf("method = %q", env.Method)
	}
	if id, _ := env.NumericID(); id != stratum.IDSubscribe {
		t.Errorf("id = %d", id)
	}
	if string(env.Params) != `["`+stratum.ClientVersion+`"]` {
		t.Errorf("params = %s", env.Params)
	}
	if sent != 1 {
		t.Errorf("RequestSent raised %d times", sent)
	}
	if m.ConnState() != Connected {
		t.Errorf("state = %s", m.ConnState())
	}
}

func TestRequest_WhenDisconnectedSubscribesFirst(t *testing.T) {
	pool := newFakePool(t)
	m := newTestManager(testConfig(pool.target("pool")), true, map[string][]string{"pool": {"127.0.0.1"}})
	t.Cleanup(m.Close)

	if m.Authorize(context.Background()) {
		t.Error("authorize on a fresh socket should not be sent")
	}
	conn := pool.accept(t)
	r := bufio.NewReader(conn)
	if env := readRequest(t, r, conn); env.Method != stratum.MethodSubscribe {
		t.Fatalf("first request = %q, want subscribe", env.Method)
	}

	if !m.Authorize(context.Background()) {
		t.Fatal("authorize on a live socket failed")
	}
	env := readRequest(t, r, conn)
	if env.Method != stratum.MethodAuthorize || string(env.Params) != `["worker","x"]` {
		t.Errorf("got %s %s", env.Method, env.Params)
	}

	if !m.MiningSubmit(context.Background(), "j1", "abab0011", "6620f5e7", "deadbeef") {
		t.Fatal("submit failed")
	}
	env = readRequest(t, r, conn)
	if env.Method != stratum.MethodSubmit || string(env.Params) != `["worker","j1","abab0011","6620f5e7","deadbeef"]` {
		t.Errorf("got %s %s", env.Method, env.Params)
	}
}

func TestReceive_ReassemblesFrame(t *testing.T) {
	pool := newFakePool(t)
	m := newTestManager(testConfig(pool.target("pool")), true, map[string][]string{"pool": {"127.0.0.1"}})
	t.Cleanup(m.Close)

	if !m.Subscribe(context.Background()) {
		t.Fatal("subscribe failed")
	}
	conn := pool.accept(t)
	readRequest(t, bufio.NewReader(conn), conn)

	go func() {
		_, _ = conn.Write([]byte(`{"id":1,"result":`))
		time.Sleep(150 * time.Millisecond)
		_, _ = conn.Write([]byte(`true,"error":null}` + "\n"))
	}()

	data, err := m.Receive(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"id":1,"result":true,"error":null}` + "\n"; string(data) != want {
		t.Errorf("Receive = %q, want %q", data, want)
	}
}

func TestReceive_EmptyPollsRecycle(t *testing.T) {
	pool := newFakePool(t)
	cfg := testConfig(pool.target("pool"))
	cfg.FirstByteTimeout = 20 * time.Millisecond
	cfg.MaxFailedPolls = 2
	m := newTestManager(cfg, true, map[string][]string{"pool": {"127.0.0.1"}})
	t.Cleanup(m.Close)

	if !m.Subscribe(context.Background()) {
		t.Fatal("subscribe failed")
	}
	first := pool.accept(t)
	readRequest(t, bufio.NewReader(first), first)

	for i := 0; i < cfg.MaxFailedPolls; i++ {
		data, err := m.Receive(context.Background())
		if err != nil || data != nil {
			t.Fatalf("poll %d = %q, %v", i, data, err)
		}
	}

	second := pool.accept(t)
	if env := readRequest(t, bufio.NewReader(second), second); env.Method != stratum.MethodSubscribe {
		t.Errorf("recycled socket sent %q, want subscribe", env.Method)
	}
}

func TestReceive_IdleTimeoutRecycles(t *testing.T) {
	pool := newFakePool(t)
	cfg := testConfig(pool.target("pool"))
	cfg.IdleTimeout = time.Minute
	m := newTestManager(cfg, true, map[string][]string{"pool": {"127.0.0.1"}})
	t.Cleanup(m.Close)

	var mu sync.Mutex
	now := time.Unix(1713571767, 0)
	m.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	if _, err := m.Receive(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-pool.conns:
		t.Fatal("a single empty poll should not reconnect")
	case <-time.After(50 * time.Millisecond):
	}

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	if _, err := m.Receive(context.Background()); err != nil {
		t.Fatal(err)
	}
	conn := pool.accept(t)
	if env := readRequest(t, bufio.NewReader(conn), conn); env.Method != stratum.MethodSubscribe {
		t.Errorf("stalled upstream sent %q, want subscribe", env.Method)
	}
}

func TestReceive_Cancel(t *testing.T) {
	pool := newFakePool(t)
	cfg := testConfig(pool.target("pool"))
	cfg.FirstByteTimeout = 10 * time.Second
	m := newTestManager(cfg, true, map[string][]string{"pool": {"127.0.0.1"}})
	t.Cleanup(m.Close)

	if !m.Subscribe(context.Background()) {
		t.Fatal("subscribe failed")
	}
	pool.accept(t)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := m.Receive(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Receive error = %v, want context.Canceled", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("Receive did not return promptly on cancel")
	}
}

// lateDeadlineConn cancels the read context on the first SetReadDeadline and
// applies that deadline only after the cancel hook has set its own, so the
// hook's immediate deadline is overwritten.
type lateDeadlineConn struct {
	net.Conn
	cancel    context.CancelFunc
	first     sync.Once
	hookOnce  sync.Once
	hookFired chan struct{}
}

func (c *lateDeadlineConn) SetReadDeadline(t time.Time) error {
	first := false
	c.first.Do(func() { first = true })
	if !first {
		err := c.Conn.SetReadDeadline(t)
		c.hookOnce.Do(func() { close(c.hookFired) })
		return err
	}
	c.cancel()
	<-c.hookFired
	return c.Conn.SetReadDeadline(t)
}

func TestReceive_CancelBeforeDeadline(t *testing.T) {
	cfg := testConfig()
	cfg.FirstByteTimeout = 10 * time.Second
	m := newTestManager(cfg, true, nil)

	client, server := net.Pipe()
	t.Cleanup(func() { _ = client.Close(); _ = server.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	conn := &lateDeadlineConn{Conn: client, cancel: cancel, hookFired: make(chan struct{})}

	done := make(chan error, 1)
	go func() {
		_, err := m.read(ctx, conn)
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("read error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("read blocked past a cancel that raced the deadline")
	}
}

func TestWatch_StatusChange(t *testing.T) {
	pool := newFakePool(t)
	m := newTestManager(testConfig(pool.target("pool")), false, map[string][]string{"pool": {"127.0.0.1"}})
	t.Cleanup(m.Close)

	var events []Event
	m.Events().On(StatusChanged, func(ev Event) { events = append(events, ev) })

	m.watch(context.Background())
	if len(events) != 0 {
		t.Fatalf("unchanged state raised %v", events)
	}

	m.SetRelay(true)
	m.watch(context.Background())
	if len(events) != 1 || !events[0].Relaying {
		t.Fatalf("events = %+v", events)
	}
	conn := pool.accept(t)
	if env := readRequest(t, bufio.NewReader(conn), conn); env.Method != stratum.MethodSubscribe {
		t.Errorf("relay start sent %q, want subscribe", env.Method)
	}

	m.SetExtraNonce("deadbeef", 4)
	m.SetRelay(false)
	m.watch(context.Background())
	if len(events) != 2 || events[1].Relaying {
		t.Fatalf("events = %+v", events)
	}
	if !m.HasDefaultExtraNonce1() {
		t.Error("relay stop should reset extranonce1")
	}
	if m.IsConnected() {
		t.Error("relay stop should close the upstream socket")
	}
}

func TestWatch_ManualSwitchFailure(t *testing.T) {
	m := newTestManager(testConfig(config.RelayTarget{URL: "a", Port: 1}, config.RelayTarget{URL: "b", Port: 2}), true, nil)

	m.ManualSwitchUpstream()
	m.watch(context.Background())

	if m.State().IsRelaying() {
		t.Error("failed manual switch should stop relaying")
	}
	if m.State().ManualSwitchPending() {
		t.Error("manual switch request should be consumed")
	}
}

func TestStatus(t *testing.T) {
	m := newTestManager(testConfig(config.RelayTarget{URL: "pool.example", Port: 3333}), true, nil)
	st := m.Status()
	if !st.Relaying || st.Target != "pool.example:3333" || st.State != Disconnected {
		t.Errorf("status = %+v", st)
	}
	if st.UptimeString() != "-" {
		t.Errorf("uptime = %q", st.UptimeString())
	}
	if st.ExtraNonce1 != DefaultExtraNonce1 {
		t.Errorf("extranonce1 = %q", st.ExtraNonce1)
	}
}

func TestConnStateString(t *testing.T) {
	for s, want := range map[ConnState]string{
		Disconnected: "disconnected",
		Connecting:   "connecting",
		Connected:    "connected",
		Subscribed:   "subscribed",
		Authorized:   "authorized",
		ConnState(9): "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(s), got, want)
		}
	}
}
