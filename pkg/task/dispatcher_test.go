package task

import (
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcfleet/cnapi/pkg/cnclock"
	"github.com/dcfleet/cnapi/pkg/server"
	"github.com/dcfleet/cnapi/pkg/storage"
	"github.com/dcfleet/cnapi/pkg/types"
)

type dispatcherEnv struct {
	dispatcher *Dispatcher
	servers    *server.Store
	store      storage.Store
}

func newDispatcherEnv(t *testing.T, clk cnclock.Clock) *dispatcherEnv {
	t.Helper()
	st, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	servers := server.New(server.Config{Store: st, Clock: clk, Datacenter: "dc-test"})
	dispatcher := NewDispatcher(DispatcherConfig{
		Store:   st,
		Servers: servers,
		Clock:   clk,
	})
	return &dispatcherEnv{dispatcher: dispatcher, servers: servers, store: st}
}

// createAgentServer registers a compute node whose sysinfo points at
// the given test agent
func (e *dispatcherEnv) createAgentServer(t *testing.T, uuid, agentURL string) {
	t.Helper()
	u, err := url.Parse(agentURL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	_, _, err = e.servers.Upsert(uuid, server.Props{
		"sysinfo": map[string]interface{}{
			"Admin IP":      host,
			"CN Agent Port": port,
		},
	}, server.UpsertOptions{AllowCreate: true})
	require.NoError(t, err)
}

func TestDispatchCompletes(t *testing.T) {
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/tasks", r.URL.Path)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer agent.Close()

	env := newDispatcherEnv(t, cnclock.New())
	env.createAgentServer(t, "cn1", agent.URL)

	done := make(chan []byte, 1)
	status, err := env.dispatcher.Dispatch(DispatchRequest{
		Task:       "machine_create",
		Params:     map[string]interface{}{"image": "base-64"},
		ServerUUID: "cn1",
		ReqID:      "req-1",
		Persist:    true,
		SyncCB: func(err error, body []byte) {
			assert.NoError(t, err)
			done <- body
		},
	})
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateActive, status.Status)
	assert.NotEmpty(t, status.ID)

	select {
	case body := <-done:
		assert.JSONEq(t, `{"ok":true}`, string(body))
	case <-time.After(5 * time.Second):
		t.Fatal("task did not complete")
	}

	final, err := env.dispatcher.GetTask(status.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateComplete, final.Status)
	require.Len(t, final.History, 1)
	assert.Equal(t, "finish", final.History[0].Name)
}

func TestDispatchAgentErrorFails(t *testing.T) {
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "task agent on fire", http.StatusInternalServerError)
	}))
	defer agent.Close()

	env := newDispatcherEnv(t, cnclock.New())
	env.createAgentServer(t, "cn1", agent.URL)

	done := make(chan error, 1)
	status, err := env.dispatcher.Dispatch(DispatchRequest{
		Task:       "machine_create",
		ServerUUID: "cn1",
		Persist:    true,
		SyncCB:     func(err error, body []byte) { done <- err },
	})
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("task did not settle")
	}

	final, err := env.dispatcher.GetTask(status.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateFailure, final.Status)
	require.Len(t, final.History, 2)
	assert.Equal(t, "error", final.History[0].Name)
	assert.Equal(t, "finish", final.History[1].Name)
}

func TestDispatchReturnsStableSnapshot(t *testing.T) {
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer agent.Close()

	env := newDispatcherEnv(t, cnclock.New())
	env.createAgentServer(t, "cn1", agent.URL)

	done := make(chan struct{})
	status, err := env.dispatcher.Dispatch(DispatchRequest{
		Task:       "machine_create",
		ServerUUID: "cn1",
		Persist:    true,
		SyncCB:     func(error, []byte) { close(done) },
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not complete")
	}

	// The returned status is the dispatch-time snapshot; completion
	// settles only the persisted row
	assert.Equal(t, types.TaskStateActive, status.Status)
	assert.Empty(t, status.History)

	final, err := env.dispatcher.GetTask(status.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateComplete, final.Status)
}

func TestDispatchUnknownServer(t *testing.T) {
	env := newDispatcherEnv(t, cnclock.New())

	_, err := env.dispatcher.Dispatch(DispatchRequest{Task: "noop", ServerUUID: "cn-missing"})
	assert.ErrorIs(t, err, server.ErrNotFound)
}

func TestDispatchServerWithoutAdminIP(t *testing.T) {
	env := newDispatcherEnv(t, cnclock.New())
	_, _, err := env.servers.Upsert("cn1", server.Props{}, server.UpsertOptions{AllowCreate: true})
	require.NoError(t, err)

	_, err = env.dispatcher.Dispatch(DispatchRequest{Task: "noop", ServerUUID: "cn1"})
	assert.Error(t, err)
}

func TestWaitForTaskCoalescesWaiters(t *testing.T) {
	release := make(chan struct{})
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte(`{}`))
	}))
	defer agent.Close()

	env := newDispatcherEnv(t, cnclock.New())
	env.createAgentServer(t, "cn1", agent.URL)

	status, err := env.dispatcher.Dispatch(DispatchRequest{Task: "noop", ServerUUID: "cn1"})
	require.NoError(t, err)

	const waiters = 3
	results := make(chan waitResult, waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			ts, err := env.dispatcher.WaitForTask(status.ID, 30*time.Second)
			results <- waitResult{status: ts, err: err}
		}()
	}

	require.Eventually(t, func() bool {
		return env.dispatcher.waiterCount(status.ID) == waiters
	}, 5*time.Second, 10*time.Millisecond)

	close(release)

	for i := 0; i < waiters; i++ {
		select {
		case res := <-results:
			require.NoError(t, res.err)
			require.NotNil(t, res.status)
			assert.Equal(t, types.TaskStateComplete, res.status.Status)
		case <-time.After(5 * time.Second):
			t.Fatal("waiter did not fire")
		}
	}
	assert.Equal(t, 0, env.dispatcher.waiterCount(status.ID))
}

func TestWaitForTaskTimeout(t *testing.T) {
	release := make(chan struct{})
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte(`{}`))
	}))
	defer agent.Close()

	clk := cnclock.NewFake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	env := newDispatcherEnv(t, clk)
	env.createAgentServer(t, "cn1", agent.URL)

	status, err := env.dispatcher.Dispatch(DispatchRequest{Task: "noop", ServerUUID: "cn1"})
	require.NoError(t, err)

	results := make(chan waitResult, 1)
	go func() {
		ts, err := env.dispatcher.WaitForTask(status.ID, 2*time.Second)
		results <- waitResult{status: ts, err: err}
	}()

	require.Eventually(t, func() bool {
		return env.dispatcher.waiterCount(status.ID) == 1
	}, 5*time.Second, 10*time.Millisecond)

	clk.Advance(3 * time.Second)

	select {
	case res := <-results:
		assert.ErrorIs(t, res.err, ErrWaitTimeout)
		assert.Nil(t, res.status)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout did not fire")
	}
	assert.Equal(t, 0, env.dispatcher.waiterCount(status.ID))

	// The task completing afterwards finds no waiters and caches the
	// result for late arrivals
	close(release)
	require.Eventually(t, func() bool {
		return env.dispatcher.cachedTask(status.ID)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWaitForTaskConfiguredDefaultTimeout(t *testing.T) {
	release := make(chan struct{})
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte(`{}`))
	}))
	defer agent.Close()
	defer close(release)

	clk := cnclock.NewFake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	st, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	servers := server.New(server.Config{Store: st, Clock: clk, Datacenter: "dc-test"})
	dispatcher := NewDispatcher(DispatcherConfig{
		Store:              st,
		Servers:            servers,
		Clock:              clk,
		DefaultWaitTimeout: 2 * time.Second,
	})
	env := &dispatcherEnv{dispatcher: dispatcher, servers: servers, store: st}
	env.createAgentServer(t, "cn1", agent.URL)

	status, err := env.dispatcher.Dispatch(DispatchRequest{Task: "noop", ServerUUID: "cn1"})
	require.NoError(t, err)

	// No explicit deadline: the configured default applies
	results := make(chan waitResult, 1)
	go func() {
		ts, err := env.dispatcher.WaitForTask(status.ID, 0)
		results <- waitResult{status: ts, err: err}
	}()

	require.Eventually(t, func() bool {
		return env.dispatcher.waiterCount(status.ID) == 1
	}, 5*time.Second, 10*time.Millisecond)

	clk.Advance(3 * time.Second)

	select {
	case res := <-results:
		assert.ErrorIs(t, res.err, ErrWaitTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("configured default timeout did not fire")
	}
}

func TestCompletionBeforeWaitServedFromCache(t *testing.T) {
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer agent.Close()

	clk := cnclock.NewFake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	env := newDispatcherEnv(t, clk)
	env.createAgentServer(t, "cn1", agent.URL)

	done := make(chan struct{})
	status, err := env.dispatcher.Dispatch(DispatchRequest{
		Task:       "noop",
		ServerUUID: "cn1",
		SyncCB:     func(error, []byte) { close(done) },
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not complete")
	}
	require.True(t, env.dispatcher.cachedTask(status.ID))

	// A waiter arriving after completion sees the cached outcome
	// without blocking
	ts, err := env.dispatcher.WaitForTask(status.ID, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateComplete, ts.Status)

	// The cache entry evicts itself after the TTL
	clk.Advance(2 * time.Hour)
	assert.False(t, env.dispatcher.cachedTask(status.ID))
}

func TestWaitTimeoutLeavesOtherWaiters(t *testing.T) {
	release := make(chan struct{})
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte(`{}`))
	}))
	defer agent.Close()

	clk := cnclock.NewFake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	env := newDispatcherEnv(t, clk)
	env.createAgentServer(t, "cn1", agent.URL)

	status, err := env.dispatcher.Dispatch(DispatchRequest{Task: "noop", ServerUUID: "cn1"})
	require.NoError(t, err)

	var timedOut, settled int32
	short := make(chan struct{})
	long := make(chan struct{})
	go func() {
		_, err := env.dispatcher.WaitForTask(status.ID, 2*time.Second)
		if err == ErrWaitTimeout {
			atomic.AddInt32(&timedOut, 1)
		}
		close(short)
	}()
	go func() {
		ts, err := env.dispatcher.WaitForTask(status.ID, time.Hour)
		if err == nil && ts.Status == types.TaskStateComplete {
			atomic.AddInt32(&settled, 1)
		}
		close(long)
	}()

	require.Eventually(t, func() bool {
		return env.dispatcher.waiterCount(status.ID) == 2
	}, 5*time.Second, 10*time.Millisecond)

	// Only the short deadline passes
	clk.Advance(3 * time.Second)
	select {
	case <-short:
	case <-time.After(5 * time.Second):
		t.Fatal("short waiter did not time out")
	}
	assert.Equal(t, 1, env.dispatcher.waiterCount(status.ID))

	close(release)
	select {
	case <-long:
	case <-time.After(5 * time.Second):
		t.Fatal("long waiter did not settle")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&timedOut))
	assert.Equal(t, int32(1), atomic.LoadInt32(&settled))
}
