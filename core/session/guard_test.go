package session

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

const refreshPath = "/users/refresh"

type reply struct {
	code int
	body string
}

// scriptedBackend answers each path with the next reply of its script (repeating the last one).
type scriptedBackend struct {
	*httptest.Server
	mu      sync.Mutex
	scripts map[string][]reply
	hits    map[string]int
	bodies  map[string][]string
	reqIDs  map[string][]string
	hold    func(path string) // called before answering, if set

	// intercept may answer a request itself by returning true
	intercept func(w http.ResponseWriter, r *http.Request) bool
}

func newScriptedBackend(t *testing.T, scripts map[string][]reply) *scriptedBackend {
	b := &scriptedBackend{
		scripts: scripts,
		hits:    make(map[string]int),
		bodies:  make(map[string][]string),
		reqIDs:  make(map[string][]string),
	}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		intercept := b.intercept
		b.mu.Unlock()
		if intercept != nil && intercept(w, r) {
			return
		}
		b.serve(w, r)
	}))
	t.Cleanup(b.Close)
	return b
}

func (b *scriptedBackend) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	b.mu.Lock()
	n := b.hits[r.URL.Path]
	b.hits[r.URL.Path]++
	b.bodies[r.URL.Path] = append(b.bodies[r.URL.Path], string(body))
	b.reqIDs[r.URL.Path] = append(b.reqIDs[r.URL.Path], r.Header.Get(RequestIDHeader))
	script := b.scripts[r.URL.Path]
	hold := b.hold
	b.mu.Unlock()

	if hold != nil {
		hold(r.URL.Path)
	}
	if len(script) == 0 {
		http.NotFound(w, r)
		return
	}
	if n >= len(script) {
		n = len(script) - 1
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(script[n].code)
	_, _ = io.WriteString(w, script[n].body)
}

func (b *scriptedBackend) Hits(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hits[path]
}

func (b *scriptedBackend) total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int
	for _, h := range b.hits {
		n += h
	}
	return n
}

func newTestGuard(b *scriptedBackend, opts ...func(*GuardOptions)) *Guard {
	o := GuardOptions{
		Client:     b.Client(),
		RefreshURL: b.URL + refreshPath,
		Timeout:    5 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return NewGuard(o)
}

func get(t *testing.T, b *scriptedBackend, path string) *http.Request {
	req, err := http.NewRequest(http.MethodGet, b.URL+path, nil)
	require.NoError(t, err)
	return req
}

func readBody(t *testing.T, resp *http.Response) string {
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

func TestGuard_Fetch_nonAuthStatusIsReturnedUnchanged(t *testing.T) {
	tests := []struct {
		name string
		code int
		body string
	}{
		{name: "ok", code: http.StatusOK, body: `{"result":[]}`},
		{name: "created", code: http.StatusCreated, body: `{"result":{"id":"1"}}`},
		{name: "bad request", code: http.StatusBadRequest, body: `{"error":"title: this field is required"}`},
		{name: "not found", code: http.StatusNotFound, body: `{"error":"not found"}`},
		{name: "server error", code: http.StatusInternalServerError, body: `{"error":"Internal Server Error"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newScriptedBackend(t, map[string][]reply{
				"/cards/admin": {{tt.code, tt.body}},
				refreshPath:    {{http.StatusOK, `{"result":true}`}},
			})
			g := newTestGuard(b)

			resp, err := g.Fetch(context.Background(), get(t, b, "/cards/admin"))
			require.NoError(t, err)
			assert.Equal(t, tt.code, resp.StatusCode)
			assert.Equal(t, tt.body, readBody(t, resp))
			assert.Equal(t, 1, b.total(), "network calls")
		})
	}
}

func TestGuard_Fetch_refreshesThenRetries(t *testing.T) {
	b := newScriptedBackend(t, map[string][]reply{
		"/users/protected": {{http.StatusUnauthorized, `{"error":"user not authenticated"}`}, {http.StatusOK, `{"user":{"id":"42"}}`}},
		refreshPath:        {{http.StatusOK, `{"result":true}`}},
	})
	g := newTestGuard(b)

	resp, err := g.Fetch(context.Background(), get(t, b, "/users/protected"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"user":{"id":"42"}}`, readBody(t, resp))
	assert.Equal(t, 2, b.Hits("/users/protected"))
	assert.Equal(t, 1, b.Hits(refreshPath))
	assert.Equal(t, 3, b.total())
}

func TestGuard_Fetch_refreshRefused(t *testing.T) {
	tests := []struct {
		name              string
		status            int
		refresh           reply
		wantRefreshStatus int
	}{
		{name: "403 then result false", status: http.StatusForbidden, refresh: reply{http.StatusOK, `{"result":false}`}, wantRefreshStatus: http.StatusOK},
		{name: "401 then result false", status: http.StatusUnauthorized, refresh: reply{http.StatusOK, `{"result":false}`}, wantRefreshStatus: http.StatusOK},
		{name: "401 then refresh 401", status: http.StatusUnauthorized, refresh: reply{http.StatusUnauthorized, `{"result":false}`}, wantRefreshStatus: http.StatusUnauthorized},
		{name: "403 then refresh 500", status: http.StatusForbidden, refresh: reply{http.StatusInternalServerError, `oops`}, wantRefreshStatus: http.StatusInternalServerError},
		{name: "401 then empty result", status: http.StatusUnauthorized, refresh: reply{http.StatusOK, `{}`}, wantRefreshStatus: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newScriptedBackend(t, map[string][]reply{
				"/cards/admin": {{tt.status, `{"error":"permission denied"}`}, {http.StatusOK, `{"result":[]}`}},
				refreshPath:    {tt.refresh},
			})
			g := newTestGuard(b)

			resp, err := g.Fetch(context.Background(), get(t, b, "/cards/admin"))
			assert.Nil(t, resp)
			require.Error(t, err)

			var authErr *AuthError
			require.True(t, errors.As(err, &authErr), "want *AuthError, got %T", err)
			assert.Equal(t, tt.status, authErr.Status)
			assert.Equal(t, tt.wantRefreshStatus, authErr.RefreshStatus)
			assert.Equal(t, 1, b.Hits("/cards/admin"), "original request must not be reissued")
			assert.Equal(t, 1, b.Hits(refreshPath))
		})
	}
}

func TestGuard_Fetch_refreshTransportFailure(t *testing.T) {
	b := newScriptedBackend(t, map[string][]reply{
		"/users/protected": {{http.StatusUnauthorized, `{}`}, {http.StatusOK, `{}`}},
	})
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	g := newTestGuard(b, func(o *GuardOptions) { o.RefreshURL = deadURL + refreshPath })

	_, err := g.Fetch(context.Background(), get(t, b, "/users/protected"))
	require.Error(t, err)
	assert.True(t, IsAuthError(err))

	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Error(t, authErr.Err, "transport failure should be kept")
	assert.Equal(t, 0, authErr.RefreshStatus)
	assert.Equal(t, 1, b.Hits("/users/protected"))
}

func TestGuard_Fetch_refreshBadPayload(t *testing.T) {
	b := newScriptedBackend(t, map[string][]reply{
		"/users/protected": {{http.StatusUnauthorized, `{}`}},
		refreshPath:        {{http.StatusOK, `not json`}},
	})
	g := newTestGuard(b)

	_, err := g.Fetch(context.Background(), get(t, b, "/users/protected"))
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Error(t, authErr.Err)
	assert.Equal(t, 1, b.Hits("/users/protected"))
}

func TestGuard_Fetch_noSecondRefresh(t *testing.T) {
	b := newScriptedBackend(t, map[string][]reply{
		"/cards/admin": {{http.StatusForbidden, `{"error":"permission denied"}`}},
		refreshPath:    {{http.StatusOK, `{"result":true}`}},
	})
	var states []CallState
	g := newTestGuard(b, func(o *GuardOptions) {
		o.OnState = func(_ *http.Request, s CallState) { states = append(states, s) }
	})

	resp, err := g.Fetch(context.Background(), get(t, b, "/cards/admin"))
	require.NoError(t, err, "the retried response is returned whatever its status")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	assert.Equal(t, 2, b.Hits("/cards/admin"))
	assert.Equal(t, 1, b.Hits(refreshPath))
	assert.Equal(t, []CallState{StateIssued, StateRefreshing, StateRetried, StateDone}, states)
	assert.Error(t, Classify(resp), "caller can still classify the final response")
}

func TestGuard_Fetch_states(t *testing.T) {
	tests := []struct {
		name    string
		scripts map[string][]reply
		want    []CallState
	}{
		{
			name:    "ok",
			scripts: map[string][]reply{"/p": {{http.StatusOK, `{}`}}},
			want:    []CallState{StateIssued, StateDone},
		},
		{
			name: "refreshed",
			scripts: map[string][]reply{
				"/p":        {{http.StatusUnauthorized, `{}`}, {http.StatusOK, `{}`}},
				refreshPath: {{http.StatusOK, `{"result":true}`}},
			},
			want: []CallState{StateIssued, StateRefreshing, StateRetried, StateDone},
		},
		{
			name: "expired",
			scripts: map[string][]reply{
				"/p":        {{http.StatusUnauthorized, `{}`}},
				refreshPath: {{http.StatusOK, `{"result":false}`}},
			},
			want: []CallState{StateIssued, StateRefreshing, StateExpired},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newScriptedBackend(t, tt.scripts)
			var got []CallState
			g := newTestGuard(b, func(o *GuardOptions) {
				o.OnState = func(_ *http.Request, s CallState) { got = append(got, s) }
			})
			if resp, err := g.Fetch(context.Background(), get(t, b, "/p")); err == nil {
				_ = resp.Body.Close()
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGuard_Fetch_cardsAdminScenario(t *testing.T) {
	cards := `{"result":[{"id":"c1","title":"Fractions","kind":"quiz"}]}`
	b := newScriptedBackend(t, map[string][]reply{
		"/cards/admin": {{http.StatusForbidden, `{"error":"permission denied"}`}, {http.StatusOK, cards}},
		refreshPath:    {{http.StatusOK, `{"result": true}`}},
	})
	g := newTestGuard(b)

	resp, err := g.Fetch(context.Background(), get(t, b, "/cards/admin"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, cards, readBody(t, resp))
	assert.Equal(t, 3, b.total())
}

func TestGuard_Fetch_retryReplaysBodyAndRequestID(t *testing.T) {
	b := newScriptedBackend(t, map[string][]reply{
		"/cards/admin": {{http.StatusUnauthorized, `{}`}, {http.StatusCreated, `{"result":{"id":"c9"}}`}},
		refreshPath:    {{http.StatusOK, `{"result":true}`}},
	})
	g := newTestGuard(b)

	payload := `{"title":"Algebra","subject":"maths","kind":"content"}`
	// a body without GetBody must still be replayable
	req, err := http.NewRequest(http.MethodPost, b.URL+"/cards/admin", io.NopCloser(strings.NewReader(payload)))
	require.NoError(t, err)
	require.Nil(t, req.GetBody)

	resp, err := g.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Equal(t, []string{payload, payload}, b.bodies["/cards/admin"])
	ids := b.reqIDs["/cards/admin"]
	require.Len(t, ids, 2)
	assert.NotEmpty(t, ids[0])
	assert.Equal(t, ids[0], ids[1])
	assert.Empty(t, req.Header.Get(RequestIDHeader), "caller's request must not be mutated")
}

func TestGuard_Fetch_keepsCallerRequestID(t *testing.T) {
	b := newScriptedBackend(t, map[string][]reply{"/p": {{http.StatusOK, `{}`}}})
	g := newTestGuard(b)

	req := get(t, b, "/p")
	req.Header.Set(RequestIDHeader, "req-1")
	resp, err := g.Fetch(context.Background(), req)
	require.NoError(t, err)
	_ = resp.Body.Close()

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Equal(t, []string{"req-1"}, b.reqIDs["/p"])
}

func TestGuard_Fetch_transportFailureIsNotAuthError(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	g := NewGuard(GuardOptions{RefreshURL: deadURL + refreshPath, Timeout: time.Second})
	req, err := http.NewRequest(http.MethodGet, deadURL+"/cards/admin", nil)
	require.NoError(t, err)

	_, err = g.Fetch(context.Background(), req)
	require.Error(t, err)
	assert.False(t, IsAuthError(err))
	assert.False(t, Recover(err, func() { t.Error("onExpire must not be called") }))
}

func TestGuard_Fetch_timeout(t *testing.T) {
	b := newScriptedBackend(t, map[string][]reply{"/slow": {{http.StatusOK, `{}`}}})
	b.hold = func(path string) { time.Sleep(300 * time.Millisecond) }
	g := newTestGuard(b, func(o *GuardOptions) { o.Timeout = 50 * time.Millisecond })

	_, err := g.Fetch(context.Background(), get(t, b, "/slow"))
	require.Error(t, err)
	assert.False(t, IsAuthError(err))
}

func TestGuard_Fetch_refreshLimiter(t *testing.T) {
	b := newScriptedBackend(t, map[string][]reply{
		"/p":        {{http.StatusUnauthorized, `{}`}, {http.StatusOK, `{}`}, {http.StatusUnauthorized, `{}`}},
		refreshPath: {{http.StatusOK, `{"result":true}`}},
	})
	g := newTestGuard(b, func(o *GuardOptions) {
		o.RefreshLimiter = rate.NewLimiter(rate.Every(time.Hour), 1)
	})

	resp, err := g.Fetch(context.Background(), get(t, b, "/p"))
	require.NoError(t, err)
	_ = resp.Body.Close()

	// the limiter has no slot left within the deadline
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = g.Fetch(ctx, get(t, b, "/p"))
	require.Error(t, err)
	assert.True(t, IsAuthError(err))
	assert.Equal(t, 1, b.Hits(refreshPath))
}

func TestGuard_Fetch_concurrentRefreshes(t *testing.T) {
	const calls = 5

	tests := []struct {
		name        string
		dedupe      bool
		wantRefresh int
	}{
		{name: "deduplicated", dedupe: true, wantRefresh: 1},
		{name: "independent", dedupe: false, wantRefresh: calls},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newScriptedBackend(t, map[string][]reply{
				"/p":        {{http.StatusOK, `{}`}},
				refreshPath: {{http.StatusOK, `{"result":true}`}},
			})
			// every call gets 401 first, then 200
			seen := make(map[string]bool)
			b.intercept = func(w http.ResponseWriter, r *http.Request) bool {
				if r.URL.Path != "/p" {
					return false
				}
				id := r.Header.Get(RequestIDHeader)
				b.mu.Lock()
				defer b.mu.Unlock()
				if seen[id] {
					return false
				}
				seen[id] = true
				b.hits["/p"]++
				w.WriteHeader(http.StatusUnauthorized)
				return true
			}

			var refreshing sync.WaitGroup
			refreshing.Add(calls)
			g := newTestGuard(b, func(o *GuardOptions) {
				o.DedupeRefresh = tt.dedupe
				o.OnState = func(_ *http.Request, s CallState) {
					if s == StateRefreshing {
						refreshing.Done()
					}
				}
			})
			// hold the refresh until every call wants one
			b.hold = func(path string) {
				if path == refreshPath {
					refreshing.Wait()
					time.Sleep(50 * time.Millisecond)
				}
			}

			var wg sync.WaitGroup
			errs := make(chan error, calls)
			for i := 0; i < calls; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					resp, err := g.Fetch(context.Background(), get(t, b, "/p"))
					if err != nil {
						errs <- err
						return
					}
					_ = resp.Body.Close()
					if resp.StatusCode != http.StatusOK {
						errs <- errors.Errorf("status %d", resp.StatusCode)
					}
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				t.Error(err)
			}
			assert.Equal(t, tt.wantRefresh, b.Hits(refreshPath))
			assert.Equal(t, 2*calls, b.Hits("/p"))
		})
	}
}

func TestGuard_Refresh(t *testing.T) {
	tests := []struct {
		name    string
		refresh reply
		wantErr bool
	}{
		{name: "renewed", refresh: reply{http.StatusOK, `{"result":true}`}},
		{name: "refused", refresh: reply{http.StatusOK, `{"result":false}`}, wantErr: true},
		{name: "rejected", refresh: reply{http.StatusForbidden, `{"error":"refresh has expired"}`}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newScriptedBackend(t, map[string][]reply{refreshPath: {tt.refresh}})
			g := newTestGuard(b)

			err := g.Refresh(context.Background())
			if tt.wantErr {
				assert.True(t, IsAuthError(err), "err = %v", err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, 1, b.Hits(refreshPath))
		})
	}
}

func TestCallState_String(t *testing.T) {
	assert.Equal(t, "REFRESHING", StateRefreshing.String())
	assert.Equal(t, "UNKNOWN", CallState(99).String())
}

func TestGuard_Fetch_cancelledDuringRefresh(t *testing.T) {
	tests := []struct {
		name   string
		dedupe bool
	}{
		{name: "deduplicated", dedupe: true},
		{name: "independent", dedupe: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newScriptedBackend(t, map[string][]reply{
				"/p":        {{http.StatusUnauthorized, `{}`}},
				refreshPath: {{http.StatusOK, `{"result":true}`}},
			})
			release := make(chan struct{})
			t.Cleanup(func() { close(release) })
			b.hold = func(path string) {
				if path == refreshPath {
					<-release
				}
			}

			var states []CallState
			g := newTestGuard(b, func(o *GuardOptions) {
				o.DedupeRefresh = tt.dedupe
				o.OnState = func(_ *http.Request, s CallState) { states = append(states, s) }
			})

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go func() {
				for b.Hits(refreshPath) == 0 {
					time.Sleep(5 * time.Millisecond)
				}
				cancel()
			}()

			_, err := g.Fetch(ctx, get(t, b, "/p"))
			require.Error(t, err)
			assert.True(t, errors.Is(err, context.Canceled), "err = %v", err)
			assert.False(t, IsAuthError(err))
			assert.False(t, Recover(err, func() { t.Error("onExpire must not be called") }))
			assert.Equal(t, []CallState{StateIssued, StateRefreshing}, states)
			assert.Equal(t, 1, b.Hits("/p"))
		})
	}
}

func TestGuard_Fetch_sharedRefreshOutlivesCancelledCaller(t *testing.T) {
	b := newScriptedBackend(t, map[string][]reply{
		"/p":        {{http.StatusOK, `{}`}},
		refreshPath: {{http.StatusOK, `{"result":true}`}},
	})
	// the first attempt of every call is rejected
	seen := make(map[string]bool)
	b.intercept = func(w http.ResponseWriter, r *http.Request) bool {
		if r.URL.Path != "/p" {
			return false
		}
		id := r.Header.Get(RequestIDHeader)
		b.mu.Lock()
		defer b.mu.Unlock()
		if seen[id] {
			return false
		}
		seen[id] = true
		b.hits["/p"]++
		w.WriteHeader(http.StatusUnauthorized)
		return true
	}

	release := make(chan struct{})
	var once sync.Once
	releaseRefresh := func() { once.Do(func() { close(release) }) }
	t.Cleanup(releaseRefresh)
	b.hold = func(path string) {
		if path == refreshPath {
			<-release
		}
	}

	joined := make(chan struct{})
	g := newTestGuard(b, func(o *GuardOptions) {
		o.DedupeRefresh = true
		o.OnState = func(r *http.Request, s CallState) {
			if s == StateRefreshing && r.Header.Get(RequestIDHeader) == "second" {
				close(joined)
			}
		}
	})

	first, second := get(t, b, "/p"), get(t, b, "/p")
	first.Header.Set(RequestIDHeader, "first")
	second.Header.Set(RequestIDHeader, "second")

	// the first call owns the refresh flight
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	firstErr := make(chan error, 1)
	go func() {
		_, err := g.Fetch(ctx, first)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return b.Hits(refreshPath) == 1 }, time.Second, 5*time.Millisecond)

	type result struct {
		resp *http.Response
		err  error
	}
	secondRes := make(chan result, 1)
	go func() {
		resp, err := g.Fetch(context.Background(), second)
		secondRes <- result{resp, err}
	}()
	<-joined
	time.Sleep(20 * time.Millisecond) // let it join the flight

	cancel()
	err := <-firstErr
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled), "err = %v", err)
	assert.False(t, IsAuthError(err))

	releaseRefresh()
	res := <-secondRes
	require.NoError(t, res.err)
	assert.Equal(t, http.StatusOK, res.resp.StatusCode)
	_ = res.resp.Body.Close()

	assert.Equal(t, 1, b.Hits(refreshPath))
	assert.Equal(t, 3, b.Hits("/p"))
}
