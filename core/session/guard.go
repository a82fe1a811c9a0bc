package session

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/trezcool/mathsapp/core"
)

const RequestIDHeader = "X-Request-ID"

// CallState is the position of a guarded call in its lifecycle.
type CallState int

const (
	StateIssued CallState = iota
	StateRefreshing
	StateRetried
	StateDone
	StateExpired
)

func (s CallState) String() string {
	switch s {
	case StateIssued:
		return "ISSUED"
	case StateRefreshing:
		return "REFRESHING"
	case StateRetried:
		return "RETRIED"
	case StateDone:
		return "DONE"
	case StateExpired:
		return "EXPIRED"
	}
	return "UNKNOWN"
}

type GuardOptions struct {
	// Client must carry the cookie jar holding the session cookie.
	Client     *http.Client
	RefreshURL string

	// Timeout bounds each network call (original, refresh and retry). 0 keeps the Client's own.
	Timeout time.Duration

	// DedupeRefresh makes concurrent refreshes share a single in-flight call.
	DedupeRefresh bool

	// RefreshLimiter, if set, bounds how often the refresh endpoint is hit.
	RefreshLimiter *rate.Limiter

	Logger core.Logger

	// OnState observes every state transition of a guarded call.
	OnState func(req *http.Request, state CallState)
}

// Guard makes protected requests resilient to session expiry:
// on 401/403 it refreshes the session at most once and retries the request at most once.
type Guard struct {
	client     *http.Client
	refreshURL string
	timeout    time.Duration
	dedupe     bool
	limiter    *rate.Limiter
	logger     core.Logger
	onState    func(*http.Request, CallState)
	group      singleflight.Group
}

func NewGuard(opts GuardOptions) *Guard {
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	if opts.Timeout > 0 {
		c := *client
		c.Timeout = opts.Timeout
		client = &c
	}
	logger := opts.Logger
	if logger == nil {
		logger = core.NewNopLogger()
	}
	return &Guard{
		client:     client,
		refreshURL: opts.RefreshURL,
		timeout:    opts.Timeout,
		dedupe:     opts.DedupeRefresh,
		limiter:    opts.RefreshLimiter,
		logger:     logger,
		onState:    opts.OnState,
	}
}

// HTTPClient returns the client used for every call, with the Guard's timeout applied.
func (g *Guard) HTTPClient() *http.Client {
	return g.client
}

// Fetch issues req and returns the final response, whatever its status.
//
// A 401/403 triggers one refresh. If the refresh fails an *AuthError is returned and the
// request is not reissued; otherwise the request is reissued once and that response is
// returned as-is, even if it is another 401/403. Transport failures of the protected call
// are returned wrapped, never as an *AuthError, and so is ctx ending during the refresh.
func (g *Guard) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	req, err := prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	reqID := req.Header.Get(RequestIDHeader)

	g.transition(req, StateIssued)
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", req.Method, req.URL.Path)
	}
	authErr, ok := Classify(resp).(*AuthError)
	if !ok {
		g.transition(req, StateDone)
		return resp, nil
	}
	discard(resp)

	g.transition(req, StateRefreshing)
	g.logger.Debug("session rejected, refreshing", map[string]interface{}{
		"request_id": reqID, "status": authErr.Status, "path": req.URL.Path,
	})
	if err := g.refresh(ctx, authErr); err != nil {
		if IsAuthError(err) {
			g.transition(req, StateExpired)
		}
		return nil, err
	}

	retry, err := rewind(ctx, req)
	if err != nil {
		return nil, err
	}
	g.transition(retry, StateRetried)
	resp, err = g.client.Do(retry)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s (retry)", retry.Method, retry.URL.Path)
	}
	g.transition(retry, StateDone)
	return resp, nil
}

// Refresh renews the session outside of a guarded call.
// It returns an *AuthError if the backend refused.
func (g *Guard) Refresh(ctx context.Context) error {
	return g.refresh(ctx, &AuthError{})
}

type refreshOutcome struct {
	ok     bool
	status int
}

func (g *Guard) refresh(ctx context.Context, authErr *AuthError) error {
	var out refreshOutcome
	var err error
	if g.dedupe {
		out, err = g.sharedRefresh(ctx)
	} else {
		out, err = g.doRefresh(ctx)
	}

	// the caller gave up: the session may well still be valid
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.Wrap(ctxErr, "refreshing session")
	}

	authErr.RefreshStatus = out.status
	if err != nil {
		authErr.Err = err
		g.logger.Warn("session refresh failed", err)
		return authErr
	}
	if !out.ok {
		g.logger.Info("session refresh refused", map[string]interface{}{"status": out.status})
		return authErr
	}
	return nil
}

// sharedRefresh joins the in-flight refresh or starts one. The flight runs detached from ctx
// so that a caller leaving early does not fail the callers that joined it.
func (g *Guard) sharedRefresh(ctx context.Context) (refreshOutcome, error) {
	ch := g.group.DoChan(g.refreshURL, func() (interface{}, error) {
		flightCtx, cancel := g.detach(ctx)
		defer cancel()
		return g.doRefresh(flightCtx)
	})

	select {
	case <-ctx.Done():
		return refreshOutcome{}, ctx.Err()
	case res := <-ch:
		if res.Shared {
			g.logger.Debug("refresh result shared with a concurrent call")
		}
		out, _ := res.Val.(refreshOutcome)
		return out, res.Err
	}
}

func (g *Guard) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if g.timeout > 0 {
		return context.WithTimeout(ctx, g.timeout)
	}
	return context.WithCancel(ctx)
}

func (g *Guard) doRefresh(ctx context.Context) (refreshOutcome, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return refreshOutcome{}, errors.Wrap(err, "waiting for refresh slot")
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.refreshURL, nil)
	if err != nil {
		return refreshOutcome{}, errors.Wrap(err, "creating refresh request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(RequestIDHeader, uuid.NewString())

	resp, err := g.client.Do(req)
	if err != nil {
		return refreshOutcome{}, errors.Wrap(err, "refreshing session")
	}
	defer func() { _ = resp.Body.Close() }()

	out := refreshOutcome{status: resp.StatusCode}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return out, nil
	}
	var payload struct {
		Result bool `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return out, errors.Wrap(err, "decoding refresh response")
	}
	out.ok = payload.Result
	return out, nil
}

func (g *Guard) transition(req *http.Request, state CallState) {
	if g.onState != nil {
		g.onState(req, state)
	}
}

// prepare clones req onto ctx, buffers its body so it can be replayed and tags it with a request ID.
func prepare(ctx context.Context, req *http.Request) (*http.Request, error) {
	r := req.Clone(ctx)
	if r.Body != nil && r.Body != http.NoBody && r.GetBody == nil {
		body, err := io.ReadAll(r.Body)
		_ = r.Body.Close()
		if err != nil {
			return nil, errors.Wrap(err, "buffering request body")
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		r.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}
	if r.Header.Get(RequestIDHeader) == "" {
		r.Header.Set(RequestIDHeader, uuid.NewString())
	}
	return r, nil
}

// rewind returns a copy of req with a fresh body, for the retry.
func rewind(ctx context.Context, req *http.Request) (*http.Request, error) {
	r := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, errors.Wrap(err, "rewinding request body")
		}
		r.Body = body
	}
	return r, nil
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
