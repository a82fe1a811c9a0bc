package mathsapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/trezcool/mathsapp/core"
	"github.com/trezcool/mathsapp/core/session"
)

var ErrSessionExpired = errors.New("session expired: please log in again")

// APIError is a non-2xx answer from the backend that is not a session failure.
// It carries no StatusCode method: a 401/403 answer to an unguarded call (a refused login)
// must not be taken for an expired session.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return http.StatusText(e.Status)
	}
	return e.Message
}

// Client talks to the MathsApp backend. Protected calls go through a session.Guard.
type Client struct {
	conf     core.APIConfig
	guard    *session.Guard
	state    *session.State
	logger   core.Logger
	validate *validator.Validate
	redirect func()
}

func NewClient(
	conf *core.Config,
	jar http.CookieJar,
	state *session.State,
	logger core.Logger,
	validate *validator.Validate,
) *Client {
	var limiter *rate.Limiter
	if conf.API.RefreshRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(conf.API.RefreshRate), conf.API.RefreshBurst)
	}
	guard := session.NewGuard(session.GuardOptions{
		Client:         &http.Client{Jar: jar},
		RefreshURL:     conf.API.Endpoint(conf.API.RefreshPath),
		Timeout:        conf.API.RequestTimeout,
		DedupeRefresh:  conf.API.DedupeRefresh,
		RefreshLimiter: limiter,
		Logger:         logger,
	})
	return &Client{
		conf:     conf.API,
		guard:    guard,
		state:    state,
		logger:   logger,
		validate: validate,
	}
}

// OnExpire sets the hook called after an expired session has been cleared.
func (c *Client) OnExpire(redirect func()) {
	c.redirect = redirect
}

func (c *Client) State() *session.State {
	return c.state
}

// Handle turns a session failure into ErrSessionExpired after clearing the session.
// Other errors are returned unchanged.
func (c *Client) Handle(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if session.Recover(err, c.state.ExpireHandler(ctx, c.redirect)) {
		c.logger.Debug("session expired", err)
		return ErrSessionExpired
	}
	return err
}

// Do sends a guarded JSON request and decodes the answer into dst (if not nil).
func (c *Client) Do(ctx context.Context, method, path string, body, dst interface{}) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.guard.Fetch(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// the retry was rejected as well
	if err := session.Classify(resp); err != nil {
		return err
	}
	return decodeResponse(resp, dst)
}

// send issues an unguarded request: login, logout and the refresh itself must not be retried.
func (c *Client) send(ctx context.Context, method, path string, body, dst interface{}) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.guard.HTTPClient().Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, dst)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "encoding request body")
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.conf.Endpoint(path), rdr)
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func decodeResponse(resp *http.Response, dst interface{}) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(resp)
	}
	if dst == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil && err != io.EOF {
		return errors.Wrap(err, "decoding response")
	}
	return nil
}

func newAPIError(resp *http.Response) error {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&payload)

	msg := payload.Error
	if msg == "" {
		msg = payload.Message
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
