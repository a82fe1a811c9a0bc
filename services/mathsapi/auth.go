package mathsapi

import (
	"context"
	"net/http"

	"github.com/pkg/errors"

	"github.com/trezcool/mathsapp/core/user"
)

const whoAmIPath = "/users/protected"

type userPayload struct {
	User user.User `json:"user"`
}

// Login authenticates with the backend, which answers with the session cookie.
func (c *Client) Login(ctx context.Context, creds user.Credentials) (user.User, error) {
	if err := creds.Validate(c.validate); err != nil {
		return user.User{}, err
	}

	var payload userPayload
	if err := c.send(ctx, http.MethodPost, c.conf.LoginPath, creds, &payload); err != nil {
		return user.User{}, errors.Wrap(err, "logging in")
	}
	if err := c.state.SetUser(ctx, payload.User); err != nil {
		return user.User{}, err
	}
	c.logger.Info("logged in", payload.User)
	return payload.User, nil
}

// Logout ends the session. The local session is cleared even when the backend call fails.
func (c *Client) Logout(ctx context.Context) error {
	callErr := c.send(ctx, http.MethodPost, c.conf.LogoutPath, nil, nil)
	if err := c.state.Clear(ctx); err != nil {
		return err
	}
	return errors.Wrap(callErr, "logging out")
}

// Refresh renews the session without credentials.
func (c *Client) Refresh(ctx context.Context) error {
	return c.guard.Refresh(ctx)
}

// WhoAmI fetches the logged in user and reconciles the local state with it.
func (c *Client) WhoAmI(ctx context.Context) (user.User, error) {
	var payload userPayload
	if err := c.Do(ctx, http.MethodGet, whoAmIPath, nil, &payload); err != nil {
		return user.User{}, err
	}
	if err := c.state.SetUser(ctx, payload.User); err != nil {
		return user.User{}, err
	}
	return payload.User, nil
}
