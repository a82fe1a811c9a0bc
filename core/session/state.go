package session

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/trezcool/mathsapp/core"
	"github.com/trezcool/mathsapp/core/user"
)

// Store persists the presentation state between runs.
type Store interface {
	// LoadUser returns ErrNoSession if no user is stored.
	LoadUser(ctx context.Context) (user.User, error)
	SaveUser(ctx context.Context, usr user.User) error
	// Clear forgets the stored user and session cookies.
	Clear(ctx context.Context) error
}

// Repository persists both the user and the session cookies.
type Repository interface {
	Store
	CookieStore
}

// State is the client's view of the session: whether it is authenticated and as whom.
// It is written by the login path (SetUser) and the logout/expiry paths (Clear) and is never
// an authorization decision.
type State struct {
	mu     sync.RWMutex
	usr    *user.User
	store  Store
	jar    *Jar
	logger core.Logger
}

// NewState returns an unauthenticated State. store and jar may be nil.
func NewState(store Store, jar *Jar, logger core.Logger) *State {
	if logger == nil {
		logger = core.NewNopLogger()
	}
	return &State{store: store, jar: jar, logger: logger}
}

// Load restores the stored user, if any.
func (s *State) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	usr, err := s.store.LoadUser(ctx)
	if err != nil {
		if errors.Cause(err) == ErrNoSession {
			return nil
		}
		return errors.Wrap(err, "loading stored user")
	}

	s.mu.Lock()
	s.usr = &usr
	s.mu.Unlock()
	return nil
}

func (s *State) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usr != nil
}

func (s *State) User() (user.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.usr == nil {
		return user.User{}, false
	}
	return *s.usr, true
}

// SetUser marks the state as authenticated as usr.
func (s *State) SetUser(ctx context.Context, usr user.User) error {
	s.mu.Lock()
	s.usr = &usr
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.SaveUser(ctx, usr); err != nil {
			return errors.Wrap(err, "saving user")
		}
	}
	return nil
}

// Clear drops the user and the session cookies, locally and in the store.
func (s *State) Clear(ctx context.Context) error {
	s.mu.Lock()
	usr := s.usr
	s.usr = nil
	s.mu.Unlock()

	if usr != nil {
		s.logger.Info("session cleared", *usr)
	}
	if s.jar != nil {
		s.jar.Reset()
	}
	if s.store != nil {
		if err := s.store.Clear(ctx); err != nil {
			return errors.Wrap(err, "clearing store")
		}
	}
	return nil
}

// ExpireHandler returns the onExpire callback for Recover: it clears the state, then calls
// redirect (if any) to move the UI to an unauthenticated view.
func (s *State) ExpireHandler(ctx context.Context, redirect func()) func() {
	return func() {
		if err := s.Clear(ctx); err != nil {
			s.logger.Error("clearing expired session", err)
		}
		if redirect != nil {
			redirect()
		}
	}
}
