package session

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/mathsapp/core"
)

// StoredCookie is a cookie as persisted, with the URL it was received from.
type StoredCookie struct {
	URL    string
	Cookie *http.Cookie
}

type CookieStore interface {
	SaveCookies(ctx context.Context, u *url.URL, cookies []*http.Cookie) error
	LoadCookies(ctx context.Context) ([]StoredCookie, error)
}

// Jar is an http.CookieJar that mirrors every cookie it receives into a CookieStore,
// so the session cookie survives between runs. The client code never reads the cookie itself.
type Jar struct {
	mu     sync.RWMutex
	jar    *cookiejar.Jar
	store  CookieStore
	logger core.Logger
}

var _ http.CookieJar = (*Jar)(nil)

// NewJar returns an empty Jar. store may be nil.
func NewJar(store CookieStore, logger core.Logger) *Jar {
	if logger == nil {
		logger = core.NewNopLogger()
	}
	return &Jar{jar: newCookieJar(), store: store, logger: logger}
}

func newCookieJar() *cookiejar.Jar {
	jar, _ := cookiejar.New(nil) // never fails with nil options
	return jar
}

// Load restores the stored cookies. Expired ones are skipped.
func (j *Jar) Load(ctx context.Context) error {
	if j.store == nil {
		return nil
	}
	stored, err := j.store.LoadCookies(ctx)
	if err != nil {
		return errors.Wrap(err, "loading cookies")
	}

	now := time.Now()
	j.mu.RLock()
	defer j.mu.RUnlock()
	for _, sc := range stored {
		if !sc.Cookie.Expires.IsZero() && sc.Cookie.Expires.Before(now) {
			continue
		}
		u, err := url.Parse(sc.URL)
		if err != nil {
			j.logger.Warn("skipping stored cookie with bad url", err)
			continue
		}
		j.jar.SetCookies(u, []*http.Cookie{sc.Cookie})
	}
	return nil
}

func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.RLock()
	j.jar.SetCookies(u, cookies)
	j.mu.RUnlock()

	if j.store != nil && len(cookies) > 0 {
		if err := j.store.SaveCookies(context.Background(), u, cookies); err != nil {
			j.logger.Error("saving cookies", err)
		}
	}
}

func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.jar.Cookies(u)
}

// Reset drops every cookie held in memory. The store is cleared by State.Clear.
func (j *Jar) Reset() {
	j.mu.Lock()
	j.jar = newCookieJar()
	j.mu.Unlock()
}
