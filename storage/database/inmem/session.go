package inmemdb

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/trezcool/mathsapp/core/session"
	"github.com/trezcool/mathsapp/core/user"
)

type sessionRepository struct {
	db *sessionTable
}

func NewSessionRepository(db *DB) session.Repository {
	return &sessionRepository{db: db.session}
}

func (repo *sessionRepository) LoadUser(_ context.Context) (user.User, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if repo.db.usr == nil {
		return user.User{}, session.ErrNoSession
	}
	return *repo.db.usr, nil
}

func (repo *sessionRepository) SaveUser(_ context.Context, usr user.User) error {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	repo.db.usr = &usr
	return nil
}

func (repo *sessionRepository) Clear(_ context.Context) error {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	repo.db.usr = nil
	repo.db.cookies = make(map[cookieKey]storedCookie)
	return nil
}

func (repo *sessionRepository) SaveCookies(_ context.Context, u *url.URL, cookies []*http.Cookie) error {
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	origin := u.Scheme + "://" + u.Host
	now := time.Now()
	for _, c := range cookies {
		key := cookieKey{origin: origin, name: c.Name, path: c.Path}
		if c.MaxAge < 0 || (!c.Expires.IsZero() && c.Expires.Before(now)) {
			delete(repo.db.cookies, key)
			continue
		}
		sc := storedCookie{url: origin + u.Path, cookie: *c}
		if c.MaxAge > 0 {
			sc.cookie.Expires = now.Add(time.Duration(c.MaxAge) * time.Second)
			sc.cookie.MaxAge = 0
		}
		repo.db.cookies[key] = sc
	}
	return nil
}

func (repo *sessionRepository) LoadCookies(_ context.Context) ([]session.StoredCookie, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	keys := make([]cookieKey, 0, len(repo.db.cookies))
	for k := range repo.db.cookies {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].origin != keys[j].origin {
			return keys[i].origin < keys[j].origin
		}
		return keys[i].name < keys[j].name
	})

	stored := make([]session.StoredCookie, 0, len(keys))
	for _, k := range keys {
		sc := repo.db.cookies[k]
		c := sc.cookie
		stored = append(stored, session.StoredCookie{URL: sc.url, Cookie: &c})
	}
	return stored, nil
}
