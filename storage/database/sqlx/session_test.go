package sqlxrepos_test

import (
	"context"
	"net/http"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/mathsapp/core"
	"github.com/trezcool/mathsapp/core/session"
	"github.com/trezcool/mathsapp/core/user"
	"github.com/trezcool/mathsapp/storage/database"
	sqlxrepos "github.com/trezcool/mathsapp/storage/database/sqlx"
)

func newRepo(t *testing.T) session.Repository {
	conf := &core.Config{Database: core.DatabaseConfig{Path: filepath.Join(t.TempDir(), "session.db")}}
	db, err := database.Open(conf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return sqlxrepos.NewSessionRepository(db)
}

func TestSessionRepository_user(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	_, err := repo.LoadUser(ctx)
	assert.Equal(t, session.ErrNoSession, err)

	usr := user.User{ID: "u1", Name: "Ada", Username: "ada", Role: user.RoleAdmin}
	require.NoError(t, repo.SaveUser(ctx, usr))
	usr.Name = "Ada L."
	require.NoError(t, repo.SaveUser(ctx, usr))

	got, err := repo.LoadUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, usr, got)

	require.NoError(t, repo.Clear(ctx))
	_, err = repo.LoadUser(ctx)
	assert.Equal(t, session.ErrNoSession, err)
}

func TestSessionRepository_cookies(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	u, _ := url.Parse("http://api.test/auth/login")

	err := repo.SaveCookies(ctx, u, []*http.Cookie{
		{Name: "jwt", Value: "a", Path: "/", HttpOnly: true, SameSite: http.SameSiteLaxMode},
		{Name: "pref", Value: "dark", Path: "/", MaxAge: 3600},
		{Name: "gone", Value: "x", Path: "/", Expires: time.Now().Add(-time.Hour)},
	})
	require.NoError(t, err)
	require.NoError(t, repo.SaveCookies(ctx, u, []*http.Cookie{{Name: "jwt", Value: "b", Path: "/", HttpOnly: true}}))

	stored, err := repo.LoadCookies(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 2)

	assert.Equal(t, "http://api.test/auth/login", stored[0].URL)
	assert.Equal(t, "jwt", stored[0].Cookie.Name)
	assert.Equal(t, "b", stored[0].Cookie.Value)
	assert.True(t, stored[0].Cookie.HttpOnly)
	assert.True(t, stored[0].Cookie.Expires.IsZero())

	assert.Equal(t, "pref", stored[1].Cookie.Name)
	assert.WithinDuration(t, time.Now().Add(time.Hour), stored[1].Cookie.Expires, 5*time.Second)

	// logout deletes the cookie
	require.NoError(t, repo.SaveCookies(ctx, u, []*http.Cookie{{Name: "jwt", Path: "/", MaxAge: -1}}))
	stored, err = repo.LoadCookies(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "pref", stored[0].Cookie.Name)

	require.NoError(t, repo.Clear(ctx))
	stored, err = repo.LoadCookies(ctx)
	require.NoError(t, err)
	assert.Empty(t, stored)
}
