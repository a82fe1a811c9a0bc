package sqlxrepos

import (
	"context"
	"database/sql"
	"net/http"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/trezcool/mathsapp/core/session"
	"github.com/trezcool/mathsapp/core/user"
)

type (
	sessionRepository struct {
		db *sqlx.DB
	}

	userRow struct {
		UserID    string `db:"user_id"`
		Name      string `db:"name"`
		Username  string `db:"username"`
		Email     string `db:"email"`
		Role      string `db:"role"`
		UpdatedAt int64  `db:"updated_at"`
	}

	cookieRow struct {
		Origin     string `db:"origin"`
		Name       string `db:"name"`
		Path       string `db:"path"`
		RequestURL string `db:"request_url"`
		Value      string `db:"value"`
		Domain     string `db:"domain"`
		Expires    int64  `db:"expires"`
		Secure     bool   `db:"secure"`
		HTTPOnly   bool   `db:"http_only"`
		SameSite   int    `db:"same_site"`
	}
)

func NewSessionRepository(db *sqlx.DB) session.Repository {
	return &sessionRepository{db: db}
}

func (repo *sessionRepository) LoadUser(ctx context.Context) (user.User, error) {
	var row userRow
	err := repo.db.GetContext(ctx, &row, `
		SELECT user_id, name, username, email, role, updated_at
		FROM session_user WHERE id = 1`)
	if err != nil {
		if err == sql.ErrNoRows {
			return user.User{}, session.ErrNoSession
		}
		return user.User{}, errors.Wrap(err, "selecting session user")
	}
	return user.User{
		ID:       row.UserID,
		Name:     row.Name,
		Username: row.Username,
		Email:    row.Email,
		Role:     row.Role,
	}, nil
}

func (repo *sessionRepository) SaveUser(ctx context.Context, usr user.User) error {
	_, err := repo.db.ExecContext(ctx, `
		INSERT INTO session_user (id, user_id, name, username, email, role, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			user_id = excluded.user_id,
			name = excluded.name,
			username = excluded.username,
			email = excluded.email,
			role = excluded.role,
			updated_at = excluded.updated_at`,
		usr.ID, usr.Name, usr.Username, usr.Email, usr.Role, time.Now().Unix(),
	)
	return errors.Wrap(err, "upserting session user")
}

func (repo *sessionRepository) Clear(ctx context.Context) error {
	tx, err := repo.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err = tx.ExecContext(ctx, `DELETE FROM session_user`); err != nil {
		return errors.Wrap(err, "deleting session user")
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM session_cookie`); err != nil {
		return errors.Wrap(err, "deleting session cookies")
	}
	return errors.Wrap(tx.Commit(), "committing")
}

func (repo *sessionRepository) SaveCookies(ctx context.Context, u *url.URL, cookies []*http.Cookie) error {
	tx, err := repo.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer func() { _ = tx.Rollback() }()

	origin := u.Scheme + "://" + u.Host
	now := time.Now()
	for _, c := range cookies {
		if c.MaxAge < 0 || (!c.Expires.IsZero() && c.Expires.Before(now)) {
			_, err = tx.ExecContext(ctx,
				`DELETE FROM session_cookie WHERE origin = ? AND name = ? AND path = ?`,
				origin, c.Name, c.Path,
			)
			if err != nil {
				return errors.Wrap(err, "deleting cookie")
			}
			continue
		}

		var expires int64
		switch {
		case c.MaxAge > 0:
			expires = now.Add(time.Duration(c.MaxAge) * time.Second).Unix()
		case !c.Expires.IsZero():
			expires = c.Expires.Unix()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO session_cookie (origin, name, path, request_url, value, domain, expires, secure, http_only, same_site)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (origin, name, path) DO UPDATE SET
				request_url = excluded.request_url,
				value = excluded.value,
				domain = excluded.domain,
				expires = excluded.expires,
				secure = excluded.secure,
				http_only = excluded.http_only,
				same_site = excluded.same_site`,
			origin, c.Name, c.Path, origin+u.Path, c.Value, c.Domain, expires, c.Secure, c.HttpOnly, int(c.SameSite),
		)
		if err != nil {
			return errors.Wrap(err, "upserting cookie")
		}
	}
	return errors.Wrap(tx.Commit(), "committing")
}

func (repo *sessionRepository) LoadCookies(ctx context.Context) ([]session.StoredCookie, error) {
	var rows []cookieRow
	err := repo.db.SelectContext(ctx, &rows, `
		SELECT origin, name, path, request_url, value, domain, expires, secure, http_only, same_site
		FROM session_cookie ORDER BY origin, name`)
	if err != nil {
		return nil, errors.Wrap(err, "selecting cookies")
	}

	stored := make([]session.StoredCookie, 0, len(rows))
	for _, row := range rows {
		c := &http.Cookie{
			Name:     row.Name,
			Value:    row.Value,
			Path:     row.Path,
			Domain:   row.Domain,
			Secure:   row.Secure,
			HttpOnly: row.HTTPOnly,
			SameSite: http.SameSite(row.SameSite),
		}
		if row.Expires > 0 {
			c.Expires = time.Unix(row.Expires, 0)
		}
		stored = append(stored, session.StoredCookie{URL: row.RequestURL, Cookie: c})
	}
	return stored, nil
}
