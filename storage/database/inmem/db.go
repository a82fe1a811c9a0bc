package inmemdb

import (
	"net/http"
	"sync"

	"github.com/trezcool/mathsapp/core/user"
)

type (
	DB struct {
		session *sessionTable
	}

	sessionTable struct {
		usr     *user.User
		cookies map[cookieKey]storedCookie
		mutex   sync.RWMutex
	}

	cookieKey struct {
		origin, name, path string
	}

	storedCookie struct {
		url    string
		cookie http.Cookie
	}
)

func Open() (*DB, error) {
	db := &DB{
		session: &sessionTable{cookies: make(map[cookieKey]storedCookie)},
	}
	return db, nil
}
