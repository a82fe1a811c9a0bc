package testutil

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/trezcool/mathsapp/core"
	"github.com/trezcool/mathsapp/core/user"
	"github.com/trezcool/mathsapp/storage/database"
)

const (
	CookieName = "jwt"

	RefreshPath   = "/users/refresh"
	ProtectedPath = "/users/protected"
	CardsPath     = "/cards/admin"
)

var signingKey = []byte("test-signing-key")

// PrepareDB opens a migrated SQLite store in a temp dir.
func PrepareDB(t *testing.T) *sqlx.DB {
	conf := &core.Config{Database: core.DatabaseConfig{Path: filepath.Join(t.TempDir(), "session.db")}}
	db, err := database.Open(conf)
	if err != nil {
		t.Fatalf("PrepareDB() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// Config returns a client config pointing at baseURL.
func Config(baseURL string) *core.Config {
	return &core.Config{
		Debug:    true,
		TestMode: true,
		AppName:  "MathsApp",
		Env:      "TEST",
		API: core.APIConfig{
			BaseURL:        baseURL,
			LoginPath:      "/auth/login",
			LogoutPath:     "/auth/logout",
			RefreshPath:    RefreshPath,
			RequestTimeout: 5 * time.Second,
			DedupeRefresh:  true,
			RefreshBurst:   1,
		},
	}
}

type (
	// Card mirrors the backend's card resource.
	Card struct {
		ID        string    `json:"id"`
		Title     string    `json:"title"`
		Subject   string    `json:"subject"`
		Kind      string    `json:"kind"`
		Content   string    `json:"content,omitempty"`
		Position  int       `json:"position"`
		Published bool      `json:"published"`
		CreatedAt time.Time `json:"created_at"`
		UpdatedAt time.Time `json:"updated_at"`
	}

	cardUpdate struct {
		Title     *string `json:"title"`
		Subject   *string `json:"subject"`
		Kind      *string `json:"kind"`
		Content   *string `json:"content"`
		Position  *int    `json:"position"`
		Published *bool   `json:"published"`
	}

	account struct {
		usr      user.User
		hash     []byte
		inactive bool
	}

	sessionClaims struct {
		jwt.RegisteredClaims
		OrigIssuedAt int64 `json:"oriat,omitempty"` // start of the refresh window
	}
)

// Backend is a fake MathsApp API: cookie sessions signed as JWTs, an access window
// (AccessTTL) after which protected routes answer 401, and a refresh window (RefreshTTL)
// after which /users/refresh answers {result: false}.
type Backend struct {
	*httptest.Server
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	mu       sync.Mutex
	offset   time.Duration
	accounts map[string]account // by username
	cards    map[string]Card
	hits     map[string]int
}

func NewBackend(t *testing.T) *Backend {
	b := &Backend{
		AccessTTL:  5 * time.Minute,
		RefreshTTL: 24 * time.Hour,
		accounts:   make(map[string]account),
		cards:      make(map[string]Card),
		hits:       make(map[string]int),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger.SetLevel(log.OFF)
	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(b.count)

	e.POST("/auth/login", b.login)
	e.POST("/auth/logout", b.logout)
	e.POST(RefreshPath, b.refresh)
	e.GET(ProtectedPath, b.whoAmI, b.authenticated)

	cards := e.Group(CardsPath, b.authenticated, b.adminOnly)
	cards.GET("", b.listCards)
	cards.POST("", b.createCard)
	cards.PUT("/:id", b.updateCard)
	cards.DELETE("/:id", b.deleteCard)

	b.Server = httptest.NewServer(e)
	t.Cleanup(b.Close)
	return b
}

// Now is the backend's clock.
func (b *Backend) Now() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Now().Add(b.offset)
}

// Advance moves the backend's clock forward.
func (b *Backend) Advance(d time.Duration) {
	b.mu.Lock()
	b.offset += d
	b.mu.Unlock()
}

// Hits returns how many requests hit the route `path` (as registered, e.g. "/cards/admin/:id").
func (b *Backend) Hits(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hits[path]
}

func (b *Backend) CreateUser(t *testing.T, name, uname, email, pwd, role string) user.User {
	hash, err := bcrypt.GenerateFromPassword([]byte(pwd), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("createUser() failed: %v", err)
	}
	usr := user.User{
		ID:       uuid.NewString(),
		Name:     name,
		Username: uname,
		Email:    email,
		Role:     role,
	}

	b.mu.Lock()
	b.accounts[uname] = account{usr: usr, hash: hash}
	b.mu.Unlock()
	return usr
}

// Deactivate makes the backend refuse uname's logins with a 403.
func (b *Backend) Deactivate(uname string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if acc, ok := b.accounts[uname]; ok {
		acc.inactive = true
		b.accounts[uname] = acc
	}
}

func (b *Backend) CreateCard(title, subject, kind string) Card {
	now := b.Now().UTC()
	card := Card{
		ID:        uuid.NewString(),
		Title:     title,
		Subject:   subject,
		Kind:      kind,
		CreatedAt: now,
		UpdatedAt: now,
	}

	b.mu.Lock()
	card.Position = len(b.cards)
	b.cards[card.ID] = card
	b.mu.Unlock()
	return card
}

func (b *Backend) Cards() []Card {
	b.mu.Lock()
	defer b.mu.Unlock()

	cards := make([]Card, 0, len(b.cards))
	for _, c := range b.cards {
		cards = append(cards, c)
	}
	sort.Slice(cards, func(i, j int) bool { return cards[i].Position < cards[j].Position })
	return cards
}

func (b *Backend) count(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		b.mu.Lock()
		b.hits[c.Path()]++
		b.mu.Unlock()
		return next(c)
	}
}

func errorJSON(c echo.Context, code int, msg string) error {
	return c.JSON(code, echo.Map{"error": msg})
}

func (b *Backend) issue(c echo.Context, usr user.User, origIat ...int64) error {
	now := b.Now()
	oriat := now.Unix()
	if len(origIat) > 0 {
		oriat = origIat[0]
	}
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   usr.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(b.AccessTTL)),
		},
		OrigIssuedAt: oriat,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
	if err != nil {
		return err
	}
	c.SetCookie(&http.Cookie{Name: CookieName, Value: token, Path: "/", HttpOnly: true, SameSite: http.SameSiteLaxMode})
	return nil
}

func (b *Backend) parse(c echo.Context, opts ...jwt.ParserOption) (*sessionClaims, error) {
	cookie, err := c.Cookie(CookieName)
	if err != nil {
		return nil, err
	}
	opts = append(opts, jwt.WithTimeFunc(b.Now), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	var claims sessionClaims
	_, err = jwt.ParseWithClaims(cookie.Value, &claims, func(*jwt.Token) (interface{}, error) {
		return signingKey, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	return &claims, nil
}

func (b *Backend) account(username string) (account, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acc, ok := b.accounts[username]
	return acc, ok
}

func (b *Backend) authenticated(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		claims, err := b.parse(c)
		if err != nil {
			return errorJSON(c, http.StatusUnauthorized, "unauthorized")
		}
		acc, ok := b.account(claims.Subject)
		if !ok {
			return errorJSON(c, http.StatusUnauthorized, "unauthorized")
		}
		c.Set("user", acc.usr)
		return next(c)
	}
}

func (b *Backend) adminOnly(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if usr := c.Get("user").(user.User); !usr.IsAdmin() {
			return errorJSON(c, http.StatusForbidden, "forbidden")
		}
		return next(c)
	}
}

func (b *Backend) login(c echo.Context) error {
	var creds user.Credentials
	if err := c.Bind(&creds); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid payload")
	}
	acc, ok := b.account(creds.Username)
	if !ok || bcrypt.CompareHashAndPassword(acc.hash, []byte(creds.Password)) != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid credentials")
	}
	if acc.inactive {
		return errorJSON(c, http.StatusForbidden, "account deactivated")
	}
	if err := b.issue(c, acc.usr); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"user": acc.usr})
}

func (b *Backend) logout(c echo.Context) error {
	c.SetCookie(&http.Cookie{Name: CookieName, Path: "/", MaxAge: -1, HttpOnly: true})
	return c.JSON(http.StatusOK, echo.Map{"message": "logged out"})
}

func (b *Backend) refresh(c echo.Context) error {
	claims, err := b.parse(c, jwt.WithoutClaimsValidation())
	if err != nil {
		return errorJSON(c, http.StatusUnauthorized, "unauthorized")
	}
	acc, ok := b.account(claims.Subject)
	refreshUntil := time.Unix(claims.OrigIssuedAt, 0).Add(b.RefreshTTL)
	if !ok || b.Now().After(refreshUntil) {
		return c.JSON(http.StatusOK, echo.Map{"result": false})
	}
	if err := b.issue(c, acc.usr, claims.OrigIssuedAt); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"result": true})
}

func (b *Backend) whoAmI(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"user": c.Get("user")})
}

func (b *Backend) listCards(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"result": b.Cards()})
}

func (b *Backend) createCard(c echo.Context) error {
	var card Card
	if err := c.Bind(&card); err != nil || card.Title == "" || card.Kind == "" {
		return errorJSON(c, http.StatusBadRequest, "invalid card")
	}
	now := b.Now().UTC()
	card.ID = uuid.NewString()
	card.CreatedAt, card.UpdatedAt = now, now

	b.mu.Lock()
	b.cards[card.ID] = card
	b.mu.Unlock()
	return c.JSON(http.StatusCreated, echo.Map{"result": card})
}

func (b *Backend) updateCard(c echo.Context) error {
	var upd cardUpdate
	if err := c.Bind(&upd); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid card")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	card, ok := b.cards[c.Param("id")]
	if !ok {
		return errorJSON(c, http.StatusNotFound, "card not found")
	}
	if upd.Title != nil {
		card.Title = *upd.Title
	}
	if upd.Subject != nil {
		card.Subject = *upd.Subject
	}
	if upd.Kind != nil {
		card.Kind = *upd.Kind
	}
	if upd.Content != nil {
		card.Content = *upd.Content
	}
	if upd.Position != nil {
		card.Position = *upd.Position
	}
	if upd.Published != nil {
		card.Published = *upd.Published
	}
	card.UpdatedAt = time.Now().Add(b.offset).UTC()
	b.cards[card.ID] = card
	return c.JSON(http.StatusOK, echo.Map{"result": card})
}

func (b *Backend) deleteCard(c echo.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := c.Param("id")
	if _, ok := b.cards[id]; !ok {
		return errorJSON(c, http.StatusNotFound, "card not found")
	}
	delete(b.cards, id)
	return c.NoContent(http.StatusNoContent)
}
