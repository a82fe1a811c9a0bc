package dig_container

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"go.uber.org/dig"

	"github.com/trezcool/mathsapp/core"
	"github.com/trezcool/mathsapp/core/session"
	logsvc "github.com/trezcool/mathsapp/services/logger"
	"github.com/trezcool/mathsapp/services/mathsapi"
	"github.com/trezcool/mathsapp/storage/database"
	sqlxrepos "github.com/trezcool/mathsapp/storage/database/sqlx"
)

type DBLoggerParam struct {
	dig.In
	Logger core.Logger `name:"dbLogger"`
}

func newRollbarLogger(conf *core.Config) *logsvc.RollbarLogger {
	stdLogger := log.New(os.Stderr, "MATHSAPP : ", log.LstdFlags)
	return logsvc.NewRollbarLogger(stdLogger, conf)
}

func newLogger(l *logsvc.RollbarLogger) core.Logger {
	return l
}

func newDBLogger(conf *core.Config) core.Logger {
	stdLogger := log.New(os.Stderr, "DB : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)
	return logsvc.NewRollbarLogger(stdLogger, conf)
}

func newDB(conf *core.Config, loggerParam DBLoggerParam) *sqlx.DB {
	db, err := database.Open(conf)
	if err != nil {
		loggerParam.Logger.Fatal(fmt.Sprintf("setting up database: %v", err), err)
	}
	return db
}

// newSession restores the cookie jar and the presentation state saved by the previous run.
func newSession(repo session.Repository, logger core.Logger) (*session.Jar, *session.State, error) {
	ctx := context.Background()
	jar := session.NewJar(repo, logger)
	if err := jar.Load(ctx); err != nil {
		return nil, nil, err
	}
	state := session.NewState(repo, jar, logger)
	if err := state.Load(ctx); err != nil {
		return nil, nil, err
	}
	return jar, state, nil
}

func newClient(
	conf *core.Config,
	jar *session.Jar,
	state *session.State,
	logger core.Logger,
	validate *validator.Validate,
) *mathsapi.Client {
	var cookieJar http.CookieJar = jar
	return mathsapi.NewClient(conf, cookieJar, state, logger, validate)
}

// New returns a new dependency injection dig.Container
func New(conf *core.Config) *dig.Container {
	c := dig.New()

	must(c.Provide(func() *core.Config { return conf }))
	must(c.Provide(newRollbarLogger))
	must(c.Provide(newLogger))
	must(c.Provide(newDBLogger, dig.Name("dbLogger")))
	must(c.Provide(newDB))
	must(c.Provide(sqlxrepos.NewSessionRepository))
	must(c.Provide(newSession))
	must(c.Provide(core.NewTranslator))
	must(c.Provide(core.NewValidator))
	must(c.Provide(newClient))

	return c
}

// must exits program if err happened
func must(err error) {
	if err != nil {
		log.Fatal(errors.Wrap(err, "failed to provide dependency").Error())
	}
}
