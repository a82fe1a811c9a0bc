package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"

	ut "github.com/go-playground/universal-translator"
	"github.com/jmoiron/sqlx"

	dig_container "github.com/trezcool/mathsapp/apps/mathsapp/di/dig"
	"github.com/trezcool/mathsapp/core"
	logsvc "github.com/trezcool/mathsapp/services/logger"
	"github.com/trezcool/mathsapp/services/mathsapi"
)

func main() {
	os.Exit(start())
}

func start() int {
	exitCode := 0
	c := dig_container.New(core.NewConfig())

	must(c.Invoke(func(
		conf *core.Config,
		logger *logsvc.RollbarLogger,
		dbLoggerParam dig_container.DBLoggerParam,
		db *sqlx.DB,
		client *mathsapi.Client,
		translator ut.Translator,
	) {
		logger.Debug(fmt.Sprintf("%s starting : version %q", conf.AppName, conf.Build))
		defer logger.Flush()
		defer func() {
			if err := db.Close(); err != nil {
				dbLoggerParam.Logger.Error("Failed to close", err)
			}
		}()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		cli := newCommandLine(client, translator, os.Stdout, os.Stderr)
		if err := cli.run(ctx, os.Args); err != nil {
			if err != errHelp {
				cli.printErr(err)
				if usr, ok := client.State().User(); ok {
					logger.Debug("command failed", err, usr)
				} else {
					logger.Debug("command failed", err)
				}
			}
			exitCode = 1
		}
	}))
	return exitCode
}

func must(err error) {
	if err != nil {
		log.Fatal(err)
	}
}
