// portcullis gateway binary.
//
// Exit codes: 0 on normal shutdown, 1 on configuration errors, 2 when
// the persistent store is unreachable, 3 on a schema version
// mismatch.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/portcullis-io/portcullis"
	"github.com/portcullis-io/portcullis/config"
	"github.com/portcullis-io/portcullis/store"
)

const (
	exitOK = iota
	exitConfig
	exitStoreUnreachable
	exitSchemaMismatch
)

func main() {
	// A local .env is a convenience for development; absence is fine.
	_ = godotenv.Load()

	cfg := config.New()
	fs := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	cfg.RegisterFlags(fs)
	if err := cfg.Parse(fs, os.Args[1:]); err != nil {
		log.Error(err)
		os.Exit(exitConfig)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := portcullis.Run(ctx, cfg); err != nil {
		log.Error(err)
		switch {
		case errors.Is(err, store.ErrSchemaMismatch):
			os.Exit(exitSchemaMismatch)
		case errors.Is(err, store.ErrUnreachable):
			os.Exit(exitStoreUnreachable)
		default:
			os.Exit(exitConfig)
		}
	}
	os.Exit(exitOK)
}
