// Package main starts the eventmesh process lifecycle.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	meshcmd "github.com/louisbranch/eventmesh/internal/cmd/mesh"
)

func main() {
	cfg, err := meshcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("parse flags")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := meshcmd.Run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("failed to serve")
	}
}
