// Package main runs the meshctl publishing client.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	meshctl "github.com/louisbranch/eventmesh/internal/cmd/meshctl"
)

func main() {
	cfg, err := meshctl.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("parse flags")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := meshctl.Run(ctx, cfg, os.Stdout); err != nil {
		log.Fatal().Err(err).Msg("meshctl")
	}
}
