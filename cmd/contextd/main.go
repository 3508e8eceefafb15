// contextd is the context protocol layer of the dictation assistant.
//
// It connects to external context providers over stdio, aggregates their
// context for transcript enhancement and exposes the assistant's local
// tools over HTTP.
package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/whispo/contextd/internal/cli"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if err := cli.Execute(); err != nil {
		log.Error().Err(err).Msg("contextd failed")
		os.Exit(1)
	}
}
