// Package testlog wires the test logging profile into package tests.
package testlog

import (
	"testing"

	"duplex-rpc/logging"

	"github.com/rs/zerolog/log"
)

func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	log.Debug().Str("test", t.Name()).Msg("start")
}
