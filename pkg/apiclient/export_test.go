package apiclient

import (
	"github.com/rs/zerolog"

	"github.com/teachflow/teachflow-live/pkg/log"
)

func zeroLogger() zerolog.Logger {
	return log.Nop()
}
