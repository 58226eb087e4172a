// Package shutdown runs independent teardown steps and reports the first
// failure.
package shutdown

import (
	apperrors "github.com/louisbranch/eventmesh/internal/platform/errors"
	"github.com/rs/zerolog"
)

// Step is one named teardown action.
type Step struct {
	Name  string
	Close func() error
}

// Run calls every step in order, even after a failure. It returns nil when all
// steps succeed; otherwise the first failure wrapped with CLOSE_AGGREGATE and
// the failed step's name. Every failure is logged.
func Run(logger zerolog.Logger, steps ...Step) error {
	var first error
	var firstStep string
	for _, step := range steps {
		if step.Close == nil {
			continue
		}
		err := step.Close()
		if err == nil {
			continue
		}
		logger.Error().Err(err).Str("step", step.Name).Msg("shutdown step failed")
		if first == nil {
			first = err
			firstStep = step.Name
		}
	}
	if first == nil {
		return nil
	}
	return apperrors.WrapWithMetadata(
		apperrors.CodeCloseAggregate,
		"shutdown "+firstStep+" failed",
		map[string]string{"step": firstStep},
		first,
	)
}
