package orchestrator

import (
	"github.com/rs/zerolog"
)

// FaultSink receives internal-consistency violations, such as a
// completion for a key the batch never declared. Faults are diagnostics,
// not control flow: the orchestrator keeps running after reporting one.
type FaultSink interface {
	ReportFault(err error)
}

// logFaultSink is the default sink; it logs faults at error level.
type logFaultSink struct {
	logger zerolog.Logger
}

func (s *logFaultSink) ReportFault(err error) {
	s.logger.Error().Err(err).Msg("Orchestrator invariant violation")
}

// FaultFunc adapts a function to the FaultSink interface.
type FaultFunc func(err error)

// ReportFault implements FaultSink.
func (f FaultFunc) ReportFault(err error) {
	f(err)
}
