package protocol

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// VersionGate holds the protocol versions an operator build accepts.
type VersionGate struct {
	ExpectedMajor uint32
	MinMinor      uint32
}

// DefaultVersionGate accepts major 1 with any minor.
func DefaultVersionGate() VersionGate {
	return VersionGate{ExpectedMajor: 1, MinMinor: 0}
}

// Check validates the version fields of one decoded envelope.
func (g VersionGate) Check(u *Up) error {
	if u.ProtocolMajorVersion != g.ExpectedMajor {
		return fmt.Errorf("%w: got %d want %d", ErrIncompatibleMajorVersion, u.ProtocolMajorVersion, g.ExpectedMajor)
	}
	if u.ProtocolMinorVersion < g.MinMinor {
		return fmt.Errorf("%w: got %d want >= %d", ErrIncompatibleMinorVersion, u.ProtocolMinorVersion, g.MinMinor)
	}
	return nil
}

// LogSink receives diagnostic text the robot pushes in Up.Log.
type LogSink func(msg string)

// WarnLogSink forwards robot logs to the global logger.
func WarnLogSink(msg string) {
	log.Warn().Str("component", "robot").Msg(msg)
}

// ValidatedDecode decodes b and applies gate. Robot logs reach sink before the
// version check so they are surfaced even for rejected envelopes.
func ValidatedDecode(b []byte, gate VersionGate, sink LogSink) (*Up, error) {
	u, err := DecodeUp(b)
	if err != nil {
		return nil, err
	}
	if u.Log != "" {
		if sink == nil {
			sink = WarnLogSink
		}
		sink(u.Log)
	}
	if err := gate.Check(u); err != nil {
		return nil, err
	}
	return u, nil
}
