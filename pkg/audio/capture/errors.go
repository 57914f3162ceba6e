package capture

import (
	"errors"
	"fmt"
)

// ErrDeviceUnavailable is returned by [Source.Start] when no input device
// could be resolved on this host.
var ErrDeviceUnavailable = errors.New("capture: no input device available")

// ErrSpawn matches any [*SpawnError] via errors.Is.
var ErrSpawn = errors.New("capture: cannot start capture process")

// ErrAlreadyStarted is returned when Start is called on a Source that was
// already started.
var ErrAlreadyStarted = errors.New("capture: source already started")

// SpawnError reports that the capture subprocess could not be started.
type SpawnError struct {
	// Binary is the executable that was looked up.
	Binary string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("capture: cannot start %q (is it installed and on PATH?): %v", e.Binary, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Is reports whether target is [ErrSpawn].
func (e *SpawnError) Is(target error) bool { return target == ErrSpawn }

// ExitError reports that the capture process ended while it was expected to
// keep running. A process that exits before delivering a single frame never
// had a working device, so such an ExitError also matches
// [ErrDeviceUnavailable].
type ExitError struct {
	Binary string
	// Stderr holds the tail of the process's diagnostic output, if any.
	Stderr string
	Err    error
	// Frames is how many frames the process delivered before it exited.
	Frames int
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("capture: %s exited unexpectedly", e.Binary)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Stderr != "" {
		msg += " (" + e.Stderr + ")"
	}
	return msg
}

func (e *ExitError) Unwrap() error { return e.Err }

// Is reports whether target is [ErrDeviceUnavailable] and no frame was ever
// captured.
func (e *ExitError) Is(target error) bool {
	return target == ErrDeviceUnavailable && e.Frames == 0
}
