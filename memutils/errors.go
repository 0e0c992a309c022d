package memutils

import "github.com/cockroachdb/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// DeviceLostError is returned once the native queue or fence has reported a failure. It is sticky: every
// later submission or wait on the same device fails with it as well.
var DeviceLostError error = errors.New("device lost")

// OutOfMemoryError is returned when the resident set required by a submission cannot fit inside the
// residency budget, even after evicting everything that is legally evictable
var OutOfMemoryError error = errors.New("out of memory")

// OutOfRingSpaceError is returned when a shader-visible descriptor ring has no room for a reservation
// without overwriting a reservation the GPU may still be reading
var OutOfRingSpaceError error = errors.New("out of ring space")

// ValidationError is returned when a caller submits work that references a destroyed resource, or submits
// the same command buffer twice
var ValidationError error = errors.New("validation error")

// TimeoutError is returned when a blocking wait expires before the requested serial completes
var TimeoutError error = errors.New("timed out")

// MarkDeviceLost wraps a native failure so that errors.Is(err, DeviceLostError) reports true while
// preserving the native cause
func MarkDeviceLost(err error, format string, args ...any) error {
	return errors.Mark(errors.Wrapf(err, format, args...), DeviceLostError)
}
