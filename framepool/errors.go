package framepool

import "github.com/pkg/errors"

// These errors signal caller or configuration bugs rather than transient
// conditions. A boot-time consumer should treat any of them as fatal: the
// allocator makes no attempt to clean up partial state once one is returned.
// Allocation exhaustion is deliberately not represented here; Pool.GetFrames
// reports it with the NoFrame sentinel instead, because running out of frames
// is an expected runtime condition the caller can recover from.
var (
	// ErrZeroSizePool is returned when constructing a pool over zero frames.
	ErrZeroSizePool error = errors.New("a frame pool must own at least one frame")

	// ErrRegistryFull is returned when constructing a pool after MaxPools
	// pools have already registered.
	ErrRegistryFull error = errors.New("the pool registry is at capacity")

	// ErrNotAllocationHead is returned when releasing a frame that is not
	// currently the head of a live allocation, including double frees and
	// frees of an allocation's body frames.
	ErrNotAllocationHead error = errors.New("frame is not the head of a live allocation")

	// ErrUnownedFrame is returned when a frame number falls outside the range
	// of the pool (or of every registered pool) asked to operate on it.
	ErrUnownedFrame error = errors.New("no pool owns the frame")

	// ErrCorruptionDetected is returned by Pool.CheckCorruption when the guard
	// bytes behind a pool's bitmap have been overwritten.
	ErrCorruptionDetected error = errors.New("bitmap guard bytes have been overwritten")
)
