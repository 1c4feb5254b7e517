package framepool

import "github.com/teachos/physmem/memutils"

const (
	// FrameSize is the size in bytes of a single physical frame. Frames are the
	// smallest unit of physical memory this package manages and are never
	// subdivided.
	FrameSize = 4096

	// framesPerByte is how many frame states fit in one bitmap byte: two bits
	// per frame, four frames per byte.
	framesPerByte = 4

	stateMask = 0x3
)

// Frame identifies a physical frame by its absolute frame number.
type Frame uint64

// NoFrame is the sentinel returned from allocation calls that could not be
// satisfied. Physical frame 0 is never a legal allocatable address in this
// system.
const NoFrame Frame = 0

// Address returns the physical byte address of the first byte of the frame.
// Valid only while addressing is identity-mapped.
func (f Frame) Address() int {
	return int(f) * FrameSize
}

// FrameAt returns the frame containing the given physical byte address.
func FrameAt(address int) Frame {
	return Frame(memutils.AlignDown(address, FrameSize) / FrameSize)
}

// FrameState is the allocation state recorded for a single frame in a pool's
// bitmap. Exactly one state holds for each owned frame at any time.
type FrameState uint8

const (
	// FrameFree frames are available for allocation.
	FrameFree FrameState = iota
	// FrameUsed frames belong to an allocation but are not its first frame.
	FrameUsed
	// FrameHeadOfSequence frames are the first frame of a contiguous
	// allocation. Release finds the run's start and extent through this state.
	FrameHeadOfSequence
	// FrameInaccessible frames are permanently withheld from allocation,
	// either because they back the pool's own bitmap or because they cover a
	// physical memory hole. There is no way back out of this state.
	FrameInaccessible
)

var frameStateMapping = map[FrameState]string{
	FrameFree:           "FrameFree",
	FrameUsed:           "FrameUsed",
	FrameHeadOfSequence: "FrameHeadOfSequence",
	FrameInaccessible:   "FrameInaccessible",
}

func (s FrameState) String() string {
	return frameStateMapping[s]
}
