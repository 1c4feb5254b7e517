package framepool

import (
	"fmt"

	"github.com/teachos/physmem/memutils"
)

// IdentityMapper converts frame numbers into the raw memory that backs them.
// The frame allocator runs before paging is enabled, when all addressing is
// direct physical-to-linear, and this interface is the one place where that
// assumption lives. A later paging-aware port can swap in a mapper that walks
// page tables without touching the allocator logic.
type IdentityMapper interface {
	// FrameBytes returns the backing bytes of count consecutive frames
	// starting at first. The returned slice aliases the underlying memory:
	// writes through it are visible to every other view of the same frames.
	FrameBytes(first Frame, count uint64) []byte
}

// DirectMemory is an IdentityMapper backed by an in-process buffer covering a
// single contiguous frame range. It stands in for identity-mapped physical
// memory: pool bitmaps live inside the mapped frames exactly as they would in
// a real early-boot environment.
type DirectMemory struct {
	baseFrame  Frame
	frameCount uint64
	data       []byte
}

// NewDirectMemory maps frameCount frames starting at baseFrame onto a zeroed
// buffer.
func NewDirectMemory(baseFrame Frame, frameCount uint64) *DirectMemory {
	memutils.DebugCheckPow2(uint(FrameSize), "frame size")

	return &DirectMemory{
		baseFrame:  baseFrame,
		frameCount: frameCount,
		data:       make([]byte, frameCount*FrameSize),
	}
}

// BaseFrame returns the first mapped frame.
func (m *DirectMemory) BaseFrame() Frame { return m.baseFrame }

// FrameCount returns the number of mapped frames.
func (m *DirectMemory) FrameCount() uint64 { return m.frameCount }

// FrameBytes returns the backing bytes of count consecutive frames starting at
// first. Requesting frames outside the mapped range is a programming error and
// panics.
func (m *DirectMemory) FrameBytes(first Frame, count uint64) []byte {
	if first < m.baseFrame || uint64(first-m.baseFrame)+count > m.frameCount {
		panic(fmt.Sprintf("frames [%d, %d) are outside the mapped region [%d, %d)",
			first, uint64(first)+count, m.baseFrame, uint64(m.baseFrame)+m.frameCount))
	}

	start := uint64(first-m.baseFrame) * FrameSize
	return m.data[start : start+count*FrameSize]
}

var _ IdentityMapper = &DirectMemory{}
