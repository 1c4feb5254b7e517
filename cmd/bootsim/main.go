// Command bootsim simulates the boot-time setup of a minimal teaching kernel:
// it constructs the kernel and process frame pools over identity-mapped
// memory, punches the physical memory hole, and runs the recursive
// allocate/mark/verify/release exercise against the kernel pool.
package main

import (
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/teachos/physmem/framepool"
	"github.com/teachos/physmem/memutils"
	"golang.org/x/exp/slog"
)

const (
	miB = 1 << 20

	kernelPoolStart  = framepool.Frame((2 * miB) / framepool.FrameSize)
	processPoolStart = framepool.Frame((4 * miB) / framepool.FrameSize)
	memHoleStart     = framepool.Frame((15 * miB) / framepool.FrameSize)

	testAllocations = 32
)

// framesFor converts a byte quantity into whole frames, rounding up.
func framesFor(bytes int) uint64 {
	return uint64(memutils.AlignUp(bytes, framepool.FrameSize) / framepool.FrameSize)
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	kernelPoolFrames := framesFor(2 * miB)
	processPoolFrames := framesFor(28 * miB)
	memHoleFrames := framesFor(1 * miB)

	// One identity mapping covering both pools, [2 MiB, 32 MiB).
	mem := framepool.NewDirectMemory(kernelPoolStart, kernelPoolFrames+processPoolFrames)
	registry := framepool.NewRegistry()

	kernelPool, err := framepool.NewPool(registry, mem, kernelPoolStart, kernelPoolFrames, framepool.NoFrame)
	if err != nil {
		fatal(logger, "failed to construct the kernel pool", err)
	}

	// The process pool keeps its bitmap in frames allocated from the kernel
	// pool, sized ahead of time with NeededInfoFrames.
	infoFrame := kernelPool.GetFrames(framepool.NeededInfoFrames(processPoolFrames))
	if infoFrame == framepool.NoFrame {
		fatal(logger, "kernel pool could not supply the process pool's info frames", nil)
	}

	processPool, err := framepool.NewPool(registry, mem, processPoolStart, processPoolFrames, infoFrame)
	if err != nil {
		fatal(logger, "failed to construct the process pool", err)
	}

	// 1 MiB hole in physical memory starting at 15 MiB.
	processPool.MarkInaccessible(memHoleStart, memHoleFrames)

	logger.Info("frame pools initialized",
		slog.Uint64("kernelPoolFree", kernelPool.FreeFrames()),
		slog.Uint64("processPoolFree", processPool.FreeFrames()))

	if err := testMemory(logger, mem, registry, kernelPool, testAllocations); err != nil {
		fatal(logger, "memory test failed", err)
	}

	for _, pool := range []*framepool.Pool{kernelPool, processPool} {
		if err := pool.CheckCorruption(); err != nil {
			fatal(logger, "pool metadata corrupted", err)
		}
		if err := pool.Validate(); err != nil {
			fatal(logger, "pool metadata inconsistent", err)
		}
	}

	writer := jwriter.NewWriter()
	registry.BuildStatsString(&writer)
	if writer.Error() != nil {
		fatal(logger, "failed to render pool statistics", writer.Error())
	}
	fmt.Println(string(writer.Bytes()))

	logger.Info("testing is done")
}

// testMemory is the classic recursive frame pool exercise: allocate a run,
// fill it with a marker unique to this depth, recurse so later allocations
// get a chance to trample it, then verify the marker survived before
// releasing the run.
func testMemory(logger *slog.Logger, mem framepool.IdentityMapper, registry *framepool.Registry, pool *framepool.Pool, allocsToGo int) error {
	logger.Debug("test allocation", slog.Int("allocsToGo", allocsToGo))
	if allocsToGo == 0 {
		return nil
	}

	count := uint64(allocsToGo%4 + 1)
	head := pool.GetFrames(count)
	if head == framepool.NoFrame {
		return errors.Newf("pool exhausted while allocating %d frames", count)
	}

	span := mem.FrameBytes(head, count)
	marker := byte(allocsToGo)
	for i := range span {
		span[i] = marker
	}

	if err := testMemory(logger, mem, registry, pool, allocsToGo-1); err != nil {
		return err
	}

	for i := range span {
		if span[i] != marker {
			logger.Error("allocated frames were overwritten",
				slog.Uint64("headFrame", uint64(head)),
				slog.Int("offset", i),
				slog.Int("value", int(span[i])),
				slog.Int("expected", int(marker)))
			return errors.New("error in frame pool")
		}
	}

	return registry.ReleaseFrames(head)
}

func fatal(logger *slog.Logger, msg string, err error) {
	if err != nil {
		logger.Error(msg, slog.Any("error", err))
	} else {
		logger.Error(msg)
	}
	os.Exit(1)
}
