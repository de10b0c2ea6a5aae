package concurrency

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/easeworks/gpu-worker/internal/logging"
)

// LoadBasedModifier completes the teacher's metrics.Collect TODO
// ("implement with gopsutil") by offering an opt-in Modifier that scales the
// admission cap down as host CPU or memory utilization rises. It never
// exceeds maxCap and never returns below 1.
//
// This is a convenience the handlers configuration may opt into; the default
// remains the identity modifier described in §4.5.
func LoadBasedModifier(maxCap int) Modifier {
	if maxCap < 1 {
		maxCap = 1
	}
	return func(prevAllowed int) int {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()

		percents, err := cpu.PercentWithContext(ctx, 0, false)
		if err != nil || len(percents) == 0 {
			logging.Warn("load modifier: failed to read cpu usage, keeping previous cap")
			return prevAllowed
		}
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			logging.Warn("load modifier: failed to read memory usage, keeping previous cap")
			return prevAllowed
		}

		usage := percents[0]
		if vm.UsedPercent > usage {
			usage = vm.UsedPercent
		}

		switch {
		case usage > 90:
			return 1
		case usage > 75:
			return max1(maxCap / 2)
		default:
			return maxCap
		}
	}
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
