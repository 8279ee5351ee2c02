// Package probe sizes the worker pool from host resources: CPU cores,
// available memory and a short network-throughput sample.
package probe

import (
	"context"
	"math"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
	log "github.com/sirupsen/logrus"
)

const (
	perTaskMemoryBytes    = 64 << 20  // 64MiB working-set estimate per in-flight job
	perTaskBandwidthBytes = 512 << 10 // 512KiB/s assumed per streaming response
	headroom              = 0.85
	defaultSampleWindow   = 500 * time.Millisecond
)

// Probe estimates a safe concurrency ceiling. The sampling funcs are fields
// so tests substitute fixed readings instead of touching the host.
type Probe struct {
	CPUCount       func() (int, error)
	AvailableMem   func() (uint64, error)
	NetworkCounter func() (uint64, error)
	SampleWindow   time.Duration
}

func New() *Probe {
	return &Probe{
		CPUCount: func() (int, error) { return cpu.Counts(true) },
		AvailableMem: func() (uint64, error) {
			vm, err := mem.VirtualMemory()
			if err != nil {
				return 0, err
			}
			return vm.Available, nil
		},
		NetworkCounter: totalNetworkBytes,
		SampleWindow:   defaultSampleWindow,
	}
}

func totalNetworkBytes() (uint64, error) {
	counters, err := gnet.IOCounters(false)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, c := range counters {
		total += c.BytesSent + c.BytesRecv
	}
	return total, nil
}

// EstimateConcurrency returns the worker-pool size for jobCount jobs. A
// positive override short-circuits sampling; either way the result is
// clamped to [1, jobCount]. Sampling failures degrade to the remaining
// signals rather than failing the run.
func (p *Probe) EstimateConcurrency(ctx context.Context, override, jobCount int) int {
	if jobCount < 1 {
		jobCount = 1
	}
	if override > 0 {
		return clamp(override, 1, jobCount)
	}

	cpuLimit := 1
	if cores, err := p.CPUCount(); err != nil {
		log.Warnf("cpu probe failed, assuming one core: %v", err)
	} else if cores > 0 {
		cpuLimit = int(math.Ceil(float64(cores) * headroom))
	}

	memLimit := 1
	if avail, err := p.AvailableMem(); err != nil {
		log.Warnf("memory probe failed, assuming one task: %v", err)
	} else {
		memLimit = int(float64(avail) / float64(perTaskMemoryBytes) * headroom)
		if memLimit < 1 {
			memLimit = 1
		}
	}

	// Below one task's worth of observed throughput the sample says more
	// about host idleness than capacity, so fall back to the larger of the
	// other two signals.
	netLimit := max(cpuLimit, memLimit)
	if bps, err := p.sampleBandwidth(ctx); err != nil {
		log.Warnf("network probe failed, using cpu/mem limits: %v", err)
	} else if bps >= perTaskBandwidthBytes {
		netLimit = int(math.Ceil(bps / perTaskBandwidthBytes * headroom))
		if netLimit < 1 {
			netLimit = 1
		}
	}

	limit := clamp(min(cpuLimit, memLimit, netLimit), 1, jobCount)
	log.Debugf("resource probe: cpu=%d mem=%d net=%d jobs=%d -> concurrency %d",
		cpuLimit, memLimit, netLimit, jobCount, limit)
	return limit
}

// sampleBandwidth extrapolates bytes/second from two NIC counter snapshots
// taken one sample window apart.
func (p *Probe) sampleBandwidth(ctx context.Context) (float64, error) {
	window := p.SampleWindow
	if window <= 0 {
		window = defaultSampleWindow
	}
	before, err := p.NetworkCounter()
	if err != nil {
		return 0, err
	}
	timer := time.NewTimer(window)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
		return 0, ctx.Err()
	}
	after, err := p.NetworkCounter()
	if err != nil {
		return 0, err
	}
	var delta uint64
	if after > before {
		delta = after - before
	}
	return float64(delta) / window.Seconds(), nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
