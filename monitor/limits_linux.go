//go:build linux

package monitor

import (
	"fmt"

	"github.com/containerd/cgroups"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	limitsSupported = true
	cgroupPath      = "/trafficmon"
	cpuPeriod       = uint64(100000)
)

// resourceLimiter puts the monitoring process into its own cgroup with cpu and memory caps.
type resourceLimiter struct {
	cg cgroups.Cgroup
}

func limitResources(cpuCores float64, memMB int) *specs.LinuxResources {
	res := &specs.LinuxResources{}
	if cpuCores > 0 {
		period := cpuPeriod
		quota := int64(cpuCores * float64(cpuPeriod))
		res.CPU = &specs.LinuxCPU{Period: &period, Quota: &quota}
	}
	if memMB > 0 {
		limit := int64(memMB) * 1024 * 1024
		res.Memory = &specs.LinuxMemory{Limit: &limit}
	}
	return res
}

func (l *resourceLimiter) configure(pid int, cpuCores float64, memMB int) error {
	if cpuCores <= 0 && memMB <= 0 {
		return nil
	}

	cg, err := cgroups.New(cgroups.V1, cgroups.StaticPath(cgroupPath), limitResources(cpuCores, memMB))
	if err != nil {
		return fmt.Errorf("create cgroup %s: %w", cgroupPath, err)
	}
	if err := cg.Add(cgroups.Process{Pid: pid}); err != nil {
		cg.Delete()
		return fmt.Errorf("add pid %d to cgroup: %w", pid, err)
	}
	l.cg = cg
	return nil
}

func (l *resourceLimiter) free() error {
	if l.cg == nil {
		return nil
	}
	err := l.cg.Delete()
	l.cg = nil
	return err
}
