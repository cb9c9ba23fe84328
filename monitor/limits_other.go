//go:build !linux

package monitor

const limitsSupported = false

type resourceLimiter struct{}

func (l *resourceLimiter) configure(pid int, cpuCores float64, memMB int) error { return nil }

func (l *resourceLimiter) free() error { return nil }
