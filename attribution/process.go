package attribution

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	ps "github.com/mitchellh/go-ps"
	"github.com/shirou/gopsutil/v3/process"
)

var ErrProcessNotFound = errors.New("process not found")

// UnknownProcess is returned when no process owns an endpoint.
const UnknownProcess = "Unknown"

// Process describes the owner of a socket.
type Process struct {
	Pid  int
	Name string
	Exe  string
}

// Resolver looks up a single process by pid.
type Resolver interface {
	Resolve(pid int) (Process, error)
}

// ProcessLister is implemented by resolvers that can list every process in one call.
// Refresh uses it to notice pids that were reused by another program.
type ProcessLister interface {
	Processes(ctx context.Context) (map[int]Process, error)
}

// PsResolver resolves names with go-ps and executable paths from procfs, falling back to
// gopsutil where procfs does not exist.
type PsResolver struct{}

func (PsResolver) Resolve(pid int) (Process, error) {
	p, err := ps.FindProcess(pid)
	if err != nil {
		return Process{}, fmt.Errorf("find pid %d: %w", pid, err)
	}
	if p == nil {
		return Process{}, fmt.Errorf("%w: pid %d", ErrProcessNotFound, pid)
	}

	proc := Process{Pid: pid, Name: p.Executable(), Exe: processExe(pid)}
	if proc.Name == "" && proc.Exe != "" {
		proc.Name = filepath.Base(proc.Exe)
	}
	return proc, nil
}

func (PsResolver) Processes(ctx context.Context) (map[int]Process, error) {
	list, err := ps.Processes()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	out := make(map[int]Process, len(list))
	for _, p := range list {
		out[p.Pid()] = Process{Pid: p.Pid(), Name: p.Executable()}
	}
	return out, ctx.Err()
}

func processExe(pid int) string {
	if path, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid)); err == nil {
		return path
	}

	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return ""
	}
	exe, _ := p.Exe()
	return exe
}
