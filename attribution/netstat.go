package attribution

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/spf13/cast"
)

// Conn is one socket owned by a process.
type Conn struct {
	Proto     string // tcp, tcp6, udp, udp6
	LocalIP   string
	LocalPort uint16
	Pid       int
}

func (c Conn) Key() string {
	return endpointKey(c.LocalIP, c.LocalPort)
}

// Enumerator lists the sockets of the host together with their owning pid.
type Enumerator interface {
	Connections(ctx context.Context) ([]Conn, error)
}

// NetstatEnumerator runs the platform netstat and parses its table.
type NetstatEnumerator struct {
	goos string
	run  func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func NewNetstatEnumerator() *NetstatEnumerator {
	return &NetstatEnumerator{goos: runtime.GOOS, run: runCommand}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

func (e *NetstatEnumerator) args() []string {
	if e.goos == "windows" {
		return []string{"-ano"}
	}
	return []string{"-tunap"}
}

func (e *NetstatEnumerator) Connections(ctx context.Context) ([]Conn, error) {
	out, err := e.run(ctx, "netstat", e.args()...)
	// netstat -p as an unprivileged user still prints the table and may exit non-zero
	if err != nil && len(bytes.TrimSpace(out)) == 0 {
		return nil, fmt.Errorf("netstat %s: %w", strings.Join(e.args(), " "), err)
	}
	return ParseNetstat(out), nil
}

// ParseNetstat reads both the linux `netstat -tunap` and the windows `netstat -ano` layout.
// Header lines, sockets without a pid and unparsable rows are skipped.
//
//	tcp   0  0 0.0.0.0:22     0.0.0.0:*  LISTEN  812/sshd
//	udp6  0  0 :::5353        :::*               901/avahi-daemon
//	TCP   [::]:135            [::]:0     LISTENING  1044
//	UDP   0.0.0.0:500         *:*                   4452
func ParseNetstat(out []byte) []Conn {
	var conns []Conn

	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 {
			continue
		}

		proto := strings.ToLower(fields[0])
		if !strings.HasPrefix(proto, "tcp") && !strings.HasPrefix(proto, "udp") {
			continue
		}

		local, pidFields := fields[1], fields[len(fields)-1:]
		if _, err := cast.ToIntE(fields[1]); err == nil && len(fields) >= 6 {
			// linux: Proto Recv-Q Send-Q Local Foreign [State] PID/Program, and the
			// program name may contain spaces
			local, pidFields = fields[3], fields[5:]
		}

		pid, ok := firstPid(pidFields)
		if !ok {
			continue
		}
		ip, port, err := splitEndpoint(local)
		if err != nil {
			continue
		}

		conns = append(conns, Conn{Proto: proto, LocalIP: ip, LocalPort: port, Pid: pid})
	}
	return conns
}

func firstPid(fields []string) (int, bool) {
	for _, s := range fields {
		if i := strings.IndexByte(s, '/'); i >= 0 {
			s = s[:i]
		}
		if pid, err := cast.ToIntE(s); err == nil && pid > 0 {
			return pid, true
		}
	}
	return 0, false
}

// splitEndpoint splits "host:port" as netstat prints it: "[::]:135", ":::22",
// "[fe80::1%4]:546", "*:68".
func splitEndpoint(s string) (string, uint16, error) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return "", 0, fmt.Errorf("no port in %q", s)
	}
	host, portStr := s[:i], s[i+1:]

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("bad port in %q", s)
	}

	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if j := strings.IndexByte(host, '%'); j >= 0 {
		host = host[:j]
	}
	if host == "" || host == "*" {
		host = "0.0.0.0"
	}
	return normalizeIP(host), uint16(port), nil
}

func normalizeIP(s string) string {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return strings.ToLower(strings.TrimSpace(s))
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}

// endpointKey is "ip:port" for IPv4 and "[ip]:port" for IPv6.
func endpointKey(ip string, port uint16) string {
	return net.JoinHostPort(normalizeIP(ip), strconv.Itoa(int(port)))
}

func wildcardKeys(port uint16) [2]string {
	p := strconv.Itoa(int(port))
	return [2]string{net.JoinHostPort("0.0.0.0", p), net.JoinHostPort("::", p)}
}

// GopsutilEnumerator reads the socket table through gopsutil, for hosts without netstat.
type GopsutilEnumerator struct{}

func (GopsutilEnumerator) Connections(ctx context.Context) ([]Conn, error) {
	stats, err := gnet.ConnectionsWithContext(ctx, "inet")
	if err != nil {
		return nil, fmt.Errorf("gopsutil connections: %w", err)
	}

	conns := make([]Conn, 0, len(stats))
	for _, st := range stats {
		if st.Pid <= 0 || st.Laddr.Port == 0 || st.Laddr.Port > 65535 {
			continue
		}

		proto := "tcp"
		if st.Type == syscall.SOCK_DGRAM {
			proto = "udp"
		}
		if st.Family == syscall.AF_INET6 {
			proto += "6"
		}

		ip := st.Laddr.IP
		if ip == "" || ip == "*" {
			ip = "0.0.0.0"
		}
		conns = append(conns, Conn{
			Proto:     proto,
			LocalIP:   normalizeIP(ip),
			LocalPort: uint16(st.Laddr.Port),
			Pid:       int(st.Pid),
		})
	}
	return conns, nil
}

// NewEnumerator picks an enumerator by name: "netstat" (default) or "gopsutil".
func NewEnumerator(name string) (Enumerator, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "netstat":
		return NewNetstatEnumerator(), nil
	case "gopsutil":
		return GopsutilEnumerator{}, nil
	}
	return nil, errors.New("unknown enumerator " + name)
}
