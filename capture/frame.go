package capture

import (
	"net"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	tmon "github.com/jinmuyano/trafficmon"
)

type direction int

const (
	downSide direction = iota
	upSide
)

func (d direction) String() string {
	if d == upSide {
		return "up"
	}
	return "down"
}

// Endpoint is the address pair picked for one sampling interval.
type Endpoint struct {
	SourceIP string
	DestIP   string
	Protocol string

	// the host side of the pair, used to find the owning process
	LocalIP    string
	LocalPort  uint16
	RemoteIP   string
	RemotePort uint16

	Public bool
}

func (e Endpoint) IsZero() bool {
	return e.SourceIP == "" && e.DestIP == ""
}

// frameInfo is what one frame contributes beyond its length.
type frameInfo struct {
	src, dst         net.IP
	srcPort, dstPort uint16
	protocol         string
}

// decodeFrame extracts the IP endpoints and the transport tag. ok is false for frames
// without an IP layer.
func decodeFrame(data []byte, linkType layers.LinkType) (frameInfo, bool) {
	var fi frameInfo

	packet := gopacket.NewPacket(data, linkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	switch ip := packet.NetworkLayer().(type) {
	case *layers.IPv4:
		fi.src, fi.dst = ip.SrcIP, ip.DstIP
	case *layers.IPv6:
		fi.src, fi.dst = ip.SrcIP, ip.DstIP
	default:
		return fi, false
	}

	fi.protocol = tmon.ProtocolOther
	switch t := packet.TransportLayer().(type) {
	case *layers.TCP:
		fi.protocol = tmon.ProtocolTCP
		fi.srcPort, fi.dstPort = uint16(t.SrcPort), uint16(t.DstPort)
	case *layers.UDP:
		fi.protocol = tmon.ProtocolUDP
		fi.srcPort, fi.dstPort = uint16(t.SrcPort), uint16(t.DstPort)
	default:
		if packet.Layer(layers.LayerTypeICMPv4) != nil || packet.Layer(layers.LayerTypeICMPv6) != nil {
			fi.protocol = tmon.ProtocolICMP
		}
	}
	return fi, true
}

// isPublic reports whether ip is routable on the internet.
func isPublic(ip net.IP) bool {
	if ip == nil {
		return false
	}
	return !ip.IsLoopback() &&
		!ip.IsPrivate() &&
		!ip.IsUnspecified() &&
		!ip.IsLinkLocalUnicast() &&
		!ip.IsLinkLocalMulticast() &&
		!ip.IsMulticast()
}

// endpointTracker keeps the most recent pair of the interval, preferring public ones:
// a private pair only replaces another private pair.
type endpointTracker struct {
	mu   sync.Mutex
	last Endpoint
}

func (t *endpointTracker) observe(fi frameInfo, side direction) {
	ep := Endpoint{
		SourceIP: fi.src.String(),
		DestIP:   fi.dst.String(),
		Protocol: fi.protocol,
		Public:   isPublic(fi.src) || isPublic(fi.dst),
	}
	if side == upSide {
		ep.LocalIP, ep.LocalPort = ep.SourceIP, fi.srcPort
		ep.RemoteIP, ep.RemotePort = ep.DestIP, fi.dstPort
	} else {
		ep.LocalIP, ep.LocalPort = ep.DestIP, fi.dstPort
		ep.RemoteIP, ep.RemotePort = ep.SourceIP, fi.srcPort
	}

	t.mu.Lock()
	if ep.Public || !t.last.Public {
		t.last = ep
	}
	t.mu.Unlock()
}

func (t *endpointTracker) drain() Endpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	ep := t.last
	t.last = Endpoint{}
	return ep
}
