package capture

import (
	"fmt"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
)

// Handle is the part of *pcap.Handle the capture loop uses.
// Close must make a blocked ReadPacketData return io.EOF.
type Handle interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
	Close()
}

// HandleOpener opens a live handle for cfg.Interface.
type HandleOpener func(cfg Config) (Handle, error)

// openLive builds the pcap handle: promiscuous as configured, short read timeout so Close
// is never stuck behind a long read, optional BPF filter.
func openLive(cfg Config) (Handle, error) {
	handler, err := pcap.OpenLive(cfg.Interface, cfg.SnapshotLen, cfg.Promiscuous, cfg.ReadTimeout)
	if err != nil {
		return nil, err
	}

	if filter := strings.TrimSpace(cfg.BPFFilter); filter != "" {
		if err := handler.SetBPFFilter(filter); err != nil {
			handler.Close()
			return nil, fmt.Errorf("bpf filter %q: %w", filter, err)
		}
	}
	return handler, nil
}

// Device is one capture-capable interface.
type Device struct {
	Name        string
	Description string
	Addresses   []string
}

// Devices lists the interfaces pcap can open, with their unicast addresses.
func Devices() ([]Device, error) {
	devs, err := pcap.FindAllDevs()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}

	out := make([]Device, 0, len(devs))
	for _, dev := range devs {
		d := Device{Name: dev.Name, Description: dev.Description}
		for _, addr := range dev.Addresses {
			if addr.IP == nil || addr.IP.IsMulticast() {
				continue
			}
			d.Addresses = append(d.Addresses, addr.IP.String())
		}
		out = append(out, d)
	}
	return out, nil
}

// localAddresses returns the addresses of iface. When the device is unknown or has none,
// every address on the host is used instead.
func localAddresses(devs []Device, iface string) map[string]struct{} {
	ips := make(map[string]struct{})
	for _, d := range devs {
		if d.Name != iface {
			continue
		}
		for _, a := range d.Addresses {
			ips[a] = struct{}{}
		}
	}
	if len(ips) > 0 {
		return ips
	}

	for _, d := range devs {
		for _, a := range d.Addresses {
			ips[a] = struct{}{}
		}
	}
	return ips
}
