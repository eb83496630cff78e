// Package tun exposes the local network stack as a tun interface: IP
// packets read from it get tunneled, decrypted payloads written to it enter
// the host's stack.
package tun

import (
	"github.com/songgao/water"
)

// Device is one end of the tunnel on the local host.
type Device interface {
	// Read blocks for the next outbound IP packet.
	Read(pkt []byte) (int, error)
	// Write injects one inbound IP packet.
	Write(pkt []byte) (int, error)
	Close() error
	Name() string
}

type nativeTun struct {
	iface *water.Interface
}

// New opens a tun interface. An empty name lets the platform pick one.
func New(name string) (Device, error) {
	cfg := water.Config{DeviceType: water.TUN}
	if name != "" {
		cfg.Name = name
	}
	iface, err := water.New(cfg)
	if err != nil {
		return nil, err
	}
	return &nativeTun{iface: iface}, nil
}

func (t *nativeTun) Read(pkt []byte) (int, error)  { return t.iface.Read(pkt) }
func (t *nativeTun) Write(pkt []byte) (int, error) { return t.iface.Write(pkt) }
func (t *nativeTun) Close() error                  { return t.iface.Close() }
func (t *nativeTun) Name() string                  { return t.iface.Name() }
