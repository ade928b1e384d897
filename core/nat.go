package core

import (
	"fmt"
	"net"

	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/jackpal/gateway"
	natpmp "github.com/jackpal/go-nat-pmp"
)

// NATManager discovers the LAN gateway and the node's externally-visible
// address, and opens a port mapping for the TCP listener so inbound peers
// can reach it (answers the get-external-addr/external-addr pair in the
// message catalog, spec.md §6).
type NATManager struct {
	ip         net.IP
	pmp        *natpmp.Client
	upnp       *internetgateway1.WANIPConnection1
	mappedPort int
}

// NewNATManager probes NAT-PMP first, falling back to UPnP IGDv1, matching
// the teacher's ordering.
func NewNATManager() (*NATManager, error) {
	m := &NATManager{}
	if gw, err := gateway.DiscoverGateway(); err == nil {
		m.pmp = natpmp.NewClient(gw)
		if res, err := m.pmp.GetExternalAddress(); err == nil {
			m.ip = net.IPv4(res.ExternalIPAddress[0], res.ExternalIPAddress[1], res.ExternalIPAddress[2], res.ExternalIPAddress[3])
		}
	}
	if m.ip == nil {
		if clients, _, err := internetgateway1.NewWANIPConnection1Clients(); err == nil && len(clients) > 0 {
			m.upnp = clients[0]
			if ipStr, err := m.upnp.GetExternalIPAddress(); err == nil {
				m.ip = net.ParseIP(ipStr)
			}
		}
	}
	if m.ip == nil {
		return nil, fmt.Errorf("nat: gateway not found")
	}
	return m, nil
}

// ExternalAddress returns the node's best-known externally-visible
// Address for the given listen port, used to answer `get-external-addr`.
func (m *NATManager) ExternalAddress(listenPort uint16) (Address, error) {
	ip4 := m.ip.To4()
	if ip4 == nil {
		return Address{}, fmt.Errorf("nat: external ip is not ipv4: %s", m.ip)
	}
	var addr Address
	copy(addr.IP[:], ip4)
	addr.Port = listenPort
	return addr, nil
}

// Map opens port on the gateway so inbound dials reach the TCP listener.
func (m *NATManager) Map(port uint16) error {
	if m.pmp != nil {
		if _, err := m.pmp.AddPortMapping("tcp", int(port), int(port), 3600); err == nil {
			m.mappedPort = int(port)
			return nil
		}
	}
	if m.upnp != nil {
		if err := m.upnp.AddPortMapping("", port, "TCP", port, m.ip.String(), true, "corenet", 3600); err == nil {
			m.mappedPort = int(port)
			return nil
		}
	}
	return fmt.Errorf("nat: mapping failed")
}

// Unmap removes the previously-opened port mapping.
func (m *NATManager) Unmap() error {
	if m.mappedPort == 0 {
		return nil
	}
	if m.pmp != nil {
		if _, err := m.pmp.AddPortMapping("tcp", m.mappedPort, m.mappedPort, 0); err != nil {
			return err
		}
		m.mappedPort = 0
		return nil
	}
	if m.upnp != nil {
		if err := m.upnp.DeletePortMapping("", uint16(m.mappedPort), "TCP"); err != nil {
			return err
		}
		m.mappedPort = 0
	}
	return nil
}
