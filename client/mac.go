package client

import (
	"net"

	"golang.org/x/crypto/blake2b"
)

// GenerateMACAddress derives the stable pseudo MAC address presented on the
// virtual link layer from the session identity. The same session always maps
// to the same address; uniqueness across unrelated sessions is not a goal.
// The locally-administered bit is set and the multicast bit cleared so the
// result is always a valid unicast hardware address.
func GenerateMACAddress(sessionID string) net.HardwareAddr {
	sum := blake2b.Sum256([]byte("ldn-virtual-mac:" + sessionID))
	mac := make(net.HardwareAddr, 6)
	copy(mac, sum[:6])
	mac[0] = (mac[0] | 0x02) &^ 0x01
	return mac
}
