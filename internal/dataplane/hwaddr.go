package dataplane

import (
	"net"

	"golang.org/x/crypto/blake2s"
)

// DeriveHardwareAddr returns a stable, locally administered unicast MAC for
// links that have no hardware address of their own.
func DeriveHardwareAddr(seed string) net.HardwareAddr {
	sum := blake2s.Sum256([]byte(seed))
	mac := net.HardwareAddr(append([]byte(nil), sum[:6]...))
	mac[0] = (mac[0] | 0x02) &^ 0x01
	return mac
}
