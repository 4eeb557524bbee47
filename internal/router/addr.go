package router

import (
	"fmt"
	"strings"
)

// Addr is a transport address: either a UDP (ip, port) pair or an
// HTTP client address. Comparable, so it can key routing-table maps.
type Addr struct {
	IP   string
	Port int
}

func (a Addr) String() string {
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

// IsLoopback reports whether the address is on the loopback range,
// mirroring original_source/litterrouter.py's addr[0].startswith('127')
// check used to keep loopback echoes out of the routing tables.
func (a Addr) IsLoopback() bool {
	return strings.HasPrefix(a.IP, "127.") || a.IP == "::1"
}

// Zero reports whether the address is unset.
func (a Addr) Zero() bool {
	return a.IP == "" && a.Port == 0
}
