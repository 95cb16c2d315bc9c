//go:build windows

package uds

import (
	"fmt"
	"net"
)

// capturePeerCredentials has no Windows equivalent to SO_PEERCRED for
// Unix-domain sockets; the gateway's agent transport is Unix-only in
// practice (spec §4.6 describes a "local listener" for same-host
// processes), so this always fails rather than silently reporting zero
// credentials.
func capturePeerCredentials(conn *net.UnixConn) (PeerCredentials, error) {
	return PeerCredentials{}, fmt.Errorf("uds: peer credentials are not available on windows")
}
