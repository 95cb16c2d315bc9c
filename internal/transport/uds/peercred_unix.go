//go:build unix

package uds

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// capturePeerCredentials reads SO_PEERCRED off the accepted connection's
// underlying file descriptor, per spec §4.6.
func capturePeerCredentials(conn *net.UnixConn) (PeerCredentials, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return PeerCredentials{}, fmt.Errorf("uds: syscall conn: %w", err)
	}

	var cred *unix.Ucred
	var opErr error
	err = raw.Control(func(fd uintptr) {
		cred, opErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return PeerCredentials{}, fmt.Errorf("uds: control: %w", err)
	}
	if opErr != nil {
		return PeerCredentials{}, fmt.Errorf("uds: getsockopt SO_PEERCRED: %w", opErr)
	}

	return PeerCredentials{PID: cred.Pid, UID: cred.Uid, GID: cred.Gid}, nil
}
