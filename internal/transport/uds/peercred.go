package uds

// PeerCredentials is the pid/uid/gid captured from the kernel at accept
// time, per spec §4.6: "Peer credentials (pid/uid/gid) are captured from
// the kernel at accept time and surfaced on the transport handle."
type PeerCredentials struct {
	PID int32
	UID uint32
	GID uint32
}
