//go:build linux

package bus

import (
	"net"

	"golang.org/x/sys/unix"
)

func peerCredentials(conn net.Conn) Credentials {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return Credentials{}
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return Credentials{}
	}
	var (
		cred    *unix.Ucred
		credErr error
	)
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil || credErr != nil {
		return Credentials{}
	}
	return Credentials{PID: int(cred.Pid), UID: int(cred.Uid), GID: int(cred.Gid)}
}
