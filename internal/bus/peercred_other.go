//go:build !linux

package bus

import "net"

func peerCredentials(net.Conn) Credentials { return Credentials{} }
