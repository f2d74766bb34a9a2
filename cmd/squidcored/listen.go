// Binary squidcored demonstrates C1-C6 wired into a runnable forward
// proxy: it accepts client connections, recovers the pre-NAT original
// destination the way a transparently-intercepted Squid listener does
// (CVE-2009-0801 mitigation, spec.md §4.3 ORIGINAL_DST), runs peer
// selection, and forwards through the lifecycle in internal/forward.
package main

import (
	"fmt"
	"net"
	"unsafe"

	"golang.org/x/sys/unix"
)

// getOriginalDst recovers the client's original connection target from
// a transparently-intercepted TCP connection via SO_ORIGINAL_DST,
// adapted from the teacher's main.go getOriginalTargetFromConn —
// ported off the raw syscall package onto golang.org/x/sys/unix's
// typed constants and RawSockaddrInet4 instead of a hand-rolled
// padded struct.
func getOriginalDst(conn *net.TCPConn) (net.Addr, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("squidcored: raw conn: %w", err)
	}

	var sa unix.RawSockaddrInet4
	var sysErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		size := uint32(unsafe.Sizeof(sa))
		_, _, errno := unix.Syscall6(
			unix.SYS_GETSOCKOPT,
			fd,
			uintptr(unix.SOL_IP),
			uintptr(unix.SO_ORIGINAL_DST),
			uintptr(unsafe.Pointer(&sa)),
			uintptr(unsafe.Pointer(&size)),
			0,
		)
		if errno != 0 {
			sysErr = errno
		}
	})
	if ctrlErr != nil {
		return nil, ctrlErr
	}
	if sysErr != nil {
		return nil, fmt.Errorf("squidcored: getsockopt SO_ORIGINAL_DST: %w", sysErr)
	}

	// RawSockaddrInet4.Port holds the network-byte-order (big-endian)
	// port; byte-swap it back on the (assumed little-endian) host.
	port := int(sa.Port&0xff)<<8 | int(sa.Port>>8)

	return &net.TCPAddr{
		IP:   net.IPv4(sa.Addr[0], sa.Addr[1], sa.Addr[2], sa.Addr[3]),
		Port: port,
	}, nil
}
