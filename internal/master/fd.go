package master

import (
	"net"
	"syscall"

	"gopkg.in/yaml.v3"
)

// connFD extracts the underlying file descriptor of a net.Conn backed by a
// real socket, for handing to the sleepy waiter's readiness poll.
func connFD(conn net.Conn) (int, bool) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return 0, false
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, false
	}

	var fd int
	if err := raw.Control(func(f uintptr) { fd = int(f) }); err != nil {
		return 0, false
	}
	return fd, true
}

func yamlMarshal(v any) ([]byte, error) {
	return yaml.Marshal(v)
}
