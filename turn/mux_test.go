package turn

import "net"

// pipeTransport returns two ends of an in-memory connection satisfying
// Transport, used so mux tests don't depend on real sockets.
func pipeTransport() (Transport, Transport) {
	a, b := net.Pipe()
	return a, b
}
