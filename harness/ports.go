package harness

import (
	"errors"
	"net"
	"sync"
)

const maxPortAttempts = 100

var (
	portLock       sync.Mutex
	allocatedPorts = make(map[int]struct{})
)

// NextFreePort returns a TCP port that is currently unused and that no earlier call in this process
// has returned.
func NextFreePort() (int, error) {
	portLock.Lock()
	defer portLock.Unlock()
	for i := 0; i < maxPortAttempts; i++ {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return 0, err
		}
		port := l.Addr().(*net.TCPAddr).Port
		_ = l.Close()
		if _, taken := allocatedPorts[port]; taken {
			continue
		}
		allocatedPorts[port] = struct{}{}
		return port, nil
	}
	return 0, errors.New("could not find a free port")
}

// Ports are the five ports a harness allocates when it is created.
type Ports struct {
	Kafka         int
	KafkaTLS      int
	WebService    int
	WebServiceTLS int
	BrokerService int
}

func allocatePorts() (Ports, error) {
	var p Ports
	for _, target := range []*int{&p.Kafka, &p.KafkaTLS, &p.WebService, &p.WebServiceTLS, &p.BrokerService} {
		port, err := NextFreePort()
		if err != nil {
			return p, err
		}
		*target = port
	}
	return p, nil
}
