package media

import (
	"fmt"
	"net"
	"sync"

	"ai-voice-connector/pkg/errors"
	"ai-voice-connector/pkg/metrics"
)

// PortChecker reports whether an RTP port can currently be bound on the host.
type PortChecker func(port int) bool

// PortManager hands out even RTP ports from a fixed range. The odd port above
// each allocation is implicitly reserved for RTCP.
type PortManager struct {
	minPort int
	maxPort int
	check   PortChecker

	mu        sync.Mutex
	usedPorts map[int]struct{}
	next      int
	stats     PortManagerStats
}

// PortManagerStats tracks port allocation statistics
type PortManagerStats struct {
	TotalPorts        int
	UsedPorts         int
	AvailablePorts    int
	AllocationCount   int64
	DeallocationCount int64
	ProbeFailures     int64
}

// NewPortManager creates a port manager for [minPort, maxPort]. Invalid ranges
// fall back to 10000-20000.
func NewPortManager(minPort, maxPort int) *PortManager {
	if minPort <= 0 || maxPort <= 0 || minPort >= maxPort || maxPort > 65535 {
		minPort, maxPort = 10000, 20000
	}
	if minPort%2 != 0 {
		minPort++
	}

	return &PortManager{
		minPort:   minPort,
		maxPort:   maxPort,
		check:     udpPortAvailable,
		usedPorts: make(map[int]struct{}),
		next:      minPort,
		stats: PortManagerStats{
			TotalPorts: (maxPort-minPort)/2 + 1,
		},
	}
}

// WithChecker replaces the bind probe used before handing out a port.
func (pm *PortManager) WithChecker(check PortChecker) *PortManager {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if check != nil {
		pm.check = check
	}
	return pm
}

// AllocatePort returns a free even port. Allocation rotates through the range
// so a released port is not reused immediately.
func (pm *PortManager) AllocatePort() (int, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	for i := 0; i < pm.stats.TotalPorts; i++ {
		port := pm.next
		pm.next += 2
		if pm.next > pm.maxPort {
			pm.next = pm.minPort
		}

		if _, used := pm.usedPorts[port]; used {
			continue
		}
		if !pm.check(port) {
			pm.stats.ProbeFailures++
			continue
		}

		pm.usedPorts[port] = struct{}{}
		pm.stats.AllocationCount++
		metrics.SetRTPPortsInUse(len(pm.usedPorts))
		return port, nil
	}

	return 0, errors.Wrap(errors.ErrResourceExhausted,
		fmt.Sprintf("no free RTP ports in range %d-%d", pm.minPort, pm.maxPort))
}

// ReleasePort returns a port to the pool. Unknown ports are ignored.
func (pm *PortManager) ReleasePort(port int) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if _, used := pm.usedPorts[port]; !used {
		return
	}
	delete(pm.usedPorts, port)
	pm.stats.DeallocationCount++
	metrics.SetRTPPortsInUse(len(pm.usedPorts))
}

// PortRange returns the configured port range
func (pm *PortManager) PortRange() (min, max int) {
	return pm.minPort, pm.maxPort
}

// GetStats returns port manager statistics
func (pm *PortManager) GetStats() PortManagerStats {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	stats := pm.stats
	stats.UsedPorts = len(pm.usedPorts)
	stats.AvailablePorts = stats.TotalPorts - stats.UsedPorts
	return stats
}

func udpPortAvailable(port int) bool {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
