package writer

import (
	"fmt"
	"net"
	"strconv"

	"github.com/withObsrvr/obsrvr-shuffle-pusher/internal/push"
)

// AssignLocations spreads numPartitions over workers round robin. With
// replicate set, each primary gets the next worker as its replica.
func AssignLocations(numPartitions int, workers []string, replicate bool) ([]*push.PartitionLocation, error) {
	if len(workers) == 0 {
		return nil, fmt.Errorf("no workers")
	}
	if replicate && len(workers) < 2 {
		return nil, fmt.Errorf("replication needs at least 2 workers, got %d", len(workers))
	}

	type endpoint struct {
		host string
		port int
	}
	endpoints := make([]endpoint, len(workers))
	for i, addr := range workers {
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("worker address %q: %w", addr, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("worker address %q: bad port: %w", addr, err)
		}
		endpoints[i] = endpoint{host, port}
	}

	out := make([]*push.PartitionLocation, numPartitions)
	for id := 0; id < numPartitions; id++ {
		p := endpoints[id%len(endpoints)]
		loc := &push.PartitionLocation{ID: id, Host: p.host, PushPort: p.port, Mode: push.ModePrimary}
		if replicate {
			r := endpoints[(id+1)%len(endpoints)]
			loc.Peer = &push.PartitionLocation{ID: id, Host: r.host, PushPort: r.port, Mode: push.ModeReplica, Peer: loc}
		}
		out[id] = loc
	}
	return out, nil
}
