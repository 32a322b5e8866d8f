package push

import (
	"fmt"
	"net"
	"strconv"
)

// Mode tells whether a location is the primary copy or its replica.
type Mode int8

const (
	ModePrimary Mode = iota
	ModeReplica
)

func (m Mode) String() string {
	if m == ModeReplica {
		return "replica"
	}
	return "primary"
}

// PartitionLocation identifies where one reduce partition is written.
type PartitionLocation struct {
	ID       int
	Epoch    int
	Host     string
	PushPort int
	Mode     Mode
	Peer     *PartitionLocation // replica of a primary, or primary of a replica
}

// HostAndPushPort is the destination key used for in-flight accounting.
func (l *PartitionLocation) HostAndPushPort() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.PushPort))
}

// UniqueID is "<id>-<epoch>", the key failed batches are recorded under.
func (l *PartitionLocation) UniqueID() string {
	return fmt.Sprintf("%d-%d", l.ID, l.Epoch)
}

// HasPeer reports whether the location is replicated.
func (l *PartitionLocation) HasPeer() bool {
	return l.Peer != nil
}

// AddressPair keys the outgoing buffers. Replica is empty when the
// location is not replicated.
type AddressPair struct {
	Primary string
	Replica string
}

func (p AddressPair) String() string {
	if p.Replica == "" {
		return p.Primary
	}
	return p.Primary + "," + p.Replica
}

// PairFor returns the destination pair a primary location pushes to.
func PairFor(loc *PartitionLocation) AddressPair {
	pair := AddressPair{Primary: loc.HostAndPushPort()}
	if loc.HasPeer() {
		pair.Replica = loc.Peer.HostAndPushPort()
	}
	return pair
}
