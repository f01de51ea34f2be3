package discovery

import (
	"context"
	"net"

	"github.com/miekg/dns"
)

// AnnounceDescriptor says what a Topic publishes. Port goes to the global
// channel (0 lets the DHT use the observed source port). LocalPort and
// LocalAddress go into the local answer record; LocalPort defaults to Port.
type AnnounceDescriptor struct {
	Port         int
	LocalPort    int
	LocalAddress net.IP
}

func (d AnnounceDescriptor) localPort() int {
	if d.LocalPort > 0 {
		return d.LocalPort
	}
	return d.Port
}

// StreamResult is one batch from a global announce/lookup. LocalPeers were
// found through the service's own LAN heuristics; Peers came through the
// distributed network via Referrer.
type StreamResult struct {
	LocalPeers []PeerAddr
	Peers      []PeerAddr
	Referrer   *PeerAddr
}

// Stream is a live global announce or lookup. Results is closed when the
// stream ends; Err is valid after that (nil on a clean end).
type Stream interface {
	Results() <-chan StreamResult
	Err() error
	Close() error
}

// GlobalChannel is the distributed lookup/announce service
type GlobalChannel interface {
	Announce(ctx context.Context, key []byte, desc AnnounceDescriptor) (Stream, error)
	Lookup(ctx context.Context, key []byte) (Stream, error)
	Unannounce(ctx context.Context, key []byte, desc AnnounceDescriptor) error
	// Ping returns this node's address as observed by the bootstrap node
	Ping(ctx context.Context, node string) (PeerAddr, error)
	Holepunch(ctx context.Context, peer PeerAddr, referrer PeerAddr) error
	Close() error
}

// LocalHandler receives decoded inbound multicast messages
type LocalHandler interface {
	HandleQuery(msg *dns.Msg, from *net.UDPAddr)
	HandleResponse(msg *dns.Msg, from *net.UDPAddr)
}

// LocalChannel is the multicast name-resolution service
type LocalChannel interface {
	Start(handler LocalHandler) error
	Query(questions []dns.Question, additionals []dns.RR) error
	Respond(answers []dns.RR) error
	Close() error
}
