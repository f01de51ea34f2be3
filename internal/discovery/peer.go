package discovery

import (
	"net"
	"strconv"
)

// AnyHost is the target advertised in a local answer record when the
// announcer does not pin an address. Receivers substitute the source
// address they observed the record from.
const AnyHost = "0.0.0.0"

// AnyAddress is the PeerAddr form of AnyHost
var AnyAddress = PeerAddr{IP: net.IPv4zero}

// PeerAddr is an address/port pair as seen on either channel
type PeerAddr struct {
	IP   net.IP
	Port int
}

// IsAny reports whether the address is the AnyHost placeholder
func (a PeerAddr) IsAny() bool {
	return a.IP == nil || a.IP.IsUnspecified()
}

// Resolve replaces the AnyHost placeholder with the observed sender address
func (a PeerAddr) Resolve(observed net.IP) PeerAddr {
	if a.IsAny() {
		return PeerAddr{IP: observed, Port: a.Port}
	}
	return a
}

func (a PeerAddr) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: a.IP, Port: a.Port}
}

func (a PeerAddr) String() string {
	host := AnyHost
	if a.IP != nil {
		host = a.IP.String()
	}
	return net.JoinHostPort(host, strconv.Itoa(a.Port))
}

// PeerCandidate is one discovery result. Referrer is set only for results
// that came through the distributed network; it is what Session.Holepunch
// needs to reach the peer.
type PeerCandidate struct {
	Addr     PeerAddr
	Local    bool
	Referrer *PeerAddr
	Topic    []byte
}
