package p2p

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/anacrolix/dht/v2"
	"github.com/anacrolix/dht/v2/krpc"

	"github.com/Trustflow-Network-Labs/swarm-discovery/internal/discovery"
)

// drainGrace bounds how long a stopped traversal may take to close its
// peer channel
const drainGrace = 5 * time.Second

// dhtStream adapts one announce traversal to discovery.Stream
type dhtStream struct {
	announce   *dht.Announce
	announcing bool
	isLAN      func(net.IP) bool
	results    chan discovery.StreamResult
	stop       chan struct{}
	stopOnce   sync.Once
	mutex      sync.Mutex
	err        error
}

func newDHTStream(announce *dht.Announce, isLAN func(net.IP) bool) *dhtStream {
	return &dhtStream{
		announce: announce,
		isLAN:    isLAN,
		results:  make(chan discovery.StreamResult),
		stop:     make(chan struct{}),
	}
}

func (s *dhtStream) Results() <-chan discovery.StreamResult {
	return s.results
}

func (s *dhtStream) Err() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.err
}

func (s *dhtStream) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

func (s *dhtStream) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// run forwards traversal replies until the traversal finishes, times out or
// is stopped. The results channel is closed on return.
func (s *dhtStream) run(ctx context.Context, peerCtx context.Context, timeout time.Duration) {
	defer close(s.results)
	defer s.announce.Close()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	peers := s.announce.Peers
	stop, ctxDone, peerDone := s.stop, ctx.Done(), peerCtx.Done()
	stopped := false
	var grace <-chan time.Time

	// halt stops the traversal once; the peer channel then has drainGrace
	// to close. Stop signals are only read once.
	halt := func() {
		stop, ctxDone, peerDone = nil, nil, nil
		if stopped {
			return
		}
		stopped = true
		s.announce.StopTraversing()
		grace = time.After(drainGrace)
	}

	for {
		select {
		case values, ok := <-peers:
			if !ok {
				if s.announce.NumContacted() == 0 {
					s.setErr(ErrNoNodesContacted)
				}
				return
			}
			if stopped {
				continue
			}
			result, ok := classifyPeers(values.Peers, values.NodeInfo.Addr, s.isLAN)
			if !ok {
				continue
			}
			select {
			case s.results <- result:
			case <-s.stop:
				halt()
			}
		case <-timer.C:
			halt()
		case <-stop:
			halt()
		case <-ctxDone:
			halt()
		case <-peerDone:
			halt()
		case <-grace:
			return
		}
	}
}

func (s *dhtStream) setErr(err error) {
	s.mutex.Lock()
	s.err = err
	s.mutex.Unlock()
}

// classifyPeers splits one get_peers reply into peers on our own network and
// peers reached through the responding node
func classifyPeers(peers []krpc.NodeAddr, from krpc.NodeAddr, isLAN func(net.IP) bool) (discovery.StreamResult, bool) {
	var result discovery.StreamResult
	for _, peer := range peers {
		if peer.IP == nil || peer.Port <= 0 {
			continue
		}
		addr := discovery.PeerAddr{IP: peer.IP, Port: peer.Port}
		if isLAN(peer.IP) {
			result.LocalPeers = append(result.LocalPeers, addr)
		} else {
			result.Peers = append(result.Peers, addr)
		}
	}

	if len(result.LocalPeers) == 0 && len(result.Peers) == 0 {
		return result, false
	}
	if len(result.Peers) > 0 {
		result.Referrer = &discovery.PeerAddr{IP: from.IP, Port: from.Port}
	}
	return result, true
}
