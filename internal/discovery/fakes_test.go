package discovery

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/miekg/dns"

	"github.com/Trustflow-Network-Labs/swarm-discovery/internal/utils"
)

const waitTimeout = 2 * time.Second

// eventLog records cross-component ordering
type eventLog struct {
	mutex  sync.Mutex
	events []string
}

func (l *eventLog) add(event string) {
	if l == nil {
		return
	}
	l.mutex.Lock()
	l.events = append(l.events, event)
	l.mutex.Unlock()
}

func (l *eventLog) snapshot() []string {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) index(event string) int {
	for i, e := range l.snapshot() {
		if e == event {
			return i
		}
	}
	return -1
}

type fakeStream struct {
	key     []byte
	desc    *AnnounceDescriptor
	mutex   sync.Mutex
	results chan StreamResult
	ended   bool
	err     error
	closed  atomic.Bool
}

func newFakeStream(key []byte, desc *AnnounceDescriptor) *fakeStream {
	return &fakeStream{key: key, desc: desc, results: make(chan StreamResult, 16)}
}

func (s *fakeStream) Results() <-chan StreamResult { return s.results }

func (s *fakeStream) Err() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.err
}

func (s *fakeStream) Close() error {
	s.closed.Store(true)
	s.end(nil)
	return nil
}

func (s *fakeStream) push(result StreamResult) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !s.ended {
		s.results <- result
	}
}

func (s *fakeStream) end(err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.err = err
	close(s.results)
}

type pingReply struct {
	pong PeerAddr
	err  error
}

type holepunchCall struct {
	peer     PeerAddr
	referrer PeerAddr
}

type fakeGlobal struct {
	mutex       sync.Mutex
	streams     chan *fakeStream
	pings       map[string]pingReply
	holepunches []holepunchCall
	unannounced int
	closed      bool
	log         *eventLog
}

func newFakeGlobal() *fakeGlobal {
	return &fakeGlobal{
		streams: make(chan *fakeStream, 32),
		pings:   make(map[string]pingReply),
	}
}

func (g *fakeGlobal) Announce(ctx context.Context, key []byte, desc AnnounceDescriptor) (Stream, error) {
	stream := newFakeStream(key, &desc)
	g.streams <- stream
	return stream, nil
}

func (g *fakeGlobal) Lookup(ctx context.Context, key []byte) (Stream, error) {
	stream := newFakeStream(key, nil)
	g.streams <- stream
	return stream, nil
}

func (g *fakeGlobal) Unannounce(ctx context.Context, key []byte, desc AnnounceDescriptor) error {
	g.mutex.Lock()
	g.unannounced++
	g.mutex.Unlock()
	g.log.add("unannounce")
	return nil
}

func (g *fakeGlobal) Ping(ctx context.Context, node string) (PeerAddr, error) {
	g.mutex.Lock()
	reply, ok := g.pings[node]
	g.mutex.Unlock()
	if !ok {
		return PeerAddr{}, fmt.Errorf("timeout")
	}
	return reply.pong, reply.err
}

func (g *fakeGlobal) Holepunch(ctx context.Context, peer PeerAddr, referrer PeerAddr) error {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.holepunches = append(g.holepunches, holepunchCall{peer: peer, referrer: referrer})
	return nil
}

func (g *fakeGlobal) Close() error {
	g.mutex.Lock()
	g.closed = true
	g.mutex.Unlock()
	g.log.add("global-close")
	return nil
}

func (g *fakeGlobal) isClosed() bool {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.closed
}

func (g *fakeGlobal) nextStream(t *testing.T) *fakeStream {
	t.Helper()
	select {
	case stream := <-g.streams:
		return stream
	case <-time.After(waitTimeout):
		t.Fatalf("No global stream was opened")
		return nil
	}
}

// fakeLAN delivers every message to every member, sender included, the way
// multicast loopback does
type fakeLAN struct {
	mutex   sync.Mutex
	members []*fakeLocal
}

func (lan *fakeLAN) join(ip string) *fakeLocal {
	local := &fakeLocal{lan: lan, addr: &net.UDPAddr{IP: net.ParseIP(ip), Port: 5353}}
	lan.mutex.Lock()
	lan.members = append(lan.members, local)
	lan.mutex.Unlock()
	return local
}

func (lan *fakeLAN) deliver(from *fakeLocal, msg *dns.Msg) error {
	packed, err := msg.Pack()
	if err != nil {
		return err
	}

	lan.mutex.Lock()
	members := append([]*fakeLocal(nil), lan.members...)
	lan.mutex.Unlock()

	for _, member := range members {
		handler := member.currentHandler()
		if handler == nil {
			continue
		}
		received := new(dns.Msg)
		if err := received.Unpack(packed); err != nil {
			return err
		}
		if received.Response {
			handler.HandleResponse(received, from.addr)
		} else {
			handler.HandleQuery(received, from.addr)
		}
	}
	return nil
}

type fakeLocal struct {
	lan       *fakeLAN
	addr      *net.UDPAddr
	mutex     sync.Mutex
	handler   LocalHandler
	queries   []*dns.Msg
	responses []*dns.Msg
	closed    bool
}

func (l *fakeLocal) Start(handler LocalHandler) error {
	l.mutex.Lock()
	l.handler = handler
	l.mutex.Unlock()
	return nil
}

func (l *fakeLocal) currentHandler() LocalHandler {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.closed {
		return nil
	}
	return l.handler
}

func (l *fakeLocal) Query(questions []dns.Question, additionals []dns.RR) error {
	msg := new(dns.Msg)
	msg.Question = questions
	msg.Extra = additionals

	l.mutex.Lock()
	l.queries = append(l.queries, msg)
	l.mutex.Unlock()

	if l.lan != nil {
		return l.lan.deliver(l, msg)
	}
	return nil
}

func (l *fakeLocal) Respond(answers []dns.RR) error {
	msg := new(dns.Msg)
	msg.Response = true
	msg.Authoritative = true
	msg.Answer = answers

	l.mutex.Lock()
	l.responses = append(l.responses, msg)
	l.mutex.Unlock()

	if l.lan != nil {
		return l.lan.deliver(l, msg)
	}
	return nil
}

func (l *fakeLocal) Close() error {
	l.mutex.Lock()
	l.closed = true
	l.mutex.Unlock()
	return nil
}

func (l *fakeLocal) counts() (queries int, responses int) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return len(l.queries), len(l.responses)
}

func (l *fakeLocal) response(i int) *dns.Msg {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.responses[i]
}

func (l *fakeLocal) isClosed() bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.closed
}

func setupTestLogger() *utils.LogsManager {
	cm := utils.NewDefaultConfigManager()
	cm.SetConfig("logfile", utils.LogDisabled)
	return utils.NewLogsManager(cm)
}

type testSession struct {
	*Session
	global *fakeGlobal
	local  *fakeLocal
	clock  *clock.Mock
}

func setupTestSession(t *testing.T, opts Options, local *fakeLocal) *testSession {
	t.Helper()

	if local == nil {
		local = &fakeLocal{}
	}
	global := newFakeGlobal()
	mock := clock.NewMock()
	opts.Clock = mock

	session, err := New(global, local, opts, setupTestLogger())
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		session.Close(ctx)
	})

	return &testSession{Session: session, global: global, local: local, clock: mock}
}

func collectPeers(topic *Topic) chan PeerCandidate {
	peers := make(chan PeerCandidate, 64)
	topic.OnPeer(func(peer PeerCandidate) {
		peers <- peer
	})
	return peers
}

func waitPeer(t *testing.T, peers chan PeerCandidate) PeerCandidate {
	t.Helper()
	select {
	case peer := <-peers:
		return peer
	case <-time.After(waitTimeout):
		t.Fatalf("No peer candidate arrived")
		return PeerCandidate{}
	}
}

// lookupWithPeers subscribes before the topic starts so no early candidate is missed
func lookupWithPeers(t *testing.T, s *testSession, key []byte) (*Topic, chan PeerCandidate) {
	t.Helper()
	var peers chan PeerCandidate
	topic, err := s.open(key, nil, true, func(topic *Topic) {
		peers = collectPeers(topic)
	})
	if err != nil {
		t.Fatalf("Failed to open lookup: %v", err)
	}
	return topic, peers
}
