package discovery

import (
	"context"
	"fmt"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/Trustflow-Network-Labs/swarm-discovery/internal/utils"
)

const defaultPingTimeout = 5 * time.Second

type Options struct {
	// Domain is the multicast name suffix, DefaultDomain when empty
	Domain    string
	Bootstrap []string
	// Ephemeral nodes do not serve DHT queries. Read by the DHT adapter.
	Ephemeral   bool
	PingTimeout time.Duration
	Clock       clock.Clock
}

func DefaultOptions() Options {
	return Options{
		Domain:      DefaultDomain,
		Ephemeral:   true,
		PingTimeout: defaultPingTimeout,
	}
}

// AnnounceOptions describe what Session.Announce publishes. Lookup makes an
// announcing topic also poll the local network for others.
type AnnounceOptions struct {
	Port         int
	LocalPort    int
	LocalAddress net.IP
	Lookup       bool
}

type PingResult struct {
	Node string
	RTT  time.Duration
	// Pong is this node's address as the bootstrap node saw it
	Pong PeerAddr
}

// Session owns both channels and every Topic created through it
type Session struct {
	global    GlobalChannel
	local     LocalChannel
	logger    *utils.LogsManager
	domain    string
	bootstrap []string
	pingWait  time.Duration
	clock     clock.Clock

	loop    *loop
	backoff *Backoff
	ctx     context.Context
	cancel  context.CancelFunc

	destroying atomic.Bool
	done       chan struct{}
	onClose    listeners[struct{}]

	// held for reading while a topic start is queued, so Destroy cannot
	// queue teardown between the destroying check and the post
	openMutex sync.RWMutex

	// control loop state
	destroyed bool
	topics    map[*Topic]struct{}
	index     *DomainIndex
}

func New(global GlobalChannel, local LocalChannel, opts Options, logger *utils.LogsManager) (*Session, error) {
	if global == nil || local == nil {
		return nil, fmt.Errorf("both a global and a local channel are required")
	}
	if opts.Domain == "" {
		opts.Domain = DefaultDomain
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = defaultPingTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		global:    global,
		local:     local,
		logger:    logger,
		domain:    normalizeName(opts.Domain),
		bootstrap: slices.Clone(opts.Bootstrap),
		pingWait:  opts.PingTimeout,
		clock:     opts.Clock,
		loop:      newLoop(logger),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		topics:    make(map[*Topic]struct{}),
		index:     NewDomainIndex(),
	}
	s.backoff = NewBackoff(s.clock, s.loop.post)

	if err := local.Start(s); err != nil {
		cancel()
		s.loop.stop()
		return nil, fmt.Errorf("failed to start local channel: %w", err)
	}

	s.logger.Info(fmt.Sprintf("Discovery session started (domain: %s, bootstrap nodes: %d)", s.domain, len(s.bootstrap)), "discovery")
	return s, nil
}

// later queues fn for the next loop tick, or runs it now when the loop no
// longer accepts tasks. Only call it from the loop.
func (s *Session) later(fn func()) {
	if !s.loop.post(fn) {
		fn()
	}
}

func (s *Session) Domain() string {
	return s.domain
}

// Bootstrap returns a copy of the configured bootstrap nodes
func (s *Session) Bootstrap() []string {
	return slices.Clone(s.bootstrap)
}

// Topics is the number of topics that have not closed yet
func (s *Session) Topics() int {
	count := 0
	s.loop.call(func() { count = len(s.topics) })
	return count
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) OnClose(fn func()) func() {
	return s.onClose.add(func(struct{}) { fn() })
}

// Announce publishes key on both channels and looks for others on the
// global one
func (s *Session) Announce(key []byte, opts AnnounceOptions) (*Topic, error) {
	desc := &AnnounceDescriptor{
		Port:         opts.Port,
		LocalPort:    opts.LocalPort,
		LocalAddress: opts.LocalAddress,
	}
	return s.open(key, desc, opts.Lookup, nil)
}

// Lookup searches for key on both channels without publishing
func (s *Session) Lookup(key []byte) (*Topic, error) {
	return s.open(key, nil, true, nil)
}

// open builds the topic, lets setup subscribe before any event can be
// delivered and then starts it on the loop
func (s *Session) open(key []byte, desc *AnnounceDescriptor, lookup bool, setup func(*Topic)) (*Topic, error) {
	if s.destroying.Load() {
		return nil, ErrSessionDestroyed
	}
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}

	topic := newTopic(s, key, desc, lookup)
	if setup != nil {
		setup(topic)
	}

	s.openMutex.RLock()
	defer s.openMutex.RUnlock()
	if s.destroying.Load() || !s.loop.post(topic.start) {
		return nil, ErrSessionDestroyed
	}
	return topic, nil
}

type lookupOutcome struct {
	peer PeerCandidate
	err  error
}

// LookupOne waits for the first peer of key. The lookup topic is destroyed
// before it returns. Must not be called from a listener.
func (s *Session) LookupOne(ctx context.Context, key []byte) (PeerCandidate, error) {
	outcome := make(chan lookupOutcome, 1)
	settled := false

	topic, err := s.open(key, nil, true, func(t *Topic) {
		t.OnPeer(func(peer PeerCandidate) {
			if settled {
				return
			}
			settled = true
			t.Destroy()
			outcome <- lookupOutcome{peer: peer}
		})
		t.OnUpdate(func(err error) {
			if settled {
				return
			}
			settled = true
			t.Destroy()
			if err != nil {
				err = fmt.Errorf("%w: %w", ErrNoPeersFound, err)
			} else {
				err = ErrNoPeersFound
			}
			outcome <- lookupOutcome{err: err}
		})
		t.OnClose(func() {
			if settled {
				return
			}
			settled = true
			outcome <- lookupOutcome{err: ErrSessionDestroyed}
		})
	})
	if err != nil {
		return PeerCandidate{}, err
	}

	var result lookupOutcome
	select {
	case result = <-outcome:
	case <-ctx.Done():
		topic.Destroy()
		result = lookupOutcome{err: ctx.Err()}
	}

	select {
	case <-topic.Done():
	case <-s.done:
	}
	return result.peer, result.err
}

type pingOutcome struct {
	index int
	pong  PeerAddr
	rtt   time.Duration
	err   error
}

// Ping pings every bootstrap node at once. It succeeds with the nodes that
// answered and fails only when none did.
func (s *Session) Ping(ctx context.Context) ([]PingResult, error) {
	if s.destroying.Load() {
		return nil, ErrSessionDestroyed
	}
	if len(s.bootstrap) == 0 {
		return nil, ErrNoBootstrapNodes
	}

	start := s.clock.Now()
	outcomes := make(chan pingOutcome, len(s.bootstrap))
	for i, node := range s.bootstrap {
		go func(i int, node string) {
			pingCtx, cancel := context.WithTimeout(ctx, s.pingWait)
			defer cancel()

			pong, err := s.global.Ping(pingCtx, node)
			outcomes <- pingOutcome{index: i, pong: pong, rtt: s.clock.Since(start), err: err}
		}(i, node)
	}

	replies := make([]*pingOutcome, len(s.bootstrap))
	var errs error
	for range s.bootstrap {
		outcome := <-outcomes
		if outcome.err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", s.bootstrap[outcome.index], outcome.err))
			continue
		}
		replies[outcome.index] = &outcome
	}

	var results []PingResult
	for i, reply := range replies {
		if reply == nil {
			continue
		}
		results = append(results, PingResult{Node: s.bootstrap[i], RTT: reply.rtt, Pong: reply.pong})
	}

	if len(results) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrAllPingsFailed, errs)
	}
	if errs != nil {
		s.logger.Debug(fmt.Sprintf("%d of %d bootstrap nodes did not answer: %v", len(s.bootstrap)-len(results), len(s.bootstrap), errs), "discovery")
	}
	return results, nil
}

// Holepunch asks the candidate's referrer to help open a path to it
func (s *Session) Holepunch(ctx context.Context, peer PeerCandidate) error {
	if peer.Referrer == nil {
		return ErrNoReferrer
	}
	if s.destroying.Load() {
		return ErrSessionDestroyed
	}
	return s.global.Holepunch(ctx, peer.Addr, *peer.Referrer)
}

// Refresh restarts every open topic on both channels, e.g. after the host
// changed networks
func (s *Session) Refresh() error {
	if s.destroying.Load() {
		return ErrSessionDestroyed
	}
	ok := s.loop.post(func() {
		for topic := range s.topics {
			topic.restart()
		}
	})
	if !ok {
		return ErrSessionDestroyed
	}
	return nil
}

// Destroy tears the session down in the background. It is idempotent;
// Done is closed once every topic closed and both channels are shut.
func (s *Session) Destroy() {
	s.openMutex.Lock()
	defer s.openMutex.Unlock()
	if !s.destroying.CompareAndSwap(false, true) {
		return
	}
	s.loop.post(s.teardown)
}

// Close destroys the session and waits for it to finish
func (s *Session) Close(ctx context.Context) error {
	s.Destroy()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) teardown() {
	if s.destroyed {
		return
	}
	s.destroyed = true

	s.logger.Info(fmt.Sprintf("Destroying discovery session (topics: %d, domains: %d)", len(s.topics), s.index.Len()), "discovery")

	if err := s.local.Close(); err != nil {
		s.logger.Warn(fmt.Sprintf("Failed to close local channel: %v", err), "discovery")
	}

	if len(s.topics) == 0 {
		s.loop.post(s.finish)
		return
	}

	all := newJoin(len(s.topics), s.finish)
	for topic := range s.topics {
		topic.closeWaiters = append(topic.closeWaiters, all.arrive)
		topic.closing.Store(true)
		topic.teardown()
	}
}

func (s *Session) finish() {
	if err := s.global.Close(); err != nil {
		s.logger.Warn(fmt.Sprintf("Failed to close global channel: %v", err), "discovery")
	}
	s.cancel()

	close(s.done)
	s.logger.Info("Discovery session closed", "discovery")
	s.onClose.emit(struct{}{})
	s.onClose.clear()
	s.loop.stop()
}
