package discovery

import (
	"bytes"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/miekg/dns"
	"github.com/mr-tron/base58"
)

// recordTTL is the TTL put on local answer records
const recordTTL = 0

// Topic is one continuous discovery for a key. It is created by
// Session.Announce or Session.Lookup and runs until Destroy.
type Topic struct {
	session  *Session
	key      []byte
	domain   string
	token    string
	announce *AnnounceDescriptor
	lookup   bool

	closing atomic.Bool
	done    chan struct{}

	onPeer   listeners[PeerCandidate]
	onUpdate listeners[error]
	onClose  listeners[struct{}]

	// control loop state
	started      bool
	destroyed    bool
	stream       Stream
	streamGen    uint64
	globalRetry  *RetryTask
	localRetry   *RetryTask
	closeWaiters []func()
}

func newTopic(session *Session, key []byte, announce *AnnounceDescriptor, lookup bool) *Topic {
	id := uuid.New()
	return &Topic{
		session:  session,
		key:      bytes.Clone(key),
		domain:   Domain(key, session.domain),
		token:    base58.Encode(id[:]),
		announce: announce,
		lookup:   lookup,
		done:     make(chan struct{}),
	}
}

func (t *Topic) Key() []byte {
	return bytes.Clone(t.key)
}

func (t *Topic) Domain() string {
	return t.domain
}

func (t *Topic) Announcing() bool {
	return t.announce != nil
}

// Destroyed reports whether Destroy was called, by the user or by the session
func (t *Topic) Destroyed() bool {
	return t.closing.Load()
}

// Done is closed after the topic emitted its close event
func (t *Topic) Done() <-chan struct{} {
	return t.done
}

// OnPeer subscribes to discovered peers. Listeners run on the control loop
// and must not block on the session.
func (t *Topic) OnPeer(fn func(PeerCandidate)) func() {
	return t.onPeer.add(fn)
}

// OnUpdate fires whenever a global announce/lookup round ends. err is nil
// for a clean end.
func (t *Topic) OnUpdate(fn func(error)) func() {
	return t.onUpdate.add(fn)
}

func (t *Topic) OnClose(fn func()) func() {
	return t.onClose.add(func(struct{}) { fn() })
}

// Update restarts both channels now instead of waiting for the retry timers
func (t *Topic) Update() error {
	if t.closing.Load() {
		return ErrTopicDestroyed
	}
	if !t.session.loop.post(t.restart) {
		return ErrSessionDestroyed
	}
	return nil
}

// Destroy stops the topic. It is idempotent; no events are delivered after
// it returns apart from close.
func (t *Topic) Destroy() {
	if !t.closing.CompareAndSwap(false, true) {
		return
	}
	t.session.loop.post(t.teardown)
}

// localEnabled: announce-only topics still answer queries through the
// matcher but do not poll the local channel themselves
func (t *Topic) localEnabled() bool {
	return t.announce == nil || t.lookup
}

func (t *Topic) start() {
	s := t.session
	if s.destroyed || t.closing.Load() {
		t.closing.Store(true)
		t.destroyed = true
		s.later(t.finishClose)
		return
	}

	t.started = true
	s.topics[t] = struct{}{}
	s.index.Insert(t.domain, t)
	t.globalRetry = s.backoff.NewRetryTask(t.runGlobal, false)
	t.localRetry = s.backoff.NewRetryTask(t.runLocal, true)

	s.logger.Debug(fmt.Sprintf("Topic %s started (announce: %t, lookup: %t)", t.domain, t.announce != nil, t.lookup), "topic")

	t.runGlobal()
	if t.localEnabled() {
		t.runLocal()
	}
}

func (t *Topic) restart() {
	if t.destroyed || t.closing.Load() {
		return
	}
	t.globalRetry.Cancel()
	t.closeStream()
	t.runGlobal()
	if t.localEnabled() {
		t.localRetry.Cancel()
		t.runLocal()
	}
}

func (t *Topic) closeStream() {
	t.streamGen++
	if t.stream == nil {
		return
	}
	stream := t.stream
	t.stream = nil
	go stream.Close()
}

// runGlobal opens a new announce or lookup stream. Events of older
// streams are recognised by their generation and dropped.
func (t *Topic) runGlobal() {
	if t.closing.Load() {
		return
	}
	t.streamGen++
	gen := t.streamGen
	s := t.session

	go func() {
		var (
			stream Stream
			err    error
		)
		if t.announce != nil {
			stream, err = s.global.Announce(s.ctx, t.key, *t.announce)
		} else {
			stream, err = s.global.Lookup(s.ctx, t.key)
		}

		if !s.loop.post(func() { t.streamOpened(gen, stream, err) }) && stream != nil {
			stream.Close()
		}
	}()
}

func (t *Topic) streamOpened(gen uint64, stream Stream, err error) {
	if t.closing.Load() || gen != t.streamGen {
		if stream != nil {
			go stream.Close()
		}
		return
	}
	if err != nil {
		t.globalEnded(gen, err)
		return
	}

	t.stream = stream
	go t.drain(gen, stream)
}

func (t *Topic) drain(gen uint64, stream Stream) {
	loop := t.session.loop
	for result := range stream.Results() {
		res := result
		loop.post(func() { t.globalResult(gen, res) })
	}
	err := stream.Err()
	loop.post(func() { t.globalEnded(gen, err) })
}

func (t *Topic) globalResult(gen uint64, result StreamResult) {
	if gen != t.streamGen {
		return
	}
	for _, addr := range result.LocalPeers {
		t.emitPeer(PeerCandidate{Addr: addr, Local: true})
	}
	for _, addr := range result.Peers {
		candidate := PeerCandidate{Addr: addr}
		if result.Referrer != nil {
			referrer := *result.Referrer
			candidate.Referrer = &referrer
		}
		t.emitPeer(candidate)
	}
}

func (t *Topic) globalEnded(gen uint64, err error) {
	if t.closing.Load() || gen != t.streamGen {
		return
	}
	t.stream = nil

	if err != nil {
		t.session.logger.Debug(fmt.Sprintf("Global round for %s failed: %v", t.domain, err), "topic")
	}
	t.onUpdate.emit(err)

	// an update listener may have destroyed the topic
	if t.closing.Load() {
		return
	}
	t.globalRetry.Reschedule()
}

func (t *Topic) runLocal() {
	if t.closing.Load() {
		return
	}
	local := t.session.local

	question := dns.Question{Name: dns.Fqdn(t.domain), Qtype: dns.TypeSRV, Qclass: dns.ClassINET}
	if err := local.Query([]dns.Question{question}, []dns.RR{t.tokenRecord()}); err != nil {
		t.session.logger.Debug(fmt.Sprintf("Local query for %s failed: %v", t.domain, err), "topic")
	}

	if t.announce != nil {
		if err := local.Respond(t.advertRecords()); err != nil {
			t.session.logger.Debug(fmt.Sprintf("Local advert for %s failed: %v", t.domain, err), "topic")
		}
	}

	t.localRetry.Reschedule()
}

func (t *Topic) emitPeer(candidate PeerCandidate) {
	if t.closing.Load() {
		return
	}
	candidate.Topic = t.Key()
	t.onPeer.emit(candidate)
}

func (t *Topic) header(rrtype uint16) dns.RR_Header {
	return dns.RR_Header{Name: dns.Fqdn(t.domain), Rrtype: rrtype, Class: dns.ClassINET, Ttl: recordTTL}
}

func (t *Topic) tokenRecord() *dns.TXT {
	return &dns.TXT{Hdr: t.header(dns.TypeTXT), Txt: []string{t.token}}
}

// serviceRecord is nil when there is no local port to advertise
func (t *Topic) serviceRecord() *dns.SRV {
	if t.announce == nil {
		return nil
	}
	port := t.announce.localPort()
	if port <= 0 || port > 0xffff {
		return nil
	}

	target := AnyHost
	if ip := t.announce.LocalAddress; ip != nil && !ip.IsUnspecified() {
		target = ip.String()
	}
	return &dns.SRV{Hdr: t.header(dns.TypeSRV), Port: uint16(port), Target: dns.Fqdn(target)}
}

// advertRecords is the unsolicited response: the token, then the service
// record when there is one
func (t *Topic) advertRecords() []dns.RR {
	records := []dns.RR{t.tokenRecord()}
	if srv := t.serviceRecord(); srv != nil {
		records = append(records, srv)
	}
	return records
}

// teardown runs on the control loop, once
func (t *Topic) teardown() {
	if t.destroyed {
		return
	}
	t.destroyed = true
	t.closing.Store(true)

	s := t.session
	t.globalRetry.Cancel()
	t.localRetry.Cancel()
	t.closeStream()
	s.index.Remove(t.domain, t)

	if !t.started || t.announce == nil {
		s.later(t.finishClose)
		return
	}

	desc := *t.announce
	go func() {
		err := s.global.Unannounce(s.ctx, t.key, desc)
		if err != nil {
			s.logger.Warn(fmt.Sprintf("Unannounce of %s failed: %v", t.domain, err), "topic")
		}
		s.loop.post(t.finishClose)
	}()
}

func (t *Topic) finishClose() {
	select {
	case <-t.done:
		return
	default:
	}

	delete(t.session.topics, t)
	close(t.done)
	t.session.logger.Debug(fmt.Sprintf("Topic %s closed", t.domain), "topic")

	t.onClose.emit(struct{}{})
	waiters := t.closeWaiters
	t.closeWaiters = nil
	for _, waiter := range waiters {
		waiter()
	}

	t.onPeer.clear()
	t.onUpdate.clear()
	t.onClose.clear()
}
