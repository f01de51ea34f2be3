package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func testKey(seed byte, size int) []byte {
	key := make([]byte, size)
	for i := range key {
		key[i] = seed + byte(i)
	}
	return key
}

func TestNewRequiresChannels(t *testing.T) {
	_, err := New(nil, &fakeLocal{}, DefaultOptions(), setupTestLogger())
	require.Error(t, err)
}

func TestDefaultDomain(t *testing.T) {
	s := setupTestSession(t, Options{}, nil)
	require.Equal(t, DefaultDomain, s.Domain())

	topic, err := s.Lookup(testKey(1, 32))
	require.NoError(t, err)
	require.Equal(t, Domain(testKey(1, 32), DefaultDomain), topic.Domain())
}

func TestAnnounceEmitsGlobalPeers(t *testing.T) {
	s := setupTestSession(t, DefaultOptions(), nil)
	key := testKey(7, 32)

	topic, err := s.Announce(key, AnnounceOptions{Port: 4000})
	require.NoError(t, err)
	require.True(t, topic.Announcing())
	peers := collectPeers(topic)

	stream := s.global.nextStream(t)
	require.NotNil(t, stream.desc)
	require.Equal(t, 4000, stream.desc.Port)

	referrer := PeerAddr{IP: net.ParseIP("203.0.113.9"), Port: 6881}
	stream.push(StreamResult{
		LocalPeers: []PeerAddr{{IP: net.ParseIP("192.168.1.20"), Port: 4001}},
		Peers:      []PeerAddr{{IP: net.ParseIP("198.51.100.4"), Port: 4002}},
		Referrer:   &referrer,
	})

	local := waitPeer(t, peers)
	require.True(t, local.Local)
	require.Nil(t, local.Referrer)
	require.Equal(t, 4001, local.Addr.Port)
	require.Equal(t, key, local.Topic)

	remote := waitPeer(t, peers)
	require.False(t, remote.Local)
	require.NotNil(t, remote.Referrer)
	require.Equal(t, "203.0.113.9:6881", remote.Referrer.String())
	require.Equal(t, "198.51.100.4:4002", remote.Addr.String())
}

func TestGlobalEndEmitsUpdateAndRetriesLazily(t *testing.T) {
	s := setupTestSession(t, DefaultOptions(), nil)

	topic, err := s.Lookup(testKey(3, 32))
	require.NoError(t, err)
	updates := make(chan error, 4)
	topic.OnUpdate(func(err error) { updates <- err })

	stream := s.global.nextStream(t)
	roundErr := errors.New("traversal failed")
	stream.end(roundErr)

	select {
	case err := <-updates:
		require.ErrorIs(t, err, roundErr)
	case <-time.After(waitTimeout):
		t.Fatalf("No update after the stream ended")
	}

	// barrier: the reschedule ran on the loop before this returns
	require.Equal(t, 1, s.Topics())

	s.clock.Add(LazyMin - time.Second)
	select {
	case <-s.global.streams:
		t.Fatalf("Global lookup retried before the lazy window")
	case <-time.After(50 * time.Millisecond):
	}

	s.clock.Add(LazyMax - LazyMin + time.Second)
	s.global.nextStream(t)
}

func TestUpdateRestartsGlobalStream(t *testing.T) {
	s := setupTestSession(t, DefaultOptions(), nil)

	topic, err := s.Lookup(testKey(5, 32))
	require.NoError(t, err)
	peers := collectPeers(topic)

	first := s.global.nextStream(t)
	require.NoError(t, topic.Update())
	second := s.global.nextStream(t)

	require.Eventually(t, first.closed.Load, waitTimeout, 10*time.Millisecond)

	second.push(StreamResult{Peers: []PeerAddr{{IP: net.ParseIP("198.51.100.1"), Port: 1}}})
	peer := waitPeer(t, peers)
	require.Equal(t, 1, peer.Addr.Port)
}

func TestRefreshRestartsEveryTopic(t *testing.T) {
	s := setupTestSession(t, DefaultOptions(), nil)

	_, err := s.Lookup(testKey(6, 32))
	require.NoError(t, err)
	_, err = s.Lookup(testKey(7, 32))
	require.NoError(t, err)
	first := []*fakeStream{s.global.nextStream(t), s.global.nextStream(t)}
	localQueries := func(n int) func() bool {
		return func() bool {
			queries, _ := s.local.counts()
			return queries == n
		}
	}
	require.Eventually(t, localQueries(2), waitTimeout, 10*time.Millisecond)

	require.NoError(t, s.Refresh())
	s.global.nextStream(t)
	s.global.nextStream(t)

	for _, stream := range first {
		require.Eventually(t, stream.closed.Load, waitTimeout, 10*time.Millisecond)
	}
	require.Eventually(t, localQueries(4), waitTimeout, 10*time.Millisecond)

	s.Destroy()
	require.ErrorIs(t, s.Refresh(), ErrSessionDestroyed)
}

func TestDestroyedTopicDeliversNothing(t *testing.T) {
	s := setupTestSession(t, DefaultOptions(), nil)

	topic, err := s.Lookup(testKey(9, 32))
	require.NoError(t, err)
	peers := collectPeers(topic)
	stream := s.global.nextStream(t)

	topic.Destroy()
	require.True(t, topic.Destroyed())
	require.ErrorIs(t, topic.Update(), ErrTopicDestroyed)

	stream.push(StreamResult{Peers: []PeerAddr{{IP: net.ParseIP("198.51.100.1"), Port: 1}}})

	select {
	case <-topic.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("Topic did not close")
	}
	require.Equal(t, 0, s.Topics())
	require.Len(t, peers, 0)
}

func TestLocalQueryCarriesToken(t *testing.T) {
	s := setupTestSession(t, DefaultOptions(), nil)

	topic, err := s.Lookup(testKey(2, 32))
	require.NoError(t, err)
	s.Topics()

	queries, responses := s.local.counts()
	require.Equal(t, 1, queries)
	require.Equal(t, 0, responses)

	query := s.local.queries[0]
	require.Len(t, query.Question, 1)
	require.Equal(t, dns.Fqdn(topic.Domain()), query.Question[0].Name)
	require.Equal(t, dns.TypeSRV, query.Question[0].Qtype)
	require.Equal(t, topic.token, firstToken(query.Extra))
}

func TestAnnounceOnlyDoesNotPollLocally(t *testing.T) {
	s := setupTestSession(t, DefaultOptions(), nil)

	_, err := s.Announce(testKey(2, 32), AnnounceOptions{Port: 4000})
	require.NoError(t, err)
	s.Topics()

	queries, responses := s.local.counts()
	require.Equal(t, 0, queries)
	require.Equal(t, 0, responses)
}

func TestAnnounceWithLookupAdvertises(t *testing.T) {
	s := setupTestSession(t, DefaultOptions(), nil)

	topic, err := s.Announce(testKey(2, 32), AnnounceOptions{Port: 4000, LocalPort: 4100, Lookup: true})
	require.NoError(t, err)
	s.Topics()

	queries, responses := s.local.counts()
	require.Equal(t, 1, queries)
	require.Equal(t, 1, responses)

	advert := s.local.response(0)
	require.Len(t, advert.Answer, 2)
	txt, ok := advert.Answer[0].(*dns.TXT)
	require.True(t, ok)
	require.Equal(t, []string{topic.token}, txt.Txt)
	srv, ok := advert.Answer[1].(*dns.SRV)
	require.True(t, ok)
	require.Equal(t, uint16(4100), srv.Port)
	require.Equal(t, dns.Fqdn(AnyHost), srv.Target)

	// eager retry
	s.clock.Add(EagerMax)
	require.Eventually(t, func() bool {
		queries, _ := s.local.counts()
		return queries == 2
	}, waitTimeout, 10*time.Millisecond)
}

func TestAnnounceOnTestDomainIsFoundLocally(t *testing.T) {
	lan := &fakeLAN{}
	opts := DefaultOptions()
	opts.Domain = "test.local"
	announcer := setupTestSession(t, opts, lan.join("10.0.0.1"))
	seeker := setupTestSession(t, opts, lan.join("10.0.0.2"))

	key := testKey(42, 32)
	announced, err := announcer.Announce(key, AnnounceOptions{Port: 4000})
	require.NoError(t, err)
	require.Equal(t, 1, announcer.Topics())
	require.Contains(t, announced.Domain(), ".test.local")
	own := collectPeers(announced)

	_, peers := lookupWithPeers(t, seeker, key)

	peer := waitPeer(t, peers)
	require.True(t, peer.Local)
	require.Nil(t, peer.Referrer)
	require.Equal(t, "10.0.0.1:4000", peer.Addr.String())
	require.Equal(t, key, peer.Topic)

	announcer.Topics()
	require.Len(t, own, 0)
}

func TestOwnAdvertIsFilteredPerTopic(t *testing.T) {
	lan := &fakeLAN{}
	s := setupTestSession(t, DefaultOptions(), lan.join("10.0.0.7"))
	key := testKey(11, 32)

	_, lookupPeers := lookupWithPeers(t, s, key)

	announce, err := s.Announce(key, AnnounceOptions{Port: 4000, Lookup: true})
	require.NoError(t, err)
	announcePeers := collectPeers(announce)

	// the lookup topic hears the announcing topic of the same session
	peer := waitPeer(t, lookupPeers)
	require.Equal(t, "10.0.0.7:4000", peer.Addr.String())
	require.True(t, peer.Local)

	s.Topics()
	for len(announcePeers) > 0 {
		got := <-announcePeers
		t.Fatalf("Announcing topic received its own record: %v", got.Addr)
	}
}

func TestQueryGetsOneAggregatedResponse(t *testing.T) {
	s := setupTestSession(t, DefaultOptions(), nil)

	first, err := s.Announce(testKey(1, 32), AnnounceOptions{Port: 4001})
	require.NoError(t, err)
	second, err := s.Announce(testKey(2, 32), AnnounceOptions{Port: 4002})
	require.NoError(t, err)
	_, err = s.Announce(testKey(3, 32), AnnounceOptions{})
	require.NoError(t, err)
	s.Topics()

	query := new(dns.Msg)
	query.Question = []dns.Question{
		{Name: dns.Fqdn(first.Domain()), Qtype: dns.TypeSRV, Qclass: dns.ClassINET},
		{Name: dns.Fqdn(second.Domain()), Qtype: dns.TypeSRV, Qclass: dns.ClassINET},
		{Name: dns.Fqdn(Domain(testKey(3, 32), DefaultDomain)), Qtype: dns.TypeSRV, Qclass: dns.ClassINET},
		{Name: "unknown.hyperswarm.local.", Qtype: dns.TypeSRV, Qclass: dns.ClassINET},
	}
	query.Extra = []dns.RR{&dns.TXT{Hdr: dns.RR_Header{Name: query.Question[0].Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET}, Txt: []string{"someone-else"}}}

	s.HandleQuery(query, &net.UDPAddr{IP: net.ParseIP("10.0.0.9"), Port: 5353})
	s.Topics()

	_, responses := s.local.counts()
	require.Equal(t, 1, responses)
	answer := s.local.response(0)
	// token and service record for each topic with a port
	require.Len(t, answer.Answer, 4)
	require.Equal(t, uint16(4001), answer.Answer[1].(*dns.SRV).Port)
	require.Equal(t, uint16(4002), answer.Answer[3].(*dns.SRV).Port)

	// a query from the first topic's own token only gets the second one
	query.Extra[0].(*dns.TXT).Txt = []string{first.token}
	s.HandleQuery(query, &net.UDPAddr{IP: net.ParseIP("10.0.0.9"), Port: 5353})
	s.Topics()

	_, responses = s.local.counts()
	require.Equal(t, 2, responses)
	require.Len(t, s.local.response(1).Answer, 2)
	require.Equal(t, uint16(4002), s.local.response(1).Answer[1].(*dns.SRV).Port)
}

func TestKeysSharingPrefixShareDomain(t *testing.T) {
	lan := &fakeLAN{}
	announcer := setupTestSession(t, DefaultOptions(), lan.join("10.0.0.1"))
	seeker := setupTestSession(t, DefaultOptions(), lan.join("10.0.0.2"))

	announcedKey := testKey(0, 32)
	soughtKey := bytes.Clone(announcedKey)
	soughtKey[31] ^= 0xff
	require.Equal(t, Domain(announcedKey, DefaultDomain), Domain(soughtKey, DefaultDomain))

	_, err := announcer.Announce(announcedKey, AnnounceOptions{Port: 5000})
	require.NoError(t, err)
	announcer.Topics()

	_, peers := lookupWithPeers(t, seeker, soughtKey)
	peer := waitPeer(t, peers)
	require.Equal(t, "10.0.0.1:5000", peer.Addr.String())
	require.Equal(t, soughtKey, peer.Topic)
}

func TestLookupOneReturnsFirstPeer(t *testing.T) {
	s := setupTestSession(t, DefaultOptions(), nil)

	type result struct {
		peer PeerCandidate
		err  error
	}
	done := make(chan result, 1)
	go func() {
		peer, err := s.LookupOne(context.Background(), testKey(8, 32))
		done <- result{peer, err}
	}()

	stream := s.global.nextStream(t)
	stream.push(StreamResult{Peers: []PeerAddr{
		{IP: net.ParseIP("198.51.100.1"), Port: 1},
		{IP: net.ParseIP("198.51.100.2"), Port: 2},
	}})

	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.Equal(t, 1, r.peer.Addr.Port)
	case <-time.After(waitTimeout):
		t.Fatalf("LookupOne did not return")
	}
	require.Equal(t, 0, s.Topics())
	require.Eventually(t, stream.closed.Load, waitTimeout, 10*time.Millisecond)
}

func TestLookupOneFailsWhenRoundEnds(t *testing.T) {
	s := setupTestSession(t, DefaultOptions(), nil)

	done := make(chan error, 1)
	go func() {
		_, err := s.LookupOne(context.Background(), testKey(8, 32))
		done <- err
	}()

	stream := s.global.nextStream(t)
	stream.end(nil)

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrNoPeersFound)
	case <-time.After(waitTimeout):
		t.Fatalf("LookupOne did not return")
	}
	require.Equal(t, 0, s.Topics())
}

func TestLookupOneHonoursContext(t *testing.T) {
	s := setupTestSession(t, DefaultOptions(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := s.LookupOne(ctx, testKey(8, 32))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 0, s.Topics())
}

func TestPing(t *testing.T) {
	t.Run("no bootstrap nodes", func(t *testing.T) {
		s := setupTestSession(t, DefaultOptions(), nil)
		_, err := s.Ping(context.Background())
		require.ErrorIs(t, err, ErrNoBootstrapNodes)
	})

	t.Run("some nodes answer", func(t *testing.T) {
		opts := DefaultOptions()
		opts.Bootstrap = []string{"a.example:6881", "b.example:6881", "c.example:6881"}
		s := setupTestSession(t, opts, nil)
		pong := PeerAddr{IP: net.ParseIP("203.0.113.1"), Port: 30609}
		s.global.pings["a.example:6881"] = pingReply{pong: pong}
		s.global.pings["c.example:6881"] = pingReply{pong: pong}

		results, err := s.Ping(context.Background())
		require.NoError(t, err)
		require.Len(t, results, 2)
		require.Equal(t, "a.example:6881", results[0].Node)
		require.Equal(t, "c.example:6881", results[1].Node)
		require.Equal(t, pong.String(), results[0].Pong.String())
	})

	t.Run("no node answers", func(t *testing.T) {
		opts := DefaultOptions()
		opts.Bootstrap = []string{"a.example:6881", "b.example:6881"}
		s := setupTestSession(t, opts, nil)
		s.global.pings["b.example:6881"] = pingReply{err: fmt.Errorf("refused")}

		_, err := s.Ping(context.Background())
		require.ErrorIs(t, err, ErrAllPingsFailed)
		require.Contains(t, err.Error(), "a.example:6881")
		require.Contains(t, err.Error(), "refused")
	})
}

func TestHolepunch(t *testing.T) {
	s := setupTestSession(t, DefaultOptions(), nil)
	peer := PeerCandidate{Addr: PeerAddr{IP: net.ParseIP("198.51.100.1"), Port: 1}}

	require.ErrorIs(t, s.Holepunch(context.Background(), peer), ErrNoReferrer)
	require.Empty(t, s.global.holepunches)

	referrer := PeerAddr{IP: net.ParseIP("203.0.113.9"), Port: 6881}
	peer.Referrer = &referrer
	require.NoError(t, s.Holepunch(context.Background(), peer))
	require.Len(t, s.global.holepunches, 1)
	require.Equal(t, referrer, s.global.holepunches[0].referrer)
}

func TestDestroyClosesTopicsBeforeSession(t *testing.T) {
	s := setupTestSession(t, DefaultOptions(), nil)
	log := &eventLog{}
	s.global.log = log

	announced, err := s.Announce(testKey(1, 32), AnnounceOptions{Port: 4000})
	require.NoError(t, err)
	looked, err := s.Lookup(testKey(2, 32))
	require.NoError(t, err)
	announced.OnClose(func() { log.add("announce-close") })
	looked.OnClose(func() { log.add("lookup-close") })
	s.OnClose(func() { log.add("session-close") })
	require.Equal(t, 2, s.Topics())

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, s.Close(ctx))

	require.True(t, announced.Destroyed())
	require.True(t, looked.Destroyed())
	require.True(t, s.global.isClosed())
	require.True(t, s.local.isClosed())

	require.Less(t, log.index("unannounce"), log.index("announce-close"))
	require.Less(t, log.index("announce-close"), log.index("global-close"))
	require.Less(t, log.index("lookup-close"), log.index("global-close"))
	require.Less(t, log.index("global-close"), log.index("session-close"))
	require.Equal(t, 1, s.global.unannounced)

	_, err = s.Lookup(testKey(3, 32))
	require.ErrorIs(t, err, ErrSessionDestroyed)
	_, err = s.Announce(testKey(3, 32), AnnounceOptions{})
	require.ErrorIs(t, err, ErrSessionDestroyed)
}

func TestDestroyWithoutTopics(t *testing.T) {
	s := setupTestSession(t, DefaultOptions(), nil)

	closed := make(chan struct{})
	s.OnClose(func() { close(closed) })

	// hold the loop so teardown cannot run yet
	gate := make(chan struct{})
	require.True(t, s.loop.post(func() { <-gate }))
	s.Destroy()
	s.Destroy()

	select {
	case <-closed:
		t.Fatalf("Session closed inside Destroy")
	default:
	}
	close(gate)

	select {
	case <-closed:
	case <-time.After(waitTimeout):
		t.Fatalf("Session did not close")
	}
	<-s.Done()
	require.True(t, s.global.isClosed())
	require.Equal(t, 0, s.Topics())
}

func TestTeardownDefersCloseToNextTask(t *testing.T) {
	s := setupTestSession(t, DefaultOptions(), nil)

	closed := make(chan struct{})
	s.OnClose(func() { close(closed) })

	ran := s.loop.call(func() {
		s.destroying.Store(true)
		s.teardown()
		select {
		case <-s.Done():
			t.Errorf("Session finished within the teardown task")
		case <-closed:
			t.Errorf("Close emitted within the teardown task")
		default:
		}
	})
	require.True(t, ran)

	select {
	case <-closed:
	case <-time.After(waitTimeout):
		t.Fatalf("Session did not close")
	}
	<-s.Done()
}

func TestDestroyRacingOpenClosesEveryTopic(t *testing.T) {
	for round := 0; round < 20; round++ {
		s := setupTestSession(t, DefaultOptions(), nil)

		var mutex sync.Mutex
		var opened []*Topic
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(seed byte) {
				defer wg.Done()
				topic, err := s.Lookup(testKey(seed, 32))
				if err != nil {
					if !errors.Is(err, ErrSessionDestroyed) {
						t.Errorf("Unexpected open error: %v", err)
					}
					return
				}
				mutex.Lock()
				opened = append(opened, topic)
				mutex.Unlock()
			}(byte(i + 1))
		}
		s.Destroy()
		wg.Wait()

		select {
		case <-s.Done():
		case <-time.After(waitTimeout):
			t.Fatalf("Session did not close in round %d", round)
		}
		for _, topic := range opened {
			select {
			case <-topic.Done():
			default:
				t.Fatalf("Topic %x still open after the session closed (round %d)", topic.Key(), round)
			}
		}
	}
}

func TestDestroyWaitsForTopicDestroyedByUser(t *testing.T) {
	s := setupTestSession(t, DefaultOptions(), nil)

	topic, err := s.Announce(testKey(1, 32), AnnounceOptions{Port: 4000})
	require.NoError(t, err)
	s.Topics()

	topic.Destroy()
	s.Destroy()

	select {
	case <-s.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("Session did not close")
	}
	select {
	case <-topic.Done():
	default:
		t.Fatalf("Session closed before its topic")
	}
}
