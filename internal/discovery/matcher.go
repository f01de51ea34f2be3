package discovery

import (
	"fmt"
	"net"
	"strings"

	"github.com/miekg/dns"
)

// HandleQuery and HandleResponse make the session the local channel's handler

func (s *Session) HandleQuery(msg *dns.Msg, from *net.UDPAddr) {
	s.loop.post(func() { s.answerQuery(msg, from) })
}

func (s *Session) HandleResponse(msg *dns.Msg, from *net.UDPAddr) {
	s.loop.post(func() { s.matchResponse(msg, from) })
}

// answerQuery sends one aggregated response covering every announcing topic
// that matches a question, except topics owned by the querier's token
func (s *Session) answerQuery(msg *dns.Msg, from *net.UDPAddr) {
	if s.destroyed || msg == nil {
		return
	}
	querier := firstToken(msg.Extra)

	var answers []dns.RR
	for _, question := range msg.Question {
		if question.Qtype != dns.TypeSRV && question.Qtype != dns.TypeANY {
			continue
		}
		for _, topic := range s.index.Lookup(question.Name) {
			if topic.closing.Load() || (querier != "" && topic.token == querier) {
				continue
			}
			srv := topic.serviceRecord()
			if srv == nil {
				continue
			}
			answers = append(answers, topic.tokenRecord(), srv)
		}
	}

	if len(answers) == 0 {
		return
	}
	if err := s.local.Respond(answers); err != nil {
		s.logger.Debug(fmt.Sprintf("Failed to answer query from %s: %v", from, err), "discovery")
	}
}

// matchResponse hands every service record in a response to the topics of
// its domain. A service record is paired with the last token record seen
// for the same name; topics holding that token are skipped.
func (s *Session) matchResponse(msg *dns.Msg, from *net.UDPAddr) {
	if s.destroyed || msg == nil {
		return
	}

	tokens := make(map[string]string)
	records := append(append([]dns.RR{}, msg.Answer...), msg.Extra...)
	for _, rr := range records {
		switch record := rr.(type) {
		case *dns.TXT:
			if len(record.Txt) > 0 {
				tokens[normalizeName(record.Hdr.Name)] = record.Txt[0]
			}
		case *dns.SRV:
			name := normalizeName(record.Hdr.Name)
			topics := s.index.Lookup(name)
			if len(topics) == 0 {
				continue
			}

			addr := resolveTarget(record, from)
			if addr.IP == nil {
				continue
			}
			owner := tokens[name]
			for _, topic := range topics {
				if owner != "" && topic.token == owner {
					continue
				}
				topic.emitPeer(PeerCandidate{Addr: addr, Local: true})
			}
		}
	}
}

func firstToken(records []dns.RR) string {
	for _, rr := range records {
		if txt, ok := rr.(*dns.TXT); ok && len(txt.Txt) > 0 {
			return txt.Txt[0]
		}
	}
	return ""
}

// resolveTarget turns an SRV target into an address. AnyHost and host
// names fall back to the address the record was received from.
func resolveTarget(srv *dns.SRV, from *net.UDPAddr) PeerAddr {
	addr := PeerAddr{IP: net.ParseIP(strings.TrimSuffix(srv.Target, ".")), Port: int(srv.Port)}
	var observed net.IP
	if from != nil {
		observed = from.IP
	}
	return addr.Resolve(observed)
}
