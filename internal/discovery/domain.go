package discovery

import (
	"encoding/hex"
	"strings"
)

// DefaultDomain is the suffix used when a session does not name one
const DefaultDomain = "hyperswarm.local"

// domainKeyBytes is how much of a key ends up in its domain name. Keys that
// share their first 20 bytes share a domain.
const domainKeyBytes = 20

// Domain derives the multicast name for a topic key
func Domain(key []byte, suffix string) string {
	if suffix == "" {
		suffix = DefaultDomain
	}
	if len(key) > domainKeyBytes {
		key = key[:domainKeyBytes]
	}
	return hex.EncodeToString(key) + "." + normalizeName(suffix)
}

// normalizeName lower-cases a DNS name and drops the root dot
func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}

// DomainIndex maps domain names to the live Topics that use them. Topics
// keep insertion order so fan-out is deterministic.
type DomainIndex struct {
	domains map[string][]*Topic
}

func NewDomainIndex() *DomainIndex {
	return &DomainIndex{domains: make(map[string][]*Topic)}
}

func (di *DomainIndex) Insert(domain string, topic *Topic) {
	domain = normalizeName(domain)
	for _, existing := range di.domains[domain] {
		if existing == topic {
			return
		}
	}
	di.domains[domain] = append(di.domains[domain], topic)
}

// Remove drops topic from domain. The domain entry goes away with its last topic.
func (di *DomainIndex) Remove(domain string, topic *Topic) {
	domain = normalizeName(domain)
	topics := di.domains[domain]
	for i, existing := range topics {
		if existing != topic {
			continue
		}
		topics = append(topics[:i:i], topics[i+1:]...)
		if len(topics) == 0 {
			delete(di.domains, domain)
		} else {
			di.domains[domain] = topics
		}
		return
	}
}

// Lookup returns a copy of the topics registered under domain
func (di *DomainIndex) Lookup(domain string) []*Topic {
	topics := di.domains[normalizeName(domain)]
	if len(topics) == 0 {
		return nil
	}
	result := make([]*Topic, len(topics))
	copy(result, topics)
	return result
}

// Len is the number of domains with at least one topic
func (di *DomainIndex) Len() int {
	return len(di.domains)
}
