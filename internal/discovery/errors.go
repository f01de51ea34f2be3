package discovery

import "errors"

// Usage errors are returned immediately and never retried. Channel failures
// are not errors at this level; they surface as Topic update events.
var (
	ErrSessionDestroyed = errors.New("discovery session is destroyed")
	ErrTopicDestroyed   = errors.New("topic is destroyed")
	ErrEmptyKey         = errors.New("topic key must not be empty")
	ErrNoReferrer       = errors.New("peer candidate has no referrer")
	ErrNoBootstrapNodes = errors.New("no bootstrap nodes configured")
	ErrAllPingsFailed   = errors.New("no bootstrap node responded")
	ErrNoPeersFound     = errors.New("no peers found")
)
