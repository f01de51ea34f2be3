package utils

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

var ErrEmptyTopicKey = errors.New("topic key is empty")

// TopicKey derives the 32 byte discovery key for a human readable topic name
func TopicKey(name string) []byte {
	sum := blake3.Sum256([]byte(name))
	return sum[:]
}

// ParseTopicKey decodes a hex key, or hashes name when raw is false
func ParseTopicKey(name string, raw bool) ([]byte, error) {
	if !raw {
		return TopicKey(name), nil
	}

	key, err := hex.DecodeString(name)
	if err != nil {
		return nil, fmt.Errorf("invalid hex topic key: %w", err)
	}
	if len(key) == 0 {
		return nil, ErrEmptyTopicKey
	}
	return key, nil
}
