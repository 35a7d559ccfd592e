package chain

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedReader memoizes block events, which never change once a block is sealed.
// Nullifier lookups and Merkle paths move with the chain and are not cached.
type CachedReader struct {
	Reader
	events *lru.Cache[uint64, []Event]
}

// NewCachedReader wraps r with an LRU of up to size blocks.
func NewCachedReader(r Reader, size int) (*CachedReader, error) {
	cache, err := lru.New[uint64, []Event](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create event cache: %w", err)
	}
	return &CachedReader{Reader: r, events: cache}, nil
}

// EventsInBlock implements Reader.
func (c *CachedReader) EventsInBlock(ctx context.Context, block uint64) ([]Event, error) {
	if events, ok := c.events.Get(block); ok {
		return append([]Event(nil), events...), nil
	}
	events, err := c.Reader.EventsInBlock(ctx, block)
	if err != nil {
		return nil, err
	}
	c.events.Add(block, append([]Event(nil), events...))
	return events, nil
}
