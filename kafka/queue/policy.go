package queue

import (
	"fmt"
	"strings"
)

// Policy decides what Push does when the queue is full.
type Policy int

const (
	// Block suspends the pusher until space appears.
	Block Policy = iota
	// DropOldest evicts the head to make room for the new item.
	DropOldest
	// DropNewest discards the item being pushed.
	DropNewest
)

func (p Policy) String() string {
	switch p {
	case Block:
		return "block"
	case DropOldest:
		return "drop-oldest"
	case DropNewest:
		return "drop-newest"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy accepts "block", "drop-oldest" and "drop-newest"
// ('_' works as a separator too).
func ParsePolicy(s string) (Policy, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-") {
	case "block", "":
		return Block, nil
	case "drop-oldest":
		return DropOldest, nil
	case "drop-newest":
		return DropNewest, nil
	default:
		return 0, fmt.Errorf("queue: unknown on-full policy %q", s)
	}
}
