// Package recipient holds the delivery-side view of recipients: their
// profiles, the cached lists that index-addressed notification jobs resolve
// against, and the unreachable registry that keeps the bot from retrying
// chats that rejected it.
package recipient

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a profile or list is absent from the store.
var ErrNotFound = errors.New("recipient: not found")

// Profile is what delivery needs to know about one recipient. Tier selects
// the rate-limit ceiling.
type Profile struct {
	ID       int64  `json:"id"`
	Tier     string `json:"tier,omitempty"`
	Language string `json:"language,omitempty"`
}

// Directory resolves profiles and the recipient lists behind index-addressed
// notification jobs. Lists are written once per notification batch and read
// many times, one read per recipient job.
type Directory interface {
	Profile(ctx context.Context, id int64) (Profile, error)
	SaveProfile(ctx context.Context, p Profile) error

	List(ctx context.Context, key string) ([]int64, error)
	SaveList(ctx context.Context, key string, ids []int64, ttl time.Duration) error
}

// Registry tracks recipients that can no longer be reached (blocked the bot,
// deactivated, chat gone). Marking is best effort: a registry outage must
// never fail the delivery that triggered it.
type Registry interface {
	Mark(ctx context.Context, id int64, reason string)
	IsUnreachable(ctx context.Context, id int64) bool
}
