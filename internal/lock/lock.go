package lock

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Release frees every key taken by a successful Acquire. It is safe to call
// more than once.
type Release func()

// Locker serializes mutations that touch overlapping subtrees. Keys are
// always taken in sorted order so concurrent callers cannot deadlock.
type Locker interface {
	Acquire(ctx context.Context, keys ...string) (Release, error)
}

// ContentionError reports that a key could not be taken before the lock
// timeout elapsed.
type ContentionError struct {
	Key string
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("lock contention on %s", e.Key)
}

func (e *ContentionError) Retryable() bool      { return true }
func (e *ContentionError) LockContention() bool { return true }

// DistributorKey is the lock key guarding a single node and its edge.
func DistributorKey(id fmt.Stringer) string {
	return "uplink:lock:distributor:" + id.String()
}

// SaleKey guards commission runs for one sale.
func SaleKey(id fmt.Stringer) string {
	return "uplink:lock:sale:" + id.String()
}

func normalizeKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// EnrollmentKey guards a distributor code while it is being claimed.
func EnrollmentKey(code string) string {
	return "uplink:lock:enroll:" + strings.ToLower(strings.TrimSpace(code))
}

// OrderKey serializes lifecycle events that share an external order id.
func OrderKey(externalID string) string {
	return "uplink:lock:order:" + strings.TrimSpace(externalID)
}
