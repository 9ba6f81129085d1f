// Package bufpool is a minimal stand-in for a buffer-pool client handle:
// the reservation protocol a join builder drives (reserve, save/restore a
// named sub-reservation, transfer to another client) without the real
// buffer pool's paging, eviction, or cross-query admission control behind
// it. It implements just enough in-process byte accounting — guarded by a
// mutex, in the idiom of lock_mgr's client/holder bookkeeping — to make
// that protocol real and testable.
package bufpool

import (
	"fmt"
	"sync"

	"github.com/dropbox/godropbox/errors"
)

// Client tracks how many bytes of a fixed memory limit are currently in use
// by one consumer (one join builder, or the probe operator it hands a
// reservation to), plus any named sub-reservations carved out of that usage.
type Client struct {
	mu sync.Mutex

	label string
	limit int64 // 0 means unlimited.

	used         int64
	reservations map[string]int64
}

func NewClient(label string, limit int64) *Client {
	return &Client{
		label:        label,
		limit:        limit,
		reservations: make(map[string]int64),
	}
}

// TryConsume attempts to account for an additional n bytes of general usage
// (pinned tuple-stream pages, hash table buckets). It fails without side
// effects if that would exceed the client's limit.
func (c *Client) TryConsume(n int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.limit > 0 && c.used+n > c.limit {
		return false
	}
	c.used += n
	return true
}

// Release returns n bytes of general usage to the pool, e.g. when a
// partition's stream is unpinned or its hash table is closed.
func (c *Client) Release(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.used -= n
	if c.used < 0 {
		c.used = 0
	}
}

// GetUnusedReservation returns how many additional bytes could currently be
// consumed or saved into a sub-reservation.
func (c *Client) GetUnusedReservation() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unusedLocked()
}

// Used returns the client's current usage, including the bytes saved under
// named sub-reservations.
func (c *Client) Used() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

func (c *Client) unusedLocked() int64 {
	if c.limit <= 0 {
		return 1 << 60
	}
	u := c.limit - c.used
	if u < 0 {
		return 0
	}
	return u
}

// SaveReservation earmarks n additional bytes under the named sub-reservation,
// carving them out of the client's unused capacity. It is an invariant
// violation to call this when insufficient unused capacity exists; callers
// (the join builder's probe-buffer reservation loop) are expected to have
// already spilled enough partitions to make room.
func (c *Client) SaveReservation(name string, n int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n < 0 {
		return errors.Newf("bufpool: cannot save negative reservation %d for %q", n, name)
	}
	if n > c.unusedLocked() {
		return errors.Newf(
			"bufpool(%s): cannot save reservation of %d bytes for %q, only %d unused: %s",
			c.label, n, name, c.unusedLocked(), c.debugStringLocked())
	}
	c.used += n
	c.reservations[name] += n
	return nil
}

// RestoreReservation gives back n bytes previously saved under name, making
// that capacity available for general consumption again.
func (c *Client) RestoreReservation(name string, n int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	have := c.reservations[name]
	if n > have {
		return errors.Newf(
			"bufpool(%s): cannot restore %d bytes from reservation %q, only %d saved",
			c.label, n, name, have)
	}
	c.reservations[name] -= n
	if c.reservations[name] == 0 {
		delete(c.reservations, name)
	}
	c.used -= n
	if c.used < 0 {
		c.used = 0
	}
	return nil
}

// Reservation returns the number of bytes currently saved under name.
func (c *Client) Reservation(name string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reservations[name]
}

// TransferReservation moves n bytes saved under name on c into dst's general
// usage, for handing a build-side reservation over to the probe side. It is
// the named-sub-reservation analogue of lock_mgr's pattern of one client
// handing off accounted state to another under the same mutex discipline,
// generalized from locks to byte budgets.
func (c *Client) TransferReservation(dst *Client, name string, n int64) error {
	if err := c.RestoreReservation(name, n); err != nil {
		return err
	}
	if !dst.TryConsume(n) {
		// Put it back; the transfer failed atomically.
		_ = c.SaveReservation(name, n)
		return errors.Newf(
			"bufpool: transfer of %d bytes from %q to client %q failed, insufficient capacity",
			n, name, dst.label)
	}
	return nil
}

func (c *Client) DebugString() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.debugStringLocked()
}

func (c *Client) debugStringLocked() string {
	return fmt.Sprintf(
		"Client(%s) limit=%d used=%d unused=%d reservations=%v",
		c.label, c.limit, c.used, c.unusedLocked(), c.reservations)
}
