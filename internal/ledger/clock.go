package ledger

import (
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time retrieval so lease arithmetic is deterministic in tests.
type Clock interface {
	Now() time.Time
}

// RealClock returns the actual current time, truncated to the storage resolution.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }

// IDGenerator abstracts unique ID generation so tests are deterministic.
type IDGenerator interface {
	// New returns a random string id (approval ids, cron run ids, worker names).
	New() string
	// NewUint64 returns a random non-zero 64-bit id (flow and hunt ids).
	NewUint64() uint64
}

// UUIDGenerator produces random UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) New() string { return uuid.New().String() }

func (UUIDGenerator) NewUint64() uint64 {
	for {
		u := uuid.New()
		var v uint64
		for _, b := range u[:8] {
			v = v<<8 | uint64(b)
		}
		// Keep ids in the positive int64 range so they sort the same way in SQLite.
		v &^= 1 << 63
		if v != 0 {
			return v
		}
	}
}
