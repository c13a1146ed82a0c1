// Package sbstore defines the storage contract the update and lookup
// engines depend on, and the shared row types that cross that contract.
// Concrete back-ends (in-memory, SQLite) implement Store; spec.md §4.7
// treats persistence as an external collaborator of the core, so the core
// packages import only this interface, never a concrete back-end.
//
// Grounded on AdGuardDNS's internal/filter/hashstorage.Storage: a narrow,
// mutex-guarded capability struct rather than an ORM or repository
// abstraction.
package sbstore

import (
	"context"
	"time"
)

// ListID identifies a configured reputation list, e.g. "goog-malware-shavar".
type ListID string

// HostKey is the 4-byte host key prefix of a canonical host suffix.
type HostKey [4]byte

// Prefix is a variable-length (typically 4-byte) hash prefix.
type Prefix []byte

// String implements the fmt.Stringer interface for Prefix.
func (p Prefix) String() string {
	const hextable = "0123456789abcdef"

	buf := make([]byte, len(p)*2)
	for i, b := range p {
		buf[i*2] = hextable[b>>4]
		buf[i*2+1] = hextable[b&0x0f]
	}

	return string(buf)
}

// Equal reports whether p and other hold the same bytes.
func (p Prefix) Equal(other Prefix) (ok bool) {
	if len(p) != len(other) {
		return false
	}

	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}

	return true
}

// AddEntry is one (host key, prefix) pair belonging to a single add chunk.
// A nil Prefix means the whole host matches.
type AddEntry struct {
	HostKey HostKey
	Prefix  Prefix
}

// SubEntry is one sub-chunk entry. A nil Prefix means "cancel the entire
// add chunk named by AddChunkNum".
type SubEntry struct {
	HostKey     HostKey
	AddChunkNum uint32
	Prefix      Prefix
}

// AddRow is an AddEntry together with the list and chunk it belongs to,
// the shape host-key probes read back out of storage.
type AddRow struct {
	List     ListID
	ChunkNum uint32
	HostKey  HostKey
	Prefix   Prefix
}

// SubRow is a SubEntry together with the list and chunk it belongs to.
type SubRow struct {
	List        ListID
	ChunkNum    uint32
	HostKey     HostKey
	AddChunkNum uint32
	Prefix      Prefix
}

// FullHashRow is one confirmed 32-byte hash tied to the add chunk it
// expands.
type FullHashRow struct {
	List     ListID
	ChunkNum uint32
	Hash     [32]byte
}

// UpdateStatus is a list's update cursor: when it last completed, how long
// the server (or the backoff controller) asked it to wait, and how many
// consecutive errors it has accumulated.
type UpdateStatus struct {
	Time   time.Time
	Wait   time.Duration
	Errors int
}

// DefaultUpdateWait is the poll interval reported for a list that has no
// stored cursor yet.
const DefaultUpdateWait = 1800 * time.Second

// FullHashErrorState records how many consecutive full-hash fetches for a
// prefix have failed, and when the last failure happened.
type FullHashErrorState struct {
	Time   time.Time
	Errors int
}

// FullHashTTL is how long a confirmed full hash stays valid. Entries older
// than this must not match and are evicted on Close.
const FullHashTTL = 45 * time.Minute

// Store is the persistence contract for chunk state, full hashes, update
// cursors, MAC keys, and full-hash error bookkeeping. Implementations must
// be safe for concurrent use.
type Store interface {
	// AddChunkNums returns the sorted add chunk numbers currently held for
	// list, including numbers covered only by an empty add chunk.
	AddChunkNums(ctx context.Context, list ListID) (nums []uint32, err error)

	// SubChunkNums returns the sorted sub chunk numbers currently held for
	// list.
	SubChunkNums(ctx context.Context, list ListID) (nums []uint32, err error)

	// InsertAddChunk records an add chunk's entries for list atomically. An
	// empty entries slice still records the chunk number.
	InsertAddChunk(ctx context.Context, list ListID, chunkNum uint32, entries []AddEntry) (err error)

	// InsertSubChunk records a sub chunk's entries for list atomically.
	InsertSubChunk(ctx context.Context, list ListID, chunkNum uint32, entries []SubEntry) (err error)

	// DeleteAddChunks removes the named add chunks and their entries from
	// list.
	DeleteAddChunks(ctx context.Context, list ListID, nums []uint32) (err error)

	// DeleteSubChunks removes the named sub chunks and their entries from
	// list.
	DeleteSubChunks(ctx context.Context, list ListID, nums []uint32) (err error)

	// ResetList drops all add and sub chunk state, full hashes, and the
	// update cursor for list, per the "r:pleasereset" directive.
	ResetList(ctx context.Context, list ListID) (err error)

	// AddRowsByHostKey returns every add-chunk row whose host key equals
	// hostKey, across all lists, in insertion order within each chunk.
	AddRowsByHostKey(ctx context.Context, hostKey HostKey) (rows []AddRow, err error)

	// SubRowsByHostKey returns every sub-chunk row whose host key equals
	// hostKey, across all lists.
	SubRowsByHostKey(ctx context.Context, hostKey HostKey) (rows []SubRow, err error)

	// FullHashes returns the full hashes stored for (list, chunkNum) whose
	// confirmation timestamp is at or after since.
	FullHashes(ctx context.Context, list ListID, chunkNum uint32, since time.Time) (hashes [][32]byte, err error)

	// AddFullHashes upserts rows with the given confirmation timestamp,
	// unique on (chunk number, hash, list).
	AddFullHashes(ctx context.Context, rows []FullHashRow, now time.Time) (err error)

	// DeleteFullHashes removes all full hashes for the named chunk numbers
	// of list.
	DeleteFullHashes(ctx context.Context, list ListID, nums []uint32) (err error)

	// LastUpdate returns the update cursor for list. A list with no stored
	// cursor reports a zero time, DefaultUpdateWait, and zero errors.
	LastUpdate(ctx context.Context, list ListID) (st UpdateStatus, err error)

	// RecordUpdate stores a successful update cursor for list, resetting
	// its error count.
	RecordUpdate(ctx context.Context, list ListID, now time.Time, wait time.Duration) (err error)

	// RecordUpdateError stores a failed update cursor for list.
	RecordUpdateError(ctx context.Context, list ListID, now time.Time, wait time.Duration, errNum int) (err error)

	// FullHashErrorState returns the error counter for prefix, if one is
	// recorded.
	FullHashErrorState(ctx context.Context, prefix Prefix) (st FullHashErrorState, found bool, err error)

	// RecordFullHashError increments the error counter for prefix and
	// stamps it with now.
	RecordFullHashError(ctx context.Context, prefix Prefix, now time.Time) (err error)

	// FullHashOk drops the error counter for prefix after a successful
	// fetch.
	FullHashOk(ctx context.Context, prefix Prefix) (err error)

	// MacKey returns the currently stored MAC client key and its wrapped
	// key material, if any has been negotiated.
	MacKey(ctx context.Context) (clientKey, wrappedKey []byte, ok bool, err error)

	// SetMacKey stores a newly negotiated MAC key pair.
	SetMacKey(ctx context.Context, clientKey, wrappedKey []byte) (err error)

	// ClearMacKey discards the stored MAC key pair, forcing the next
	// MAC-enabled update to renegotiate.
	ClearMacKey(ctx context.Context) (err error)

	// Close evicts full hashes older than FullHashTTL and releases any
	// resources held by the store.
	Close() (err error)
}
