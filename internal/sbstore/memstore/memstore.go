// Package memstore is an in-memory sbstore.Store, suitable for tests and
// for single-process deployments that don't need cross-restart durability.
//
// Grounded on AdGuardDNS's internal/filter/hashstorage.Storage: a single
// sync.RWMutex guarding plain Go maps, no background compaction.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/AdguardTeam/go-safebrowsing/internal/sbstore"
)

type fullHashKey struct {
	list     sbstore.ListID
	chunkNum uint32
	hash     [32]byte
}

type listState struct {
	addChunks map[uint32][]sbstore.AddEntry
	subChunks map[uint32][]sbstore.SubEntry

	// addOrder preserves chunk arrival order for AddRowsByHostKey, since
	// lookup tie-breaking iterates rows in insertion order.
	addOrder []uint32
	subOrder []uint32
}

func newListState() *listState {
	return &listState{
		addChunks: make(map[uint32][]sbstore.AddEntry),
		subChunks: make(map[uint32][]sbstore.SubEntry),
	}
}

// Store is an in-memory implementation of sbstore.Store.
type Store struct {
	mu sync.RWMutex

	lists     map[sbstore.ListID]*listState
	listOrder []sbstore.ListID

	fullHashes map[fullHashKey]time.Time

	cursors map[sbstore.ListID]sbstore.UpdateStatus

	clientKey  []byte
	wrappedKey []byte
	haveMacKey bool

	fullHashErrors map[string]sbstore.FullHashErrorState
}

// New returns a new, empty Store.
func New() *Store {
	return &Store{
		lists:          make(map[sbstore.ListID]*listState),
		fullHashes:     make(map[fullHashKey]time.Time),
		cursors:        make(map[sbstore.ListID]sbstore.UpdateStatus),
		fullHashErrors: make(map[string]sbstore.FullHashErrorState),
	}
}

func (s *Store) list(id sbstore.ListID) *listState {
	l, ok := s.lists[id]
	if !ok {
		l = newListState()
		s.lists[id] = l
		s.listOrder = append(s.listOrder, id)
	}

	return l
}

// AddChunkNums implements the sbstore.Store interface.
func (s *Store) AddChunkNums(_ context.Context, id sbstore.ListID) (nums []uint32, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.lists[id]
	if !ok {
		return nil, nil
	}

	for n := range l.addChunks {
		nums = append(nums, n)
	}

	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })

	return nums, nil
}

// SubChunkNums implements the sbstore.Store interface.
func (s *Store) SubChunkNums(_ context.Context, id sbstore.ListID) (nums []uint32, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.lists[id]
	if !ok {
		return nil, nil
	}

	for n := range l.subChunks {
		nums = append(nums, n)
	}

	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })

	return nums, nil
}

// InsertAddChunk implements the sbstore.Store interface.
func (s *Store) InsertAddChunk(
	_ context.Context,
	id sbstore.ListID,
	chunkNum uint32,
	entries []sbstore.AddEntry,
) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.list(id)
	if _, ok := l.addChunks[chunkNum]; !ok {
		l.addOrder = append(l.addOrder, chunkNum)
	}

	l.addChunks[chunkNum] = append([]sbstore.AddEntry(nil), entries...)

	return nil
}

// InsertSubChunk implements the sbstore.Store interface.
func (s *Store) InsertSubChunk(
	_ context.Context,
	id sbstore.ListID,
	chunkNum uint32,
	entries []sbstore.SubEntry,
) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.list(id)
	if _, ok := l.subChunks[chunkNum]; !ok {
		l.subOrder = append(l.subOrder, chunkNum)
	}

	l.subChunks[chunkNum] = append([]sbstore.SubEntry(nil), entries...)

	return nil
}

// DeleteAddChunks implements the sbstore.Store interface.
func (s *Store) DeleteAddChunks(_ context.Context, id sbstore.ListID, nums []uint32) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lists[id]
	if !ok {
		return nil
	}

	for _, n := range nums {
		delete(l.addChunks, n)
	}

	l.addOrder = filterNums(l.addOrder, l.addChunks)

	return nil
}

// DeleteSubChunks implements the sbstore.Store interface.
func (s *Store) DeleteSubChunks(_ context.Context, id sbstore.ListID, nums []uint32) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lists[id]
	if !ok {
		return nil
	}

	for _, n := range nums {
		delete(l.subChunks, n)
	}

	l.subOrder = filterNums(l.subOrder, l.subChunks)

	return nil
}

func filterNums[T any](order []uint32, kept map[uint32][]T) (out []uint32) {
	out = order[:0]
	for _, n := range order {
		if _, ok := kept[n]; ok {
			out = append(out, n)
		}
	}

	return out
}

// ResetList implements the sbstore.Store interface.
func (s *Store) ResetList(_ context.Context, id sbstore.ListID) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.lists[id]; ok {
		s.lists[id] = newListState()
	}

	for k := range s.fullHashes {
		if k.list == id {
			delete(s.fullHashes, k)
		}
	}

	delete(s.cursors, id)

	return nil
}

// AddRowsByHostKey implements the sbstore.Store interface.
func (s *Store) AddRowsByHostKey(
	_ context.Context,
	hostKey sbstore.HostKey,
) (rows []sbstore.AddRow, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.listOrder {
		l := s.lists[id]
		for _, num := range l.addOrder {
			for _, e := range l.addChunks[num] {
				if e.HostKey == hostKey {
					rows = append(rows, sbstore.AddRow{
						List:     id,
						ChunkNum: num,
						HostKey:  hostKey,
						Prefix:   e.Prefix,
					})
				}
			}
		}
	}

	return rows, nil
}

// SubRowsByHostKey implements the sbstore.Store interface.
func (s *Store) SubRowsByHostKey(
	_ context.Context,
	hostKey sbstore.HostKey,
) (rows []sbstore.SubRow, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.listOrder {
		l := s.lists[id]
		for _, num := range l.subOrder {
			for _, e := range l.subChunks[num] {
				if e.HostKey == hostKey {
					rows = append(rows, sbstore.SubRow{
						List:        id,
						ChunkNum:    num,
						HostKey:     hostKey,
						AddChunkNum: e.AddChunkNum,
						Prefix:      e.Prefix,
					})
				}
			}
		}
	}

	return rows, nil
}

// FullHashes implements the sbstore.Store interface.
func (s *Store) FullHashes(
	_ context.Context,
	id sbstore.ListID,
	chunkNum uint32,
	since time.Time,
) (hashes [][32]byte, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for k, ts := range s.fullHashes {
		if k.list == id && k.chunkNum == chunkNum && !ts.Before(since) {
			hashes = append(hashes, k.hash)
		}
	}

	return hashes, nil
}

// AddFullHashes implements the sbstore.Store interface.
func (s *Store) AddFullHashes(_ context.Context, rows []sbstore.FullHashRow, now time.Time) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range rows {
		s.fullHashes[fullHashKey{list: r.List, chunkNum: r.ChunkNum, hash: r.Hash}] = now
	}

	return nil
}

// DeleteFullHashes implements the sbstore.Store interface.
func (s *Store) DeleteFullHashes(_ context.Context, id sbstore.ListID, nums []uint32) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, n := range nums {
		for k := range s.fullHashes {
			if k.list == id && k.chunkNum == n {
				delete(s.fullHashes, k)
			}
		}
	}

	return nil
}

// LastUpdate implements the sbstore.Store interface.
func (s *Store) LastUpdate(_ context.Context, id sbstore.ListID) (st sbstore.UpdateStatus, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.cursors[id]
	if !ok {
		return sbstore.UpdateStatus{Wait: sbstore.DefaultUpdateWait}, nil
	}

	return st, nil
}

// RecordUpdate implements the sbstore.Store interface.
func (s *Store) RecordUpdate(
	_ context.Context,
	id sbstore.ListID,
	now time.Time,
	wait time.Duration,
) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cursors[id] = sbstore.UpdateStatus{Time: now, Wait: wait}

	return nil
}

// RecordUpdateError implements the sbstore.Store interface.
func (s *Store) RecordUpdateError(
	_ context.Context,
	id sbstore.ListID,
	now time.Time,
	wait time.Duration,
	errNum int,
) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cursors[id] = sbstore.UpdateStatus{Time: now, Wait: wait, Errors: errNum}

	return nil
}

// FullHashErrorState implements the sbstore.Store interface.
func (s *Store) FullHashErrorState(
	_ context.Context,
	prefix sbstore.Prefix,
) (st sbstore.FullHashErrorState, found bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, found = s.fullHashErrors[prefix.String()]

	return st, found, nil
}

// RecordFullHashError implements the sbstore.Store interface.
func (s *Store) RecordFullHashError(_ context.Context, prefix sbstore.Prefix, now time.Time) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.fullHashErrors[prefix.String()]
	st.Errors++
	st.Time = now
	s.fullHashErrors[prefix.String()] = st

	return nil
}

// FullHashOk implements the sbstore.Store interface.
func (s *Store) FullHashOk(_ context.Context, prefix sbstore.Prefix) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.fullHashErrors, prefix.String())

	return nil
}

// MacKey implements the sbstore.Store interface.
func (s *Store) MacKey(_ context.Context) (clientKey, wrappedKey []byte, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.haveMacKey {
		return nil, nil, false, nil
	}

	return s.clientKey, s.wrappedKey, true, nil
}

// SetMacKey implements the sbstore.Store interface.
func (s *Store) SetMacKey(_ context.Context, clientKey, wrappedKey []byte) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clientKey = append([]byte(nil), clientKey...)
	s.wrappedKey = append([]byte(nil), wrappedKey...)
	s.haveMacKey = true

	return nil
}

// ClearMacKey implements the sbstore.Store interface.
func (s *Store) ClearMacKey(_ context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clientKey = nil
	s.wrappedKey = nil
	s.haveMacKey = false

	return nil
}

// Close implements the sbstore.Store interface.
func (s *Store) Close() (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stale := time.Now().Add(-sbstore.FullHashTTL)
	for k, ts := range s.fullHashes {
		if ts.Before(stale) {
			delete(s.fullHashes, k)
		}
	}

	return nil
}
