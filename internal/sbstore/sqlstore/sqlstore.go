// Package sqlstore is a sbstore.Store backed by SQLite, for deployments
// that need chunk state to survive a process restart without a separate
// database server.
//
// Grounded on spec.md §9's note that concrete storage back-ends (SQLite,
// MySQL, in-memory) are external to the core; the driver itself,
// modernc.org/sqlite, is pulled from the retrieval pack's censys-cencli
// manifest since it is a pure-Go driver requiring no cgo toolchain.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/AdguardTeam/go-safebrowsing/internal/sbstore"
	"github.com/AdguardTeam/golibs/errors"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS add_chunks (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	list TEXT NOT NULL,
	chunk_num INTEGER NOT NULL,
	host_key BLOB NOT NULL,
	prefix BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS sub_chunks (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	list TEXT NOT NULL,
	chunk_num INTEGER NOT NULL,
	host_key BLOB NOT NULL,
	add_chunk_num INTEGER NOT NULL,
	prefix BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS add_chunks_by_host_key ON add_chunks (host_key);
CREATE INDEX IF NOT EXISTS add_chunks_by_list ON add_chunks (list, chunk_num);
CREATE INDEX IF NOT EXISTS sub_chunks_by_host_key ON sub_chunks (host_key);
CREATE INDEX IF NOT EXISTS sub_chunks_by_list ON sub_chunks (list, chunk_num);

CREATE TABLE IF NOT EXISTS full_hashes (
	list TEXT NOT NULL,
	chunk_num INTEGER NOT NULL,
	hash BLOB NOT NULL,
	ts_unix INTEGER NOT NULL,
	PRIMARY KEY (chunk_num, hash, list)
);

CREATE TABLE IF NOT EXISTS update_cursors (
	list TEXT PRIMARY KEY,
	time_unix INTEGER NOT NULL,
	wait_seconds INTEGER NOT NULL,
	errors INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS full_hash_errors (
	prefix BLOB PRIMARY KEY,
	errors INTEGER NOT NULL,
	ts_unix INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS mac_key (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	client_key BLOB NOT NULL,
	wrapped_key BLOB NOT NULL
);
`

// emptyChunkHostKey marks a row recording an add or sub chunk number that
// arrived with no entries. It is zero-length, so it can never collide with
// a real 4-byte host key.
var emptyChunkHostKey = []byte{}

// Store is a sbstore.Store backed by a SQLite database file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// ensures its schema exists.
func Open(path string) (s *Store, err error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	if _, err = db.Exec(schema); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) chunkNums(
	ctx context.Context,
	table string,
	list sbstore.ListID,
) (nums []uint32, err error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT DISTINCT chunk_num FROM `+table+` WHERE list = ? ORDER BY chunk_num`,
		string(list),
	)
	if err != nil {
		return nil, fmt.Errorf("querying %s numbers: %w", table, err)
	}
	defer func() { err = errors.WithDeferred(err, rows.Close()) }()

	for rows.Next() {
		var n uint32
		if err = rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scanning %s number: %w", table, err)
		}

		nums = append(nums, n)
	}

	return nums, rows.Err()
}

// AddChunkNums implements the sbstore.Store interface.
func (s *Store) AddChunkNums(ctx context.Context, list sbstore.ListID) (nums []uint32, err error) {
	return s.chunkNums(ctx, "add_chunks", list)
}

// SubChunkNums implements the sbstore.Store interface.
func (s *Store) SubChunkNums(ctx context.Context, list sbstore.ListID) (nums []uint32, err error) {
	return s.chunkNums(ctx, "sub_chunks", list)
}

// InsertAddChunk implements the sbstore.Store interface.
func (s *Store) InsertAddChunk(
	ctx context.Context,
	list sbstore.ListID,
	chunkNum uint32,
	entries []sbstore.AddEntry,
) (err error) {
	return s.withTx(ctx, func(tx *sql.Tx) (txErr error) {
		if len(entries) == 0 {
			_, txErr = tx.ExecContext(
				ctx,
				`INSERT INTO add_chunks (list, chunk_num, host_key, prefix) VALUES (?, ?, ?, ?)`,
				string(list), chunkNum, emptyChunkHostKey, []byte{},
			)

			return txErr
		}

		stmt, txErr := tx.PrepareContext(
			ctx,
			`INSERT INTO add_chunks (list, chunk_num, host_key, prefix) VALUES (?, ?, ?, ?)`,
		)
		if txErr != nil {
			return txErr
		}
		defer func() { txErr = errors.WithDeferred(txErr, stmt.Close()) }()

		for _, e := range entries {
			if _, txErr = stmt.ExecContext(
				ctx, string(list), chunkNum, e.HostKey[:], prefixBlob(e.Prefix),
			); txErr != nil {
				return txErr
			}
		}

		return nil
	})
}

// InsertSubChunk implements the sbstore.Store interface.
func (s *Store) InsertSubChunk(
	ctx context.Context,
	list sbstore.ListID,
	chunkNum uint32,
	entries []sbstore.SubEntry,
) (err error) {
	return s.withTx(ctx, func(tx *sql.Tx) (txErr error) {
		if len(entries) == 0 {
			_, txErr = tx.ExecContext(
				ctx,
				`INSERT INTO sub_chunks
					(list, chunk_num, host_key, add_chunk_num, prefix) VALUES (?, ?, ?, 0, ?)`,
				string(list), chunkNum, emptyChunkHostKey, []byte{},
			)

			return txErr
		}

		stmt, txErr := tx.PrepareContext(
			ctx,
			`INSERT INTO sub_chunks
				(list, chunk_num, host_key, add_chunk_num, prefix) VALUES (?, ?, ?, ?, ?)`,
		)
		if txErr != nil {
			return txErr
		}
		defer func() { txErr = errors.WithDeferred(txErr, stmt.Close()) }()

		for _, e := range entries {
			_, txErr = stmt.ExecContext(
				ctx, string(list), chunkNum, e.HostKey[:], e.AddChunkNum, prefixBlob(e.Prefix),
			)
			if txErr != nil {
				return txErr
			}
		}

		return nil
	})
}

// prefixBlob converts a possibly-nil prefix to the non-null blob the schema
// requires.
func prefixBlob(p sbstore.Prefix) (blob []byte) {
	if p == nil {
		return []byte{}
	}

	return []byte(p)
}

// DeleteAddChunks implements the sbstore.Store interface.
func (s *Store) DeleteAddChunks(ctx context.Context, list sbstore.ListID, nums []uint32) (err error) {
	return s.deleteChunks(ctx, "add_chunks", list, nums)
}

// DeleteSubChunks implements the sbstore.Store interface.
func (s *Store) DeleteSubChunks(ctx context.Context, list sbstore.ListID, nums []uint32) (err error) {
	return s.deleteChunks(ctx, "sub_chunks", list, nums)
}

func (s *Store) deleteChunks(
	ctx context.Context,
	table string,
	list sbstore.ListID,
	nums []uint32,
) (err error) {
	return s.withTx(ctx, func(tx *sql.Tx) (txErr error) {
		for _, n := range nums {
			if _, txErr = tx.ExecContext(
				ctx, `DELETE FROM `+table+` WHERE list = ? AND chunk_num = ?`, string(list), n,
			); txErr != nil {
				return txErr
			}
		}

		return nil
	})
}

// ResetList implements the sbstore.Store interface.
func (s *Store) ResetList(ctx context.Context, list sbstore.ListID) (err error) {
	return s.withTx(ctx, func(tx *sql.Tx) (txErr error) {
		for _, q := range []string{
			`DELETE FROM add_chunks WHERE list = ?`,
			`DELETE FROM sub_chunks WHERE list = ?`,
			`DELETE FROM full_hashes WHERE list = ?`,
			`DELETE FROM update_cursors WHERE list = ?`,
		} {
			if _, txErr = tx.ExecContext(ctx, q, string(list)); txErr != nil {
				return txErr
			}
		}

		return nil
	})
}

// AddRowsByHostKey implements the sbstore.Store interface.
func (s *Store) AddRowsByHostKey(
	ctx context.Context,
	hostKey sbstore.HostKey,
) (out []sbstore.AddRow, err error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT list, chunk_num, prefix FROM add_chunks WHERE host_key = ? ORDER BY seq`,
		hostKey[:],
	)
	if err != nil {
		return nil, fmt.Errorf("querying add rows: %w", err)
	}
	defer func() { err = errors.WithDeferred(err, rows.Close()) }()

	for rows.Next() {
		var list string
		var num uint32
		var prefix []byte
		if err = rows.Scan(&list, &num, &prefix); err != nil {
			return nil, fmt.Errorf("scanning add row: %w", err)
		}

		out = append(out, sbstore.AddRow{
			List:     sbstore.ListID(list),
			ChunkNum: num,
			HostKey:  hostKey,
			Prefix:   sbstore.Prefix(prefix),
		})
	}

	return out, rows.Err()
}

// SubRowsByHostKey implements the sbstore.Store interface.
func (s *Store) SubRowsByHostKey(
	ctx context.Context,
	hostKey sbstore.HostKey,
) (out []sbstore.SubRow, err error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT list, chunk_num, add_chunk_num, prefix FROM sub_chunks
			WHERE host_key = ? ORDER BY seq`,
		hostKey[:],
	)
	if err != nil {
		return nil, fmt.Errorf("querying sub rows: %w", err)
	}
	defer func() { err = errors.WithDeferred(err, rows.Close()) }()

	for rows.Next() {
		var list string
		var num, addNum uint32
		var prefix []byte
		if err = rows.Scan(&list, &num, &addNum, &prefix); err != nil {
			return nil, fmt.Errorf("scanning sub row: %w", err)
		}

		out = append(out, sbstore.SubRow{
			List:        sbstore.ListID(list),
			ChunkNum:    num,
			HostKey:     hostKey,
			AddChunkNum: addNum,
			Prefix:      sbstore.Prefix(prefix),
		})
	}

	return out, rows.Err()
}

// FullHashes implements the sbstore.Store interface.
func (s *Store) FullHashes(
	ctx context.Context,
	list sbstore.ListID,
	chunkNum uint32,
	since time.Time,
) (hashes [][32]byte, err error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT hash FROM full_hashes WHERE list = ? AND chunk_num = ? AND ts_unix >= ?`,
		string(list), chunkNum, since.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("querying full hashes: %w", err)
	}
	defer func() { err = errors.WithDeferred(err, rows.Close()) }()

	for rows.Next() {
		var b []byte
		if err = rows.Scan(&b); err != nil {
			return nil, fmt.Errorf("scanning full hash: %w", err)
		}

		if len(b) != 32 {
			return nil, fmt.Errorf("full hash of length %d in storage", len(b))
		}

		var h [32]byte
		copy(h[:], b)
		hashes = append(hashes, h)
	}

	return hashes, rows.Err()
}

// AddFullHashes implements the sbstore.Store interface.
func (s *Store) AddFullHashes(
	ctx context.Context,
	rows []sbstore.FullHashRow,
	now time.Time,
) (err error) {
	return s.withTx(ctx, func(tx *sql.Tx) (txErr error) {
		stmt, txErr := tx.PrepareContext(
			ctx,
			`INSERT INTO full_hashes (list, chunk_num, hash, ts_unix) VALUES (?, ?, ?, ?)
				ON CONFLICT(chunk_num, hash, list) DO UPDATE SET ts_unix = excluded.ts_unix`,
		)
		if txErr != nil {
			return txErr
		}
		defer func() { txErr = errors.WithDeferred(txErr, stmt.Close()) }()

		for _, r := range rows {
			if _, txErr = stmt.ExecContext(
				ctx, string(r.List), r.ChunkNum, r.Hash[:], now.Unix(),
			); txErr != nil {
				return txErr
			}
		}

		return nil
	})
}

// DeleteFullHashes implements the sbstore.Store interface.
func (s *Store) DeleteFullHashes(ctx context.Context, list sbstore.ListID, nums []uint32) (err error) {
	return s.withTx(ctx, func(tx *sql.Tx) (txErr error) {
		for _, n := range nums {
			if _, txErr = tx.ExecContext(
				ctx, `DELETE FROM full_hashes WHERE list = ? AND chunk_num = ?`, string(list), n,
			); txErr != nil {
				return txErr
			}
		}

		return nil
	})
}

// LastUpdate implements the sbstore.Store interface.
func (s *Store) LastUpdate(ctx context.Context, list sbstore.ListID) (st sbstore.UpdateStatus, err error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT time_unix, wait_seconds, errors FROM update_cursors WHERE list = ?`,
		string(list),
	)

	var timeUnix, waitSeconds int64
	err = row.Scan(&timeUnix, &waitSeconds, &st.Errors)
	if errors.Is(err, sql.ErrNoRows) {
		return sbstore.UpdateStatus{Wait: sbstore.DefaultUpdateWait}, nil
	} else if err != nil {
		return sbstore.UpdateStatus{}, fmt.Errorf("reading update cursor: %w", err)
	}

	st.Time = time.Unix(timeUnix, 0)
	st.Wait = time.Duration(waitSeconds) * time.Second

	return st, nil
}

func (s *Store) writeCursor(
	ctx context.Context,
	list sbstore.ListID,
	now time.Time,
	wait time.Duration,
	errNum int,
) (err error) {
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO update_cursors (list, time_unix, wait_seconds, errors) VALUES (?, ?, ?, ?)
			ON CONFLICT(list) DO UPDATE SET
				time_unix = excluded.time_unix,
				wait_seconds = excluded.wait_seconds,
				errors = excluded.errors`,
		string(list), now.Unix(), int64(wait/time.Second), errNum,
	)
	if err != nil {
		return fmt.Errorf("writing update cursor: %w", err)
	}

	return nil
}

// RecordUpdate implements the sbstore.Store interface.
func (s *Store) RecordUpdate(
	ctx context.Context,
	list sbstore.ListID,
	now time.Time,
	wait time.Duration,
) (err error) {
	return s.writeCursor(ctx, list, now, wait, 0)
}

// RecordUpdateError implements the sbstore.Store interface.
func (s *Store) RecordUpdateError(
	ctx context.Context,
	list sbstore.ListID,
	now time.Time,
	wait time.Duration,
	errNum int,
) (err error) {
	return s.writeCursor(ctx, list, now, wait, errNum)
}

// FullHashErrorState implements the sbstore.Store interface.
func (s *Store) FullHashErrorState(
	ctx context.Context,
	prefix sbstore.Prefix,
) (st sbstore.FullHashErrorState, found bool, err error) {
	row := s.db.QueryRowContext(
		ctx, `SELECT errors, ts_unix FROM full_hash_errors WHERE prefix = ?`, []byte(prefix),
	)

	var tsUnix int64
	err = row.Scan(&st.Errors, &tsUnix)
	if errors.Is(err, sql.ErrNoRows) {
		return sbstore.FullHashErrorState{}, false, nil
	} else if err != nil {
		return sbstore.FullHashErrorState{}, false, fmt.Errorf("reading full-hash error: %w", err)
	}

	st.Time = time.Unix(tsUnix, 0)

	return st, true, nil
}

// RecordFullHashError implements the sbstore.Store interface.
func (s *Store) RecordFullHashError(
	ctx context.Context,
	prefix sbstore.Prefix,
	now time.Time,
) (err error) {
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO full_hash_errors (prefix, errors, ts_unix) VALUES (?, 1, ?)
			ON CONFLICT(prefix) DO UPDATE SET
				errors = full_hash_errors.errors + 1,
				ts_unix = excluded.ts_unix`,
		[]byte(prefix), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("recording full-hash error: %w", err)
	}

	return nil
}

// FullHashOk implements the sbstore.Store interface. Per spec.md §9's open
// question about the original back-end both zeroing and deleting the error
// row, the delete path is taken.
func (s *Store) FullHashOk(ctx context.Context, prefix sbstore.Prefix) (err error) {
	_, err = s.db.ExecContext(
		ctx, `DELETE FROM full_hash_errors WHERE prefix = ?`, []byte(prefix),
	)
	if err != nil {
		return fmt.Errorf("clearing full-hash error: %w", err)
	}

	return nil
}

// MacKey implements the sbstore.Store interface.
func (s *Store) MacKey(ctx context.Context) (clientKey, wrappedKey []byte, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT client_key, wrapped_key FROM mac_key WHERE id = 1`)

	err = row.Scan(&clientKey, &wrappedKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, false, nil
	} else if err != nil {
		return nil, nil, false, fmt.Errorf("reading mac key: %w", err)
	}

	return clientKey, wrappedKey, true, nil
}

// SetMacKey implements the sbstore.Store interface.
func (s *Store) SetMacKey(ctx context.Context, clientKey, wrappedKey []byte) (err error) {
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO mac_key (id, client_key, wrapped_key) VALUES (1, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				client_key = excluded.client_key,
				wrapped_key = excluded.wrapped_key`,
		clientKey, wrappedKey,
	)
	if err != nil {
		return fmt.Errorf("storing mac key: %w", err)
	}

	return nil
}

// ClearMacKey implements the sbstore.Store interface.
func (s *Store) ClearMacKey(ctx context.Context) (err error) {
	_, err = s.db.ExecContext(ctx, `DELETE FROM mac_key WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("clearing mac key: %w", err)
	}

	return nil
}

// Close implements the sbstore.Store interface.
func (s *Store) Close() (err error) {
	stale := time.Now().Add(-sbstore.FullHashTTL)
	_, err = s.db.Exec(`DELETE FROM full_hashes WHERE ts_unix < ?`, stale.Unix())
	if err != nil {
		_ = s.db.Close()

		return fmt.Errorf("evicting stale full hashes: %w", err)
	}

	return s.db.Close()
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	if err = fn(tx); err != nil {
		_ = tx.Rollback()

		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}
