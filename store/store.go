// Package store implements the content-addressed object store: hashed
// objects, their optional delta-compressed representation, named refs, and
// free-form metadata, all persisted in a single SQLite database file (or an
// in-memory instance opened with path ":memory:").
package store

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/ricardodeazambuja/webdvcs/delta"
	"github.com/ricardodeazambuja/webdvcs/hash"
)

// ObjectType discriminates the four object kinds the store is aware of.
type ObjectType string

const (
	TypeBlob   ObjectType = "blob"
	TypeTree   ObjectType = "tree"
	TypeCommit ObjectType = "commit"
	TypeDelta  ObjectType = "delta"
)

// Compression names how an object's on-disk bytes relate to its logical
// payload.
type Compression string

const (
	CompressionNone  Compression = "none"
	CompressionZlib  Compression = "zlib"
	CompressionDelta Compression = "delta"
)

// DefaultMaxChainDepth is the default bound on delta-chain reconstruction
// depth (spec.md §4.3's validate_delta_chain default).
const DefaultMaxChainDepth = 10

// Errors naming the taxonomy kinds from spec.md §7 that this package can
// produce. Higher-level packages add their own sentinels for concerns this
// package doesn't know about (e.g. transfer.ErrBranchNotFound).
var (
	ErrNotFound         = errors.New("store: not found")
	ErrInvalidHash      = errors.New("store: malformed hash")
	ErrInvalidRef       = errors.New("store: malformed ref name")
	ErrDeltaBaseMissing = errors.New("store: delta base object missing")
	ErrChainCycle       = errors.New("store: circular delta chain")
	ErrChainTooDeep     = errors.New("store: delta chain exceeds maximum depth")
	ErrBadFormat        = errors.New("store: invalid database header")
)

// Object is a fully reconstructed, ready-to-use object: Data always holds
// the original uncompressed payload, regardless of how it is stored.
type Object struct {
	Hash        string
	Type        ObjectType
	Size        int
	Data        []byte
	Compression Compression
	CreatedAt   time.Time
}

// StoreResult reports whether StoreObject actually inserted a new row.
type StoreResult struct {
	Hash string
	New  bool
}

// DeltaDecision reports how StoreBlobWithDelta chose to persist a payload.
type DeltaDecision struct {
	Hash             string
	UsedDelta        bool
	Reason           string
	CompressionRatio float64
}

// Reason codes returned in DeltaDecision.Reason. These are success signals,
// not errors (spec.md §7: "the storage layer may report a reason code ...
// as a successful-fallback signal rather than an error").
const (
	ReasonAlreadyExists     = "already_exists"
	ReasonNoBase            = "no_base"
	ReasonBaseNotFound      = "base_not_found"
	ReasonStoredDelta       = "stored_delta"
	ReasonDeltaNotBeneficial = "delta_not_beneficial"
)

// Ref is a named, mutable pointer at an object hash.
type Ref struct {
	Name      string
	Hash      string
	Type      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Queryer is the subset of *sql.DB / *sql.Tx this package needs, letting
// every method run either standalone or inside a caller-supplied
// transaction.
type Queryer interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Store is the object store. It owns all persisted rows; callers hold only
// hashes and ref names (value semantics).
type Store struct {
	db            *sql.DB
	logger        zerolog.Logger
	maxChainDepth int

	mu    sync.Mutex
	tx    *sql.Tx
	depth int
}

// Open opens or creates a store at path. Passing ":memory:" produces an
// ephemeral in-memory instance.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	dsn := path
	if path == ":memory:" {
		dsn = "file::memory:?_busy_timeout=5000"
	} else {
		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if path == ":memory:" {
		// Each connection gets its own private in-memory database, so the
		// pool is held to one connection for the life of this Store.
		db.SetMaxOpenConns(1)
	}

	s := &Store{
		db:            db,
		logger:        logger.With().Str("component", "object-store").Logger(),
		maxChainDepth: DefaultMaxChainDepth,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Checkpoint forces a full WAL checkpoint, flushing all committed pages
// into the main database file. Branch export relies on this before reading
// a temporary store's file back as bytes.
func (s *Store) Checkpoint() error {
	_, err := s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`)
	return err
}

// SetMaxChainDepth overrides the default delta-chain depth bound used by
// GetObject's reconstruction path.
func (s *Store) SetMaxChainDepth(depth int) {
	s.maxChainDepth = depth
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS objects (
		hash TEXT PRIMARY KEY CHECK(length(hash) = 64),
		type TEXT NOT NULL,
		size INTEGER NOT NULL,
		data BLOB,
		compression TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_objects_type ON objects(type);
	CREATE INDEX IF NOT EXISTS idx_objects_created ON objects(created_at);

	CREATE TABLE IF NOT EXISTS refs (
		name TEXT PRIMARY KEY,
		hash TEXT NOT NULL,
		type TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_refs_updated ON refs(updated_at);

	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT
	);

	CREATE TABLE IF NOT EXISTS deltas (
		hash TEXT PRIMARY KEY,
		base_hash TEXT NOT NULL,
		delta_data BLOB NOT NULL,
		original_size INTEGER NOT NULL,
		delta_size INTEGER NOT NULL,
		compression_ratio REAL NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_deltas_base ON deltas(base_hash);
	`
	_, err := s.db.Exec(schema)
	return err
}

// q returns the active transaction if one is open, otherwise the raw DB
// handle. The core assumes single-threaded cooperative use (spec.md §5),
// so tracking "the" active transaction on the Store is sufficient.
func (s *Store) q() Queryer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Transact runs fn inside a single write transaction with all-or-nothing
// semantics. Calling Transact again while one is already open for this
// Store nests via a SAVEPOINT that shares the outer commit boundary,
// matching spec.md §5's nested-transaction requirement.
func (s *Store) Transact(fn func(Queryer) error) error {
	s.mu.Lock()
	if s.tx != nil {
		tx := s.tx
		s.depth++
		sp := fmt.Sprintf("sp_%d", s.depth)
		s.mu.Unlock()

		if _, err := tx.Exec("SAVEPOINT " + sp); err != nil {
			return fmt.Errorf("store: savepoint: %w", err)
		}
		if err := fn(tx); err != nil {
			tx.Exec("ROLLBACK TO SAVEPOINT " + sp)
			s.mu.Lock()
			s.depth--
			s.mu.Unlock()
			return err
		}
		if _, err := tx.Exec("RELEASE SAVEPOINT " + sp); err != nil {
			return fmt.Errorf("store: release savepoint: %w", err)
		}
		s.mu.Lock()
		s.depth--
		s.mu.Unlock()
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	s.tx = tx
	s.depth = 1
	s.mu.Unlock()

	err = fn(tx)

	s.mu.Lock()
	s.tx = nil
	s.depth = 0
	s.mu.Unlock()

	if err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func validateHash(h string) error {
	if len(h) != 64 {
		return ErrInvalidHash
	}
	for _, c := range h {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return ErrInvalidHash
		}
	}
	return nil
}

func validateRefName(name string) error {
	var leaf string
	switch {
	case strings.HasPrefix(name, "refs/heads/"):
		leaf = strings.TrimPrefix(name, "refs/heads/")
	case strings.HasPrefix(name, "refs/tags/"):
		leaf = strings.TrimPrefix(name, "refs/tags/")
	default:
		return ErrInvalidRef
	}
	if leaf == "" || strings.Contains(leaf, "/") {
		return ErrInvalidRef
	}
	return nil
}

func zlibCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func zlibDecompress(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// StoreObject hashes data, and either confirms it already exists or
// persists it (raw or zlib-compressed per compression) and returns the new
// row's hash.
func (s *Store) StoreObject(data []byte, typ ObjectType, compression Compression) (StoreResult, error) {
	h := hash.Hash(data)

	var result StoreResult
	err := s.Transact(func(q Queryer) error {
		exists, err := objectExists(q, h)
		if err != nil {
			return err
		}
		if exists {
			result = StoreResult{Hash: h, New: false}
			return nil
		}

		stored := data
		if compression == CompressionZlib {
			compressed, err := zlibCompress(data)
			if err != nil {
				return fmt.Errorf("store: compress: %w", err)
			}
			stored = compressed
		}

		_, err = q.Exec(
			`INSERT OR IGNORE INTO objects (hash, type, size, data, compression, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			h, string(typ), len(data), stored, string(compression), time.Now().UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("store: insert object: %w", err)
		}
		result = StoreResult{Hash: h, New: true}
		return nil
	})
	return result, err
}

func objectExists(q Queryer, h string) (bool, error) {
	var n int
	err := q.QueryRow(`SELECT 1 FROM objects WHERE hash = ?`, h).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// StoreBlobWithDelta stores data, trying a delta against baseHash when one
// is supplied and the resulting delta is worthwhile; otherwise it falls
// back to full storage. The decision is reported, never raised as an error.
func (s *Store) StoreBlobWithDelta(data []byte, baseHash string) (DeltaDecision, error) {
	h := hash.Hash(data)

	var decision DeltaDecision
	err := s.Transact(func(q Queryer) error {
		exists, err := objectExists(q, h)
		if err != nil {
			return err
		}
		if exists {
			decision = DeltaDecision{Hash: h, UsedDelta: false, Reason: ReasonAlreadyExists}
			return nil
		}

		if baseHash == "" {
			return s.storeFullLocked(q, h, data, &decision, ReasonNoBase)
		}

		baseData, err := s.getObjectDataLocked(q, baseHash)
		if errors.Is(err, ErrNotFound) {
			return s.storeFullLocked(q, h, data, &decision, ReasonBaseNotFound)
		}
		if err != nil {
			return err
		}

		d, err := delta.Create(baseData, data)
		if err != nil {
			return fmt.Errorf("store: create delta: %w", err)
		}
		serialized, err := d.Serialize()
		if err != nil {
			return fmt.Errorf("store: serialize delta: %w", err)
		}

		if !delta.Worthwhile(len(serialized), len(data)) {
			return s.storeFullLocked(q, h, data, &decision, ReasonDeltaNotBeneficial)
		}

		ratio := float64(len(serialized)) / float64(len(data))
		now := time.Now().UnixNano()
		if _, err := q.Exec(
			`INSERT OR IGNORE INTO objects (hash, type, size, data, compression, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			h, string(TypeDelta), len(data), []byte{}, string(CompressionDelta), now,
		); err != nil {
			return fmt.Errorf("store: insert delta placeholder: %w", err)
		}
		if _, err := q.Exec(
			`INSERT OR IGNORE INTO deltas (hash, base_hash, delta_data, original_size, delta_size, compression_ratio, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			h, baseHash, serialized, len(data), len(serialized), ratio, now,
		); err != nil {
			return fmt.Errorf("store: insert delta row: %w", err)
		}

		decision = DeltaDecision{Hash: h, UsedDelta: true, Reason: ReasonStoredDelta, CompressionRatio: ratio}
		return nil
	})
	return decision, err
}

func (s *Store) storeFullLocked(q Queryer, h string, data []byte, decision *DeltaDecision, reason string) error {
	compressed, err := zlibCompress(data)
	if err != nil {
		return fmt.Errorf("store: compress: %w", err)
	}
	if _, err := q.Exec(
		`INSERT OR IGNORE INTO objects (hash, type, size, data, compression, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		h, string(TypeBlob), len(data), compressed, string(CompressionZlib), time.Now().UnixNano(),
	); err != nil {
		return fmt.Errorf("store: insert object: %w", err)
	}
	*decision = DeltaDecision{Hash: h, UsedDelta: false, Reason: reason}
	return nil
}

type objectRow struct {
	hash        string
	typ         ObjectType
	size        int
	data        []byte
	compression Compression
	createdAt   int64
}

func fetchObjectRow(q Queryer, h string) (*objectRow, error) {
	var row objectRow
	var typ, compression string
	err := q.QueryRow(
		`SELECT hash, type, size, data, compression, created_at FROM objects WHERE hash = ?`, h,
	).Scan(&row.hash, &typ, &row.size, &row.data, &compression, &row.createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	row.typ = ObjectType(typ)
	row.compression = Compression(compression)
	return &row, nil
}

type deltaRow struct {
	hash             string
	baseHash         string
	deltaData        []byte
	originalSize     int
	deltaSize        int
	compressionRatio float64
}

func fetchDeltaRow(q Queryer, h string) (*deltaRow, error) {
	var row deltaRow
	err := q.QueryRow(
		`SELECT hash, base_hash, delta_data, original_size, delta_size, compression_ratio FROM deltas WHERE hash = ?`, h,
	).Scan(&row.hash, &row.baseHash, &row.deltaData, &row.originalSize, &row.deltaSize, &row.compressionRatio)
	if err == sql.ErrNoRows {
		return nil, ErrDeltaBaseMissing
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// chainLink is one delta hop collected while walking hash -> base_hash.
type chainLink struct {
	hash     string
	baseHash string
	data     []byte // serialized delta bytes
	origSize int
}

// walkChain follows hash -> base_hash until it reaches a non-delta object,
// detecting cycles and enforcing maxDepth. It returns the hops (nearest
// first) and the terminal, non-delta object row.
func walkChain(q Queryer, h string, maxDepth int) ([]chainLink, *objectRow, error) {
	visited := make(map[string]bool)
	var chain []chainLink
	cur := h

	for depth := 0; ; depth++ {
		if depth > maxDepth {
			return nil, nil, ErrChainTooDeep
		}
		if visited[cur] {
			return nil, nil, ErrChainCycle
		}
		visited[cur] = true

		obj, err := fetchObjectRow(q, cur)
		if err != nil {
			if errors.Is(err, ErrNotFound) && cur != h {
				return nil, nil, ErrDeltaBaseMissing
			}
			return nil, nil, err
		}
		if obj.compression != CompressionDelta {
			return chain, obj, nil
		}

		drow, err := fetchDeltaRow(q, cur)
		if err != nil {
			return nil, nil, err
		}
		chain = append(chain, chainLink{hash: drow.hash, baseHash: drow.baseHash, data: drow.deltaData, origSize: drow.originalSize})
		cur = drow.baseHash
	}
}

// ValidateDeltaChain walks hash -> base_hash up to maxDepth hops, failing
// on a revisited hash (cycle) or excess depth, without reconstructing any
// payload.
func (s *Store) ValidateDeltaChain(h string, maxDepth int) error {
	if err := validateHash(h); err != nil {
		return err
	}
	_, _, err := walkChain(s.q(), h, maxDepth)
	return err
}

// getObjectDataLocked returns the reconstructed payload for h using the
// supplied Queryer (so it can participate in an enclosing transaction).
func (s *Store) getObjectDataLocked(q Queryer, h string) ([]byte, error) {
	if err := validateHash(h); err != nil {
		return nil, err
	}

	chain, terminal, err := walkChain(q, h, s.maxChainDepth)
	if err != nil {
		return nil, err
	}

	payload := terminal.data
	if terminal.compression == CompressionZlib {
		payload, err = zlibDecompress(terminal.data)
		if err != nil {
			return nil, fmt.Errorf("store: decompress %s: %w", terminal.hash, err)
		}
	}

	for i := len(chain) - 1; i >= 0; i-- {
		link := chain[i]
		parsed, err := delta.Deserialize(link.data)
		if err != nil {
			return nil, fmt.Errorf("store: deserialize delta %s: %w", link.hash, err)
		}
		parsed.OriginalSize = link.origSize
		parsed.OldHash = link.baseHash
		parsed.NewHash = link.hash
		payload, err = delta.Apply(payload, parsed)
		if err != nil {
			return nil, fmt.Errorf("store: apply delta %s: %w", link.hash, err)
		}
	}

	return payload, nil
}

// GetObject resolves h to a fully reconstructed Object, recursively
// applying delta records as needed.
func (s *Store) GetObject(h string) (*Object, error) {
	if err := validateHash(h); err != nil {
		return nil, err
	}

	q := s.q()
	row, err := fetchObjectRow(q, h)
	if err != nil {
		return nil, err
	}

	data, err := s.getObjectDataLocked(q, h)
	if err != nil {
		return nil, err
	}

	return &Object{
		Hash:        h,
		Type:        row.typ,
		Size:        row.size,
		Data:        data,
		Compression: row.compression,
		CreatedAt:   time.Unix(0, row.createdAt),
	}, nil
}

// RawRow returns an object's storage-form bytes verbatim (no decompression,
// no delta reconstruction) together with its compression tag, for use by
// the branch-transfer component, which must copy rows byte-for-byte.
func (s *Store) RawRow(h string) (data []byte, compression Compression, typ ObjectType, size int, err error) {
	if err = validateHash(h); err != nil {
		return nil, "", "", 0, err
	}
	row, err := fetchObjectRow(s.q(), h)
	if err != nil {
		return nil, "", "", 0, err
	}
	return row.data, row.compression, row.typ, row.size, nil
}

// PutRawRow inserts a raw row verbatim, as produced by RawRow on another
// Store, skipping silently (insert-or-ignore) if the hash already exists.
// It reports whether a new row was inserted.
func (s *Store) PutRawRow(h string, typ ObjectType, size int, data []byte, compression Compression) (bool, error) {
	if err := validateHash(h); err != nil {
		return false, err
	}
	var inserted bool
	err := s.Transact(func(q Queryer) error {
		exists, err := objectExists(q, h)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		if _, err := q.Exec(
			`INSERT OR IGNORE INTO objects (hash, type, size, data, compression, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			h, string(typ), size, data, string(compression), time.Now().UnixNano(),
		); err != nil {
			return fmt.Errorf("store: insert raw row: %w", err)
		}
		inserted = true
		return nil
	})
	return inserted, err
}

// RawDeltaRow returns a delta record verbatim, for branch transfer.
func (s *Store) RawDeltaRow(h string) (baseHash string, deltaData []byte, originalSize, deltaSize int, ratio float64, err error) {
	row, err := fetchDeltaRow(s.q(), h)
	if err != nil {
		return "", nil, 0, 0, 0, err
	}
	return row.baseHash, row.deltaData, row.originalSize, row.deltaSize, row.compressionRatio, nil
}

// PutRawDeltaRow inserts a delta record verbatim.
func (s *Store) PutRawDeltaRow(h, baseHash string, deltaData []byte, originalSize, deltaSize int, ratio float64) error {
	return s.Transact(func(q Queryer) error {
		_, err := q.Exec(
			`INSERT OR IGNORE INTO deltas (hash, base_hash, delta_data, original_size, delta_size, compression_ratio, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			h, baseHash, deltaData, originalSize, deltaSize, ratio, time.Now().UnixNano(),
		)
		return err
	})
}

// HasObject reports whether hash h is present locally, without
// reconstructing its payload.
func (s *Store) HasObject(h string) (bool, error) {
	if err := validateHash(h); err != nil {
		return false, err
	}
	return objectExists(s.q(), h)
}

// IsDelta reports whether the row for h is stored as a delta (vs. full).
func (s *Store) IsDelta(h string) (bool, error) {
	row, err := fetchObjectRow(s.q(), h)
	if err != nil {
		return false, err
	}
	return row.compression == CompressionDelta, nil
}

// ListObjectHashes returns every object hash in the store, for branch
// export's raw-row copy and import's existence checks.
func (s *Store) ListObjectHashes() ([]string, error) {
	rows, err := s.q().Query(`SELECT hash FROM objects`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// --- Refs ---

// SetRef upserts name -> hash, preserving created_at across updates.
func (s *Store) SetRef(name, h, refType string) error {
	if err := validateRefName(name); err != nil {
		return err
	}
	if err := validateHash(h); err != nil {
		return err
	}
	now := time.Now().UnixNano()
	return s.Transact(func(q Queryer) error {
		_, err := q.Exec(
			`INSERT INTO refs (name, hash, type, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(name) DO UPDATE SET hash = excluded.hash, type = excluded.type, updated_at = excluded.updated_at`,
			name, h, refType, now, now,
		)
		return err
	})
}

// GetRef returns the ref named name, or ErrNotFound.
func (s *Store) GetRef(name string) (*Ref, error) {
	var r Ref
	var created, updated int64
	err := s.q().QueryRow(
		`SELECT name, hash, type, created_at, updated_at FROM refs WHERE name = ?`, name,
	).Scan(&r.Name, &r.Hash, &r.Type, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.CreatedAt = time.Unix(0, created)
	r.UpdatedAt = time.Unix(0, updated)
	return &r, nil
}

// RemoveRef deletes a ref.
func (s *Store) RemoveRef(name string) error {
	return s.Transact(func(q Queryer) error {
		_, err := q.Exec(`DELETE FROM refs WHERE name = ?`, name)
		return err
	})
}

// ListRefs returns every ref, optionally filtered to those whose name has
// prefix (pass "" for all refs).
func (s *Store) ListRefs(prefix string) ([]Ref, error) {
	rows, err := s.q().Query(
		`SELECT name, hash, type, created_at, updated_at FROM refs WHERE name LIKE ? ORDER BY name`,
		prefix+"%",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []Ref
	for rows.Next() {
		var r Ref
		var created, updated int64
		if err := rows.Scan(&r.Name, &r.Hash, &r.Type, &created, &updated); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(0, created)
		r.UpdatedAt = time.Unix(0, updated)
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

// --- Metadata ---

// SetMetadata upserts a metadata key/value pair. Keys are opaque to the
// store.
func (s *Store) SetMetadata(key, value string) error {
	return s.Transact(func(q Queryer) error {
		_, err := q.Exec(
			`INSERT INTO metadata (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			key, value,
		)
		return err
	})
}

// GetMetadata returns the value for key, or ("", ErrNotFound).
func (s *Store) GetMetadata(key string) (string, error) {
	var value string
	err := s.q().QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return value, err
}

// DeleteMetadata removes key, if present.
func (s *Store) DeleteMetadata(key string) error {
	return s.Transact(func(q Queryer) error {
		_, err := q.Exec(`DELETE FROM metadata WHERE key = ?`, key)
		return err
	})
}

// headerMagic is the SQLite file-format magic every on-disk database
// begins with; branch export/import checks it to validate the file.
var headerMagic = []byte("SQLite format 3\x00")

// CheckHeader verifies the first 16 bytes of a serialized database file
// match the expected SQLite magic.
func CheckHeader(data []byte) error {
	if len(data) < len(headerMagic) || !bytes.Equal(data[:len(headerMagic)], headerMagic) {
		return ErrBadFormat
	}
	return nil
}
