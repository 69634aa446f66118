package store

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreObjectDedup(t *testing.T) {
	s := newTestStore(t)
	data := []byte("hello world")

	r1, err := s.StoreObject(data, TypeBlob, CompressionZlib)
	if err != nil {
		t.Fatalf("StoreObject: %v", err)
	}
	if !r1.New {
		t.Fatalf("first store should be new")
	}

	r2, err := s.StoreObject(data, TypeBlob, CompressionZlib)
	if err != nil {
		t.Fatalf("StoreObject (dup): %v", err)
	}
	if r2.New {
		t.Fatalf("second store of identical content should not be new")
	}
	if r1.Hash != r2.Hash {
		t.Fatalf("hash changed across identical stores: %s != %s", r1.Hash, r2.Hash)
	}
}

func TestStoreObjectZlibRoundTrip(t *testing.T) {
	s := newTestStore(t)
	data := bytes.Repeat([]byte("abcdefgh"), 500)

	r, err := s.StoreObject(data, TypeBlob, CompressionZlib)
	if err != nil {
		t.Fatalf("StoreObject: %v", err)
	}

	obj, err := s.GetObject(r.Hash)
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	if !bytes.Equal(obj.Data, data) {
		t.Fatalf("round-tripped data mismatch")
	}
	if obj.Type != TypeBlob {
		t.Fatalf("Type = %s, want blob", obj.Type)
	}
}

func TestGetObjectNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetObject("0000000000000000000000000000000000000000000000000000000000000000"[:64])
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetObject error = %v, want ErrNotFound", err)
	}
}

func TestGetObjectInvalidHash(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetObject("not-a-hash")
	if !errors.Is(err, ErrInvalidHash) {
		t.Fatalf("GetObject error = %v, want ErrInvalidHash", err)
	}
}

func TestStoreBlobWithDeltaNoBase(t *testing.T) {
	s := newTestStore(t)
	decision, err := s.StoreBlobWithDelta([]byte("first version"), "")
	if err != nil {
		t.Fatalf("StoreBlobWithDelta: %v", err)
	}
	if decision.UsedDelta {
		t.Fatalf("expected full storage with no base")
	}
	if decision.Reason != ReasonNoBase {
		t.Fatalf("Reason = %s, want %s", decision.Reason, ReasonNoBase)
	}
}

func TestStoreBlobWithDeltaBaseNotFound(t *testing.T) {
	s := newTestStore(t)
	missingBase := "1111111111111111111111111111111111111111111111111111111111111111"[:64]

	decision, err := s.StoreBlobWithDelta([]byte("some content"), missingBase)
	if err != nil {
		t.Fatalf("StoreBlobWithDelta: %v", err)
	}
	if decision.UsedDelta {
		t.Fatalf("expected fallback to full storage")
	}
	if decision.Reason != ReasonBaseNotFound {
		t.Fatalf("Reason = %s, want %s", decision.Reason, ReasonBaseNotFound)
	}
}

func TestStoreBlobWithDeltaAlreadyExists(t *testing.T) {
	s := newTestStore(t)
	data := []byte("duplicate content")

	if _, err := s.StoreObject(data, TypeBlob, CompressionZlib); err != nil {
		t.Fatalf("StoreObject: %v", err)
	}

	decision, err := s.StoreBlobWithDelta(data, "")
	if err != nil {
		t.Fatalf("StoreBlobWithDelta: %v", err)
	}
	if decision.Reason != ReasonAlreadyExists {
		t.Fatalf("Reason = %s, want %s", decision.Reason, ReasonAlreadyExists)
	}
}

func makeVersion(base []byte, changeAt int, changeTo byte) []byte {
	out := make([]byte, len(base))
	copy(out, base)
	if changeAt < len(out) {
		out[changeAt] = changeTo
	}
	return out
}

func TestDeltaChainReconstruction(t *testing.T) {
	s := newTestStore(t)

	v1 := bytes.Repeat([]byte{7}, 4096)
	v2 := makeVersion(v1, 1000, 1)
	v3 := makeVersion(v2, 2000, 2)

	r1, err := s.StoreObject(v1, TypeBlob, CompressionZlib)
	if err != nil {
		t.Fatalf("store v1: %v", err)
	}

	d2, err := s.StoreBlobWithDelta(v2, r1.Hash)
	if err != nil {
		t.Fatalf("store v2: %v", err)
	}
	if !d2.UsedDelta {
		t.Fatalf("expected v2 to be stored as a delta against v1, reason=%s", d2.Reason)
	}

	d3, err := s.StoreBlobWithDelta(v3, d2.Hash)
	if err != nil {
		t.Fatalf("store v3: %v", err)
	}
	if !d3.UsedDelta {
		t.Fatalf("expected v3 to be stored as a delta against v2, reason=%s", d3.Reason)
	}

	obj, err := s.GetObject(d3.Hash)
	if err != nil {
		t.Fatalf("GetObject(v3): %v", err)
	}
	if !bytes.Equal(obj.Data, v3) {
		t.Fatalf("reconstructed v3 does not match original")
	}

	isDelta, err := s.IsDelta(d3.Hash)
	if err != nil {
		t.Fatalf("IsDelta: %v", err)
	}
	if !isDelta {
		t.Fatalf("expected v3's row to be a delta")
	}
}

func TestValidateDeltaChainCycleDetection(t *testing.T) {
	s := newTestStore(t)

	// Hand-construct a delta object whose base_hash points back at itself,
	// something the public API can never produce but the validator must
	// still reject defensively.
	self := "2222222222222222222222222222222222222222222222222222222222222222"[:64]
	now := time.Now().UnixNano()
	if _, err := s.db.Exec(
		`INSERT INTO objects (hash, type, size, data, compression, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		self, string(TypeDelta), 10, []byte{}, string(CompressionDelta), now,
	); err != nil {
		t.Fatalf("seed object: %v", err)
	}
	if _, err := s.db.Exec(
		`INSERT INTO deltas (hash, base_hash, delta_data, original_size, delta_size, compression_ratio, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		self, self, []byte{1, 2, 3}, 10, 3, 0.3, now,
	); err != nil {
		t.Fatalf("seed delta: %v", err)
	}

	if err := s.ValidateDeltaChain(self, DefaultMaxChainDepth); !errors.Is(err, ErrChainCycle) {
		t.Fatalf("ValidateDeltaChain error = %v, want ErrChainCycle", err)
	}
}

func TestValidateDeltaChainTooDeep(t *testing.T) {
	s := newTestStore(t)

	base := bytes.Repeat([]byte{3}, 4096)
	r, err := s.StoreObject(base, TypeBlob, CompressionZlib)
	if err != nil {
		t.Fatalf("store base: %v", err)
	}

	cur := r.Hash
	data := base
	for i := 0; i < 3; i++ {
		data = makeVersion(data, 100+i, byte(i+10))
		d, err := s.StoreBlobWithDelta(data, cur)
		if err != nil {
			t.Fatalf("store chain link %d: %v", i, err)
		}
		cur = d.Hash
	}

	if err := s.ValidateDeltaChain(cur, 1); !errors.Is(err, ErrChainTooDeep) {
		t.Fatalf("ValidateDeltaChain error = %v, want ErrChainTooDeep", err)
	}
	if err := s.ValidateDeltaChain(cur, DefaultMaxChainDepth); err != nil {
		t.Fatalf("ValidateDeltaChain with default depth: %v", err)
	}
}

func TestTransactNestedSavepointRollback(t *testing.T) {
	s := newTestStore(t)

	outerData := []byte("outer commit survives")
	innerErr := errors.New("inner failure")

	err := s.Transact(func(q Queryer) error {
		if _, err := q.Exec(
			`INSERT INTO metadata (key, value) VALUES (?, ?)`, "outer", string(outerData),
		); err != nil {
			return err
		}

		nestedErr := s.Transact(func(q Queryer) error {
			if _, err := q.Exec(
				`INSERT INTO metadata (key, value) VALUES (?, ?)`, "inner", "should not survive",
			); err != nil {
				return err
			}
			return innerErr
		})
		if !errors.Is(nestedErr, innerErr) {
			t.Fatalf("nested Transact error = %v, want %v", nestedErr, innerErr)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("outer Transact: %v", err)
	}

	if _, err := s.GetMetadata("outer"); err != nil {
		t.Fatalf("outer write should have survived: %v", err)
	}
	if _, err := s.GetMetadata("inner"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("inner write should have rolled back, GetMetadata error = %v", err)
	}
}

func TestRefsCRUD(t *testing.T) {
	s := newTestStore(t)
	h := "3333333333333333333333333333333333333333333333333333333333333333"[:64]

	if err := s.SetRef("refs/heads/main", h, "branch"); err != nil {
		t.Fatalf("SetRef: %v", err)
	}

	r, err := s.GetRef("refs/heads/main")
	if err != nil {
		t.Fatalf("GetRef: %v", err)
	}
	if r.Hash != h {
		t.Fatalf("GetRef hash = %s, want %s", r.Hash, h)
	}

	refs, err := s.ListRefs("refs/heads/")
	if err != nil {
		t.Fatalf("ListRefs: %v", err)
	}
	if len(refs) != 1 {
		t.Fatalf("ListRefs returned %d refs, want 1", len(refs))
	}

	if err := s.RemoveRef("refs/heads/main"); err != nil {
		t.Fatalf("RemoveRef: %v", err)
	}
	if _, err := s.GetRef("refs/heads/main"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetRef after remove error = %v, want ErrNotFound", err)
	}
}

func TestRefsInvalidName(t *testing.T) {
	s := newTestStore(t)
	h := "4444444444444444444444444444444444444444444444444444444444444444"[:64]
	if err := s.SetRef("main", h, "branch"); !errors.Is(err, ErrInvalidRef) {
		t.Fatalf("SetRef error = %v, want ErrInvalidRef", err)
	}
	if err := s.SetRef("refs/heads/a/b", h, "branch"); !errors.Is(err, ErrInvalidRef) {
		t.Fatalf("SetRef with nested leaf error = %v, want ErrInvalidRef", err)
	}
}

func TestMetadataCRUD(t *testing.T) {
	s := newTestStore(t)
	if err := s.SetMetadata("author.name", "Ada"); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	v, err := s.GetMetadata("author.name")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if v != "Ada" {
		t.Fatalf("GetMetadata = %s, want Ada", v)
	}
	if err := s.SetMetadata("author.name", "Grace"); err != nil {
		t.Fatalf("SetMetadata update: %v", err)
	}
	v, _ = s.GetMetadata("author.name")
	if v != "Grace" {
		t.Fatalf("GetMetadata after update = %s, want Grace", v)
	}
	if err := s.DeleteMetadata("author.name"); err != nil {
		t.Fatalf("DeleteMetadata: %v", err)
	}
	if _, err := s.GetMetadata("author.name"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetMetadata after delete error = %v, want ErrNotFound", err)
	}
}

func TestRawRowRoundTripBetweenStores(t *testing.T) {
	src := newTestStore(t)
	dst := newTestStore(t)

	data := bytes.Repeat([]byte("payload"), 100)
	r, err := src.StoreObject(data, TypeBlob, CompressionZlib)
	if err != nil {
		t.Fatalf("StoreObject: %v", err)
	}

	raw, compression, typ, size, err := src.RawRow(r.Hash)
	if err != nil {
		t.Fatalf("RawRow: %v", err)
	}

	inserted, err := dst.PutRawRow(r.Hash, typ, size, raw, compression)
	if err != nil {
		t.Fatalf("PutRawRow: %v", err)
	}
	if !inserted {
		t.Fatalf("expected fresh insert into destination store")
	}

	obj, err := dst.GetObject(r.Hash)
	if err != nil {
		t.Fatalf("GetObject on destination: %v", err)
	}
	if !bytes.Equal(obj.Data, data) {
		t.Fatalf("destination object data mismatch after raw row copy")
	}

	inserted, err = dst.PutRawRow(r.Hash, typ, size, raw, compression)
	if err != nil {
		t.Fatalf("PutRawRow (dup): %v", err)
	}
	if inserted {
		t.Fatalf("duplicate PutRawRow should have been skipped")
	}
}

func TestCheckHeaderRejectsGarbage(t *testing.T) {
	if err := CheckHeader([]byte("not a sqlite file")); !errors.Is(err, ErrBadFormat) {
		t.Fatalf("CheckHeader error = %v, want ErrBadFormat", err)
	}
}
