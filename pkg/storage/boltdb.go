package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/destinylab/destiny/pkg/types"
)

var (
	// Bucket names
	bucketReferences     = []byte("references")
	bucketIdentifiers    = []byte("identifiers")     // tuple -> identifier row
	bucketRefIdentifiers = []byte("ref_identifiers") // refID \x00 tuple -> identifier row
	bucketEnhancements   = []byte("enhancements")    // refID \x00 seq -> enhancement
	bucketActiveDecision = []byte("active_decisions")
	bucketDecisionLog    = []byte("decision_log") // refID \x00 seq -> decision as inserted
	bucketCanonicalIndex = []byte("canonical_index")
	bucketImportRecords  = []byte("import_records")
	bucketImportBatches  = []byte("import_batches")
	bucketImportResults  = []byte("import_results") // batchID \x00 lineNo -> result
	bucketRobots         = []byte("robots")
	bucketAutomations    = []byte("automations")
	bucketRequests       = []byte("enhancement_requests")
	bucketRobotBatches   = []byte("robot_batches")
	bucketProjections    = []byte("projections")
)

// BoltStore implements Store using bbolt. Update transactions are serialized
// by the single writer, which is what makes the identifier collision check
// and decision promotion atomic check-and-inserts.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new bbolt-backed store under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "destiny.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketReferences,
			bucketIdentifiers,
			bucketRefIdentifiers,
			bucketEnhancements,
			bucketActiveDecision,
			bucketDecisionLog,
			bucketCanonicalIndex,
			bucketImportRecords,
			bucketImportBatches,
			bucketImportResults,
			bucketRobots,
			bucketAutomations,
			bucketRequests,
			bucketRobotBatches,
			bucketProjections,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func compositeKey(parts ...[]byte) []byte {
	return bytes.Join(parts, []byte{0})
}

func seqKey(prefix string, seq uint64) []byte {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], seq)
	return compositeKey([]byte(prefix), n[:])
}

// Reference operations

func (s *BoltStore) CreateReference(ref *types.Reference) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReferences)
		data, err := json.Marshal(ref)
		if err != nil {
			return err
		}
		return b.Put([]byte(ref.ID), data)
	})
}

// CreateReferenceWithIdentifiers inserts a reference and its identifiers in
// one write transaction. On an identifier collision nothing is committed, so
// the losing side of a concurrent insert leaves no orphaned reference behind.
func (s *BoltStore) CreateReferenceWithIdentifiers(ref *types.Reference, ids []types.ExternalIdentifier) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(ref)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketReferences).Put([]byte(ref.ID), data); err != nil {
			return err
		}
		return upsertIdentifiersTx(tx, ref.ID, ids)
	})
}

func (s *BoltStore) GetReference(id string) (*types.Reference, error) {
	var ref types.Reference
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketReferences).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("reference %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &ref)
	})
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

func (s *BoltStore) UpdateReferenceVisibility(id string, v types.Visibility) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReferences)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("reference %s: %w", id, ErrNotFound)
		}
		var ref types.Reference
		if err := json.Unmarshal(data, &ref); err != nil {
			return err
		}
		ref.Visibility = v
		ref.UpdatedAt = time.Now().UTC()
		out, err := json.Marshal(&ref)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
}

func (s *BoltStore) ListReferences() ([]*types.Reference, error) {
	var refs []*types.Reference
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReferences).ForEach(func(k, v []byte) error {
			var ref types.Reference
			if err := json.Unmarshal(v, &ref); err != nil {
				return err
			}
			refs = append(refs, &ref)
			return nil
		})
	})
	return refs, err
}

// Identifier operations

// UpsertIdentifiers inserts the identifiers for a reference. The collision
// check and the inserts run in one write transaction: either every tuple is
// free (or already owned by the reference) and all are inserted, or nothing
// is written and the conflicting rows are returned.
func (s *BoltStore) UpsertIdentifiers(referenceID string, ids []types.ExternalIdentifier) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return upsertIdentifiersTx(tx, referenceID, ids)
	})
}

func upsertIdentifiersTx(tx *bolt.Tx, referenceID string, ids []types.ExternalIdentifier) error {
	global := tx.Bucket(bucketIdentifiers)
	byRef := tx.Bucket(bucketRefIdentifiers)

	var conflicts []types.ExternalIdentifier
	for _, id := range ids {
		if data := global.Get([]byte(id.Tuple())); data != nil {
			var existing types.ExternalIdentifier
			if err := json.Unmarshal(data, &existing); err != nil {
				return err
			}
			if existing.ReferenceID != referenceID {
				conflicts = append(conflicts, existing)
			}
		}
	}
	if len(conflicts) > 0 {
		return &IdentifierCollisionError{Conflicting: conflicts}
	}

	for _, id := range ids {
		id.ReferenceID = referenceID
		data, err := json.Marshal(id)
		if err != nil {
			return err
		}
		if err := global.Put([]byte(id.Tuple()), data); err != nil {
			return err
		}
		if err := byRef.Put(compositeKey([]byte(referenceID), []byte(id.Tuple())), data); err != nil {
			return err
		}
	}
	return nil
}

func (s *BoltStore) ListIdentifiers(referenceID string) ([]types.ExternalIdentifier, error) {
	var ids []types.ExternalIdentifier
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRefIdentifiers).Cursor()
		prefix := compositeKey([]byte(referenceID), nil)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var id types.ExternalIdentifier
			if err := json.Unmarshal(v, &id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	return ids, err
}

func (s *BoltStore) FindReferencesByIdentifiers(ids []types.ExternalIdentifier) ([]IdentifierMatch, error) {
	var matches []IdentifierMatch
	err := s.db.View(func(tx *bolt.Tx) error {
		global := tx.Bucket(bucketIdentifiers)
		for _, id := range ids {
			data := global.Get([]byte(id.Tuple()))
			if data == nil {
				continue
			}
			var existing types.ExternalIdentifier
			if err := json.Unmarshal(data, &existing); err != nil {
				return err
			}
			active, err := readActiveDecision(tx, existing.ReferenceID)
			if err != nil {
				return err
			}
			matches = append(matches, IdentifierMatch{Identifier: existing, ActiveDecision: active})
		}
		return nil
	})
	return matches, err
}

// Enhancement operations

func (s *BoltStore) AddEnhancements(referenceID string, enhs []types.Enhancement) error {
	if len(enhs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEnhancements)
		for _, enh := range enhs {
			enh.ReferenceID = referenceID
			if enh.CreatedAt.IsZero() {
				enh.CreatedAt = now
			}
			if enh.UpdatedAt.IsZero() {
				enh.UpdatedAt = now
			}
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			data, err := json.Marshal(enh)
			if err != nil {
				return err
			}
			if err := b.Put(seqKey(referenceID, seq), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) ListEnhancements(referenceID string) ([]types.Enhancement, error) {
	var enhs []types.Enhancement
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEnhancements).Cursor()
		prefix := compositeKey([]byte(referenceID), nil)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var enh types.Enhancement
			if err := json.Unmarshal(v, &enh); err != nil {
				return err
			}
			enhs = append(enhs, enh)
		}
		return nil
	})
	return enhs, err
}

// Decision operations

func readActiveDecision(tx *bolt.Tx, referenceID string) (*types.ReferenceDuplicateDecision, error) {
	data := tx.Bucket(bucketActiveDecision).Get([]byte(referenceID))
	if data == nil {
		return nil, nil
	}
	var d types.ReferenceDuplicateDecision
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *BoltStore) GetActiveDecision(referenceID string) (*types.ReferenceDuplicateDecision, error) {
	var d *types.ReferenceDuplicateDecision
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		d, err = readActiveDecision(tx, referenceID)
		return err
	})
	return d, err
}

// PromoteDecision atomically deactivates the current active decision for the
// reference and installs d as the new one. The caller passes the version it
// read; if the history advanced in between, ErrDecisionStale is returned and
// nothing is written. Promotions that would break the star property fail with
// DecisionGraphError.
func (s *BoltStore) PromoteDecision(d *types.ReferenceDuplicateDecision, expectedVersion uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		active, err := readActiveDecision(tx, d.ReferenceID)
		if err != nil {
			return err
		}
		var current uint64
		if active != nil {
			current = active.Version
		}
		if current != expectedVersion {
			return fmt.Errorf("reference %s at version %d, expected %d: %w",
				d.ReferenceID, current, expectedVersion, ErrDecisionStale)
		}

		if d.Determination.PointsToCanonical() {
			if d.CanonicalReferenceID == "" {
				return &DecisionGraphError{ReferenceID: d.ReferenceID, Reason: "duplicate decision without canonical"}
			}
			if d.CanonicalReferenceID == d.ReferenceID {
				return &DecisionGraphError{ReferenceID: d.ReferenceID, Reason: "reference cannot duplicate itself"}
			}
			target, err := readActiveDecision(tx, d.CanonicalReferenceID)
			if err != nil {
				return err
			}
			if target == nil || target.Determination != types.DeterminationCanonical {
				return &DecisionGraphError{
					ReferenceID: d.ReferenceID,
					Reason:      fmt.Sprintf("canonical %s is not an active canonical", d.CanonicalReferenceID),
				}
			}
		} else if d.CanonicalReferenceID != "" {
			return &DecisionGraphError{ReferenceID: d.ReferenceID, Reason: "canonical id set on non-duplicate determination"}
		}

		// Demoting a canonical that still has duplicates pointing at it
		// would create a chain.
		if active != nil && active.Determination == types.DeterminationCanonical &&
			d.Determination != types.DeterminationCanonical {
			dups, err := listDuplicatesOf(tx, d.ReferenceID)
			if err != nil {
				return err
			}
			if len(dups) > 0 {
				return &DecisionGraphError{
					ReferenceID: d.ReferenceID,
					Reason:      fmt.Sprintf("%d duplicates still point at this canonical", len(dups)),
				}
			}
		}

		canonIdx := tx.Bucket(bucketCanonicalIndex)
		if active != nil && active.Determination.PointsToCanonical() {
			key := compositeKey([]byte(active.CanonicalReferenceID), []byte(d.ReferenceID))
			if err := canonIdx.Delete(key); err != nil {
				return err
			}
		}

		if d.ID == "" {
			d.ID = uuid.New().String()
		}
		if d.CreatedAt.IsZero() {
			d.CreatedAt = time.Now().UTC()
		}
		d.Active = true
		d.Version = current + 1

		data, err := json.Marshal(d)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketActiveDecision).Put([]byte(d.ReferenceID), data); err != nil {
			return err
		}

		logBucket := tx.Bucket(bucketDecisionLog)
		seq, err := logBucket.NextSequence()
		if err != nil {
			return err
		}
		if err := logBucket.Put(seqKey(d.ReferenceID, seq), data); err != nil {
			return err
		}

		if d.Determination.PointsToCanonical() {
			key := compositeKey([]byte(d.CanonicalReferenceID), []byte(d.ReferenceID))
			if err := canonIdx.Put(key, []byte{}); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListDecisionHistory returns the decision log for a reference in insertion
// order. Only the newest entry can be active.
func (s *BoltStore) ListDecisionHistory(referenceID string) ([]*types.ReferenceDuplicateDecision, error) {
	var history []*types.ReferenceDuplicateDecision
	err := s.db.View(func(tx *bolt.Tx) error {
		active, err := readActiveDecision(tx, referenceID)
		if err != nil {
			return err
		}
		c := tx.Bucket(bucketDecisionLog).Cursor()
		prefix := compositeKey([]byte(referenceID), nil)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var d types.ReferenceDuplicateDecision
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			d.Active = active != nil && active.ID == d.ID
			history = append(history, &d)
		}
		return nil
	})
	return history, err
}

func listDuplicatesOf(tx *bolt.Tx, canonicalID string) ([]string, error) {
	var ids []string
	c := tx.Bucket(bucketCanonicalIndex).Cursor()
	prefix := compositeKey([]byte(canonicalID), nil)
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		ids = append(ids, string(k[len(prefix):]))
	}
	return ids, nil
}

func (s *BoltStore) ListDuplicatesOf(canonicalID string) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		ids, err = listDuplicatesOf(tx, canonicalID)
		return err
	})
	return ids, err
}
