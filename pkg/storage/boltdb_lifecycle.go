package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/destinylab/destiny/pkg/types"
)

// Import operations

func (s *BoltStore) CreateImportRecord(rec *types.ImportRecord) error {
	return s.putJSON(bucketImportRecords, rec.ID, rec)
}

func (s *BoltStore) GetImportRecord(id string) (*types.ImportRecord, error) {
	var rec types.ImportRecord
	if err := s.getJSON(bucketImportRecords, id, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) CreateImportBatch(batch *types.ImportBatch) error {
	return s.putJSON(bucketImportBatches, batch.ID, batch)
}

func (s *BoltStore) GetImportBatch(id string) (*types.ImportBatch, error) {
	var batch types.ImportBatch
	if err := s.getJSON(bucketImportBatches, id, &batch); err != nil {
		return nil, err
	}
	return &batch, nil
}

func (s *BoltStore) UpdateImportBatch(batch *types.ImportBatch) error {
	return s.putJSON(bucketImportBatches, batch.ID, batch)
}

// PutImportResult writes the terminal result of one line. Writes are keyed by
// (batch, line) so redelivered import tasks overwrite rather than duplicate.
func (s *BoltStore) PutImportResult(res *types.ImportResult) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(res)
		if err != nil {
			return err
		}
		var line [8]byte
		binary.BigEndian.PutUint64(line[:], uint64(res.LineNo))
		key := compositeKey([]byte(res.BatchID), line[:])
		return tx.Bucket(bucketImportResults).Put(key, data)
	})
}

func (s *BoltStore) ListImportResults(batchID string) ([]*types.ImportResult, error) {
	var results []*types.ImportResult
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketImportResults).Cursor()
		prefix := compositeKey([]byte(batchID), nil)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var res types.ImportResult
			if err := json.Unmarshal(v, &res); err != nil {
				return err
			}
			results = append(results, &res)
		}
		return nil
	})
	return results, err
}

// Robot operations

func (s *BoltStore) CreateRobot(robot *types.Robot) error {
	return s.putJSON(bucketRobots, robot.ID, robot)
}

func (s *BoltStore) GetRobot(id string) (*types.Robot, error) {
	var robot types.Robot
	if err := s.getJSON(bucketRobots, id, &robot); err != nil {
		return nil, err
	}
	return &robot, nil
}

func (s *BoltStore) GetRobotByName(name string) (*types.Robot, error) {
	var found *types.Robot
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRobots).ForEach(func(k, v []byte) error {
			var robot types.Robot
			if err := json.Unmarshal(v, &robot); err != nil {
				return err
			}
			if robot.Name == name {
				found = &robot
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("robot %s: %w", name, ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) ListRobots() ([]*types.Robot, error) {
	var robots []*types.Robot
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRobots).ForEach(func(k, v []byte) error {
			var robot types.Robot
			if err := json.Unmarshal(v, &robot); err != nil {
				return err
			}
			robots = append(robots, &robot)
			return nil
		})
	})
	return robots, err
}

func (s *BoltStore) UpdateRobot(robot *types.Robot) error {
	return s.putJSON(bucketRobots, robot.ID, robot)
}

func (s *BoltStore) CreateAutomation(a *types.RobotAutomation) error {
	return s.putJSON(bucketAutomations, a.ID, a)
}

func (s *BoltStore) GetAutomation(id string) (*types.RobotAutomation, error) {
	var a types.RobotAutomation
	if err := s.getJSON(bucketAutomations, id, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *BoltStore) ListAutomations() ([]*types.RobotAutomation, error) {
	var automations []*types.RobotAutomation
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAutomations).ForEach(func(k, v []byte) error {
			var a types.RobotAutomation
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			automations = append(automations, &a)
			return nil
		})
	})
	return automations, err
}

// Enhancement request operations

func (s *BoltStore) CreateEnhancementRequest(req *types.EnhancementRequest) error {
	return s.putJSON(bucketRequests, req.ID, req)
}

func (s *BoltStore) GetEnhancementRequest(id string) (*types.EnhancementRequest, error) {
	var req types.EnhancementRequest
	if err := s.getJSON(bucketRequests, id, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (s *BoltStore) UpdateEnhancementRequest(req *types.EnhancementRequest) error {
	return s.putJSON(bucketRequests, req.ID, req)
}

func (s *BoltStore) ListOpenRequestsByRobot(robotID string) ([]*types.EnhancementRequest, error) {
	var requests []*types.EnhancementRequest
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRequests).ForEach(func(k, v []byte) error {
			var req types.EnhancementRequest
			if err := json.Unmarshal(v, &req); err != nil {
				return err
			}
			if req.RobotID == robotID && !req.Status.Terminal() {
				requests = append(requests, &req)
			}
			return nil
		})
	})
	return requests, err
}

func (s *BoltStore) CreateRobotBatch(batch *types.RobotEnhancementBatch) error {
	return s.putJSON(bucketRobotBatches, batch.ID, batch)
}

func (s *BoltStore) GetRobotBatch(id string) (*types.RobotEnhancementBatch, error) {
	var batch types.RobotEnhancementBatch
	if err := s.getJSON(bucketRobotBatches, id, &batch); err != nil {
		return nil, err
	}
	return &batch, nil
}

func (s *BoltStore) UpdateRobotBatch(batch *types.RobotEnhancementBatch) error {
	return s.putJSON(bucketRobotBatches, batch.ID, batch)
}

func (s *BoltStore) ListBatchesByRequest(requestID string) ([]*types.RobotEnhancementBatch, error) {
	return s.filterBatches(func(b *types.RobotEnhancementBatch) bool {
		return b.RequestID == requestID
	})
}

func (s *BoltStore) ListPendingBatches() ([]*types.RobotEnhancementBatch, error) {
	return s.filterBatches(func(b *types.RobotEnhancementBatch) bool {
		return b.Status == types.BatchPending
	})
}

func (s *BoltStore) filterBatches(keep func(*types.RobotEnhancementBatch) bool) ([]*types.RobotEnhancementBatch, error) {
	var batches []*types.RobotEnhancementBatch
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRobotBatches).ForEach(func(k, v []byte) error {
			var batch types.RobotEnhancementBatch
			if err := json.Unmarshal(v, &batch); err != nil {
				return err
			}
			if keep(&batch) {
				batches = append(batches, &batch)
			}
			return nil
		})
	})
	return batches, err
}

// Projection operations

func (s *BoltStore) PutProjection(p *types.DeduplicatedReferenceProjection) error {
	return s.putJSON(bucketProjections, p.CanonicalID, p)
}

func (s *BoltStore) GetProjection(canonicalID string) (*types.DeduplicatedReferenceProjection, error) {
	var p types.DeduplicatedReferenceProjection
	if err := s.getJSON(bucketProjections, canonicalID, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) DeleteProjection(canonicalID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProjections).Delete([]byte(canonicalID))
	})
}

func (s *BoltStore) ListProjections() ([]*types.DeduplicatedReferenceProjection, error) {
	var projections []*types.DeduplicatedReferenceProjection
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProjections).ForEach(func(k, v []byte) error {
			var p types.DeduplicatedReferenceProjection
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			projections = append(projections, &p)
			return nil
		})
	})
	return projections, err
}

// Helpers

func (s *BoltStore) putJSON(bucket []byte, key string, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *BoltStore) getJSON(bucket []byte, key string, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%s %s: %w", bucket, key, ErrNotFound)
		}
		return json.Unmarshal(data, v)
	})
}
