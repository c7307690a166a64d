package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketParameters  = []byte("parameters")
	bucketConnections = []byte("connections")
	bucketMeters      = []byte("meters")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketParameters, bucketConnections, bucketMeters} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func paramKey(deviceID, name string) []byte {
	return []byte(deviceID + "/" + name)
}

func (s *BoltStore) SaveParameter(p *Parameter) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketParameters)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketParameters)
		}
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put(paramKey(p.DeviceID, p.Name), data)
	})
}

func (s *BoltStore) GetParameter(deviceID, name string) (*Parameter, error) {
	var p Parameter
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketParameters)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketParameters)
		}
		data := b.Get(paramKey(deviceID, name))
		if data == nil {
			return fmt.Errorf("parameter %s/%s: %w", deviceID, name, ErrNotFound)
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) ListParameters(deviceID string) ([]*Parameter, error) {
	prefix := []byte(deviceID + "/")
	var params []*Parameter
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketParameters)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var p Parameter
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			params = append(params, &p)
		}
		return nil
	})
	return params, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

func (s *BoltStore) UpdateConnectionState(deviceID string, fn func(cs *ConnectionState) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConnections)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketConnections)
		}
		cs := ConnectionState{DeviceID: deviceID}
		if data := b.Get([]byte(deviceID)); data != nil {
			if err := json.Unmarshal(data, &cs); err != nil {
				return err
			}
		}
		if err := fn(&cs); err != nil {
			return err
		}
		cs.DeviceID = deviceID
		data, err := json.Marshal(&cs)
		if err != nil {
			return err
		}
		return b.Put([]byte(deviceID), data)
	})
}

func (s *BoltStore) GetConnectionState(deviceID string) (*ConnectionState, error) {
	var cs ConnectionState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConnections)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketConnections)
		}
		data := b.Get([]byte(deviceID))
		if data == nil {
			return fmt.Errorf("connection state %s: %w", deviceID, ErrNotFound)
		}
		return json.Unmarshal(data, &cs)
	})
	if err != nil {
		return nil, err
	}
	return &cs, nil
}

func (s *BoltStore) ListConnectionStates() ([]*ConnectionState, error) {
	var states []*ConnectionState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConnections)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var cs ConnectionState
			if err := json.Unmarshal(v, &cs); err != nil {
				return err
			}
			states = append(states, &cs)
			return nil
		})
	})
	return states, err
}

// meterBucketKey names the per-(device, category, index) sub-bucket.
func meterBucketKey(deviceID, category string, index int) []byte {
	return []byte(deviceID + "/" + category + "/" + strconv.Itoa(index))
}

func (s *BoltStore) AppendMeterReading(r *MeterReading, keep int) error {
	if keep < 1 {
		keep = 1
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		parent := tx.Bucket(bucketMeters)
		if parent == nil {
			return fmt.Errorf("bucket %q not found", bucketMeters)
		}
		b, err := parent.CreateBucketIfNotExists(meterBucketKey(r.DeviceID, r.Category, r.Index))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if err := b.Put(key, data); err != nil {
			return err
		}
		// Sequence keys are monotonic, so the cursor's first keys are the
		// oldest samples. Trim down to the retention bound.
		count := 0
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			count++
		}
		excess := count - keep
		for k, _ := c.First(); k != nil && excess > 0; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
			excess--
		}
		return nil
	})
}

func (s *BoltStore) RecentMeterReadings(deviceID, category string, index, limit int) ([]*MeterReading, error) {
	var readings []*MeterReading
	err := s.db.View(func(tx *bolt.Tx) error {
		parent := tx.Bucket(bucketMeters)
		if parent == nil {
			return nil
		}
		b := parent.Bucket(meterBucketKey(deviceID, category, index))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(readings) >= limit {
				break
			}
			var r MeterReading
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			readings = append(readings, &r)
		}
		return nil
	})
	return readings, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
