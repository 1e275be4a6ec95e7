// Package bolt is the default campaign store, on a single bbolt file.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/foxzi/mailcast/internal/campaign"
)

var (
	bucketCampaigns = []byte("campaigns")
	// statuses holds one nested bucket per campaign, keyed by recipient index
	bucketStatuses = []byte("statuses")
)

// Store implements campaign.Store using bbolt
type Store struct {
	db *bbolt.DB
}

var _ campaign.Store = (*Store)(nil)

// Open opens or creates the database at path
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketCampaigns, bucketStatuses} {
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

	return &Store{db: db}, nil
}

// CreateCampaign stores c under the next sequence number
func (s *Store) CreateCampaign(ctx context.Context, c *campaign.Campaign) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCampaigns)
		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		c.ID = id
		return putJSON(b, itob(id), c)
	})
	if err != nil {
		return campaign.StoreError("create campaign", err)
	}
	return nil
}

// UpdateCampaign overwrites an existing campaign
func (s *Store) UpdateCampaign(ctx context.Context, c *campaign.Campaign) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCampaigns)
		if b.Get(itob(c.ID)) == nil {
			return campaign.ErrNotFound
		}
		return putJSON(b, itob(c.ID), c)
	})
	return wrap("update campaign", err)
}

// GetCampaign retrieves a campaign by ID
func (s *Store) GetCampaign(ctx context.Context, id uint64) (*campaign.Campaign, error) {
	var c *campaign.Campaign

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketCampaigns).Get(itob(id))
		if data == nil {
			return campaign.ErrNotFound
		}
		c = &campaign.Campaign{}
		return json.Unmarshal(data, c)
	})
	if err != nil {
		return nil, wrap("get campaign", err)
	}
	return c, nil
}

// ListCampaigns returns campaigns newest first
func (s *Store) ListCampaigns(ctx context.Context, filter campaign.ListFilter) ([]*campaign.Campaign, error) {
	var list []*campaign.Campaign

	err := s.db.View(func(tx *bbolt.Tx) error {
		cur := tx.Bucket(bucketCampaigns).Cursor()
		skipped := 0

		for k, v := cur.Last(); k != nil; k, v = cur.Prev() {
			var c campaign.Campaign
			if err := json.Unmarshal(v, &c); err != nil {
				continue
			}
			if filter.Status != "" && c.Status != filter.Status {
				continue
			}
			if skipped < filter.Offset {
				skipped++
				continue
			}
			list = append(list, &c)
			if filter.Limit > 0 && len(list) >= filter.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrap("list campaigns", err)
	}
	return list, nil
}

// SaveStatus stores the row for (CampaignID, Index)
func (s *Store) SaveStatus(ctx context.Context, row *campaign.EmailStatus) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(bucketStatuses).CreateBucketIfNotExists(itob(row.CampaignID))
		if err != nil {
			return err
		}
		return putJSON(b, itob(uint64(row.Index)), row)
	})
	return wrap("save status", err)
}

// GetStatus retrieves one recipient row
func (s *Store) GetStatus(ctx context.Context, campaignID uint64, index int) (*campaign.EmailStatus, error) {
	var row *campaign.EmailStatus

	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		row, err = getStatus(tx, campaignID, index)
		return err
	})
	if err != nil {
		return nil, wrap("get status", err)
	}
	return row, nil
}

// ListStatuses returns rows in recipient order
func (s *Store) ListStatuses(ctx context.Context, campaignID uint64, offset, limit int) ([]*campaign.EmailStatus, error) {
	rows := []*campaign.EmailStatus{}

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketStatuses).Bucket(itob(campaignID))
		if b == nil {
			return nil
		}

		cur := b.Cursor()
		skipped := 0
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			if skipped < offset {
				skipped++
				continue
			}
			var row campaign.EmailStatus
			if err := json.Unmarshal(v, &row); err != nil {
				return fmt.Errorf("failed to decode status %d: %w", binary.BigEndian.Uint64(k), err)
			}
			rows = append(rows, &row)
			if limit > 0 && len(rows) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrap("list statuses", err)
	}
	return rows, nil
}

// RecordEvent applies kind to one row inside a single write transaction
func (s *Store) RecordEvent(ctx context.Context, campaignID uint64, index int, kind campaign.EventKind, at time.Time) (*campaign.EmailStatus, error) {
	var row *campaign.EmailStatus

	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		row, err = getStatus(tx, campaignID, index)
		if err != nil {
			return err
		}
		changed, err := campaign.ApplyEvent(row, kind, at)
		if err != nil || !changed {
			return err
		}
		b := tx.Bucket(bucketStatuses).Bucket(itob(campaignID))
		return putJSON(b, itob(uint64(index)), row)
	})
	if err != nil {
		return nil, wrap("record event", err)
	}
	return row, nil
}

// DeleteBefore removes terminal campaigns created before cutoff
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	deleted := 0

	err := s.db.Update(func(tx *bbolt.Tx) error {
		campaigns := tx.Bucket(bucketCampaigns)
		statuses := tx.Bucket(bucketStatuses)

		var expired [][]byte
		cur := campaigns.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var c campaign.Campaign
			if err := json.Unmarshal(v, &c); err != nil {
				continue
			}
			if c.Status.Terminal() && c.CreatedAt.Before(cutoff) {
				expired = append(expired, append([]byte(nil), k...))
			}
		}

		for _, k := range expired {
			if err := campaigns.Delete(k); err != nil {
				return err
			}
			if statuses.Bucket(k) != nil {
				if err := statuses.DeleteBucket(k); err != nil {
					return err
				}
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, campaign.StoreError("delete campaigns", err)
	}
	return deleted, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database, shared with the rate limiter
func (s *Store) DB() *bbolt.DB {
	return s.db
}

func getStatus(tx *bbolt.Tx, campaignID uint64, index int) (*campaign.EmailStatus, error) {
	if index < 0 {
		return nil, campaign.ErrNotFound
	}
	b := tx.Bucket(bucketStatuses).Bucket(itob(campaignID))
	if b == nil {
		return nil, campaign.ErrNotFound
	}
	data := b.Get(itob(uint64(index)))
	if data == nil {
		return nil, campaign.ErrNotFound
	}

	row := &campaign.EmailStatus{}
	if err := json.Unmarshal(data, row); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return row, nil
}

func putJSON(b *bbolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}
	return b.Put(key, data)
}

func wrap(op string, err error) error {
	if err == nil || errors.Is(err, campaign.ErrNotFound) || errors.Is(err, campaign.ErrRecipientFailed) {
		return err
	}
	return campaign.StoreError(op, err)
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
