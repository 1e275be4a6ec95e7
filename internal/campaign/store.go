package campaign

import (
	"context"
	"time"
)

// Store persists campaigns and their recipient rows. Implementations wrap
// backend failures with StoreError and return ErrNotFound for missing
// records.
type Store interface {
	// CreateCampaign inserts c and assigns c.ID
	CreateCampaign(ctx context.Context, c *Campaign) error
	UpdateCampaign(ctx context.Context, c *Campaign) error
	GetCampaign(ctx context.Context, id uint64) (*Campaign, error)
	// ListCampaigns returns campaigns newest first
	ListCampaigns(ctx context.Context, filter ListFilter) ([]*Campaign, error)

	// SaveStatus inserts the row for (CampaignID, Index)
	SaveStatus(ctx context.Context, row *EmailStatus) error
	GetStatus(ctx context.Context, campaignID uint64, index int) (*EmailStatus, error)
	// ListStatuses returns rows in recipient order
	ListStatuses(ctx context.Context, campaignID uint64, offset, limit int) ([]*EmailStatus, error)
	// RecordEvent applies kind to one row; the first timestamp wins
	RecordEvent(ctx context.Context, campaignID uint64, index int, kind EventKind, at time.Time) (*EmailStatus, error)

	// DeleteBefore removes terminal campaigns created before cutoff, with their rows
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}
