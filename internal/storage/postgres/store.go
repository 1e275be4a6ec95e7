// Package postgres is the campaign store for deployments that share one
// PostgreSQL database between several instances.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/foxzi/mailcast/internal/campaign"
)

//go:embed migrations/*.sql
var migrations embed.FS

const migrationTable = "mailcast_migrations"

const statusColumns = `campaign_id, idx, email, subject, credential, message_id, provider_id,
	sent, delivered, opened, clicked, replied, failed, failure_kind, failure_reason,
	sent_at, delivered_at, opened_at, clicked_at, replied_at, failed_at`

// Store implements campaign.Store on a pgx pool
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ campaign.Store = (*Store)(nil)

// Open connects to dsn, retrying a few times, and applies migrations
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	logger = logger.With("component", "postgres")

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}

	var pool *pgxpool.Pool
	for attempt := 1; ; attempt++ {
		pool, err = connect(ctx, cfg)
		if err == nil {
			break
		}
		if attempt == 3 {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		logger.Warn("postgres not ready, retrying", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to connect to postgres: %w", ctx.Err())
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}

	s := &Store{pool: pool, logger: logger}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func connect(ctx context.Context, cfg *pgxpool.Config) (*pgxpool.Pool, error) {
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func (s *Store) migrate(ctx context.Context) error {
	// shares the pool's connections, so it is not closed here
	db := stdlib.OpenDBFromPool(s.pool)

	goose.SetBaseFS(migrations)
	goose.SetLogger(&gooseLogger{s.logger})
	goose.SetTableName(migrationTable)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

type gooseLogger struct {
	log *slog.Logger
}

func (g *gooseLogger) Printf(format string, args ...any) {
	g.log.Info(fmt.Sprintf(format, args...))
}

func (g *gooseLogger) Fatalf(format string, args ...any) {
	g.log.Error(fmt.Sprintf(format, args...))
}

// CreateCampaign inserts c and assigns c.ID from the sequence
func (s *Store) CreateCampaign(ctx context.Context, c *campaign.Campaign) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO campaigns (status, created_at, data) VALUES ($1, $2, '{}') RETURNING id`,
			c.Status, c.CreatedAt,
		).Scan(&c.ID)
		if err != nil {
			return err
		}

		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal campaign: %w", err)
		}
		_, err = tx.Exec(ctx, `UPDATE campaigns SET data = $2 WHERE id = $1`, c.ID, data)
		return err
	})
	if err != nil {
		return campaign.StoreError("create campaign", err)
	}
	return nil
}

// UpdateCampaign overwrites an existing campaign
func (s *Store) UpdateCampaign(ctx context.Context, c *campaign.Campaign) error {
	data, err := json.Marshal(c)
	if err != nil {
		return campaign.StoreError("update campaign", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE campaigns SET status = $2, created_at = $3, data = $4 WHERE id = $1`,
		c.ID, c.Status, c.CreatedAt, data,
	)
	if err != nil {
		return campaign.StoreError("update campaign", err)
	}
	if tag.RowsAffected() == 0 {
		return campaign.ErrNotFound
	}
	return nil
}

// GetCampaign retrieves a campaign by ID
func (s *Store) GetCampaign(ctx context.Context, id uint64) (*campaign.Campaign, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM campaigns WHERE id = $1`, id).Scan(&data)
	if err != nil {
		return nil, wrap("get campaign", err)
	}

	c := &campaign.Campaign{}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, campaign.StoreError("decode campaign", err)
	}
	return c, nil
}

// ListCampaigns returns campaigns newest first
func (s *Store) ListCampaigns(ctx context.Context, filter campaign.ListFilter) ([]*campaign.Campaign, error) {
	var limit any
	if filter.Limit > 0 {
		limit = filter.Limit
	}

	rows, err := s.pool.Query(ctx,
		`SELECT data FROM campaigns
		WHERE ($1 = '' OR status = $1)
		ORDER BY id DESC
		LIMIT $2 OFFSET $3`,
		string(filter.Status), limit, filter.Offset,
	)
	if err != nil {
		return nil, campaign.StoreError("list campaigns", err)
	}

	list, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*campaign.Campaign, error) {
		var data []byte
		if err := row.Scan(&data); err != nil {
			return nil, err
		}
		c := &campaign.Campaign{}
		return c, json.Unmarshal(data, c)
	})
	if err != nil {
		return nil, campaign.StoreError("list campaigns", err)
	}
	return list, nil
}

// SaveStatus inserts or replaces the row for (CampaignID, Index)
func (s *Store) SaveStatus(ctx context.Context, row *campaign.EmailStatus) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO email_statuses (`+statusColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		ON CONFLICT (campaign_id, idx) DO UPDATE SET
			email = EXCLUDED.email,
			subject = EXCLUDED.subject,
			credential = EXCLUDED.credential,
			message_id = EXCLUDED.message_id,
			provider_id = EXCLUDED.provider_id,
			sent = EXCLUDED.sent,
			delivered = EXCLUDED.delivered,
			opened = EXCLUDED.opened,
			clicked = EXCLUDED.clicked,
			replied = EXCLUDED.replied,
			failed = EXCLUDED.failed,
			failure_kind = EXCLUDED.failure_kind,
			failure_reason = EXCLUDED.failure_reason,
			sent_at = EXCLUDED.sent_at,
			delivered_at = EXCLUDED.delivered_at,
			opened_at = EXCLUDED.opened_at,
			clicked_at = EXCLUDED.clicked_at,
			replied_at = EXCLUDED.replied_at,
			failed_at = EXCLUDED.failed_at`,
		row.CampaignID, row.Index, row.Email, row.Subject, row.Credential, row.MessageID, row.ProviderID,
		row.Sent, row.Delivered, row.Opened, row.Clicked, row.Replied, row.Failed, row.FailureKind, row.FailureReason,
		row.SentAt, row.DeliveredAt, row.OpenedAt, row.ClickedAt, row.RepliedAt, row.FailedAt,
	)
	if err != nil {
		return campaign.StoreError("save status", err)
	}
	return nil
}

// GetStatus retrieves one recipient row
func (s *Store) GetStatus(ctx context.Context, campaignID uint64, index int) (*campaign.EmailStatus, error) {
	row, err := scanStatus(s.pool.QueryRow(ctx,
		`SELECT `+statusColumns+` FROM email_statuses WHERE campaign_id = $1 AND idx = $2`,
		campaignID, index,
	))
	if err != nil {
		return nil, wrap("get status", err)
	}
	return row, nil
}

// ListStatuses returns rows in recipient order
func (s *Store) ListStatuses(ctx context.Context, campaignID uint64, offset, limit int) ([]*campaign.EmailStatus, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+statusColumns+` FROM email_statuses
		WHERE campaign_id = $1
		ORDER BY idx
		LIMIT $2 OFFSET $3`,
		campaignID, lim, offset,
	)
	if err != nil {
		return nil, campaign.StoreError("list statuses", err)
	}

	list, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*campaign.EmailStatus, error) {
		return scanStatus(row)
	})
	if err != nil {
		return nil, campaign.StoreError("list statuses", err)
	}
	if list == nil {
		list = []*campaign.EmailStatus{}
	}
	return list, nil
}

// event columns, flag then timestamp
var eventColumns = map[campaign.EventKind][2]string{
	campaign.EventDelivered: {"delivered", "delivered_at"},
	campaign.EventOpened:    {"opened", "opened_at"},
	campaign.EventClicked:   {"clicked", "clicked_at"},
	campaign.EventReplied:   {"replied", "replied_at"},
}

// RecordEvent sets the event flag in one statement; an existing timestamp
// is kept
func (s *Store) RecordEvent(ctx context.Context, campaignID uint64, index int, kind campaign.EventKind, at time.Time) (*campaign.EmailStatus, error) {
	cols, ok := eventColumns[kind]
	if !ok {
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}

	query := fmt.Sprintf(
		`UPDATE email_statuses SET %[1]s = TRUE, %[2]s = COALESCE(%[2]s, $3)
		WHERE campaign_id = $1 AND idx = $2 AND NOT failed
		RETURNING `+statusColumns,
		cols[0], cols[1],
	)
	row, err := scanStatus(s.pool.QueryRow(ctx, query, campaignID, index, at))
	if errors.Is(err, pgx.ErrNoRows) {
		// no row, or a failed one
		existing, getErr := s.GetStatus(ctx, campaignID, index)
		if getErr != nil {
			return nil, getErr
		}
		if existing.Failed {
			return nil, campaign.ErrRecipientFailed
		}
	}
	if err != nil {
		return nil, wrap("record event", err)
	}
	return row, nil
}

// DeleteBefore removes terminal campaigns created before cutoff; rows
// cascade
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM campaigns WHERE status IN ($1, $2) AND created_at < $3`,
		campaign.StatusCompleted, campaign.StatusFailed, cutoff,
	)
	if err != nil {
		return 0, campaign.StoreError("delete campaigns", err)
	}
	return int(tag.RowsAffected()), nil
}

// Close closes the pool
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Pool returns the underlying connection pool
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func scanStatus(row pgx.Row) (*campaign.EmailStatus, error) {
	r := &campaign.EmailStatus{}
	err := row.Scan(
		&r.CampaignID, &r.Index, &r.Email, &r.Subject, &r.Credential, &r.MessageID, &r.ProviderID,
		&r.Sent, &r.Delivered, &r.Opened, &r.Clicked, &r.Replied, &r.Failed, &r.FailureKind, &r.FailureReason,
		&r.SentAt, &r.DeliveredAt, &r.OpenedAt, &r.ClickedAt, &r.RepliedAt, &r.FailedAt,
	)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func wrap(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return campaign.ErrNotFound
	}
	return campaign.StoreError(op, err)
}
