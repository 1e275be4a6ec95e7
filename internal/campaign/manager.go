package campaign

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/mail"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/mailcast/internal/broadcast"
	"github.com/foxzi/mailcast/internal/merge"
	"github.com/foxzi/mailcast/internal/metrics"
	"github.com/foxzi/mailcast/internal/recipient"
	"github.com/foxzi/mailcast/internal/scheduler"
	"github.com/foxzi/mailcast/internal/transport"
)

// Publisher receives progress events
type Publisher interface {
	Publish(broadcast.Event)
}

// Instrumenter rewrites a merged HTML body for open and click tracking
type Instrumenter interface {
	Instrument(html string, campaignID uint64, index int, opens, links bool) string
}

// Options configures a Manager
type Options struct {
	// NewSender builds the sender for a run, default transport.New
	NewSender func(transport.Config) (transport.Sender, error)
	// TransportOptions are passed to transport.New when NewSender is nil
	TransportOptions transport.Options

	Merge *merge.Engine
	Clock scheduler.Clock
	// Gate returns an optional quota gate for a transport
	Gate func(transport.Config) scheduler.Gate
	// MaxConcurrency bounds in-flight sends per run, default 1
	MaxConcurrency int

	Instrument Instrumenter
	// ReplyDomain enables reply+<campaign>.<index>@ReplyDomain addresses
	ReplyDomain string
	// Retention bounds how long tracking events are accepted; zero is forever
	Retention time.Duration

	Logger *slog.Logger
}

// Manager is the only writer of campaigns and their recipient rows
type Manager struct {
	store  Store
	pub    Publisher
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	pending map[uint64]*run
	active  map[uint64]*run
	wg      sync.WaitGroup
}

// run is the in-memory state of one campaign from creation to completion
type run struct {
	mu       sync.Mutex
	campaign *Campaign
	records  []recipient.Record
	config   transport.Config
	sched    *scheduler.Scheduler
	stopped  bool
	done     chan struct{}
}

type nopPublisher struct{}

func (nopPublisher) Publish(broadcast.Event) {}

// NewManager creates a manager. pub may be nil.
func NewManager(store Store, pub Publisher, opts Options) *Manager {
	if pub == nil {
		pub = nopPublisher{}
	}
	if opts.Merge == nil {
		opts.Merge = merge.NewEngine(merge.Options{})
	}
	if opts.Clock == nil {
		opts.Clock = scheduler.SystemClock{}
	}
	if opts.MaxConcurrency < 1 {
		opts.MaxConcurrency = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewSender == nil {
		topts := opts.TransportOptions
		if topts.Logger == nil {
			topts.Logger = opts.Logger
		}
		opts.NewSender = func(cfg transport.Config) (transport.Sender, error) {
			return transport.New(cfg, topts)
		}
	}

	return &Manager{
		store:   store,
		pub:     pub,
		opts:    opts,
		logger:  opts.Logger.With("component", "campaign"),
		pending: make(map[uint64]*run),
		active:  make(map[uint64]*run),
	}
}

// Create validates and persists a campaign. An invalid configuration is
// still recorded, as a failed campaign without recipient rows, and returned
// together with an error matching ErrConfigurationInvalid.
func (m *Manager) Create(ctx context.Context, req Request) (*Campaign, error) {
	now := m.opts.Clock.Now().UTC()

	c := &Campaign{
		Name:           req.Name,
		FromName:       req.FromName,
		FromEmail:      req.FromEmail,
		Transport:      transport.Spec{Config: req.Transport},
		SendSpeed:      req.SendSpeed,
		TrackOpens:     req.TrackOpens,
		TrackLinks:     req.TrackLinks,
		TrackReplies:   req.TrackReplies,
		RecipientCount: len(req.Recipients),
		Status:         StatusProcessing,
		Subjects:       req.Subjects,
		HTML:           req.HTML,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if _, ok := req.Transport.(transport.RotatingConfig); ok {
		c.RotateSMTP = true
	}
	if c.Name == "" {
		c.Name = "Campaign " + now.Format("2006-01-02 15:04")
	}

	warnings, cfgErr := m.validate(req)
	c.Warnings = warnings

	if cfgErr != nil {
		c.RecipientCount = 0
		c.finish(StatusFailed, cfgErr.Error(), now)
		if err := m.store.CreateCampaign(ctx, c); err != nil {
			return nil, err
		}
		metrics.CampaignRejected()
		m.logger.Warn("campaign rejected", "campaign_id", c.ID, "reason", cfgErr.Reason)
		m.pub.Publish(broadcast.Log(c.ID, broadcast.LogError, cfgErr.Reason))
		return c.Redacted(), cfgErr
	}

	if err := m.store.CreateCampaign(ctx, c); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.pending[c.ID] = &run{
		campaign: c.Clone(),
		records:  req.Recipients,
		config:   req.Transport,
		done:     make(chan struct{}),
	}
	m.mu.Unlock()

	m.logger.Info("campaign created",
		"campaign_id", c.ID,
		"recipients", c.RecipientCount,
		"method", c.Method(),
		"send_speed", c.SendSpeed)

	return c.Redacted(), nil
}

func (m *Manager) validate(req Request) ([]string, *ConfigError) {
	if req.Transport == nil {
		return nil, &ConfigError{Reason: "no transport configured"}
	}
	if err := req.Transport.Validate(); err != nil {
		return nil, &ConfigError{Reason: err.Error(), Err: err}
	}
	if req.SendSpeed < 1 {
		return nil, &ConfigError{Reason: "sendSpeed must be at least 1"}
	}
	if _, err := mail.ParseAddress(req.FromEmail); err != nil || recipient.ExtractDomain(req.FromEmail) == "" {
		return nil, &ConfigError{Reason: fmt.Sprintf("invalid from address %q", req.FromEmail)}
	}
	if strings.TrimSpace(req.HTML) == "" {
		return nil, &ConfigError{Reason: "email template is empty"}
	}
	if len(req.Recipients) == 0 {
		return nil, &ConfigError{Reason: "no valid recipients"}
	}

	sample := req.Recipients[0]
	var unresolved []string
	for _, tpl := range append([]string{req.HTML}, req.Subjects...) {
		unresolved = append(unresolved, m.opts.Merge.Unresolved(tpl, sample)...)
	}
	if len(unresolved) == 0 {
		return nil, nil
	}

	unresolved = dedupe(unresolved)
	if m.opts.Merge.Policy() == merge.PolicyReject {
		err := &merge.UnresolvedError{Tokens: unresolved}
		return nil, &ConfigError{Reason: err.Error(), Err: err}
	}
	warnings := make([]string, len(unresolved))
	for i, name := range unresolved {
		warnings[i] = fmt.Sprintf("variable {%s} is not defined for %s", name, sample.Email)
	}
	return warnings, nil
}

// Start runs a created campaign in the background
func (m *Manager) Start(ctx context.Context, id uint64) error {
	r, sender, err := m.prepare(ctx, id)
	if err != nil {
		return err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.execute(context.WithoutCancel(ctx), r, sender)
	}()
	return nil
}

// Run runs a created campaign in the calling goroutine. Cancelling ctx
// stops the run after in-flight sends.
func (m *Manager) Run(ctx context.Context, id uint64) (*Campaign, error) {
	r, sender, err := m.prepare(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.execute(ctx, r, sender); err != nil {
		return r.snapshot(), err
	}
	return r.snapshot(), nil
}

// Wait blocks until the run of campaign id finishes
func (m *Manager) Wait(id uint64) {
	m.mu.Lock()
	r, ok := m.active[id]
	if !ok {
		r, ok = m.pending[id]
	}
	m.mu.Unlock()
	if ok {
		<-r.done
	}
}

func (m *Manager) prepare(ctx context.Context, id uint64) (*run, transport.Sender, error) {
	m.mu.Lock()
	r, ok := m.pending[id]
	if !ok {
		_, running := m.active[id]
		m.mu.Unlock()
		if running {
			return nil, nil, ErrAlreadyStarted
		}
		if _, err := m.store.GetCampaign(ctx, id); err != nil {
			return nil, nil, err
		}
		return nil, nil, ErrAlreadyStarted
	}
	delete(m.pending, id)
	m.active[id] = r
	m.mu.Unlock()

	c := r.campaign
	fail := func(reason string, cause error) (*run, transport.Sender, error) {
		m.mu.Lock()
		delete(m.active, id)
		m.mu.Unlock()

		now := m.opts.Clock.Now().UTC()
		r.mu.Lock()
		c.finish(StatusFailed, reason, now)
		snap := c.Clone()
		r.mu.Unlock()
		close(r.done)
		if err := m.store.UpdateCampaign(ctx, snap); err != nil {
			m.logger.Error("failed to record campaign failure", "campaign_id", id, "error", err)
		}
		metrics.CampaignRejected()
		m.pub.Publish(broadcast.Log(id, broadcast.LogError, reason))
		return nil, nil, &ConfigError{Reason: reason, Err: cause}
	}

	sender, err := m.opts.NewSender(r.config)
	if err != nil {
		return fail(err.Error(), err)
	}

	var gate scheduler.Gate
	if m.opts.Gate != nil {
		gate = m.opts.Gate(r.config)
	}
	sched, err := scheduler.New(scheduler.Config{
		Rate:        c.SendSpeed,
		Concurrency: m.opts.MaxConcurrency,
		Clock:       m.opts.Clock,
		Gate:        gate,
		Logger:      m.logger.With("campaign_id", id),
	})
	if err != nil {
		return fail(err.Error(), err)
	}
	r.attach(sched)

	return r, sender, nil
}

func (m *Manager) execute(ctx context.Context, r *run, sender transport.Sender) error {
	defer func() {
		m.mu.Lock()
		delete(m.active, r.campaign.ID)
		m.mu.Unlock()
		close(r.done)
	}()

	id := r.campaign.ID
	logger := m.logger.With("campaign_id", id)

	now := m.opts.Clock.Now().UTC()
	r.mu.Lock()
	r.campaign.StartedAt = &now
	r.campaign.UpdatedAt = now
	snap := r.campaign.Clone()
	r.mu.Unlock()

	if err := m.store.UpdateCampaign(ctx, snap); err != nil {
		logger.Error("failed to mark campaign started", "error", err)
		return err
	}

	metrics.CampaignStarted()
	logger.Info("campaign run started", "recipients", snap.RecipientCount)
	m.publish(broadcast.EventRunStart, snap)

	summary, err := r.sched.Run(ctx, m.jobs(r), sender, func(res scheduler.Result) error {
		return m.report(ctx, r, res)
	})
	if err != nil {
		// outcomes can no longer be recorded; the campaign stays processing
		// until Cancel or Recover finishes it
		logger.Error("campaign run stopped", "error", err, "issued", summary.Issued)
		metrics.CampaignFinished(string(StatusProcessing))
		m.pub.Publish(broadcast.Log(id, broadcast.LogError, "Campaign stopped: "+err.Error()))
		return err
	}

	now = m.opts.Clock.Now().UTC()
	r.mu.Lock()
	r.campaign.Cancelled = summary.Cancelled
	r.campaign.finish(StatusCompleted, "", now)
	snap = r.campaign.Clone()
	r.mu.Unlock()

	if err := m.store.UpdateCampaign(context.WithoutCancel(ctx), snap); err != nil {
		logger.Error("failed to mark campaign completed", "error", err)
		return err
	}

	metrics.CampaignFinished(string(StatusCompleted))
	logger.Info("campaign run completed",
		"success", snap.Success,
		"failed", snap.Failed,
		"cancelled", snap.Cancelled)
	m.publish(broadcast.EventRunComplete, snap)
	return nil
}

// jobs merges each recipient's message as the scheduler asks for it
func (m *Manager) jobs(r *run) iter.Seq[scheduler.Job] {
	return func(yield func(scheduler.Job) bool) {
		for i, rec := range r.records {
			msg, err := m.buildMessage(r.campaign, i, rec)
			job := scheduler.Job{Index: i, Record: rec, Message: msg, Err: err}
			if !yield(job) {
				return
			}
		}
	}
}

func (m *Manager) buildMessage(c *Campaign, index int, rec recipient.Record) (*transport.Message, error) {
	mctx := merge.Context{Now: m.opts.Clock.Now(), Seed: c.ID}

	subject, subjErr := m.opts.Merge.Merge(merge.SubjectFor(c.Subjects, index), rec, mctx)
	body, bodyErr := m.opts.Merge.Merge(c.HTML, rec, mctx)

	domain := recipient.ExtractDomain(c.FromEmail)
	msg := &transport.Message{
		FromName:  c.FromName,
		FromEmail: c.FromEmail,
		To:        rec.Email,
		Subject:   subject,
		HTML:      body,
		MessageID: transport.NewMessageID(fmt.Sprintf("%d.%d.%s", c.ID, index, uuid.NewString()), domain),
		Headers: map[string]string{
			"List-Unsubscribe": "<" + m.opts.Merge.UnsubscribeLink(rec.Email) + ">",
			"X-Campaign-ID":    strconv.FormatUint(c.ID, 10),
		},
		Tags: map[string]string{"campaign": strconv.FormatUint(c.ID, 10)},
	}

	if err := errors.Join(subjErr, bodyErr); err != nil {
		return msg, err
	}

	if m.opts.Instrument != nil && (c.TrackOpens || c.TrackLinks) {
		msg.HTML = m.opts.Instrument.Instrument(msg.HTML, c.ID, index, c.TrackOpens, c.TrackLinks)
	}
	if c.TrackReplies && m.opts.ReplyDomain != "" {
		msg.ReplyTo = ReplyAddress(c.ID, index, m.opts.ReplyDomain)
	}
	return msg, nil
}

// report persists one result, then updates counters, then publishes
func (m *Manager) report(ctx context.Context, r *run, res scheduler.Result) error {
	now := m.opts.Clock.Now().UTC()
	c := r.campaign
	row := Outcome(c.ID, res.Job.Index, res.Job.Record, res.Job.Message, res.Receipt, res.Err, now)

	if res.Job.Err == nil {
		metrics.ObserveSend(c.Method(), row.FailureKind, res.Duration.Seconds())
	}

	store := context.WithoutCancel(ctx)
	if err := m.store.SaveStatus(store, row); err != nil {
		m.logger.Error("failed to save recipient status",
			"campaign_id", c.ID,
			"recipient_index", row.Index,
			"error", err)
		return err
	}

	r.mu.Lock()
	c.Sent++
	if row.Failed {
		c.Failed++
	} else {
		c.Success++
	}
	c.UpdatedAt = now
	snap := c.Clone()
	r.mu.Unlock()

	if err := m.store.UpdateCampaign(store, snap); err != nil {
		m.logger.Error("failed to update campaign counters", "campaign_id", c.ID, "error", err)
		return err
	}

	m.publish(broadcast.EventProgress, snap)
	if row.Failed {
		m.pub.Publish(broadcast.Log(c.ID, broadcast.LogError, fmt.Sprintf("Failed to send to %s: %s", row.Email, row.FailureReason)))
	} else {
		m.pub.Publish(broadcast.Log(c.ID, broadcast.LogSuccess, "Sent to "+row.Email))
	}
	return nil
}

func (m *Manager) publish(t broadcast.EventType, c *Campaign) {
	s := c.Snapshot()
	m.pub.Publish(broadcast.Event{
		Type:       t,
		CampaignID: c.ID,
		Status:     string(c.Status),
		Cancelled:  c.Cancelled,
		Counts: &broadcast.Counts{
			Total:     s.Total,
			Sent:      s.Sent,
			Success:   s.Success,
			Failed:    s.Failed,
			Completed: s.Completed,
		},
	})
}

// Cancel stops a campaign cooperatively. Recipients not yet sent get no
// row. Cancelling a finished campaign is a no-op. A processing campaign
// with no run behind it, e.g. one stopped by a store failure, is finished
// as cancelled.
func (m *Manager) Cancel(ctx context.Context, id uint64) error {
	m.mu.Lock()
	if r, ok := m.active[id]; ok {
		m.mu.Unlock()
		r.cancel()
		m.logger.Info("campaign cancellation requested", "campaign_id", id)
		return nil
	}
	r, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()

	if !ok {
		c, err := m.store.GetCampaign(ctx, id)
		if err != nil {
			return err
		}
		if c.Status.Terminal() {
			return nil
		}
		return m.abandon(ctx, c)
	}

	now := m.opts.Clock.Now().UTC()
	r.mu.Lock()
	r.campaign.Cancelled = true
	r.campaign.finish(StatusCompleted, "", now)
	snap := r.campaign.Clone()
	r.mu.Unlock()
	close(r.done)

	if err := m.store.UpdateCampaign(ctx, snap); err != nil {
		return err
	}
	m.publish(broadcast.EventRunComplete, snap)
	return nil
}

// Recover finishes every stored processing campaign that has no run in
// this manager, as left behind by a crash or a failed store. Each is
// completed as cancelled with its counters rebuilt from its rows.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	list, err := m.store.ListCampaigns(ctx, ListFilter{Status: StatusProcessing})
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, c := range list {
		if m.tracked(c.ID) {
			continue
		}
		if err := m.abandon(ctx, c); err != nil {
			return recovered, fmt.Errorf("failed to recover campaign %d: %w", c.ID, err)
		}
		recovered++
	}
	return recovered, nil
}

func (m *Manager) tracked(id uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, active := m.active[id]
	_, pending := m.pending[id]
	return active || pending
}

// abandon completes a processing campaign that nothing is sending
func (m *Manager) abandon(ctx context.Context, c *Campaign) error {
	rows, err := m.store.ListStatuses(ctx, c.ID, 0, 0)
	if err != nil {
		return err
	}

	c.Sent, c.Success, c.Failed = len(rows), 0, 0
	for _, row := range rows {
		if row.Failed {
			c.Failed++
		} else {
			c.Success++
		}
	}
	c.Cancelled = true
	c.finish(StatusCompleted, "", m.opts.Clock.Now().UTC())

	if err := m.store.UpdateCampaign(ctx, c); err != nil {
		return err
	}

	metrics.CampaignFinished(string(StatusCompleted))
	m.logger.Warn("finished campaign without a run", "campaign_id", c.ID, "sent", c.Sent, "recipients", c.RecipientCount)
	m.publish(broadcast.EventRunComplete, c)
	return nil
}

// RecordEvent records a delivery, open, click or reply for one recipient
func (m *Manager) RecordEvent(ctx context.Context, campaignID uint64, index int, kind EventKind) (*EmailStatus, error) {
	if _, err := ParseEventKind(string(kind)); err != nil {
		return nil, err
	}

	c, err := m.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	now := m.opts.Clock.Now().UTC()
	if m.opts.Retention > 0 && now.After(c.CreatedAt.Add(m.opts.Retention)) {
		return nil, ErrExpired
	}

	row, err := m.store.RecordEvent(ctx, campaignID, index, kind, now)
	if err != nil {
		return nil, err
	}

	metrics.IncTrackingEvent(string(kind))
	m.logger.Debug("tracking event recorded", "campaign_id", campaignID, "recipient_index", index, "event", kind)
	return row, nil
}

// Status returns the aggregate state, live for running campaigns
func (m *Manager) Status(ctx context.Context, id uint64) (StatusSnapshot, error) {
	m.mu.Lock()
	r, ok := m.active[id]
	if !ok {
		r, ok = m.pending[id]
	}
	m.mu.Unlock()

	if ok {
		return r.snapshot().Snapshot(), nil
	}

	c, err := m.store.GetCampaign(ctx, id)
	if err != nil {
		return StatusSnapshot{}, err
	}
	return c.Snapshot(), nil
}

// Get returns a campaign without secrets
func (m *Manager) Get(ctx context.Context, id uint64) (*Campaign, error) {
	c, err := m.store.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.Redacted(), nil
}

// List returns campaigns without secrets, newest first
func (m *Manager) List(ctx context.Context, filter ListFilter) ([]*Campaign, error) {
	list, err := m.store.ListCampaigns(ctx, filter)
	if err != nil {
		return nil, err
	}
	for i, c := range list {
		list[i] = c.Redacted()
	}
	return list, nil
}

// Recipients returns status rows in recipient order
func (m *Manager) Recipients(ctx context.Context, id uint64, offset, limit int) ([]*EmailStatus, error) {
	if _, err := m.store.GetCampaign(ctx, id); err != nil {
		return nil, err
	}
	return m.store.ListStatuses(ctx, id, offset, limit)
}

// Shutdown cancels every active run and waits for background runs to
// drain their in-flight sends
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, r := range m.active {
		r.cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// attach sets the scheduler, honouring a cancel that arrived before it
func (r *run) attach(s *scheduler.Scheduler) {
	r.mu.Lock()
	r.sched = s
	stopped := r.stopped
	r.mu.Unlock()
	if stopped {
		s.Cancel()
	}
}

func (r *run) cancel() {
	r.mu.Lock()
	r.stopped = true
	s := r.sched
	r.mu.Unlock()
	if s != nil {
		s.Cancel()
	}
}

func (r *run) snapshot() *Campaign {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.campaign.Clone()
}

// ReplyAddress is the Reply-To used when reply tracking is on
func ReplyAddress(campaignID uint64, index int, domain string) string {
	return fmt.Sprintf("reply+%d.%d@%s", campaignID, index, domain)
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
