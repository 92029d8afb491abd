// Package keys implements the api key lifecycle: at most one record per (account, tier),
// created once as a partial key, completed once by the completion bot, and never
// regenerated. Uniqueness is enforced by the store; Service only has to look up
// before inserting and treat a lost insert race as "someone else already issued it".
package keys

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ddc-api/keyportal/internal/completion"
	"github.com/ddc-api/keyportal/internal/db/models"
	"github.com/ddc-api/keyportal/internal/telemetry"
)

// Store is the credential store contract. repositories.KeyRecordRepository is the
// Postgres implementation.
type Store interface {
	// ListByEmail returns all records of tier owned by email, oldest first.
	ListByEmail(ctx context.Context, tier models.Tier, email string) ([]*models.KeyRecord, error)
	// InsertOrFetch inserts record and returns the stored row, or
	// repositories.ErrDuplicateKey when a conflicting row already exists.
	InsertOrFetch(ctx context.Context, record *models.KeyRecord) (*models.KeyRecord, error)
	// SetCompleteKey sets complete_api_key while it is NULL. nil, nil means no row changed.
	SetCompleteKey(ctx context.Context, tier models.Tier, email, completeKey string) (*models.KeyRecord, error)
}

// State is the lifecycle position of one (account, tier).
type State string

const (
	StateNoRecord State = "no_record"
	StatePartial  State = "partial"
	StateComplete State = "complete"
)

const (
	DefaultStoreTimeout = 5 * time.Second
	DefaultPollInterval = 2 * time.Second
	DefaultBotBaseURL   = "https://t.me"
)

// Options configures a Service.
type Options struct {
	// StoreTimeout bounds every credential store call.
	StoreTimeout time.Duration
	// PermissionRemediationURL is attached to permission_denied errors.
	PermissionRemediationURL string
	// BotBaseURL and BotUsername form the completion deep link.
	BotBaseURL  string
	BotUsername string
	// PollInterval is the AwaitCompletion re-check period.
	PollInterval time.Duration
	// Publisher receives an event for every completion recorded through Complete. Optional.
	Publisher completion.Publisher
	Logger    *slog.Logger
}

// Service mediates every read and write of key records.
type Service struct {
	store    Store
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
	generate func(models.Tier) (string, error)
}

// NewService creates a Service over store.
func NewService(store Store, opts Options) *Service {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = DefaultStoreTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.BotBaseURL == "" {
		opts.BotBaseURL = DefaultBotBaseURL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		opts:     opts,
		logger:   logger.With("component", "keys"),
		now:      time.Now,
		generate: GeneratePartialKey,
	}
}

// IsComplete reports whether record has been completed.
func IsComplete(record *models.KeyRecord) bool {
	return record != nil && record.CompleteKey != nil
}

// StateOf returns the lifecycle state of record; nil is StateNoRecord.
func StateOf(record *models.KeyRecord) State {
	switch {
	case record == nil:
		return StateNoRecord
	case record.CompleteKey != nil:
		return StateComplete
	default:
		return StatePartial
	}
}

// DisplayKey returns the key to show: the complete key when set, otherwise the
// partial key. A complete key is never synthesized.
func DisplayKey(record *models.KeyRecord) string {
	if record == nil {
		return ""
	}
	if record.CompleteKey != nil {
		return *record.CompleteKey
	}
	return record.PartialKey
}

// CompletionLink returns the bot deep link that completes account's keys.
func (s *Service) CompletionLink(account *models.Account) string {
	base := strings.TrimRight(s.opts.BotBaseURL, "/")
	if account == nil {
		return base + "/" + s.opts.BotUsername
	}
	return fmt.Sprintf("%s/%s?start=%s", base, s.opts.BotUsername, url.QueryEscape(account.ID))
}

func validateRequest(account *models.Account, tier models.Tier) error {
	if account == nil || account.ID == "" || account.Email == "" {
		return ErrInvalidAccount
	}
	if !tier.Valid() {
		return ErrInvalidTier
	}
	return nil
}

// Lookup returns the account's record for tier, or nil, nil when none exists.
func (s *Service) Lookup(ctx context.Context, account *models.Account, tier models.Tier) (*models.KeyRecord, error) {
	if err := validateRequest(account, tier); err != nil {
		return nil, err
	}
	record, err := s.lookup(ctx, account, tier)
	if err != nil {
		return nil, s.fail(tier, "lookup", err)
	}
	return record, nil
}

// Refresh re-reads the record from the store. Nothing is cached between calls, so
// Refresh observes a completion written by the bot as soon as it commits.
func (s *Service) Refresh(ctx context.Context, account *models.Account, tier models.Tier) (*models.KeyRecord, error) {
	if err := validateRequest(account, tier); err != nil {
		return nil, err
	}
	record, err := s.lookup(ctx, account, tier)
	if err != nil {
		return nil, s.fail(tier, "refresh", err)
	}
	return record, nil
}

func (s *Service) lookup(ctx context.Context, account *models.Account, tier models.Tier) (*models.KeyRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()

	records, err := s.store.ListByEmail(ctx, tier, account.Email)
	if err != nil {
		return nil, err
	}
	switch len(records) {
	case 0:
		return nil, nil
	case 1:
		return records[0], nil
	default:
		telemetry.KeyLookupAnomaliesTotal.WithLabelValues(string(tier)).Inc()
		s.logger.Error("more than one key record for account; using the oldest",
			"tier", tier,
			"account_id", account.ID,
			"rows", len(records),
			"record_id", records[0].ID,
		)
		return records[0], nil
	}
}

// Issue returns the account's record for tier, creating a partial key when none
// exists. Calling it again, or concurrently, returns the same record.
func (s *Service) Issue(ctx context.Context, account *models.Account, tier models.Tier, name string) (*models.KeyRecord, bool, error) {
	if err := validateRequest(account, tier); err != nil {
		return nil, false, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, false, ErrInvalidName
	}

	existing, err := s.lookup(ctx, account, tier)
	if err != nil {
		return nil, false, s.fail(tier, "issue", err)
	}
	if existing != nil {
		return existing, false, nil
	}

	partial, err := s.generate(tier)
	if err != nil {
		return nil, false, err
	}
	record := &models.KeyRecord{
		Tier:       tier,
		ID:         recordID(account, tier),
		UserEmail:  account.Email,
		Name:       name,
		PartialKey: partial,
		CreatedAt:  s.now().UTC(),
	}

	// The insert is not cancelled with the request: once sent it may commit anyway,
	// and a retry re-looks-up instead of assuming nothing was written.
	insertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.StoreTimeout)
	stored, err := s.store.InsertOrFetch(insertCtx, record)
	cancel()
	if err == nil {
		telemetry.KeysIssuedTotal.WithLabelValues(string(tier)).Inc()
		s.logger.Info("issued partial key", "tier", tier, "account_id", account.ID, "record_id", stored.ID)
		return stored, true, nil
	}

	if e := Classify(err, s.opts.PermissionRemediationURL); e.Kind != KindDuplicateIgnored {
		return nil, false, s.fail(tier, "issue", e)
	}

	telemetry.KeyIssueRacesTotal.WithLabelValues(string(tier)).Inc()
	winner, err := s.lookup(ctx, account, tier)
	if err != nil {
		return nil, false, s.fail(tier, "issue", err)
	}
	if winner == nil {
		// The conflict was on the primary key of a row with a different email,
		// e.g. the provider changed the account's address.
		s.logger.Error("insert conflicted but no record is visible for this email",
			"tier", tier, "account_id", account.ID, "record_id", record.ID)
		return nil, false, s.fail(tier, "issue", unavailable("conflict", err))
	}
	s.logger.Info("concurrent issue resolved to existing record", "tier", tier, "account_id", account.ID)
	return winner, false, nil
}

// recordID is the beta primary key (normalized owner UID) or a fresh stable surrogate.
func recordID(account *models.Account, tier models.Tier) string {
	if tier == models.TierBeta {
		return models.NormalizeOwnerUID(account.ID)
	}
	return uuid.NewString()
}

// AwaitCompletion re-reads the record every poll interval, and immediately whenever
// wake fires, until it is complete or ctx ends. It returns the last record seen; a
// nil record means there is nothing to wait for.
func (s *Service) AwaitCompletion(ctx context.Context, account *models.Account, tier models.Tier, wake <-chan struct{}) (*models.KeyRecord, error) {
	if err := validateRequest(account, tier); err != nil {
		return nil, err
	}

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	var last *models.KeyRecord
	for {
		record, err := s.lookup(ctx, account, tier)
		if err != nil {
			if ctx.Err() != nil && last != nil {
				return last, nil
			}
			return nil, s.fail(tier, "await", err)
		}
		if record == nil || IsComplete(record) {
			if IsComplete(record) && last != nil {
				telemetry.KeyCompletionObservationsTotal.WithLabelValues(string(tier)).Inc()
			}
			return record, nil
		}
		last = record

		select {
		case <-ctx.Done():
			return last, nil
		case <-ticker.C:
		case <-wake:
		}
	}
}

// Complete records the bot-supplied complete key for the account's partial record.
// The key must be the partial key with its placeholder replaced. Repeating the same
// completion is a no-op; a different key for a complete record is ErrAlreadyCompleted.
func (s *Service) Complete(ctx context.Context, account *models.Account, tier models.Tier, completeKey string) (*models.KeyRecord, error) {
	if err := validateRequest(account, tier); err != nil {
		return nil, err
	}
	completeKey = strings.TrimSpace(completeKey)

	record, err := s.lookup(ctx, account, tier)
	if err != nil {
		return nil, s.fail(tier, "complete", err)
	}
	if record == nil {
		return nil, ErrNoRecord
	}
	if record.CompleteKey != nil {
		return settled(record, completeKey)
	}
	if err := validateCompleteKey(record.PartialKey, completeKey); err != nil {
		return nil, err
	}

	writeCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	updated, err := s.store.SetCompleteKey(writeCtx, tier, account.Email, completeKey)
	cancel()
	if err != nil {
		return nil, s.fail(tier, "complete", err)
	}
	if updated == nil {
		// Completed by another writer between the lookup and the update.
		current, err := s.lookup(ctx, account, tier)
		if err != nil {
			return nil, s.fail(tier, "complete", err)
		}
		if current == nil {
			return nil, ErrNoRecord
		}
		return settled(current, completeKey)
	}

	telemetry.KeyCompletionsTotal.WithLabelValues(string(tier)).Inc()
	s.logger.Info("key completed", "tier", tier, "account_id", account.ID, "record_id", updated.ID)

	if s.opts.Publisher != nil {
		event := completion.Event{AccountID: account.ID, Tier: tier, CompletedAt: s.now().UTC()}
		if err := s.opts.Publisher.Publish(ctx, event); err != nil {
			s.logger.Warn("failed to publish completion event", "tier", tier, "account_id", account.ID, "error", err)
		}
	}
	return updated, nil
}

// settled resolves a completion request against an already complete record.
func settled(record *models.KeyRecord, completeKey string) (*models.KeyRecord, error) {
	if record.CompleteKey != nil && *record.CompleteKey == completeKey {
		return record, nil
	}
	return nil, ErrAlreadyCompleted
}

// fail normalizes err, records it and returns the *Error.
func (s *Service) fail(tier models.Tier, op string, err error) error {
	e := Classify(err, s.opts.PermissionRemediationURL)
	telemetry.KeyStoreErrorsTotal.WithLabelValues(string(tier), string(e.Kind)).Inc()
	s.logger.Warn("credential store operation failed",
		"op", op,
		"tier", tier,
		"kind", e.Kind,
		"code", e.Code,
		"error", e.Err,
	)
	return e
}
