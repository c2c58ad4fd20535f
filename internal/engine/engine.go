package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"charter/internal/config"
	"charter/internal/domain"
	"charter/internal/events"
	"charter/internal/membership"
	"charter/internal/ratelimit"
	"charter/internal/repo"
)

// Engine enforces the directive state machine. All mutations run inside a
// single transaction, so a failed operation commits nothing: no vote without
// its tally bump, no directive without its rate-limit reservation.
type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Limiter    ratelimit.Limiter
	Config     *config.Config
	Membership membership.Checker
	Now        func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Limiter: ratelimit.Limiter{DB: db},
		Config:  cfg,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// limiter returns the rate limiter bound to the engine's clock.
func (e Engine) limiter() ratelimit.Limiter {
	l := e.Limiter
	if l.Now == nil {
		l.Now = e.Now
	}
	return l
}

// limits returns the currently effective limits: the DB copy if seeded,
// otherwise the process config. Changes apply to future submissions only.
func (e Engine) limits(ctx context.Context) (config.Limits, error) {
	cfg, err := e.Repo.GetRegistryConfig(ctx)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) && e.Config != nil {
			return e.Config.Limits, nil
		}
		return config.Limits{}, err
	}
	return cfg.Limits, nil
}

func soloScopeKey(identity string) string { return "solo:" + identity }
func guildScopeKey(groupID uint64) string { return "guild:" + strconv.FormatUint(groupID, 10) }

// SubmitOptions are parameters for proposing a directive.
type SubmitOptions struct {
	Kind          string
	GroupID       uint64
	Identity      string
	AgentRef      string
	Objective     string
	AgentsNeeded  int
	Location      *domain.Location
	DurationHours int
}

// Submit validates, gates on membership and rate limit, and commits a new
// open directive plus its submission event, all or nothing.
func (e Engine) Submit(ctx context.Context, opts SubmitOptions) (domain.Directive, error) {
	if e.Config == nil {
		return domain.Directive{}, errors.New("config not loaded")
	}
	limits, err := e.limits(ctx)
	if err != nil {
		return domain.Directive{}, err
	}
	objective := strings.TrimSpace(opts.Objective)
	if objective == "" {
		return domain.Directive{}, fmt.Errorf("%w: objective is empty", ErrInvalidObjective)
	}
	if utf8.RuneCountInString(objective) > limits.MaxObjectiveChars {
		return domain.Directive{}, fmt.Errorf("%w: objective exceeds %d characters", ErrInvalidObjective, limits.MaxObjectiveChars)
	}
	if opts.AgentsNeeded < 1 {
		return domain.Directive{}, fmt.Errorf("%w: agents_needed must be >= 1", ErrInvalidArgument)
	}
	if opts.DurationHours < 1 || opts.DurationHours > limits.MaxDurationHours {
		return domain.Directive{}, fmt.Errorf("%w: duration must be between 1 and %d hours", ErrInvalidArgument, limits.MaxDurationHours)
	}

	scopeKey := soloScopeKey(opts.Identity)
	bucketKind := ratelimit.Day
	capForScope := limits.SoloDailyCap
	switch opts.Kind {
	case domain.KindSolo:
	case domain.KindGuild:
		if opts.GroupID == 0 {
			return domain.Directive{}, fmt.Errorf("%w: group id required for guild directive", ErrInvalidArgument)
		}
		// Membership is a possibly-slow external call; resolve it before
		// opening the transaction.
		if e.Membership == nil {
			return domain.Directive{}, ErrGroupAuthorityNotConfigured
		}
		ok, err := e.Membership.IsMember(ctx, opts.GroupID, opts.Identity)
		if err != nil {
			return domain.Directive{}, fmt.Errorf("membership check: %w", err)
		}
		if !ok {
			return domain.Directive{}, fmt.Errorf("%w: group %d", ErrNotGuildMember, opts.GroupID)
		}
		scopeKey = guildScopeKey(opts.GroupID)
		bucketKind = ratelimit.Hour
		capForScope = limits.GuildHourlyCap
	default:
		return domain.Directive{}, fmt.Errorf("%w: unknown directive kind %q", ErrInvalidArgument, opts.Kind)
	}

	now := e.now().UTC()
	d := domain.Directive{
		Kind:          opts.Kind,
		GroupID:       opts.GroupID,
		ProposerID:    opts.Identity,
		ProposerAgent: opts.AgentRef,
		Objective:     objective,
		AgentsNeeded:  opts.AgentsNeeded,
		Location:      opts.Location,
		Status:        domain.StatusOpen,
		CreatedAt:     now.Format(time.RFC3339),
		ExpiresAt:     now.Add(time.Duration(opts.DurationHours) * time.Hour).Format(time.RFC3339),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Directive{}, err
	}
	defer tx.Rollback()

	if _, err := e.limiter().Reserve(ctx, tx, scopeKey, bucketKind, capForScope); err != nil {
		return domain.Directive{}, err
	}
	id, err := e.Repo.InsertDirective(ctx, tx, d)
	if err != nil {
		return domain.Directive{}, fmt.Errorf("insert directive: %w", err)
	}
	d.ID = id
	payload := events.EventPayload{
		"kind":          d.Kind,
		"objective":     d.Objective,
		"agents_needed": d.AgentsNeeded,
		"expires_at":    d.ExpiresAt,
	}
	if d.GroupID != 0 {
		payload["group_id"] = d.GroupID
	}
	if d.Location != nil {
		payload["location"] = map[string]int{"x": d.Location.X, "z": d.Location.Z}
	}
	if err := e.Events.Append(ctx, tx, "directive.submitted", "directive", repo.DirectiveEntityID(id), opts.Identity, payload); err != nil {
		return domain.Directive{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Directive{}, err
	}
	return d, nil
}

// reconcileExpiry persists Expired for a stale stored record and emits the
// expiry event. Runs at the top of every mutating operation; the caller's own
// status checks then see the reconciled value.
func (e Engine) reconcileExpiry(ctx context.Context, tx *sql.Tx, d *domain.Directive, actorID string) error {
	if !d.ExpiredBy(e.now().UTC()) {
		return nil
	}
	if err := e.Repo.UpdateDirectiveStatus(ctx, tx, d.ID, domain.StatusExpired); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "directive.expired", "directive", repo.DirectiveEntityID(d.ID), actorID, events.EventPayload{
		"previous_status": d.Status,
		"expires_at":      d.ExpiresAt,
	}); err != nil {
		return err
	}
	d.Status = domain.StatusExpired
	return nil
}

// Vote applies one identity's vote. The first yes vote to reach agents_needed
// while the directive is open activates it; no later vote re-fires that
// transition.
func (e Engine) Vote(ctx context.Context, directiveID int64, voterID, agentRef string, support bool) (domain.Directive, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Directive{}, err
	}
	defer tx.Rollback()

	d, err := e.Repo.GetDirectiveTx(ctx, tx, directiveID)
	if err != nil {
		return domain.Directive{}, err
	}
	if err := e.reconcileExpiry(ctx, tx, &d, voterID); err != nil {
		return domain.Directive{}, err
	}
	if !d.Votable() {
		if commitErr := tx.Commit(); commitErr != nil {
			return domain.Directive{}, commitErr
		}
		return d, fmt.Errorf("%w: status %s", ErrNotVotable, d.Status)
	}
	if _, err := e.Repo.GetVote(ctx, tx, directiveID, voterID); err == nil {
		return d, ErrAlreadyVoted
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Directive{}, err
	}

	wasOpen := d.Status == domain.StatusOpen
	v := domain.Vote{
		DirectiveID: directiveID,
		VoterID:     voterID,
		AgentRef:    agentRef,
		Support:     support,
		TS:          e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertVote(ctx, tx, v); err != nil {
		return domain.Directive{}, err
	}
	if err := e.Repo.ApplyVote(ctx, tx, directiveID, support); err != nil {
		return domain.Directive{}, err
	}
	if support {
		d.YesVotes++
	} else {
		d.NoVotes++
	}
	if err := e.Events.Append(ctx, tx, "directive.vote", "directive", repo.DirectiveEntityID(directiveID), voterID, events.EventPayload{
		"support":   support,
		"yes_votes": d.YesVotes,
		"no_votes":  d.NoVotes,
	}); err != nil {
		return domain.Directive{}, err
	}
	if wasOpen && d.YesVotes >= d.AgentsNeeded {
		if err := e.Repo.UpdateDirectiveStatus(ctx, tx, directiveID, domain.StatusActive); err != nil {
			return domain.Directive{}, err
		}
		d.Status = domain.StatusActive
		if err := e.Events.Append(ctx, tx, "directive.activated", "directive", repo.DirectiveEntityID(directiveID), voterID, events.EventPayload{
			"yes_votes":     d.YesVotes,
			"agents_needed": d.AgentsNeeded,
		}); err != nil {
			return domain.Directive{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Directive{}, err
	}
	return d, nil
}

// authorized reports whether caller may complete or cancel a directive.
func (e Engine) authorized(d domain.Directive, caller string) bool {
	if caller == d.ProposerID {
		return true
	}
	return e.Config != nil && caller == e.Config.Registry.OwnerID
}

// MarkCompleted moves an active directive to completed. Only the proposer or
// the registry owner may call it.
func (e Engine) MarkCompleted(ctx context.Context, directiveID int64, caller string) (domain.Directive, error) {
	return e.transition(ctx, directiveID, caller, domain.StatusCompleted, "directive.completed", func(d domain.Directive) error {
		if d.Status != domain.StatusActive {
			return fmt.Errorf("%w: completion requires active, got %s", ErrInvalidStatus, d.Status)
		}
		return nil
	})
}

// Cancel moves an open or active directive to cancelled. Only the proposer or
// the registry owner may call it.
func (e Engine) Cancel(ctx context.Context, directiveID int64, caller string) (domain.Directive, error) {
	return e.transition(ctx, directiveID, caller, domain.StatusCancelled, "directive.cancelled", func(d domain.Directive) error {
		if !d.Votable() {
			return fmt.Errorf("%w: cancellation requires open or active, got %s", ErrInvalidStatus, d.Status)
		}
		return nil
	})
}

func (e Engine) transition(ctx context.Context, directiveID int64, caller, target, eventType string, check func(domain.Directive) error) (domain.Directive, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Directive{}, err
	}
	defer tx.Rollback()

	d, err := e.Repo.GetDirectiveTx(ctx, tx, directiveID)
	if err != nil {
		return domain.Directive{}, err
	}
	if err := e.reconcileExpiry(ctx, tx, &d, caller); err != nil {
		return domain.Directive{}, err
	}
	// The reconciliation still counts even when the call itself fails.
	keepReconciled := func(opErr error) (domain.Directive, error) {
		if d.Status == domain.StatusExpired {
			if commitErr := tx.Commit(); commitErr != nil {
				return domain.Directive{}, commitErr
			}
		}
		return d, opErr
	}
	if !e.authorized(d, caller) {
		return keepReconciled(ErrNotAuthorized)
	}
	if err := check(d); err != nil {
		return keepReconciled(err)
	}
	if err := e.Repo.UpdateDirectiveStatus(ctx, tx, directiveID, target); err != nil {
		return domain.Directive{}, err
	}
	d.Status = target
	if err := e.Events.Append(ctx, tx, eventType, "directive", repo.DirectiveEntityID(directiveID), caller, events.EventPayload{
		"yes_votes": d.YesVotes,
		"no_votes":  d.NoVotes,
	}); err != nil {
		return domain.Directive{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Directive{}, err
	}
	return d, nil
}

// ForceExpiryCheck lets any caller nudge a stale record into its correct
// terminal state. A no-op when the deadline has not passed.
func (e Engine) ForceExpiryCheck(ctx context.Context, directiveID int64, caller string) (domain.Directive, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Directive{}, err
	}
	defer tx.Rollback()

	d, err := e.Repo.GetDirectiveTx(ctx, tx, directiveID)
	if err != nil {
		return domain.Directive{}, err
	}
	if err := e.reconcileExpiry(ctx, tx, &d, caller); err != nil {
		return domain.Directive{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Directive{}, err
	}
	return d, nil
}

// GetDirective returns the directive with derived status. The derivation is
// applied to the returned copy only; reads never write.
func (e Engine) GetDirective(ctx context.Context, directiveID int64) (domain.Directive, error) {
	d, err := e.Repo.GetDirective(ctx, directiveID)
	if err != nil {
		return domain.Directive{}, err
	}
	if d.ExpiredBy(e.now().UTC()) {
		d.Status = domain.StatusExpired
	}
	return d, nil
}

// ListPage returns directives [offset, offset+limit) in submission order,
// each with derived status, plus the total count.
func (e Engine) ListPage(ctx context.Context, offset, limit int) ([]domain.Directive, int, error) {
	page, total, err := e.Repo.ListDirectives(ctx, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	now := e.now().UTC()
	for i := range page {
		if page[i].ExpiredBy(now) {
			page[i].Status = domain.StatusExpired
		}
	}
	return page, total, nil
}

// ListIDsPage returns directive ids [offset, offset+limit) plus the total.
func (e Engine) ListIDsPage(ctx context.Context, offset, limit int) ([]int64, int, error) {
	return e.Repo.ListDirectiveIDs(ctx, offset, limit)
}

// SubmitCounts reports current-bucket usage so callers can pre-check quota.
func (e Engine) SubmitCounts(ctx context.Context, identity string, groupID uint64) (soloUsedToday, groupUsedThisHour int, err error) {
	soloUsedToday, err = e.limiter().Used(ctx, soloScopeKey(identity), ratelimit.Day)
	if err != nil {
		return 0, 0, err
	}
	if groupID != 0 {
		groupUsedThisHour, err = e.limiter().Used(ctx, guildScopeKey(groupID), ratelimit.Hour)
		if err != nil {
			return 0, 0, err
		}
	}
	return soloUsedToday, groupUsedThisHour, nil
}

// Limits returns the currently effective limits.
func (e Engine) Limits(ctx context.Context) (config.Limits, error) {
	return e.limits(ctx)
}

// UpdateLimits replaces the stored limits. Owner only; existing directives
// and already-filled buckets keep the bounds they were admitted under.
func (e Engine) UpdateLimits(ctx context.Context, caller string, limits config.Limits) error {
	if e.Config == nil {
		return errors.New("config not loaded")
	}
	if caller != e.Config.Registry.OwnerID {
		return ErrNotAuthorized
	}
	if err := limits.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	cfg, err := e.Repo.GetRegistryConfig(ctx)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		cfg = e.Config
	}
	old := cfg.Limits
	cfg.Limits = limits
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertRegistryConfigTx(ctx, tx, cfg); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "config.updated", "config", "", caller, events.EventPayload{
		"old": old,
		"new": limits,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
