package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"charter/internal/config"
	"charter/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const directiveColumns = `id,kind,group_id,proposer_id,proposer_agent,objective,agents_needed,loc_x,loc_z,status,yes_votes,no_votes,created_at,expires_at`

func scanDirective(scan func(dest ...any) error) (domain.Directive, error) {
	var d domain.Directive
	var agent sql.NullString
	var locX, locZ sql.NullInt64
	err := scan(&d.ID, &d.Kind, &d.GroupID, &d.ProposerID, &agent, &d.Objective, &d.AgentsNeeded,
		&locX, &locZ, &d.Status, &d.YesVotes, &d.NoVotes, &d.CreatedAt, &d.ExpiresAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if agent.Valid {
		d.ProposerAgent = agent.String
	}
	if locX.Valid && locZ.Valid {
		d.Location = &domain.Location{X: int(locX.Int64), Z: int(locZ.Int64)}
	}
	return d, nil
}

// InsertDirective stores a new record and returns its assigned id. SQLite
// AUTOINCREMENT guarantees ids are monotonic and never reused.
func (r Repo) InsertDirective(ctx context.Context, tx *sql.Tx, d domain.Directive) (int64, error) {
	var locX, locZ any
	if d.Location != nil {
		locX, locZ = d.Location.X, d.Location.Z
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO directives(kind,group_id,proposer_id,proposer_agent,objective,agents_needed,loc_x,loc_z,status,yes_votes,no_votes,created_at,expires_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.Kind, d.GroupID, d.ProposerID, nullable(d.ProposerAgent), d.Objective, d.AgentsNeeded,
		locX, locZ, d.Status, d.YesVotes, d.NoVotes, d.CreatedAt, d.ExpiresAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetDirective(ctx context.Context, id int64) (domain.Directive, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+directiveColumns+` FROM directives WHERE id=?`, id)
	return scanDirective(row.Scan)
}

// GetDirectiveTx reads the stored record inside a mutating transaction.
func (r Repo) GetDirectiveTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Directive, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+directiveColumns+` FROM directives WHERE id=?`, id)
	return scanDirective(row.Scan)
}

func (r Repo) UpdateDirectiveStatus(ctx context.Context, tx *sql.Tx, id int64, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE directives SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ApplyVote bumps the matching tally for a directive.
func (r Repo) ApplyVote(ctx context.Context, tx *sql.Tx, id int64, support bool) error {
	column := "no_votes"
	if support {
		column = "yes_votes"
	}
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE directives SET %s=%s+1 WHERE id=?`, column, column), id)
	return err
}

// ListDirectives pages over the append-only id order. offset past the end
// yields an empty page, not an error.
func (r Repo) ListDirectives(ctx context.Context, offset, limit int) ([]domain.Directive, int, error) {
	total, err := r.CountDirectives(ctx)
	if err != nil {
		return nil, 0, err
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+directiveColumns+` FROM directives ORDER BY id ASC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var res []domain.Directive
	for rows.Next() {
		d, err := scanDirective(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, d)
	}
	return res, total, rows.Err()
}

// ListDirectiveIDs pages over bare ids with the same semantics.
func (r Repo) ListDirectiveIDs(ctx context.Context, offset, limit int) ([]int64, int, error) {
	total, err := r.CountDirectives(ctx)
	if err != nil {
		return nil, 0, err
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM directives ORDER BY id ASC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, 0, err
		}
		ids = append(ids, id)
	}
	return ids, total, rows.Err()
}

func (r Repo) CountDirectives(ctx context.Context) (int, error) {
	var total int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM directives`).Scan(&total)
	return total, err
}

// GetVote returns the vote record for (directive, identity), or ErrNotFound.
func (r Repo) GetVote(ctx context.Context, tx *sql.Tx, directiveID int64, voterID string) (domain.Vote, error) {
	var v domain.Vote
	var agent sql.NullString
	var support int
	err := tx.QueryRowContext(ctx, `SELECT directive_id,voter_id,agent_ref,support,ts FROM directive_votes WHERE directive_id=? AND voter_id=?`,
		directiveID, voterID).Scan(&v.DirectiveID, &v.VoterID, &agent, &support, &v.TS)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	if agent.Valid {
		v.AgentRef = agent.String
	}
	v.Support = support != 0
	return v, nil
}

func (r Repo) InsertVote(ctx context.Context, tx *sql.Tx, v domain.Vote) error {
	support := 0
	if v.Support {
		support = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO directive_votes(directive_id,voter_id,agent_ref,support,ts) VALUES (?,?,?,?,?)`,
		v.DirectiveID, v.VoterID, nullable(v.AgentRef), support, v.TS)
	return err
}

// ListVotes returns all vote records for a directive, oldest first.
func (r Repo) ListVotes(ctx context.Context, directiveID int64) ([]domain.Vote, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT directive_id,voter_id,agent_ref,support,ts FROM directive_votes WHERE directive_id=? ORDER BY ts ASC, voter_id ASC`, directiveID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Vote
	for rows.Next() {
		var v domain.Vote
		var agent sql.NullString
		var support int
		if err := rows.Scan(&v.DirectiveID, &v.VoterID, &agent, &support, &v.TS); err != nil {
			return nil, err
		}
		if agent.Valid {
			v.AgentRef = agent.String
		}
		v.Support = support != 0
		res = append(res, v)
	}
	return res, rows.Err()
}

// UpsertRegistryConfig persists the single registry config record.
func (r Repo) UpsertRegistryConfig(ctx context.Context, cfg *config.Config) error {
	return upsertRegistryConfig(ctx, r.DB, nil, cfg)
}

func (r Repo) UpsertRegistryConfigTx(ctx context.Context, tx *sql.Tx, cfg *config.Config) error {
	return upsertRegistryConfig(ctx, nil, tx, cfg)
}

func upsertRegistryConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO registry_config(id,config_json,updated_at) VALUES (1,?,?)
ON CONFLICT(id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, string(payload), now)
	return err
}

func (r Repo) GetRegistryConfig(ctx context.Context) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM registry_config WHERE id=1`).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	return &cfg, cfg.Validate()
}

// LatestEvents returns events newest first, optionally filtered.
func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// DirectiveEntityID formats a directive id as an event entity id.
func DirectiveEntityID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
