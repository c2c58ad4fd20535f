package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// BucketKind selects the fixed window length for a scope. Individual
// submitters are capped per day, groups per hour.
type BucketKind int

const (
	Day BucketKind = iota
	Hour
)

// Length returns the bucket length in seconds.
func (k BucketKind) Length() int64 {
	if k == Hour {
		return 3600
	}
	return 86400
}

// ExceededError reports a full bucket. RetryAfter is the start of the next
// bucket, i.e. the exact moment capacity frees up.
type ExceededError struct {
	Limit      int
	Used       int
	RetryAfter time.Time
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %d/%d used, retry after %s", e.Used, e.Limit, e.RetryAfter.UTC().Format(time.RFC3339))
}

// Limiter tracks per-scope submission counts in fixed time buckets backed by
// the rate_buckets table. Old bucket rows become unreachable once the clock
// moves on; no cleanup job is needed for correctness.
type Limiter struct {
	DB  *sql.DB
	Now func() time.Time
}

func (l Limiter) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// BucketIndex returns the current bucket index for a kind.
func (l Limiter) BucketIndex(kind BucketKind) int64 {
	return l.now().Unix() / kind.Length()
}

// Reserve atomically checks and increments the current bucket for scopeKey
// inside tx. A full bucket returns *ExceededError and leaves the count
// untouched; rolling back tx undoes a successful reservation.
func (l Limiter) Reserve(ctx context.Context, tx *sql.Tx, scopeKey string, kind BucketKind, limit int) (int64, error) {
	idx := l.BucketIndex(kind)
	var used int
	err := tx.QueryRowContext(ctx, `SELECT count FROM rate_buckets WHERE scope_key=? AND bucket_index=?`, scopeKey, idx).Scan(&used)
	if err != nil && err != sql.ErrNoRows {
		return 0, err
	}
	if used >= limit {
		return 0, &ExceededError{
			Limit:      limit,
			Used:       used,
			RetryAfter: time.Unix((idx+1)*kind.Length(), 0).UTC(),
		}
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO rate_buckets(scope_key,bucket_index,count) VALUES (?,?,1)
ON CONFLICT(scope_key,bucket_index) DO UPDATE SET count=count+1`, scopeKey, idx)
	if err != nil {
		return 0, err
	}
	return idx, nil
}

// Used returns the current-bucket count for scopeKey without reserving.
func (l Limiter) Used(ctx context.Context, scopeKey string, kind BucketKind) (int, error) {
	idx := l.BucketIndex(kind)
	var used int
	err := l.DB.QueryRowContext(ctx, `SELECT count FROM rate_buckets WHERE scope_key=? AND bucket_index=?`, scopeKey, idx).Scan(&used)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return used, nil
}
