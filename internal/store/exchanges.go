// ABOUTME: Exchange ledger reads and writes.
// ABOUTME: Saves one row per exchange and aggregates usage for the stats command.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveExchange inserts ex. ID, ChannelID and Model are required; a zero
// CreatedAt is set to now.
func (s *SQLiteStore) SaveExchange(ctx context.Context, ex *Exchange) error {
	if ex == nil || ex.ID == "" || ex.ChannelID == "" || ex.Model == "" {
		return ErrInvalidExchange
	}
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO exchanges (
			id, channel_id, sender, model, endpoint,
			prompt_eval_count, eval_count, segments, duration_ms, continued,
			created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		ex.ID,
		ex.ChannelID,
		ex.Sender,
		ex.Model,
		ex.Endpoint,
		ex.PromptEvalCount,
		ex.EvalCount,
		ex.Segments,
		ex.Duration.Milliseconds(),
		ex.Continued,
		ex.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting exchange: %w", err)
	}

	s.logger.Debug("saved exchange",
		"id", ex.ID,
		"channel_id", ex.ChannelID,
		"endpoint", ex.Endpoint,
		"eval_count", ex.EvalCount,
	)
	return nil
}

// GetChannelExchanges returns the most recent exchanges for a channel,
// newest first. A limit <= 0 returns all of them.
func (s *SQLiteStore) GetChannelExchanges(ctx context.Context, channelID string, limit int) ([]*Exchange, error) {
	if limit <= 0 {
		limit = -1
	}

	query := `
		SELECT id, channel_id, sender, model, endpoint,
		       prompt_eval_count, eval_count, segments, duration_ms, continued,
		       created_at
		FROM exchanges
		WHERE channel_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying channel exchanges: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var exchanges []*Exchange
	for rows.Next() {
		ex, err := scanExchange(rows)
		if err != nil {
			return nil, err
		}
		exchanges = append(exchanges, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating exchange rows: %w", err)
	}
	return exchanges, nil
}

// GetUsageStats aggregates exchanges matching filter.
func (s *SQLiteStore) GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error) {
	where, args := filter.clause()
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(continued), 0),
			COALESCE(SUM(prompt_eval_count), 0),
			COALESCE(SUM(eval_count), 0),
			COALESCE(SUM(segments), 0),
			COALESCE(AVG(duration_ms), 0)
		FROM exchanges
	` + where

	var stats UsageStats
	var avgMillis float64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.ExchangeCount,
		&stats.ContinuedCount,
		&stats.TotalPromptTokens,
		&stats.TotalEvalTokens,
		&stats.TotalSegments,
		&avgMillis,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage stats: %w", err)
	}
	stats.AvgDuration = time.Duration(avgMillis * float64(time.Millisecond))

	return &stats, nil
}

// GetEndpointUsage returns per-endpoint exchange counts, busiest first.
func (s *SQLiteStore) GetEndpointUsage(ctx context.Context, filter UsageFilter) ([]EndpointUsage, error) {
	where, args := filter.clause()
	query := `
		SELECT endpoint, COUNT(*), MAX(created_at)
		FROM exchanges
	` + where + `
		GROUP BY endpoint
		ORDER BY COUNT(*) DESC, endpoint ASC
	`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying endpoint usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var usage []EndpointUsage
	for rows.Next() {
		var u EndpointUsage
		var lastUsed string
		if err := rows.Scan(&u.Endpoint, &u.ExchangeCount, &lastUsed); err != nil {
			return nil, fmt.Errorf("scanning endpoint usage: %w", err)
		}
		if u.LastUsed, err = time.Parse(timeLayout, lastUsed); err != nil {
			return nil, fmt.Errorf("parsing last used: %w", err)
		}
		usage = append(usage, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating endpoint usage: %w", err)
	}
	return usage, nil
}

func (f UsageFilter) clause() (string, []any) {
	where := " WHERE 1=1"
	var args []any
	if f.ChannelID != nil {
		where += " AND channel_id = ?"
		args = append(args, *f.ChannelID)
	}
	if f.Since != nil {
		where += " AND created_at >= ?"
		args = append(args, f.Since.UTC().Format(timeLayout))
	}
	return where, args
}

func scanExchange(rows *sql.Rows) (*Exchange, error) {
	var ex Exchange
	var durationMillis int64
	var createdAt string

	err := rows.Scan(
		&ex.ID,
		&ex.ChannelID,
		&ex.Sender,
		&ex.Model,
		&ex.Endpoint,
		&ex.PromptEvalCount,
		&ex.EvalCount,
		&ex.Segments,
		&durationMillis,
		&ex.Continued,
		&createdAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning exchange row: %w", err)
	}

	ex.Duration = time.Duration(durationMillis) * time.Millisecond
	if ex.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &ex, nil
}
