package store

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// eventRepo implements EventRepo on the llm_events table. AUTOINCREMENT
// keeps sequences unique even after rows are pruned, so a caller paging with
// QueryOpts.After never sees an event twice.
type eventRepo struct {
	db *sql.DB
}

func (r *eventRepo) AppendLLMRequest(ctx context.Context, data LLMRequestEventData) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO llm_events
		(timestamp, provider, model, purpose, input_tokens, output_tokens, latency_ms, success, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		time.Now().UnixNano(), data.Provider, data.Model, data.Purpose,
		data.InputTokens, data.OutputTokens, data.LatencyMs, boolInt(data.Success), data.ErrorMessage)
	return storageErr("append llm event", err)
}

func (r *eventRepo) QueryLLMRequests(ctx context.Context, opts QueryOpts) ([]LLMRequestEvent, error) {
	var (
		where []string
		args  []any
	)
	if opts.After > 0 {
		where = append(where, "sequence > ?")
		args = append(args, opts.After)
	}
	if opts.Before > 0 {
		where = append(where, "sequence < ?")
		args = append(args, opts.Before)
	}
	if !opts.From.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, opts.From.UnixNano())
	}
	if !opts.To.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, opts.To.UnixNano())
	}

	q := `SELECT sequence, timestamp, provider, model, purpose, input_tokens, output_tokens,
		latency_ms, success, error_message FROM llm_events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY sequence DESC"
	if opts.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storageErr("query llm events", err)
	}
	defer rows.Close()

	var out []LLMRequestEvent
	for rows.Next() {
		var (
			e       LLMRequestEvent
			ts      int64
			success int
		)
		if err := rows.Scan(&e.Sequence, &ts, &e.Provider, &e.Model, &e.Purpose,
			&e.InputTokens, &e.OutputTokens, &e.LatencyMs, &success, &e.ErrorMessage); err != nil {
			return nil, storageErr("scan llm event", err)
		}
		e.Timestamp = time.Unix(0, ts)
		e.Success = success != 0
		out = append(out, e)
	}
	return out, storageErr("query llm events", rows.Err())
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (r *eventRepo) LLMUsageByPurpose(ctx context.Context) ([]LLMUsage, error) {
	return r.usage(ctx, "purpose")
}

func (r *eventRepo) LLMUsageByModel(ctx context.Context) ([]LLMUsage, error) {
	return r.usage(ctx, "model")
}

// usage groups llm_events by column, which must be a trusted column name.
func (r *eventRepo) usage(ctx context.Context, column string) ([]LLMUsage, error) {
	q := `SELECT ` + column + `, COUNT(*), SUM(1 - success), SUM(input_tokens), SUM(output_tokens),
		CAST(AVG(latency_ms) AS INTEGER) FROM llm_events GROUP BY ` + column + ` ORDER BY ` + column
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, storageErr("llm usage", err)
	}
	defer rows.Close()

	var out []LLMUsage
	for rows.Next() {
		var u LLMUsage
		if err := rows.Scan(&u.Key, &u.Calls, &u.Failures, &u.InputTokens, &u.OutputTokens, &u.AvgLatencyMs); err != nil {
			return nil, storageErr("scan llm usage", err)
		}
		out = append(out, u)
	}
	return out, storageErr("llm usage", rows.Err())
}
