package db

import (
	"context"
	"database/sql"
	"time"
)

// BotRecord is the durable row for one configured bot. Config is stored as an
// opaque JSON blob; the fleet package owns its shape.
type BotRecord struct {
	ID        string
	Tag       int64
	Config    string
	State     string
	CreatedAt time.Time
	StartedAt *time.Time
	StoppedAt *time.Time
}

// ActionEntry is one append-only audit log row.
type ActionEntry struct {
	ID        int64
	BotID     string
	Action    string
	Details   string
	CreatedAt time.Time
}

// AnalysisRecord is one row per analysis tick. Never mutated after insert.
type AnalysisRecord struct {
	ID         int64
	BotID      string
	Symbol     string
	Signal     string
	Confidence float64
	Indicators string // JSON map of indicator values
	Price      float64
	CreatedAt  time.Time
}

// TradeRecord is one row per order the fleet caused to be submitted.
type TradeRecord struct {
	ID          string
	BotID       string
	OrderID     string
	Direction   string
	Size        float64
	TakeProfit  float64
	StopLoss    float64
	Status      string // Open or Closed
	Profit      float64
	CloseReason string
	CreatedAt   time.Time
	ClosedAt    *time.Time
}

// Trade record statuses.
const (
	TradeOpen   = "Open"
	TradeClosed = "Closed"
)

// CreateBot inserts a new bot row.
func (d *Database) CreateBot(ctx context.Context, b BotRecord) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO bots (id, tag, config, state, created_at)
		VALUES (?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, b.ID, b.Tag, b.Config, b.State, nullTime(b.CreatedAt))
	return err
}

// GetBot returns a bot row or nil if not found.
func (d *Database) GetBot(ctx context.Context, id string) (*BotRecord, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, tag, config, state, created_at, started_at, stopped_at
		FROM bots WHERE id = ?
	`, id)
	var b BotRecord
	var started, stopped sql.NullTime
	if err := row.Scan(&b.ID, &b.Tag, &b.Config, &b.State, &b.CreatedAt, &started, &stopped); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	b.StartedAt = timePtr(started)
	b.StoppedAt = timePtr(stopped)
	return &b, nil
}

// ListBots returns all bot rows ordered by creation time.
func (d *Database) ListBots(ctx context.Context) ([]BotRecord, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, tag, config, state, created_at, started_at, stopped_at
		FROM bots ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []BotRecord
	for rows.Next() {
		var b BotRecord
		var started, stopped sql.NullTime
		if err := rows.Scan(&b.ID, &b.Tag, &b.Config, &b.State, &b.CreatedAt, &started, &stopped); err != nil {
			return nil, err
		}
		b.StartedAt = timePtr(started)
		b.StoppedAt = timePtr(stopped)
		res = append(res, b)
	}
	return res, rows.Err()
}

// UpdateBotState sets the persisted run state and stamps the matching
// transition timestamp (started_at for Running, stopped_at for Stopped).
func (d *Database) UpdateBotState(ctx context.Context, id, state string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE bots SET
			state = ?,
			started_at = CASE WHEN ? = 'Running' THEN CURRENT_TIMESTAMP ELSE started_at END,
			stopped_at = CASE WHEN ? = 'Stopped' THEN CURRENT_TIMESTAMP ELSE stopped_at END
		WHERE id = ?
	`, state, state, state, id)
	return err
}

// DeleteBot removes the bot row. Action log and records are kept for audit.
func (d *Database) DeleteBot(ctx context.Context, id string) error {
	_, err := d.DB.ExecContext(ctx, `DELETE FROM bots WHERE id = ?`, id)
	return err
}

// MaxTag returns the highest allocated tag, or 0 when no bots exist. Tags are
// never reused even after deletion, so allocation only ever moves forward.
func (d *Database) MaxTag(ctx context.Context) (int64, error) {
	var tag sql.NullInt64
	err := d.DB.QueryRowContext(ctx, `SELECT MAX(tag) FROM bots`).Scan(&tag)
	if err != nil {
		return 0, err
	}
	return tag.Int64, nil
}

// AppendAction writes one append-only audit entry.
func (d *Database) AppendAction(ctx context.Context, botID, action, details string) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO bot_actions (bot_id, action, details) VALUES (?, ?, ?)
	`, botID, action, details)
	return err
}

// ListActions returns the most recent audit entries for a bot.
func (d *Database) ListActions(ctx context.Context, botID string, limit int) ([]ActionEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, bot_id, action, COALESCE(details, ''), created_at
		FROM bot_actions WHERE bot_id = ?
		ORDER BY id DESC LIMIT ?
	`, botID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []ActionEntry
	for rows.Next() {
		var a ActionEntry
		if err := rows.Scan(&a.ID, &a.BotID, &a.Action, &a.Details, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// InsertAnalysis appends one analysis row.
func (d *Database) InsertAnalysis(ctx context.Context, a AnalysisRecord) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO analysis_records (bot_id, symbol, signal, confidence, indicators, price)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.BotID, a.Symbol, a.Signal, a.Confidence, a.Indicators, a.Price)
	return err
}

// LatestAnalysis returns the newest analysis row for a bot, or nil.
func (d *Database) LatestAnalysis(ctx context.Context, botID string) (*AnalysisRecord, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, bot_id, symbol, signal, confidence, COALESCE(indicators, ''), price, created_at
		FROM analysis_records WHERE bot_id = ?
		ORDER BY id DESC LIMIT 1
	`, botID)
	var a AnalysisRecord
	if err := row.Scan(&a.ID, &a.BotID, &a.Symbol, &a.Signal, &a.Confidence, &a.Indicators, &a.Price, &a.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

// CountAnalysis returns the number of analysis rows for a bot.
func (d *Database) CountAnalysis(ctx context.Context, botID string) (int64, error) {
	var n int64
	err := d.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM analysis_records WHERE bot_id = ?
	`, botID).Scan(&n)
	return n, err
}

// InsertTrade stores a newly accepted order as an open trade.
func (d *Database) InsertTrade(ctx context.Context, t TradeRecord) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO trade_records (id, bot_id, order_id, direction, size, take_profit, stop_loss, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.BotID, t.OrderID, t.Direction, t.Size, t.TakeProfit, t.StopLoss, t.Status)
	return err
}

// ListOpenTrades returns all trades for a bot still marked Open.
func (d *Database) ListOpenTrades(ctx context.Context, botID string) ([]TradeRecord, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, bot_id, order_id, direction, size, take_profit, stop_loss, status, profit, COALESCE(close_reason, ''), created_at, closed_at
		FROM trade_records WHERE bot_id = ? AND status = ?
	`, botID, TradeOpen)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrades(rows)
}

// ListTrades returns the most recent trades for a bot regardless of status.
func (d *Database) ListTrades(ctx context.Context, botID string, limit int) ([]TradeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, bot_id, order_id, direction, size, take_profit, stop_loss, status, profit, COALESCE(close_reason, ''), created_at, closed_at
		FROM trade_records WHERE bot_id = ?
		ORDER BY created_at DESC LIMIT ?
	`, botID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrades(rows)
}

// CloseTrade marks an open trade closed exactly once; a second call is a
// no-op because of the status guard in the WHERE clause.
func (d *Database) CloseTrade(ctx context.Context, id string, profit float64, reason string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE trade_records
		SET status = ?, profit = ?, close_reason = ?, closed_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?
	`, TradeClosed, profit, reason, id, TradeOpen)
	return err
}

func scanTrades(rows *sql.Rows) ([]TradeRecord, error) {
	var res []TradeRecord
	for rows.Next() {
		var t TradeRecord
		var closed sql.NullTime
		if err := rows.Scan(&t.ID, &t.BotID, &t.OrderID, &t.Direction, &t.Size, &t.TakeProfit, &t.StopLoss, &t.Status, &t.Profit, &t.CloseReason, &t.CreatedAt, &closed); err != nil {
			return nil, err
		}
		t.ClosedAt = timePtr(closed)
		res = append(res, t)
	}
	return res, rows.Err()
}

func timePtr(t sql.NullTime) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
