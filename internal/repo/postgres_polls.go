package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kel027/telegram-polling-bot/internal/model"
)

// PostgresPollRepo stores polls, per-option tallies, transient message
// ids, and votes across four tables. Vote dedup is the primary key on
// votes.id plus INSERT ... ON CONFLICT DO NOTHING.
type PostgresPollRepo struct {
	db *sql.DB
}

func NewPostgresPollRepo(db *sql.DB) *PostgresPollRepo {
	return &PostgresPollRepo{db: db}
}

// EnsureSchema creates the tables when they do not exist yet.
func (r *PostgresPollRepo) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS polls (
			id TEXT PRIMARY KEY,
			question TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			remind_at TIMESTAMPTZ NOT NULL,
			close_at TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ,
			poll_message_id BIGINT NOT NULL DEFAULT 0,
			total_votes DOUBLE PRECISION NOT NULL DEFAULT 0,
			last_error TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS poll_options (
			poll_id TEXT NOT NULL REFERENCES polls(id) ON DELETE CASCADE,
			idx INT NOT NULL,
			label TEXT NOT NULL,
			count DOUBLE PRECISION NOT NULL DEFAULT 0,
			percentage DOUBLE PRECISION NOT NULL DEFAULT 0,
			PRIMARY KEY (poll_id, idx)
		)`,
		`CREATE TABLE IF NOT EXISTS poll_messages (
			poll_id TEXT NOT NULL REFERENCES polls(id) ON DELETE CASCADE,
			message_id BIGINT NOT NULL,
			PRIMARY KEY (poll_id, message_id)
		)`,
		`CREATE TABLE IF NOT EXISTS votes (
			id TEXT PRIMARY KEY,
			poll_id TEXT NOT NULL,
			user_id BIGINT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			option_index INT NOT NULL,
			weight DOUBLE PRECISION NOT NULL,
			cast_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS votes_poll_id_idx ON votes (poll_id)`,
	}

	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (r *PostgresPollRepo) UpsertPoll(ctx context.Context, p *model.Poll) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var closedAt sql.NullTime
	if p.ClosedAt != nil {
		closedAt = sql.NullTime{Time: *p.ClosedAt, Valid: true}
	}
	var lastErr sql.NullString
	if p.LastError != "" {
		lastErr = sql.NullString{String: p.LastError, Valid: true}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO polls (id, question, status, created_at, remind_at, close_at,
		                   closed_at, poll_message_id, total_votes, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			question = EXCLUDED.question,
			status = EXCLUDED.status,
			remind_at = EXCLUDED.remind_at,
			close_at = EXCLUDED.close_at,
			closed_at = EXCLUDED.closed_at,
			poll_message_id = EXCLUDED.poll_message_id,
			total_votes = EXCLUDED.total_votes,
			last_error = EXCLUDED.last_error
	`, p.ID, p.Question, string(p.Status), p.CreatedAt, p.RemindAt, p.CloseAt,
		closedAt, p.PollMessageID, p.TotalVotes, lastErr); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM poll_options WHERE poll_id = $1`, p.ID); err != nil {
		return err
	}
	for i, tally := range p.Tallies {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO poll_options (poll_id, idx, label, count, percentage)
			VALUES ($1, $2, $3, $4, $5)
		`, p.ID, i, tally.Label, tally.Count, tally.Percentage); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM poll_messages WHERE poll_id = $1`, p.ID); err != nil {
		return err
	}
	for _, msgID := range p.MessageIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO poll_messages (poll_id, message_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, p.ID, msgID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (r *PostgresPollRepo) GetPoll(ctx context.Context, id string) (*model.Poll, error) {
	p, err := r.scanPoll(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.loadPollDetails(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *PostgresPollRepo) ListPollsByStatus(ctx context.Context, statuses ...model.Status) ([]*model.Poll, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, s := range statuses {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = string(s)
	}

	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, question, status, created_at, remind_at, close_at,
		       closed_at, poll_message_id, total_votes, last_error
		FROM polls
		WHERE status IN (%s)
		ORDER BY created_at ASC
	`, strings.Join(placeholders, ",")), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var polls []*model.Poll
	for rows.Next() {
		p, err := scanPollRow(rows)
		if err != nil {
			return nil, err
		}
		polls = append(polls, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, p := range polls {
		if err := r.loadPollDetails(ctx, p); err != nil {
			return nil, err
		}
	}
	return polls, nil
}

func (r *PostgresPollRepo) MarkReminderSent(ctx context.Context, id string, messageID int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE polls SET status = $2 WHERE id = $1 AND status = $3
	`, id, string(model.ReminderSent), string(model.Active))
	if err != nil {
		return err
	}
	if err := requireTransition(ctx, tx, id, res); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO poll_messages (poll_id, message_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, id, messageID); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *PostgresPollRepo) MarkClosed(ctx context.Context, id string, closedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE polls SET status = $2, closed_at = $3
		WHERE id = $1 AND status IN ($4, $5, $6)
	`, id, string(model.Closed), closedAt,
		string(model.Pending), string(model.Active), string(model.ReminderSent))
	if err != nil {
		return err
	}
	return requireTransition(ctx, r.db, id, res)
}

func (r *PostgresPollRepo) MarkCancelled(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE polls SET status = $2
		WHERE id = $1 AND status IN ($3, $4, $5)
	`, id, string(model.Cancelled),
		string(model.Pending), string(model.Active), string(model.ReminderSent))
	if err != nil {
		return err
	}
	return requireTransition(ctx, r.db, id, res)
}

func (r *PostgresPollRepo) SetLastError(ctx context.Context, id string, msg string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE polls SET last_error = $2 WHERE id = $1
	`, id, msg)
	if err != nil {
		return err
	}
	return requireMatch(res)
}

func (r *PostgresPollRepo) InsertVoteIfAbsent(ctx context.Context, v *model.Vote) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO votes (id, poll_id, user_id, display_name, option_index, weight, cast_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, v.ID, v.PollID, v.UserID, v.DisplayName, v.OptionIndex, v.Weight, v.Timestamp)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *PostgresPollRepo) GetVote(ctx context.Context, userID int64, pollID string) (*model.Vote, error) {
	var v model.Vote
	err := r.db.QueryRowContext(ctx, `
		SELECT id, poll_id, user_id, display_name, option_index, weight, cast_at
		FROM votes
		WHERE id = $1
	`, model.VoteKey(userID, pollID)).Scan(
		&v.ID, &v.PollID, &v.UserID, &v.DisplayName, &v.OptionIndex, &v.Weight, &v.Timestamp,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrVoteNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *PostgresPollRepo) ListVotes(ctx context.Context, pollID string) ([]*model.Vote, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, poll_id, user_id, display_name, option_index, weight, cast_at
		FROM votes
		WHERE poll_id = $1
		ORDER BY cast_at ASC, user_id ASC
	`, pollID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var votes []*model.Vote
	for rows.Next() {
		var v model.Vote
		if err := rows.Scan(
			&v.ID, &v.PollID, &v.UserID, &v.DisplayName, &v.OptionIndex, &v.Weight, &v.Timestamp,
		); err != nil {
			return nil, err
		}
		votes = append(votes, &v)
	}
	return votes, rows.Err()
}

func (r *PostgresPollRepo) IncrementOptionCount(ctx context.Context, pollID string, optionIndex int, weight float64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE poll_options SET count = count + $3
		WHERE poll_id = $1 AND idx = $2
	`, pollID, optionIndex, weight)
	if err != nil {
		return err
	}
	if err := requireMatch(res); err != nil {
		return err
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE polls SET total_votes = total_votes + $2 WHERE id = $1
	`, pollID, weight)
	if err != nil {
		return err
	}
	if err := requireMatch(res); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *PostgresPollRepo) UpdatePollTallies(ctx context.Context, pollID string, tallies []model.OptionTally, total float64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE polls SET total_votes = $2 WHERE id = $1
	`, pollID, total)
	if err != nil {
		return err
	}
	if err := requireMatch(res); err != nil {
		return err
	}

	for i, tally := range tallies {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO poll_options (poll_id, idx, label, count, percentage)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (poll_id, idx) DO UPDATE SET
				label = EXCLUDED.label,
				count = EXCLUDED.count,
				percentage = EXCLUDED.percentage
		`, pollID, i, tally.Label, tally.Count, tally.Percentage); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (r *PostgresPollRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *PostgresPollRepo) Close(context.Context) error {
	return r.db.Close()
}

func (r *PostgresPollRepo) scanPoll(ctx context.Context, id string) (*model.Poll, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, question, status, created_at, remind_at, close_at,
		       closed_at, poll_message_id, total_votes, last_error
		FROM polls
		WHERE id = $1
	`, id)

	p, err := scanPollRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPollNotFound
	}
	return p, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPollRow(row rowScanner) (*model.Poll, error) {
	var p model.Poll
	var status string
	var closedAt sql.NullTime
	var lastErr sql.NullString

	if err := row.Scan(
		&p.ID,
		&p.Question,
		&status,
		&p.CreatedAt,
		&p.RemindAt,
		&p.CloseAt,
		&closedAt,
		&p.PollMessageID,
		&p.TotalVotes,
		&lastErr,
	); err != nil {
		return nil, err
	}

	p.Status = model.Status(status)
	if closedAt.Valid {
		t := closedAt.Time
		p.ClosedAt = &t
	}
	if lastErr.Valid {
		p.LastError = lastErr.String
	}
	return &p, nil
}

// loadPollDetails fills Options, Tallies, and MessageIDs from the side
// tables.
func (r *PostgresPollRepo) loadPollDetails(ctx context.Context, p *model.Poll) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT label, count, percentage
		FROM poll_options
		WHERE poll_id = $1
		ORDER BY idx ASC
	`, p.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	p.Options = nil
	p.Tallies = nil
	for rows.Next() {
		var tally model.OptionTally
		if err := rows.Scan(&tally.Label, &tally.Count, &tally.Percentage); err != nil {
			return err
		}
		p.Options = append(p.Options, tally.Label)
		p.Tallies = append(p.Tallies, tally)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	msgRows, err := r.db.QueryContext(ctx, `
		SELECT message_id
		FROM poll_messages
		WHERE poll_id = $1
		ORDER BY message_id ASC
	`, p.ID)
	if err != nil {
		return err
	}
	defer msgRows.Close()

	p.MessageIDs = nil
	for msgRows.Next() {
		var id int64
		if err := msgRows.Scan(&id); err != nil {
			return err
		}
		p.MessageIDs = append(p.MessageIDs, id)
	}
	return msgRows.Err()
}

func requireMatch(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrPollNotFound
	}
	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// requireTransition maps an unmatched guarded UPDATE onto the right
// error: ErrPollNotFound when the poll does not exist, ErrInvalidTransition
// when it exists in a status the guard excluded.
func requireTransition(ctx context.Context, q querier, id string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var exists bool
	if err := q.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM polls WHERE id = $1)
	`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrPollNotFound
	}
	return ErrInvalidTransition
}
