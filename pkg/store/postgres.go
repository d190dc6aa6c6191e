package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// Open connects the pool and runs pending migrations.
func Open(ctx context.Context, dsn string) (*Postgres, error) {
	if err := migrate(dsn); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func migrate(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// CreateSessionRecord inserts the session row at admission.
func (p *Postgres) CreateSessionRecord(ctx context.Context, rec SessionRecord) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO call_sessions (id, call_ref, caller_id, language, started_at, recording_consent, sms_opt_in)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.CallRef, rec.CallerID, rec.Language, rec.StartedAt, rec.RecordingOK, rec.SMSOptIn,
	)
	if err != nil {
		return fmt.Errorf("insert session record: %w", err)
	}
	return nil
}

// AppendTranscriptLine inserts one transcript line.
func (p *Postgres) AppendTranscriptLine(ctx context.Context, line TranscriptLine) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO transcript_lines (session_id, turn, speaker, text, confidence, at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		line.SessionID, line.Turn, line.Speaker, line.Text, line.Confidence, line.At,
	)
	if err != nil {
		return fmt.Errorf("insert transcript line: %w", err)
	}
	return nil
}

// FinalizeSessionRecord closes the session row.
func (p *Postgres) FinalizeSessionRecord(ctx context.Context, sum Summary) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE call_sessions
		SET ended_at = $2, end_reason = $3, turn_count = $4, sentiment = $5,
		    escalated = $6, transferred = $7
		WHERE id = $1`,
		sum.SessionID, sum.EndedAt, sum.EndReason, sum.TurnCount, sum.Sentiment,
		sum.Escalated, sum.Transferred,
	)
	if err != nil {
		return fmt.Errorf("finalize session record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finalize session record: session %s not found", sum.SessionID)
	}
	return nil
}
