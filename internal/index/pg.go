package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/alertpipe/alertpipe/internal/model"
)

// Database wraps the index connection pool.
type Database struct {
	db *sql.DB
}

func New(dsn string) (*Database, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open index database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping index database: %w", err)
	}
	return &Database{db: db}, nil
}

func (d *Database) Close() error { return d.db.Close() }

// PGStore persists alert and action documents. Tables roll monthly and
// each document is homed to the period it was opened in; the full
// document is kept as jsonb beside the columns queries filter on.
type PGStore struct {
	db  *sql.DB
	now func() time.Time

	// mu guards created; one store is shared by every pipeline stage.
	mu      sync.Mutex
	created map[string]bool
}

func NewPGStore(d *Database) *PGStore {
	return &PGStore{db: d.db, now: time.Now, created: map[string]bool{}}
}

func periodSuffix(t time.Time) string {
	return t.UTC().Format("200601")
}

// alertHome picks the table an alert document lives in. Homing by begin
// time keeps every alert in exactly one table even when updates land in
// a later period.
func (s *PGStore) alertHome(alert *model.Alert) string {
	if alert.BeginTime > 0 {
		return "alerts_" + periodSuffix(time.Unix(alert.BeginTime, 0))
	}
	return "alerts_" + periodSuffix(s.now())
}

func (s *PGStore) actionHome(action *model.Action) string {
	if action.CreateTime > 0 {
		return "actions_" + periodSuffix(time.Unix(action.CreateTime, 0))
	}
	return "actions_" + periodSuffix(s.now())
}

// lookupTables lists the current period's table first and the previous
// period's second. An alert opened near a period boundary stays visible
// to dedupe lookups until it falls out of the one-period lookback, well
// past the confirmation window's open-marker lifetime.
func (s *PGStore) lookupTables(prefix string) [2]string {
	now := s.now().UTC()
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return [2]string{
		prefix + periodSuffix(now),
		prefix + periodSuffix(first.AddDate(0, -1, 0)),
	}
}

// ensureAlertTable creates a period's table on first touch.
func (s *PGStore) ensureAlertTable(ctx context.Context, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.created[table] {
		return nil
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		dedupe_md5 TEXT NOT NULL,
		status TEXT NOT NULL,
		strategy_id BIGINT NOT NULL,
		assignee TEXT[],
		doc JSONB NOT NULL
	)`, table)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure %s: %w", table, err)
	}
	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_dedupe ON %s (dedupe_md5) WHERE status = 'ABNORMAL'`, table, table)
	if _, err := s.db.ExecContext(ctx, idx); err != nil {
		return fmt.Errorf("ensure %s index: %w", table, err)
	}
	s.created[table] = true
	return nil
}

func (s *PGStore) ensureActionTable(ctx context.Context, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.created[table] {
		return nil
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		signal TEXT NOT NULL,
		status TEXT NOT NULL,
		strategy_id BIGINT NOT NULL,
		doc JSONB NOT NULL
	)`, table)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure %s: %w", table, err)
	}
	s.created[table] = true
	return nil
}

func (s *PGStore) UpsertAlert(ctx context.Context, alert *model.Alert) error {
	table := s.alertHome(alert)
	if err := s.ensureAlertTable(ctx, table); err != nil {
		return err
	}
	doc, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert %s: %w", alert.ID, err)
	}
	q := fmt.Sprintf(`INSERT INTO %s (id, dedupe_md5, status, strategy_id, assignee, doc)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			dedupe_md5 = EXCLUDED.dedupe_md5,
			status = EXCLUDED.status,
			strategy_id = EXCLUDED.strategy_id,
			assignee = EXCLUDED.assignee,
			doc = EXCLUDED.doc`, table)
	_, err = s.db.ExecContext(ctx, q,
		alert.ID, alert.DedupeMD5, alert.Status, alert.StrategyID,
		pq.Array(alert.Assignee), doc)
	if err != nil {
		return fmt.Errorf("upsert alert %s: %w", alert.ID, err)
	}
	return nil
}

func scanAlertDoc(row interface{ Scan(...any) error }) (*model.Alert, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var alert model.Alert
	if err := json.Unmarshal(doc, &alert); err != nil {
		return nil, fmt.Errorf("corrupt alert document: %w", err)
	}
	return &alert, nil
}

func (s *PGStore) GetOpenAlert(ctx context.Context, dedupeMD5 string) (*model.Alert, error) {
	for _, table := range s.lookupTables("alerts_") {
		if err := s.ensureAlertTable(ctx, table); err != nil {
			return nil, err
		}
		q := fmt.Sprintf(`SELECT doc FROM %s WHERE dedupe_md5 = $1 AND status = 'ABNORMAL'
			ORDER BY id DESC LIMIT 1`, table)
		alert, err := scanAlertDoc(s.db.QueryRowContext(ctx, q, dedupeMD5))
		if err != nil || alert != nil {
			return alert, err
		}
	}
	return nil, nil
}

func (s *PGStore) GetAlert(ctx context.Context, id string) (*model.Alert, error) {
	for _, table := range s.lookupTables("alerts_") {
		if err := s.ensureAlertTable(ctx, table); err != nil {
			return nil, err
		}
		q := fmt.Sprintf(`SELECT doc FROM %s WHERE id = $1`, table)
		alert, err := scanAlertDoc(s.db.QueryRowContext(ctx, q, id))
		if err != nil || alert != nil {
			return alert, err
		}
	}
	return nil, nil
}

func (s *PGStore) OpenAlertsByStrategy(ctx context.Context, strategyID int) ([]*model.Alert, error) {
	var out []*model.Alert
	for _, table := range s.lookupTables("alerts_") {
		if err := s.ensureAlertTable(ctx, table); err != nil {
			return nil, err
		}
		q := fmt.Sprintf(`SELECT doc FROM %s WHERE strategy_id = $1 AND status = 'ABNORMAL'`, table)
		rows, err := s.db.QueryContext(ctx, q, strategyID)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var doc []byte
			if err := rows.Scan(&doc); err != nil {
				rows.Close()
				return nil, err
			}
			var alert model.Alert
			if err := json.Unmarshal(doc, &alert); err != nil {
				log.Warn().Err(err).Msg("skipping corrupt alert document")
				continue
			}
			out = append(out, &alert)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

func (s *PGStore) UpsertAction(ctx context.Context, action *model.Action) error {
	table := s.actionHome(action)
	if err := s.ensureActionTable(ctx, table); err != nil {
		return err
	}
	doc, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("marshal action %s: %w", action.ID, err)
	}
	q := fmt.Sprintf(`INSERT INTO %s (id, signal, status, strategy_id, doc)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			signal = EXCLUDED.signal,
			status = EXCLUDED.status,
			strategy_id = EXCLUDED.strategy_id,
			doc = EXCLUDED.doc`, table)
	_, err = s.db.ExecContext(ctx, q, action.ID, action.Signal, action.Status, action.StrategyID, doc)
	if err != nil {
		return fmt.Errorf("upsert action %s: %w", action.ID, err)
	}
	return nil
}

func (s *PGStore) GetAction(ctx context.Context, id string) (*model.Action, error) {
	for _, table := range s.lookupTables("actions_") {
		if err := s.ensureActionTable(ctx, table); err != nil {
			return nil, err
		}
		q := fmt.Sprintf(`SELECT doc FROM %s WHERE id = $1`, table)
		var doc []byte
		err := s.db.QueryRowContext(ctx, q, id).Scan(&doc)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var action model.Action
		if err := json.Unmarshal(doc, &action); err != nil {
			return nil, fmt.Errorf("corrupt action document: %w", err)
		}
		return &action, nil
	}
	return nil, nil
}
