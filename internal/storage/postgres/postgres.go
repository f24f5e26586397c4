package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/jardesigner/jardesigner/internal/config"
)

// EventRow represents a lifecycle event stored in Postgres.
type EventRow struct {
	EventID   int64                  `json:"event_id"`
	Timestamp time.Time              `json:"ts"`
	Level     string                 `json:"level"`
	Event     string                 `json:"event"`
	Message   *string                `json:"msg,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Host      string                 `json:"host"`
	RunID     *string                `json:"run_id,omitempty"`
}

// Client manages the Postgres connection for the run audit trail.
type Client struct {
	db   *sql.DB
	host string
}

// New connects using dsn, or the PG* environment variables when dsn is empty.
func New(dsn string) (*Client, error) {
	if dsn == "" {
		var err error
		dsn, err = envDSN()
		if err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	hostname, _ := os.Hostname()
	client := &Client{
		db:   db,
		host: hostname,
	}

	if err := client.createTable(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create run_events table: %w", err)
	}

	return client, nil
}

func envDSN() (string, error) {
	password, err := config.ResolveSecret(config.PostgresPasswordEnv)
	if err != nil {
		return "", err
	}
	return buildDSN(
		getEnv("PGHOST", "127.0.0.1"),
		getEnv("PGPORT", "5432"),
		getEnv("PGUSER", "jardesigner"),
		getEnv("PGDATABASE", "jardesigner"),
		password,
	), nil
}

func buildDSN(host, port, user, dbname, password string) string {
	if password != "" {
		return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
			host, port, user, password, dbname)
	}
	return fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=disable",
		host, port, user, dbname)
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func (c *Client) createTable() error {
	query := `
		CREATE TABLE IF NOT EXISTS run_events (
			event_id BIGSERIAL PRIMARY KEY,
			ts       TIMESTAMPTZ NOT NULL,
			level    TEXT NOT NULL,
			event    TEXT NOT NULL,
			msg      TEXT,
			fields   JSONB,
			host     TEXT NOT NULL,
			run_id   TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_run_events_ts ON run_events(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_run_events_run_id ON run_events(run_id);
	`
	_, err := c.db.Exec(query)
	return err
}

// Append inserts an event into the database.
func (c *Client) Append(ts time.Time, level, event, msg string, fields map[string]interface{}, runID string) error {
	var fieldsJSON []byte
	var err error
	if fields != nil {
		fieldsJSON, err = json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("failed to marshal fields: %w", err)
		}
	}

	query := `
		INSERT INTO run_events (ts, level, event, msg, fields, host, run_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = c.db.Exec(query, ts, level, event, nullable(msg), fieldsJSON, c.host, nullable(runID))
	return err
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Query returns the last N events in descending order by timestamp.
// A non-empty runID restricts the result to one run's channel.
func (c *Client) Query(runID string, limit int) ([]EventRow, error) {
	limit = clampLimit(limit)

	var (
		rows *sql.Rows
		err  error
	)
	if runID == "" {
		rows, err = c.db.Query(`
			SELECT event_id, ts, level, event, msg, fields, host, run_id
			FROM run_events
			ORDER BY ts DESC
			LIMIT $1
		`, limit)
	} else {
		rows, err = c.db.Query(`
			SELECT event_id, ts, level, event, msg, fields, host, run_id
			FROM run_events
			WHERE run_id = $1
			ORDER BY ts DESC
			LIMIT $2
		`, runID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var e EventRow
		var fieldsJSON []byte
		var msg, run sql.NullString

		if err := rows.Scan(&e.EventID, &e.Timestamp, &e.Level, &e.Event, &msg, &fieldsJSON, &e.Host, &run); err != nil {
			return nil, err
		}

		if msg.Valid {
			e.Message = &msg.String
		}
		if run.Valid {
			e.RunID = &run.String
		}
		if len(fieldsJSON) > 0 {
			if err := json.Unmarshal(fieldsJSON, &e.Fields); err != nil {
				return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
			}
		}

		out = append(out, e)
	}

	return out, rows.Err()
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 200
	}
	if limit > 10000 {
		return 10000
	}
	return limit
}

// Ping reports whether the database is reachable.
func (c *Client) Ping() error {
	return c.db.Ping()
}

// Close closes the database connection.
func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}
