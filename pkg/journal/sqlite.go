package journal

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/markus-lassfolk/dfsd/pkg"
)

// SQLiteJournal stores events in an sqlite database.
type SQLiteJournal struct {
	db *sql.DB
}

// OpenSQLite opens or creates an sqlite journal.
func OpenSQLite(path string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	j := &SQLiteJournal{db: db}
	if err := j.initializeDatabase(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return j, nil
}

func (j *SQLiteJournal) initializeDatabase() error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		ts INTEGER NOT NULL,
		iface TEXT NOT NULL,
		type TEXT NOT NULL,
		payload TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
	CREATE INDEX IF NOT EXISTS idx_events_iface ON events(iface, ts);
	`
	_, err := j.db.Exec(createTableSQL)
	return err
}

// Append stores e.
func (j *SQLiteJournal) Append(e *pkg.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	_, err = j.db.Exec(`INSERT OR REPLACE INTO events (id, ts, iface, type, payload) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.UnixNano(), e.Iface, string(e.Type), string(data))
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// Query returns matching events, oldest first.
func (j *SQLiteJournal) Query(q Query) ([]*pkg.Event, error) {
	var where []string
	var args []interface{}
	if q.Iface != "" {
		where = append(where, "iface = ?")
		args = append(args, q.Iface)
	}
	if !q.Since.IsZero() {
		where = append(where, "ts > ?")
		args = append(args, q.Since.UnixNano())
	}
	if len(q.Types) > 0 {
		marks := make([]string, len(q.Types))
		for i, t := range q.Types {
			marks[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, "type IN ("+strings.Join(marks, ", ")+")")
	}

	query := "SELECT payload FROM events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := j.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []*pkg.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var e pkg.Event
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("corrupt journal entry: %w", err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortEvents(out)
	return out, nil
}

// Prune deletes events older than before.
func (j *SQLiteJournal) Prune(before time.Time) (int, error) {
	res, err := j.db.Exec("DELETE FROM events WHERE ts < ?", before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Close closes the database.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

func sortEvents(events []*pkg.Event) {
	sort.SliceStable(events, func(a, b int) bool {
		return events[a].Timestamp.Before(events[b].Timestamp)
	})
}
