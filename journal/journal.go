// Package journal persists the operator-facing sequence of events (value
// changes, connection transitions, operator commands, write failures) to
// per-day SQLite files.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Event is a single loggable action or state change.
type Event struct {
	Timestamp time.Time
	Tag       string
	Previous  string
	New       string
	EventType string
}

const (
	TypeValueChange    = "VALUE_CHANGE"
	TypeUserCommand    = "USER_COMMAND"
	TypeConnLost       = "CONN_LOST"
	TypeConnRestored   = "CONN_RESTORED"
	TypeWriteFailed    = "WRITE_FAILED"
	TypeWriteAbandoned = "WRITE_ABANDONED"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp TEXT NOT NULL,
    tag TEXT NOT NULL,
    previous_value TEXT,
    new_value TEXT,
    event_type TEXT NOT NULL
);`

// Writer is a long-running goroutine that listens for events and appends them
// to a daily SQLite file under dir. On shutdown it drains whatever is still
// buffered on the channel before returning.
func Writer(ctx context.Context, wg *sync.WaitGroup, events <-chan Event, dir string, log zerolog.Logger) {
	defer wg.Done()
	log = log.With().Str("component", "journal").Logger()
	log.Info().Str("dir", dir).Msg("journal writer started")

	dbs := make(map[string]*sql.DB)
	defer func() {
		for _, db := range dbs {
			db.Close()
		}
		log.Info().Msg("journal writer stopped")
	}()

	writeEvent := func(ev Event) {
		dateStr := ev.Timestamp.Format("2006-01-02")
		db, ok := dbs[dateStr]
		if !ok {
			var err error
			path := filepath.Join(dir, fmt.Sprintf("events_%s.db", dateStr))
			db, err = sql.Open("sqlite", path)
			if err != nil {
				log.Error().Str("file", path).Err(err).Msg("open journal file")
				return
			}
			if _, err := db.Exec(createTableSQL); err != nil {
				log.Error().Str("file", path).Err(err).Msg("create journal schema")
				db.Close()
				return
			}
			dbs[dateStr] = db
		}

		_, err := db.Exec(
			"INSERT INTO events(timestamp, tag, previous_value, new_value, event_type) VALUES(?, ?, ?, ?, ?)",
			ev.Timestamp.Format("2006-01-02 15:04:05.000"), ev.Tag, ev.Previous, ev.New, ev.EventType,
		)
		if err != nil {
			log.Error().Err(err).Msg("insert event")
		}
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			writeEvent(ev)
		case <-ctx.Done():
			for len(events) > 0 {
				writeEvent(<-events)
			}
			return
		}
	}
}
