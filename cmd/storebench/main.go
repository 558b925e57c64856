// Command storebench compares append throughput between ByteHot's embedded
// sqlite drivers: the pure-Go modernc.org/sqlite (used by internal/store/sqlite
// in production) and the CGO-based mattn/go-sqlite3, so an operator deciding
// whether the CGO build is worth its cross-compilation cost has a number to
// look at instead of a guess.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
    event_id          TEXT PRIMARY KEY,
    event_type        TEXT NOT NULL,
    aggregate_type     TEXT NOT NULL,
    aggregate_id       TEXT NOT NULL,
    aggregate_version  INTEGER NOT NULL,
    timestamp          INTEGER NOT NULL,
    payload            BLOB NOT NULL,
    UNIQUE(aggregate_type, aggregate_id, aggregate_version)
);
`

type result struct {
	driver   string
	events   int
	duration time.Duration
}

func (r result) String() string {
	perSec := float64(r.events) / r.duration.Seconds()
	return fmt.Sprintf("%-12s %8d events in %10s  (%.0f events/sec)", r.driver, r.events, r.duration, perSec)
}

func main() {
	events := flag.Int("events", 5000, "number of events to append per driver")
	dir := flag.String("dir", "", "directory for the benchmark database files (default: a temp dir)")
	flag.Parse()

	workDir := *dir
	if workDir == "" {
		tmp, err := os.MkdirTemp("", "storebench-*")
		if err != nil {
			log.Fatalf("create temp dir: %v", err)
		}
		defer os.RemoveAll(tmp)
		workDir = tmp
	}

	drivers := []string{"sqlite", "sqlite3"} // modernc.org/sqlite registers as "sqlite", mattn/go-sqlite3 as "sqlite3"
	var results []result
	for _, driverName := range drivers {
		r, err := benchmarkDriver(driverName, workDir, *events)
		if err != nil {
			log.Fatalf("benchmark %s: %v", driverName, err)
		}
		results = append(results, r)
	}

	fmt.Println("driver benchmark: sequential event append, one aggregate per event")
	for _, r := range results {
		fmt.Println(r.String())
	}
}

func benchmarkDriver(driverName, workDir string, count int) (result, error) {
	path := fmt.Sprintf("%s/storebench-%s.db", workDir, driverName)
	os.Remove(path)

	db, err := sql.Open(driverName, path)
	if err != nil {
		return result{}, fmt.Errorf("open %s: %w", driverName, err)
	}
	defer db.Close()
	defer os.Remove(path)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return result{}, fmt.Errorf("init schema: %w", err)
	}

	start := time.Now()
	for i := 0; i < count; i++ {
		aggregateID := fmt.Sprintf("bench:%d", i)
		_, err := db.ExecContext(ctx,
			`INSERT INTO events (event_id, event_type, aggregate_type, aggregate_id, aggregate_version, timestamp, payload)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			fmt.Sprintf("evt-%s-%d", driverName, i), "BenchmarkEvent", "bench", aggregateID, 1, time.Now().UnixNano(), []byte("{}"),
		)
		if err != nil {
			return result{}, fmt.Errorf("insert event %d: %w", i, err)
		}
	}
	elapsed := time.Since(start)

	return result{driver: driverName, events: count, duration: elapsed}, nil
}
