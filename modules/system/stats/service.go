package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/specialistvlad/botkernel/internal/storage"
)

// Metric kinds stored in stats_metrics.
const (
	KindCounter = "counter"
	KindGauge   = "gauge"
)

// Service aggregates metrics in memory and flushes them to the database.
type Service struct {
	db  storage.Store
	now func() time.Time

	mu       sync.Mutex
	counters map[string]float64
	gauges   map[string]float64
}

func newService(db storage.Store) *Service {
	return &Service{
		db:       db,
		now:      time.Now,
		counters: make(map[string]float64),
		gauges:   make(map[string]float64),
	}
}

func createTables(ctx context.Context, db storage.Store) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS stats_metrics (
			` + db.Dialect().IDColumn() + `,
			name VARCHAR(255) NOT NULL,
			kind VARCHAR(16) NOT NULL,
			value DOUBLE PRECISION NOT NULL,
			recorded_at VARCHAR(32) NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stats_metrics_name ON stats_metrics(name, recorded_at)`,
		`CREATE TABLE IF NOT EXISTS stats_events (
			` + db.Dialect().IDColumn() + `,
			name VARCHAR(255) NOT NULL,
			user_id BIGINT,
			data TEXT,
			recorded_at VARCHAR(32) NOT NULL
		)`,
	}
	for _, q := range queries {
		if _, err := db.Execute(ctx, q); err != nil {
			return fmt.Errorf("creating stats tables: %w", err)
		}
	}
	return nil
}

// Increment adds delta to a counter.
func (s *Service) Increment(name string, delta float64) {
	s.mu.Lock()
	s.counters[name] += delta
	s.mu.Unlock()
}

// Gauge sets a gauge to value.
func (s *Service) Gauge(name string, value float64) {
	s.mu.Lock()
	s.gauges[name] = value
	s.mu.Unlock()
}

// Event records a single occurrence with optional data.
func (s *Service) Event(ctx context.Context, name string, userID int64, data map[string]any) error {
	var raw any
	if len(data) > 0 {
		b, err := json.Marshal(data)
		if err != nil {
			return err
		}
		raw = string(b)
	}
	_, err := s.db.Execute(ctx, `INSERT INTO stats_events (name, user_id, data, recorded_at) VALUES (?, ?, ?, ?)`,
		name, userID, raw, storage.Timestamp(s.now()))
	return err
}

// Flush writes pending counter deltas and current gauges. Counters restart
// from zero; on failure the deltas are kept for the next flush.
func (s *Service) Flush(ctx context.Context) error {
	s.mu.Lock()
	counters := s.counters
	gauges := maps.Clone(s.gauges)
	s.counters = make(map[string]float64)
	s.mu.Unlock()

	if len(counters) == 0 && len(gauges) == 0 {
		return nil
	}
	at := storage.Timestamp(s.now())
	rows := make([][]any, 0, len(counters)+len(gauges))
	for name, v := range counters {
		rows = append(rows, []any{name, KindCounter, v, at})
	}
	for name, v := range gauges {
		rows = append(rows, []any{name, KindGauge, v, at})
	}
	err := s.db.ExecuteMany(ctx, `INSERT INTO stats_metrics (name, kind, value, recorded_at) VALUES (?, ?, ?, ?)`, rows)
	if err != nil {
		s.mu.Lock()
		for name, v := range counters {
			s.counters[name] += v
		}
		s.mu.Unlock()
		return fmt.Errorf("flushing metrics: %w", err)
	}
	return nil
}

// Total sums a counter since the given time, including unflushed deltas.
func (s *Service) Total(ctx context.Context, name string, since time.Time) (float64, error) {
	row, err := s.db.FetchOne(ctx,
		`SELECT COALESCE(SUM(value), 0) AS total FROM stats_metrics WHERE name = ? AND kind = ? AND recorded_at >= ?`,
		name, KindCounter, storage.Timestamp(since))
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	pending := s.counters[name]
	s.mu.Unlock()
	return row.Float64("total") + pending, nil
}

// Summary returns every counter total and the current gauge values.
func (s *Service) Summary(ctx context.Context) (map[string]float64, error) {
	rows, err := s.db.FetchAll(ctx,
		`SELECT name, SUM(value) AS total FROM stats_metrics WHERE kind = ? GROUP BY name`, KindCounter)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(rows))
	for _, r := range rows {
		out[r.String("name")] = r.Float64("total")
	}
	s.mu.Lock()
	for name, v := range s.counters {
		out[name] += v
	}
	maps.Copy(out, s.gauges)
	s.mu.Unlock()
	return out, nil
}

// EventCount counts recorded events by name since the given time.
func (s *Service) EventCount(ctx context.Context, name string, since time.Time) (int64, error) {
	row, err := s.db.FetchOne(ctx, `SELECT COUNT(*) AS n FROM stats_events WHERE name = ? AND recorded_at >= ?`,
		name, storage.Timestamp(since))
	if err != nil {
		return 0, err
	}
	return row.Int64("n"), nil
}
