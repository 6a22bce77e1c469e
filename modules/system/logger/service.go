package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/specialistvlad/botkernel/internal/storage"
	"github.com/specialistvlad/botkernel/internal/worker"
)

// Entry is one persisted log record.
type Entry struct {
	Timestamp time.Time
	Level     string
	Module    string
	Message   string
	Details   map[string]any
	UserID    int64
	ChatID    int64
}

// Filter narrows Recent. Zero fields match everything.
type Filter struct {
	Level  string
	Module string
	Since  time.Time
	Limit  int
}

// Service writes entries through a background queue and reads them back.
type Service struct {
	db     storage.Store
	worker *worker.Service[Entry]
	now    func() time.Time
}

func newService(db storage.Store, queueSize int) *Service {
	s := &Service{db: db, now: time.Now}
	s.worker = worker.New[Entry](worker.Config{Name: "logger", QueueSize: queueSize}, worker.ProcessFunc[Entry](s.save))
	return s
}

func createTables(ctx context.Context, db storage.Store) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS system_logs (
			` + db.Dialect().IDColumn() + `,
			timestamp VARCHAR(32) NOT NULL,
			level VARCHAR(16) NOT NULL,
			module VARCHAR(255),
			message TEXT NOT NULL,
			details TEXT,
			user_id BIGINT,
			chat_id BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON system_logs(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_level ON system_logs(level)`,
	}
	for _, q := range queries {
		if _, err := db.Execute(ctx, q); err != nil {
			return fmt.Errorf("creating log tables: %w", err)
		}
	}
	return nil
}

// Log queues e for persistence.
func (s *Service) Log(ctx context.Context, e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	e.Level = strings.ToUpper(e.Level)
	if e.Level == "" {
		e.Level = "INFO"
	}
	return s.worker.Add(ctx, e)
}

// Stats reports the state of the write queue.
func (s *Service) Stats() worker.Stats {
	return s.worker.Stats()
}

func (s *Service) save(ctx context.Context, e Entry) error {
	var details any
	if len(e.Details) > 0 {
		raw, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("encoding details: %w", err)
		}
		details = string(raw)
	}
	_, err := s.db.Execute(ctx,
		`INSERT INTO system_logs (timestamp, level, module, message, details, user_id, chat_id) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		storage.Timestamp(e.Timestamp), e.Level, e.Module, e.Message, details, e.UserID, e.ChatID,
	)
	return err
}

// Recent returns the newest entries matching f.
func (s *Service) Recent(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		conds []string
		args  []any
	)
	if f.Level != "" {
		conds = append(conds, "level = ?")
		args = append(args, strings.ToUpper(f.Level))
	}
	if f.Module != "" {
		conds = append(conds, "module = ?")
		args = append(args, f.Module)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, storage.Timestamp(f.Since))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	query := "SELECT timestamp, level, module, message, details, user_id, chat_id FROM system_logs"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY timestamp DESC, id DESC LIMIT %d", limit)

	rows, err := s.db.FetchAll(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		ts, _ := storage.ParseTimestamp(r.String("timestamp"))
		e := Entry{
			Timestamp: ts,
			Level:     r.String("level"),
			Module:    r.String("module"),
			Message:   r.String("message"),
			UserID:    r.Int64("user_id"),
			ChatID:    r.Int64("chat_id"),
		}
		if raw := r.String("details"); raw != "" {
			_ = json.Unmarshal([]byte(raw), &e.Details)
		}
		out = append(out, e)
	}
	return out, nil
}

// ClearOlderThan deletes entries older than age and returns how many went.
func (s *Service) ClearOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := storage.Timestamp(s.now().Add(-age))
	res, err := s.db.Execute(ctx, `DELETE FROM system_logs WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected, nil
}
