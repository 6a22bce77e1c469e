package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/specialistvlad/botkernel/internal/ctxlog"
	"github.com/specialistvlad/botkernel/internal/storage"
)

// Outcomes recorded in task_logs.
const (
	RunSucceeded = "success"
	RunFailed    = "failed"
)

var (
	ErrHandlerExists  = errors.New("task handler already registered")
	ErrUnknownHandler = errors.New("unknown task handler")
	ErrTaskNotFound   = errors.New("task not found")
)

// TaskHandler runs one scheduled task. The result is stored in the task log.
type TaskHandler func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// Task is a persisted cron task.
type Task struct {
	ID      int64
	Name    string
	Cron    string
	Handler string
	Args    []any
	Kwargs  map[string]any
	Enabled bool
	LastRun time.Time
	NextRun time.Time
}

// Run is one task_logs row.
type Run struct {
	TaskID     int64
	StartedAt  time.Time
	FinishedAt time.Time
	Status     string
	Result     string
	Error      string
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Service schedules tasks stored in the database.
type Service struct {
	db   storage.Store
	cron *cron.Cron
	ctx  context.Context

	mu       sync.Mutex
	handlers map[string]TaskHandler
	entries  map[int64]cron.EntryID
}

func newService(ctx context.Context, db storage.Store, loc *time.Location) *Service {
	logger := cronLogger{ctxlog.FromContext(ctx).With("component", "cron")}
	return &Service{
		db:       db,
		ctx:      ctx,
		cron:     cron.New(cron.WithParser(parser), cron.WithLocation(loc), cron.WithLogger(logger), cron.WithChain(cron.Recover(logger))),
		handlers: make(map[string]TaskHandler),
		entries:  make(map[int64]cron.EntryID),
	}
}

func createTables(ctx context.Context, db storage.Store) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
			` + db.Dialect().IDColumn() + `,
			name VARCHAR(255) NOT NULL UNIQUE,
			cron VARCHAR(128) NOT NULL,
			handler VARCHAR(255) NOT NULL,
			args TEXT,
			kwargs TEXT,
			enabled BOOLEAN NOT NULL,
			last_run VARCHAR(32),
			next_run VARCHAR(32),
			created_at VARCHAR(32) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS task_logs (
			` + db.Dialect().IDColumn() + `,
			task_id BIGINT NOT NULL,
			started_at VARCHAR(32) NOT NULL,
			finished_at VARCHAR(32),
			status VARCHAR(16) NOT NULL,
			result TEXT,
			error TEXT
		)`,
	}
	for _, q := range queries {
		if _, err := db.Execute(ctx, q); err != nil {
			return fmt.Errorf("creating scheduler tables: %w", err)
		}
	}
	return nil
}

// RegisterHandler makes fn available to tasks under name.
func (s *Service) RegisterHandler(name string, fn TaskHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handlers[name]; ok {
		return fmt.Errorf("%w: %s", ErrHandlerExists, name)
	}
	s.handlers[name] = fn
	return nil
}

// UnregisterHandler removes a handler. Tasks using it fail until it returns.
func (s *Service) UnregisterHandler(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handlers[name]
	delete(s.handlers, name)
	return ok
}

func (s *Service) handler(name string) (TaskHandler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn, ok := s.handlers[name]
	return fn, ok
}

// AddTask validates and stores t and schedules it when enabled.
func (s *Service) AddTask(ctx context.Context, t Task) (int64, error) {
	sched, err := parser.Parse(t.Cron)
	if err != nil {
		return 0, fmt.Errorf("invalid cron expression %q: %w", t.Cron, err)
	}
	args, err := json.Marshal(t.Args)
	if err != nil {
		return 0, err
	}
	kwargs, err := json.Marshal(t.Kwargs)
	if err != nil {
		return 0, err
	}
	next := ""
	if t.Enabled {
		next = storage.Timestamp(sched.Next(time.Now()))
	}
	id, err := s.db.Insert(ctx,
		`INSERT INTO scheduled_tasks (name, cron, handler, args, kwargs, enabled, next_run, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Name, t.Cron, t.Handler, string(args), string(kwargs), t.Enabled, next, storage.Timestamp(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("storing task %s: %w", t.Name, err)
	}
	if t.Enabled {
		s.schedule(id, sched)
	}
	return id, nil
}

// RemoveTask unschedules and deletes a task and its logs.
func (s *Service) RemoveTask(ctx context.Context, id int64) error {
	res, err := s.db.Execute(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	s.unschedule(id)
	_, err = s.db.Execute(ctx, `DELETE FROM task_logs WHERE task_id = ?`, id)
	return err
}

// SetEnabled turns a task on or off.
func (s *Service) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	t, err := s.Task(ctx, id)
	if err != nil {
		return err
	}
	next := ""
	if enabled {
		sched, err := parser.Parse(t.Cron)
		if err != nil {
			return err
		}
		s.schedule(id, sched)
		next = storage.Timestamp(sched.Next(time.Now()))
	} else {
		s.unschedule(id)
	}
	_, err = s.db.Execute(ctx, `UPDATE scheduled_tasks SET enabled = ?, next_run = ? WHERE id = ?`, enabled, next, id)
	return err
}

// Task returns one task.
func (s *Service) Task(ctx context.Context, id int64) (Task, error) {
	row, err := s.db.FetchOne(ctx, `SELECT * FROM scheduled_tasks WHERE id = ?`, id)
	if errors.Is(err, storage.ErrNoRows) {
		return Task{}, fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	if err != nil {
		return Task{}, err
	}
	return taskFromRow(row), nil
}

// Tasks lists every task ordered by id.
func (s *Service) Tasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.FetchAll(ctx, `SELECT * FROM scheduled_tasks ORDER BY id`)
	if err != nil {
		return nil, err
	}
	out := make([]Task, 0, len(rows))
	for _, r := range rows {
		out = append(out, taskFromRow(r))
	}
	return out, nil
}

// RunTask runs a task immediately, records the run and returns the
// handler's result.
func (s *Service) RunTask(ctx context.Context, id int64) (any, error) {
	t, err := s.Task(ctx, id)
	if err != nil {
		return nil, err
	}
	started := time.Now()
	result, runErr := s.invoke(ctx, t)
	finished := time.Now()

	status, errText, resText := RunSucceeded, "", ""
	if runErr != nil {
		status, errText = RunFailed, runErr.Error()
	} else if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			resText = fmt.Sprint(result)
		} else {
			resText = string(raw)
		}
	}

	if _, err := s.db.Execute(ctx,
		`INSERT INTO task_logs (task_id, started_at, finished_at, status, result, error) VALUES (?, ?, ?, ?, ?, ?)`,
		id, storage.Timestamp(started), storage.Timestamp(finished), status, resText, errText); err != nil {
		ctxlog.FromContext(ctx).Error("Failed to record task run.", "task", t.Name, "error", err)
	}
	next := ""
	if sched, err := parser.Parse(t.Cron); err == nil && t.Enabled {
		next = storage.Timestamp(sched.Next(finished))
	}
	if _, err := s.db.Execute(ctx, `UPDATE scheduled_tasks SET last_run = ?, next_run = ? WHERE id = ?`,
		storage.Timestamp(started), next, id); err != nil {
		ctxlog.FromContext(ctx).Error("Failed to update task.", "task", t.Name, "error", err)
	}
	return result, runErr
}

func (s *Service) invoke(ctx context.Context, t Task) (res any, err error) {
	fn, ok := s.handler(t.Handler)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandler, t.Handler)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task handler panicked: %v", r)
		}
	}()
	return fn(ctx, t.Args, t.Kwargs)
}

// Runs returns the newest runs of a task.
func (s *Service) Runs(ctx context.Context, taskID int64, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.FetchAll(ctx,
		fmt.Sprintf(`SELECT * FROM task_logs WHERE task_id = ? ORDER BY id DESC LIMIT %d`, limit), taskID)
	if err != nil {
		return nil, err
	}
	out := make([]Run, 0, len(rows))
	for _, r := range rows {
		started, _ := storage.ParseTimestamp(r.String("started_at"))
		finished, _ := storage.ParseTimestamp(r.String("finished_at"))
		out = append(out, Run{
			TaskID:     r.Int64("task_id"),
			StartedAt:  started,
			FinishedAt: finished,
			Status:     r.String("status"),
			Result:     r.String("result"),
			Error:      r.String("error"),
		})
	}
	return out, nil
}

// restore schedules every enabled task found in the database.
func (s *Service) restore(ctx context.Context) (int, error) {
	tasks, err := s.Tasks(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tasks {
		if !t.Enabled {
			continue
		}
		sched, err := parser.Parse(t.Cron)
		if err != nil {
			ctxlog.FromContext(ctx).Warn("Skipping task with invalid schedule.", "task", t.Name, "cron", t.Cron, "error", err)
			continue
		}
		s.schedule(t.ID, sched)
		n++
	}
	return n, nil
}

func (s *Service) schedule(id int64, sched cron.Schedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[id]; ok {
		s.cron.Remove(old)
	}
	s.entries[id] = s.cron.Schedule(sched, cron.FuncJob(func() {
		if _, err := s.RunTask(s.ctx, id); err != nil {
			ctxlog.FromContext(s.ctx).Warn("Scheduled task failed.", "task_id", id, "error", err)
		}
	}))
}

func (s *Service) unschedule(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if eid, ok := s.entries[id]; ok {
		s.cron.Remove(eid)
		delete(s.entries, id)
	}
}

func taskFromRow(r storage.Row) Task {
	t := Task{
		ID:      r.Int64("id"),
		Name:    r.String("name"),
		Cron:    r.String("cron"),
		Handler: r.String("handler"),
		Enabled: r.Bool("enabled"),
	}
	_ = json.Unmarshal([]byte(r.String("args")), &t.Args)
	_ = json.Unmarshal([]byte(r.String("kwargs")), &t.Kwargs)
	t.LastRun, _ = storage.ParseTimestamp(r.String("last_run"))
	t.NextRun, _ = storage.ParseTimestamp(r.String("next_run"))
	return t
}

// cronLogger routes cron's internal logging to slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
