package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"text/template"
	"time"

	"github.com/specialistvlad/botkernel/internal/ctxlog"
	"github.com/specialistvlad/botkernel/internal/platform"
	"github.com/specialistvlad/botkernel/internal/storage"
	"github.com/specialistvlad/botkernel/internal/worker"
	"github.com/specialistvlad/botkernel/modules/system/database"
)

// Delivery states of a notification row.
const (
	StatusPending    = "pending"
	StatusScheduled  = "scheduled"
	StatusSent       = "sent"
	StatusFailed     = "failed"
	StatusSuppressed = "suppressed"
)

// ErrUnknownTemplate is returned by SendTemplate for a missing template.
var ErrUnknownTemplate = errors.New("unknown notification template")

// Preferences are one user's delivery settings. An empty Types list accepts
// every type.
type Preferences struct {
	Enabled    bool
	Types      []string
	QuietStart string
	QuietEnd   string
}

// Notification is one stored notification.
type Notification struct {
	ID           int64
	UserID       int64
	Type         string
	Message      string
	Status       string
	ScheduledFor time.Time
	Error        string
}

type delivery struct {
	id     int64
	userID int64
	text   string
}

// Service stores notifications and delivers them in the background.
type Service struct {
	db     storage.Store
	conn   platform.Connection
	worker *worker.Service[delivery]
	now    func() time.Time
}

func newService(db storage.Store, conn platform.Connection, queueSize int) *Service {
	s := &Service{db: db, conn: conn, now: time.Now}
	s.worker = worker.New[delivery](worker.Config{Name: "notifications", QueueSize: queueSize}, worker.ProcessFunc[delivery](s.deliver))
	return s
}

func createTables(ctx context.Context, db storage.Store) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS notifications (
			` + db.Dialect().IDColumn() + `,
			user_id BIGINT NOT NULL,
			type VARCHAR(64) NOT NULL,
			message TEXT NOT NULL,
			status VARCHAR(16) NOT NULL,
			created_at VARCHAR(32) NOT NULL,
			scheduled_for VARCHAR(32),
			sent_at VARCHAR(32),
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_status ON notifications(status, scheduled_for)`,
		`CREATE TABLE IF NOT EXISTS notification_templates (
			name VARCHAR(64) PRIMARY KEY,
			body TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS user_preferences (
			user_id BIGINT PRIMARY KEY,
			enabled BOOLEAN NOT NULL,
			types TEXT,
			quiet_start VARCHAR(5),
			quiet_end VARCHAR(5)
		)`,
	}
	for _, q := range queries {
		if _, err := db.Execute(ctx, q); err != nil {
			return fmt.Errorf("creating notification tables: %w", err)
		}
	}
	return nil
}

// Send stores a notification and queues it for delivery unless the user's
// preferences suppress or postpone it. It returns the notification id.
func (s *Service) Send(ctx context.Context, userID int64, kind, text string) (int64, error) {
	prefs, err := s.Preferences(ctx, userID)
	if err != nil {
		return 0, err
	}
	now := s.now()
	status, scheduled := StatusPending, now
	switch {
	case !prefs.Enabled || (len(prefs.Types) > 0 && !slices.Contains(prefs.Types, kind)):
		status = StatusSuppressed
	case prefs.QuietStart != "" && prefs.QuietEnd != "":
		start, errS := parseClock(prefs.QuietStart)
		end, errE := parseClock(prefs.QuietEnd)
		if errS == nil && errE == nil && inQuietHours(now, start, end) {
			status, scheduled = StatusScheduled, nextActive(now, start, end)
		}
	}

	id, err := s.db.Insert(ctx,
		`INSERT INTO notifications (user_id, type, message, status, created_at, scheduled_for) VALUES (?, ?, ?, ?, ?, ?)`,
		userID, kind, text, status, storage.Timestamp(now), storage.Timestamp(scheduled))
	if err != nil {
		return 0, fmt.Errorf("storing notification: %w", err)
	}
	if status == StatusPending {
		if err := s.worker.Add(ctx, delivery{id: id, userID: userID, text: text}); err != nil {
			s.markFailed(ctx, id, err)
			return id, err
		}
	}
	return id, nil
}

// SetTemplate stores a text/template body under name.
func (s *Service) SetTemplate(ctx context.Context, name, body string) error {
	if _, err := template.New(name).Parse(body); err != nil {
		return fmt.Errorf("invalid template %s: %w", name, err)
	}
	return storage.Upsert{
		Probe: `SELECT name FROM notification_templates WHERE name = ?`, ProbeArgs: []any{name},
		Update: `UPDATE notification_templates SET body = ? WHERE name = ?`, UpdateArgs: []any{body, name},
		Insert: `INSERT INTO notification_templates (name, body) VALUES (?, ?)`, InsertArgs: []any{name, body},
	}.Exec(ctx, s.db)
}

// SendTemplate renders the named template with data and sends the result.
func (s *Service) SendTemplate(ctx context.Context, userID int64, kind, name string, data any) (int64, error) {
	row, err := s.db.FetchOne(ctx, `SELECT body FROM notification_templates WHERE name = ?`, name)
	if errors.Is(err, storage.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}
	if err != nil {
		return 0, err
	}
	tmpl, err := template.New(name).Option("missingkey=error").Parse(row.String("body"))
	if err != nil {
		return 0, fmt.Errorf("invalid template %s: %w", name, err)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return 0, fmt.Errorf("rendering template %s: %w", name, err)
	}
	return s.Send(ctx, userID, kind, b.String())
}

// Broadcast sends text to every known user and returns how many
// notifications were stored.
func (s *Service) Broadcast(ctx context.Context, kind, text string) (int, error) {
	ids, err := database.UserIDs(ctx, s.db)
	if err != nil {
		return 0, err
	}
	var errs []error
	n := 0
	for _, id := range ids {
		if _, err := s.Send(ctx, id, kind, text); err != nil {
			errs = append(errs, fmt.Errorf("user %d: %w", id, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// Preferences returns the stored preferences of userID, or the defaults.
func (s *Service) Preferences(ctx context.Context, userID int64) (Preferences, error) {
	row, err := s.db.FetchOne(ctx, `SELECT enabled, types, quiet_start, quiet_end FROM user_preferences WHERE user_id = ?`, userID)
	if errors.Is(err, storage.ErrNoRows) {
		return Preferences{Enabled: true}, nil
	}
	if err != nil {
		return Preferences{}, err
	}
	p := Preferences{
		Enabled:    row.Bool("enabled"),
		QuietStart: row.String("quiet_start"),
		QuietEnd:   row.String("quiet_end"),
	}
	if raw := row.String("types"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &p.Types); err != nil {
			return Preferences{}, fmt.Errorf("malformed notification types for user %d: %w", userID, err)
		}
	}
	return p, nil
}

// SetPreferences stores p for userID.
func (s *Service) SetPreferences(ctx context.Context, userID int64, p Preferences) error {
	if (p.QuietStart == "") != (p.QuietEnd == "") {
		return errors.New("quiet hours need both a start and an end")
	}
	if p.QuietStart != "" {
		if _, err := parseClock(p.QuietStart); err != nil {
			return err
		}
		if _, err := parseClock(p.QuietEnd); err != nil {
			return err
		}
	}
	types, err := json.Marshal(p.Types)
	if err != nil {
		return err
	}
	return storage.Upsert{
		Probe: `SELECT user_id FROM user_preferences WHERE user_id = ?`, ProbeArgs: []any{userID},
		Update:     `UPDATE user_preferences SET enabled = ?, types = ?, quiet_start = ?, quiet_end = ? WHERE user_id = ?`,
		UpdateArgs: []any{p.Enabled, string(types), p.QuietStart, p.QuietEnd, userID},
		Insert:     `INSERT INTO user_preferences (user_id, enabled, types, quiet_start, quiet_end) VALUES (?, ?, ?, ?, ?)`,
		InsertArgs: []any{userID, p.Enabled, string(types), p.QuietStart, p.QuietEnd},
	}.Exec(ctx, s.db)
}

// Get returns one stored notification.
func (s *Service) Get(ctx context.Context, id int64) (Notification, error) {
	row, err := s.db.FetchOne(ctx, `SELECT id, user_id, type, message, status, scheduled_for, error FROM notifications WHERE id = ?`, id)
	if err != nil {
		return Notification{}, err
	}
	at, _ := storage.ParseTimestamp(row.String("scheduled_for"))
	return Notification{
		ID:           row.Int64("id"),
		UserID:       row.Int64("user_id"),
		Type:         row.String("type"),
		Message:      row.String("message"),
		Status:       row.String("status"),
		ScheduledFor: at,
		Error:        row.String("error"),
	}, nil
}

// releaseDue queues every scheduled notification whose time has come.
func (s *Service) releaseDue(ctx context.Context) (int, error) {
	rows, err := s.db.FetchAll(ctx,
		`SELECT id, user_id, message FROM notifications WHERE status = ? AND scheduled_for <= ? ORDER BY id`,
		StatusScheduled, storage.Timestamp(s.now()))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range rows {
		id := r.Int64("id")
		if _, err := s.db.Execute(ctx, `UPDATE notifications SET status = ? WHERE id = ?`, StatusPending, id); err != nil {
			return n, err
		}
		if err := s.worker.Add(ctx, delivery{id: id, userID: r.Int64("user_id"), text: r.String("message")}); err != nil {
			s.markFailed(ctx, id, err)
			continue
		}
		n++
	}
	return n, nil
}

func (s *Service) deliver(ctx context.Context, d delivery) error {
	if err := s.conn.Send(ctx, d.userID, d.text); err != nil {
		s.markFailed(ctx, d.id, err)
		return err
	}
	_, err := s.db.Execute(ctx, `UPDATE notifications SET status = ?, sent_at = ? WHERE id = ?`,
		StatusSent, storage.Timestamp(s.now()), d.id)
	return err
}

func (s *Service) markFailed(ctx context.Context, id int64, cause error) {
	if _, err := s.db.Execute(ctx, `UPDATE notifications SET status = ?, error = ? WHERE id = ?`, StatusFailed, cause.Error(), id); err != nil {
		ctxlog.FromContext(ctx).Error("Failed to mark notification as failed.", "id", id, "error", err)
	}
}
