package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/specialistvlad/botkernel/internal/registry"
	"github.com/specialistvlad/botkernel/internal/storage"
)

// Built-in roles.
const (
	RoleGuest     = "guest"
	RoleUser      = "user"
	RoleModerator = "moderator"
	RoleAdmin     = "admin"
)

// PermissionAll grants every permission.
const PermissionAll = "*"

var defaultRoles = map[string][]string{
	RoleGuest:     {},
	RoleUser:      {"use_commands"},
	RoleModerator: {"use_commands", "moderate"},
	RoleAdmin:     {PermissionAll},
}

// ErrUnknownRole is returned when assigning a role that does not exist.
var ErrUnknownRole = errors.New("unknown role")

// AdminChecker is implemented by services that keep their own admin list.
// A service registered as "admin" is consulted by IsAdmin.
type AdminChecker interface {
	IsAdmin(ctx context.Context, userID int64) bool
}

// Event is one recorded security event.
type Event struct {
	UserID    int64
	Action    string
	Details   string
	Timestamp time.Time
}

// Service answers authorization questions.
type Service struct {
	db       storage.Store
	registry *registry.Registry
	admins   []int64

	limit  int
	period time.Duration
	hits   *gocache.Cache
	roles  *gocache.Cache
}

func newService(db storage.Store, r *registry.Registry, admins []int64, limit int, period time.Duration) *Service {
	return &Service{
		db:       db,
		registry: r,
		admins:   admins,
		limit:    limit,
		period:   period,
		hits:     gocache.New(period, 2*period),
		roles:    gocache.New(5*time.Minute, 10*time.Minute),
	}
}

func createTables(ctx context.Context, db storage.Store) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS roles (
			name VARCHAR(64) PRIMARY KEY,
			permissions TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS user_roles (
			user_id BIGINT NOT NULL,
			role VARCHAR(64) NOT NULL,
			assigned_at VARCHAR(32),
			PRIMARY KEY (user_id, role)
		)`,
		`CREATE TABLE IF NOT EXISTS security_logs (
			` + db.Dialect().IDColumn() + `,
			user_id BIGINT,
			action VARCHAR(64) NOT NULL,
			details TEXT,
			timestamp VARCHAR(32) NOT NULL
		)`,
	}
	for _, q := range queries {
		if _, err := db.Execute(ctx, q); err != nil {
			return fmt.Errorf("creating security tables: %w", err)
		}
	}
	return nil
}

// seed inserts the built-in roles and gives configured admins the admin role.
func (s *Service) seed(ctx context.Context) error {
	for name, perms := range defaultRoles {
		raw, err := json.Marshal(perms)
		if err != nil {
			return err
		}
		err = storage.Upsert{
			Probe: `SELECT name FROM roles WHERE name = ?`, ProbeArgs: []any{name},
			Update: `UPDATE roles SET permissions = ? WHERE name = ?`, UpdateArgs: []any{string(raw), name},
			Insert: `INSERT INTO roles (name, permissions) VALUES (?, ?)`, InsertArgs: []any{name, string(raw)},
		}.Exec(ctx, s.db)
		if err != nil {
			return fmt.Errorf("seeding role %s: %w", name, err)
		}
	}
	for _, id := range s.admins {
		if err := s.AssignRole(ctx, id, RoleAdmin); err != nil {
			return err
		}
	}
	return nil
}

// Allow counts one action by userID against the rate limit. A limit of zero
// disables limiting.
func (s *Service) Allow(userID int64) bool {
	if s.limit <= 0 {
		return true
	}
	key := strconv.FormatInt(userID, 10)
	if err := s.hits.Add(key, 1, s.period); err == nil {
		return true
	}
	n, err := s.hits.IncrementInt(key, 1)
	if err != nil {
		// Expired between Add and IncrementInt.
		s.hits.Set(key, 1, s.period)
		return true
	}
	return n <= s.limit
}

// IsAdmin reports whether userID is configured as admin, holds the admin
// role or is known to the admin service.
func (s *Service) IsAdmin(ctx context.Context, userID int64) bool {
	if slices.Contains(s.admins, userID) {
		return true
	}
	if roles, err := s.Roles(ctx, userID); err == nil && slices.Contains(roles, RoleAdmin) {
		return true
	}
	if checker, err := registry.Service[AdminChecker](s.registry, "admin"); err == nil {
		return checker.IsAdmin(ctx, userID)
	}
	return false
}

// Roles lists the roles held by userID.
func (s *Service) Roles(ctx context.Context, userID int64) ([]string, error) {
	key := strconv.FormatInt(userID, 10)
	if v, ok := s.roles.Get(key); ok {
		return v.([]string), nil
	}
	rows, err := s.db.FetchAll(ctx, `SELECT role FROM user_roles WHERE user_id = ? ORDER BY role`, userID)
	if err != nil {
		return nil, err
	}
	roles := make([]string, 0, len(rows))
	for _, r := range rows {
		roles = append(roles, r.String("role"))
	}
	s.roles.SetDefault(key, roles)
	return roles, nil
}

// HasPermission reports whether any role of userID grants perm.
func (s *Service) HasPermission(ctx context.Context, userID int64, perm string) (bool, error) {
	roles, err := s.Roles(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, role := range roles {
		perms, err := s.permissions(ctx, role)
		if err != nil {
			return false, err
		}
		if slices.Contains(perms, PermissionAll) || slices.Contains(perms, perm) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) permissions(ctx context.Context, role string) ([]string, error) {
	row, err := s.db.FetchOne(ctx, `SELECT permissions FROM roles WHERE name = ?`, role)
	if errors.Is(err, storage.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var perms []string
	if err := json.Unmarshal([]byte(row.String("permissions")), &perms); err != nil {
		return nil, fmt.Errorf("role %s has malformed permissions: %w", role, err)
	}
	return perms, nil
}

// AssignRole gives userID the role. Assigning a held role is a no-op.
func (s *Service) AssignRole(ctx context.Context, userID int64, role string) error {
	if _, err := s.db.FetchOne(ctx, `SELECT name FROM roles WHERE name = ?`, role); err != nil {
		if errors.Is(err, storage.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrUnknownRole, role)
		}
		return err
	}
	_, err := s.db.FetchOne(ctx, `SELECT role FROM user_roles WHERE user_id = ? AND role = ?`, userID, role)
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, storage.ErrNoRows):
		return err
	}
	_, err = s.db.Execute(ctx, `INSERT INTO user_roles (user_id, role, assigned_at) VALUES (?, ?, ?)`,
		userID, role, storage.Timestamp(time.Now()))
	s.roles.Delete(strconv.FormatInt(userID, 10))
	return err
}

// RevokeRole removes role from userID and reports whether it was held.
func (s *Service) RevokeRole(ctx context.Context, userID int64, role string) (bool, error) {
	res, err := s.db.Execute(ctx, `DELETE FROM user_roles WHERE user_id = ? AND role = ?`, userID, role)
	s.roles.Delete(strconv.FormatInt(userID, 10))
	if err != nil {
		return false, err
	}
	return res.RowsAffected > 0, nil
}

// LogEvent records a security event.
func (s *Service) LogEvent(ctx context.Context, userID int64, action, details string) error {
	_, err := s.db.Execute(ctx,
		`INSERT INTO security_logs (user_id, action, details, timestamp) VALUES (?, ?, ?, ?)`,
		userID, action, details, storage.Timestamp(time.Now()))
	return err
}

// Events returns the newest security events of userID.
func (s *Service) Events(ctx context.Context, userID int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.FetchAll(ctx,
		fmt.Sprintf(`SELECT user_id, action, details, timestamp FROM security_logs WHERE user_id = ? ORDER BY id DESC LIMIT %d`, limit),
		userID)
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(rows))
	for _, r := range rows {
		ts, _ := storage.ParseTimestamp(r.String("timestamp"))
		out = append(out, Event{UserID: r.Int64("user_id"), Action: r.String("action"), Details: r.String("details"), Timestamp: ts})
	}
	return out, nil
}
