package notifications

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/specialistvlad/botkernel/internal/platform/local"
	"github.com/specialistvlad/botkernel/internal/storage"
	"github.com/specialistvlad/botkernel/internal/testutil"
	"github.com/stretchr/testify/require"
)

func TestQuietHours_PostponesDelivery(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	ctx, _ := testutil.Context(t)
	db, err := storage.Open(ctx, filepath.Join(t.TempDir(), "n.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, createTables(ctx, db))

	conn := local.New()
	svc := newService(db, conn, 10)
	now := time.Date(2024, 3, 10, 23, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	require.NoError(t, svc.worker.Start(ctx))
	t.Cleanup(func() { _ = svc.worker.Stop(ctx) })
	require.NoError(t, svc.SetPreferences(ctx, 5, Preferences{Enabled: true, QuietStart: "22:00", QuietEnd: "07:00"}))

	// --- Act ---
	id, err := svc.Send(ctx, 5, "info", "good morning")
	require.NoError(t, err)

	// --- Assert ---
	n, err := svc.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusScheduled, n.Status)
	require.Equal(t, time.Date(2024, 3, 11, 7, 0, 0, 0, time.UTC), n.ScheduledFor)

	released, err := svc.releaseDue(ctx)
	require.NoError(t, err)
	require.Zero(t, released)

	now = time.Date(2024, 3, 11, 7, 1, 0, 0, time.UTC)
	released, err = svc.releaseDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, released)
	require.Eventually(t, func() bool {
		n, err := svc.Get(ctx, id)
		return err == nil && n.Status == StatusSent
	}, 2*time.Second, 10*time.Millisecond)
	require.Len(t, conn.Sent(), 1)
}
