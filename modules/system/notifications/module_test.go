package notifications_test

import (
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/specialistvlad/botkernel/internal/module"
	"github.com/specialistvlad/botkernel/internal/testutil/kerneltest"
	"github.com/specialistvlad/botkernel/modules/system/database"
	"github.com/specialistvlad/botkernel/modules/system/notifications"
	"github.com/stretchr/testify/require"
)

func newHarness(t *testing.T) (*kerneltest.Harness, *notifications.Service) {
	t.Helper()
	catalog := module.NewCatalog().
		MustRegister(database.Name, database.New).
		MustRegister(notifications.Name, notifications.New)
	h := kerneltest.New(t, catalog, database.Name, notifications.Name)
	h.Load(t)
	svc, err := notifications.FromRegistry(h.Kernel.Registry())
	require.NoError(t, err)
	return h, svc
}

func sentTo(h *kerneltest.Harness, chatID int64) []string {
	var out []string
	for _, m := range h.Conn.Sent() {
		if m.ChatID == chatID {
			out = append(out, m.Text)
		}
	}
	return out
}

func TestSend_Delivers(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	h, svc := newHarness(t)

	// --- Act ---
	id, err := svc.Send(h.Ctx, 42, "info", "hello there")

	// --- Assert ---
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		n, err := svc.Get(h.Ctx, id)
		return err == nil && n.Status == notifications.StatusSent
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"hello there"}, sentTo(h, 42))
}

func TestSend_HonoursPreferences(t *testing.T) {
	t.Parallel()
	h, svc := newHarness(t)
	require.NoError(t, svc.SetPreferences(h.Ctx, 7, notifications.Preferences{Enabled: false}))
	require.NoError(t, svc.SetPreferences(h.Ctx, 8, notifications.Preferences{Enabled: true, Types: []string{"alert"}}))

	off, err := svc.Send(h.Ctx, 7, "info", "muted")
	require.NoError(t, err)
	filtered, err := svc.Send(h.Ctx, 8, "info", "wrong type")
	require.NoError(t, err)
	wanted, err := svc.Send(h.Ctx, 8, "alert", "right type")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n, err := svc.Get(h.Ctx, wanted)
		return err == nil && n.Status == notifications.StatusSent
	}, 2*time.Second, 10*time.Millisecond)
	for _, id := range []int64{off, filtered} {
		n, err := svc.Get(h.Ctx, id)
		require.NoError(t, err)
		require.Equal(t, notifications.StatusSuppressed, n.Status)
	}
	require.Empty(t, sentTo(h, 7))
	require.Equal(t, []string{"right type"}, sentTo(h, 8))
}

func TestSendTemplate(t *testing.T) {
	t.Parallel()
	h, svc := newHarness(t)

	require.ErrorContains(t, svc.SetTemplate(h.Ctx, "broken", "{{.Name"), "invalid template broken")
	require.NoError(t, svc.SetTemplate(h.Ctx, "welcome", "Welcome, {{.Name}}!"))

	_, err := svc.SendTemplate(h.Ctx, 3, "info", "missing", nil)
	require.ErrorIs(t, err, notifications.ErrUnknownTemplate)
	_, err = svc.SendTemplate(h.Ctx, 3, "info", "welcome", map[string]any{"Other": 1})
	require.ErrorContains(t, err, "rendering template welcome")

	_, err = svc.SendTemplate(h.Ctx, 3, "info", "welcome", map[string]any{"Name": "Ada"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return slices.Equal(sentTo(h, 3), []string{"Welcome, Ada!"})
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBroadcast(t *testing.T) {
	t.Parallel()
	h, svc := newHarness(t)
	db, err := database.Store(h.Kernel.Registry())
	require.NoError(t, err)
	for _, id := range []int64{11, 12, 13} {
		require.NoError(t, database.RecordUser(h.Ctx, db, id, ""))
	}

	n, err := svc.Broadcast(h.Ctx, "announcement", "maintenance tonight")

	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Eventually(t, func() bool {
		return len(sentTo(h, 11)) == 1 && len(sentTo(h, 12)) == 1 && len(sentTo(h, 13)) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPreferencesCommand(t *testing.T) {
	t.Parallel()
	h, svc := newHarness(t)
	h.Start(t)

	require.Equal(t, []string{"Notifications are on."}, h.Say(t, 20, "/notifications"))
	require.Equal(t, []string{"Notifications are off."}, h.Say(t, 20, "/notifications off"))
	require.Equal(t, []string{"Notifications are off. Quiet hours: 22:00-07:00."}, h.Say(t, 20, "/notifications quiet 22:00 07:00"))
	require.Equal(t, []string{`Could not update preferences: invalid time "9am", want HH:MM`}, h.Say(t, 20, "/notifications quiet 9am 10:00"))
	require.Equal(t, []string{"Notifications are off."}, h.Say(t, 20, "/notifications quiet off"))

	prefs, err := svc.Preferences(h.Ctx, 20)
	require.NoError(t, err)
	require.False(t, prefs.Enabled)
	require.Empty(t, prefs.QuietStart)
}

func TestUnload_DrainsQueuedDeliveries(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	h, svc := newHarness(t)
	const n = 20
	for i := range n {
		_, err := svc.Send(h.Ctx, 42, "info", fmt.Sprintf("message %d", i))
		require.NoError(t, err)
	}

	// --- Act ---
	start := time.Now()
	err := h.Kernel.UnloadModule(h.Ctx, notifications.Name)
	elapsed := time.Since(start)

	// --- Assert ---
	require.NoError(t, err)
	require.Less(t, elapsed, 2*time.Second, "unload should not wait for the stop timeout")
	sent := sentTo(h, 42)
	require.Len(t, sent, n, "every queued notification is delivered before unload returns")
	require.Equal(t, "message 0", sent[0])
	require.Equal(t, fmt.Sprintf("message %d", n-1), sent[n-1])
}
