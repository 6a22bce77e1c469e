package admin_test

import (
	"testing"

	"github.com/specialistvlad/botkernel/internal/module"
	"github.com/specialistvlad/botkernel/internal/testutil/kerneltest"
	"github.com/specialistvlad/botkernel/modules/system/admin"
	"github.com/specialistvlad/botkernel/modules/system/database"
	"github.com/specialistvlad/botkernel/modules/system/security"
	"github.com/stretchr/testify/require"
)

func newHarness(t *testing.T) *kerneltest.Harness {
	t.Helper()
	catalog := module.NewCatalog().
		MustRegister(database.Name, database.New).
		MustRegister(security.Name, security.New).
		MustRegister(admin.Name, admin.New)
	h := kerneltest.New(t, catalog, database.Name, security.Name, admin.Name)
	h.Load(t)
	h.Start(t)
	return h
}

func TestAdmin_AddedAdminsPassSecurity(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	h := newHarness(t)
	require.Equal(t, []string{security.MsgAdminOnly}, h.Say(t, 30, "/admins"))

	// --- Act ---
	added := h.Say(t, kerneltest.AdminID, "/addadmin 30")

	// --- Assert ---
	require.Equal(t, []string{"User 30 is now an administrator."}, added)
	require.Equal(t, []string{"Administrators: 1, 30"}, h.Say(t, 30, "/admins"))

	require.Equal(t, []string{"User 30 is no longer an administrator."}, h.Say(t, kerneltest.AdminID, "/rmadmin 30"))
	require.Equal(t, []string{security.MsgAdminOnly}, h.Say(t, 30, "/admins"))
}

func TestAdmin_ConfiguredAdminsAreFixed(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	svc, err := admin.FromRegistry(h.Kernel.Registry())
	require.NoError(t, err)

	_, err = svc.RemoveAdmin(h.Ctx, kerneltest.AdminID)

	require.ErrorIs(t, err, admin.ErrConfiguredAdmin)
	require.Equal(t,
		[]string{"User 1 is configured as administrator and cannot be removed here."},
		h.Say(t, kerneltest.AdminID, "/rmadmin 1"))
	require.Equal(t, []string{"User 99 is not an administrator."}, h.Say(t, kerneltest.AdminID, "/rmadmin 99"))
	require.Equal(t, []string{"Usage: /addadmin <user_id>"}, h.Say(t, kerneltest.AdminID, "/addadmin bob"))
}

func TestAdmin_PersistsAcrossReload(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	svc, err := admin.FromRegistry(h.Kernel.Registry())
	require.NoError(t, err)
	require.NoError(t, svc.AddAdmin(h.Ctx, 44, kerneltest.AdminID))

	require.NoError(t, h.Kernel.ReloadModule(h.Ctx, admin.Name))

	fresh, err := admin.FromRegistry(h.Kernel.Registry())
	require.NoError(t, err)
	require.True(t, fresh.IsAdmin(h.Ctx, 44))
	require.False(t, fresh.IsAdmin(h.Ctx, 45))
}

func TestAdmin_Overview(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	replies := h.Say(t, kerneltest.AdminID, "/admin")

	require.Len(t, replies, 1)
	require.Contains(t, replies[0], "Modules: 3")
	require.Contains(t, replies[0], "Services: 3")

	commands := h.Say(t, kerneltest.AdminID, "/commands")
	require.Len(t, commands, 1)
	require.Contains(t, commands[0], "/addadmin (admin) [system.admin] Make a user an administrator")
	require.Contains(t, commands[0], "/myroles [system.security] Show your roles")
}
