package local

import (
	"context"
	"errors"
	"testing"

	"github.com/specialistvlad/botkernel/internal/platform"
	"github.com/specialistvlad/botkernel/internal/testutil"
	"github.com/stretchr/testify/require"
)

func TestConnection_DeliverAndSend(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	ctx, _ := testutil.Context(t)
	conn := New()
	require.NoError(t, conn.Initialize(ctx))
	var seen []string
	conn.AddHandler(platform.NewHandler("echo", func(ctx context.Context, u *platform.Update) error {
		seen = append(seen, u.Text)
		return conn.Send(ctx, u.ChatID, "echo: "+u.Text)
	}))
	conn.AddHandler(platform.NewHandler("fails", func(context.Context, *platform.Update) error {
		return errors.New("nope")
	}))

	// --- Act ---
	require.ErrorIs(t, conn.Deliver(ctx, &platform.Update{Text: "early"}), ErrNotStarted)
	require.NoError(t, conn.Start(ctx))
	err := conn.Deliver(ctx, &platform.Update{ChatID: 7, Text: "hi"})

	// --- Assert ---
	require.ErrorContains(t, err, "handler fails: nope")
	require.Equal(t, []string{"hi"}, seen)
	sent := conn.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, int64(7), sent[0].ChatID)
	require.Equal(t, "echo: hi", sent[0].Text)
}

func TestConnection_LifecycleOrder(t *testing.T) {
	t.Parallel()
	ctx, _ := testutil.Context(t)
	conn := New()

	require.Error(t, conn.Start(ctx), "start before initialize must fail")
	require.NoError(t, conn.Initialize(ctx))
	require.NoError(t, conn.Start(ctx))
	require.True(t, conn.Running())
	require.NoError(t, conn.Stop(ctx))
	require.False(t, conn.Running())
	require.NoError(t, conn.Shutdown(ctx))
	require.Error(t, conn.Send(ctx, 1, "x"))
	require.Error(t, conn.Initialize(ctx))
}
