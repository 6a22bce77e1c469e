package socketio

import (
	"context"
	"testing"

	"github.com/specialistvlad/botkernel/internal/platform"
	"github.com/specialistvlad/botkernel/internal/testutil"
	"github.com/stretchr/testify/require"
)

func TestDecodeUpdate(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		raw     any
		want    platform.Update
		wantErr bool
	}{
		{
			name: "decoded map",
			raw:  map[string]any{"id": "u1", "chat_id": 42, "user_id": 7, "username": "ann", "text": "/start"},
			want: platform.Update{ID: "u1", Type: platform.UpdateMessage, ChatID: 42, UserID: 7, Username: "ann", Text: "/start"},
		},
		{
			name: "json string with type",
			raw:  `{"type":"callback_query","chat_id":1,"data":{"action":"ok"}}`,
			want: platform.Update{Type: platform.UpdateCallback, ChatID: 1, Data: map[string]any{"action": "ok"}},
		},
		{
			name:    "garbage",
			raw:     "not json",
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := decodeUpdate(tc.raw)

			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.False(t, got.Received.IsZero())
			got.Received = tc.want.Received
			require.Equal(t, tc.want, *got)
		})
	}
}

func TestDispatch_OnlyWhileRunning(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	ctx, _ := testutil.Context(t)
	conn := New(Config{URL: "http://localhost:1"})
	var texts []string
	conn.AddHandler(platform.NewHandler("collect", func(_ context.Context, u *platform.Update) error {
		texts = append(texts, u.Text)
		return nil
	}))
	conn.runCtx = ctx

	// --- Act ---
	conn.dispatch([]any{map[string]any{"text": "dropped"}})
	conn.running.Store(true)
	conn.dispatch([]any{map[string]any{"text": "kept"}})
	conn.dispatch([]any{"{broken"})

	// --- Assert ---
	require.Equal(t, []string{"kept"}, texts)
}

func TestInitialize_RejectsRelativeURL(t *testing.T) {
	t.Parallel()
	ctx, _ := testutil.Context(t)
	conn := New(Config{URL: "/just/a/path"})

	err := conn.Initialize(ctx)

	require.ErrorContains(t, err, "must include scheme and host")
	require.Error(t, conn.Start(ctx))
	require.Error(t, conn.Send(ctx, 1, "x"))
}
