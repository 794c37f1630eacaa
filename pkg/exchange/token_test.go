package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestToken_CancelIsIdempotent(t *testing.T) {
	tok := NewToken(context.Background())
	require.True(t, tok.Active())
	require.NotEmpty(t, tok.ID())

	require.True(t, tok.Cancel())
	require.False(t, tok.Cancel())
	require.True(t, tok.Cancelled())
	require.False(t, tok.Active())
	require.ErrorIs(t, tok.Err(), ErrCancelled)

	select {
	case <-tok.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("expected token context to be cancelled")
	}
}

func TestToken_ReleaseBlocksLaterCancel(t *testing.T) {
	tok := NewToken(context.Background())
	tok.Release()

	require.False(t, tok.Active())
	require.False(t, tok.Cancel())
	require.False(t, tok.Cancelled())
	require.ErrorIs(t, tok.Err(), ErrReleased)
	require.Error(t, tok.Context().Err())
}

func TestToken_NilIsInactive(t *testing.T) {
	var tok *Token
	require.False(t, tok.Active())
	require.False(t, tok.Cancel())
	require.ErrorIs(t, tok.Err(), ErrReleased)
	require.NoError(t, tok.Context().Err())
}

func TestPending_AppendReportsFirstFragment(t *testing.T) {
	p := NewPending("conv-1", KindStream, NewToken(context.Background()))

	require.True(t, p.Append("Hel"))
	require.False(t, p.Append("lo"))
	require.False(t, p.Append("!"))
	require.Equal(t, "Hello!", p.Text())
	require.Equal(t, 3, p.Fragments())
}
