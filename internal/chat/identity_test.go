package chat

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metorial/chatops/internal/store"
)

func TestResolveStableIdentity(t *testing.T) {
	db, err := store.NewDB(store.DriverSQLite, t.TempDir()+"/identity.db")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	resolver := NewIdentityResolver(db)
	ctx := context.Background()

	anon1, err := resolver.Resolve(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, DefaultUsername, anon1.Username)
	assert.Equal(t, "User", anon1.Nickname)

	anon2, err := resolver.Resolve(ctx, "   ")
	require.NoError(t, err)
	assert.Equal(t, anon1.ID, anon2.ID)

	alice, err := resolver.Resolve(ctx, "alice")
	require.NoError(t, err)
	assert.NotEqual(t, anon1.ID, alice.ID)
	assert.Equal(t, "alice", alice.Nickname)

	again, err := resolver.Resolve(ctx, " alice ")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, again.ID)
}

func TestResolveRejectsBadTokens(t *testing.T) {
	db, err := store.NewDB(store.DriverSQLite, t.TempDir()+"/identity.db")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	resolver := NewIdentityResolver(db)

	for _, token := range []string{"two words", "tab\there", strings.Repeat("x", 65), "bell\a"} {
		_, err := resolver.Resolve(context.Background(), token)
		assert.ErrorIs(t, err, ErrInvalidToken, "token %q", token)
	}
}
