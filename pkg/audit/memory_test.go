package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/entitle/pkg/contextkeys"
)

func TestMemoryLog_AppendAndQuery(t *testing.T) {
	log := NewMemoryLog()
	ctx := contextkeys.WithRequestID(context.Background(), "req-1")

	require.NoError(t, log.Append(ctx, &Entry{Actor: "a", TenantID: "t1", Action: ActionRoleAssign, TargetType: TargetUser, TargetID: "u1"}))
	require.NoError(t, log.Append(ctx, &Entry{Actor: "a", TenantID: "t2", Action: ActionRoleAssign, TargetType: TargetUser, TargetID: "u2"}))
	require.NoError(t, log.Append(ctx, &Entry{Actor: "b", TenantID: "t1", Action: ActionUserDeny, TargetType: TargetPermission, TargetID: "u1/POS_REFUND"}))

	assert.Equal(t, 3, log.Len())

	entries, err := log.Query(ctx, Filter{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// newest first
	assert.Equal(t, ActionUserDeny, entries[0].Action)
	assert.NotEmpty(t, entries[0].ID)
	assert.False(t, entries[0].Timestamp.IsZero())
	assert.Equal(t, "req-1", entries[0].RequestID)

	entries, err = log.Query(ctx, Filter{TenantID: "t1", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestMemoryLog_EntriesAreImmutable(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	entry := &Entry{
		Actor: "a", Action: ActionOverrideSet, TargetType: TargetPermission, TargetID: "X",
		Changes: &ChangeDetails{After: map[string]interface{}{"effect": "allow"}},
	}
	require.NoError(t, log.Append(ctx, entry))

	// mutating the caller's copy or a query result leaves the trail intact
	entry.Changes.After["effect"] = "deny"
	got, err := log.Query(ctx, Filter{})
	require.NoError(t, err)
	got[0].Actor = "mallory"

	again, err := log.Query(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, "a", again[0].Actor)
	assert.Equal(t, "allow", again[0].Changes.After["effect"])
}

func TestMemoryLog_RejectsIncompleteEntries(t *testing.T) {
	log := NewMemoryLog()

	assert.Error(t, log.Append(context.Background(), nil))
	assert.Error(t, log.Append(context.Background(), &Entry{Action: ActionRolePut}))
	assert.Error(t, log.Append(context.Background(), &Entry{Actor: "a"}))
	assert.Equal(t, 0, log.Len())
}

func TestFromContext(t *testing.T) {
	// no logger configured falls back to a no-op
	assert.NoError(t, FromContext(context.Background()).Append(context.Background(), &Entry{}))

	log := NewMemoryLog()
	ctx := WithLogger(context.Background(), log)
	require.NoError(t, FromContext(ctx).Append(ctx, &Entry{Actor: "a", Action: ActionRolePut}))
	assert.Equal(t, 1, log.Len())
}
