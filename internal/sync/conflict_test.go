package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func conflictAt(localTime, remoteTime time.Time, localSize, remoteSize int64) *ConflictInfo {
	return &ConflictInfo{
		RelPath:            "a.txt",
		LocalChecksum:      "xxx",
		RemoteChecksum:     "yyy",
		LocalModifiedTime:  localTime,
		RemoteModifiedTime: remoteTime,
		LocalSize:          localSize,
		RemoteSize:         remoteSize,
	}
}

func TestResolve_ConstantPolicies(t *testing.T) {
	info := conflictAt(time.Now(), time.Now().Add(time.Hour), 1, 2)

	assert.Equal(t, UseLocal, NewResolver(PolicyLocalWins, nil).Resolve(context.Background(), info).Kind)
	assert.Equal(t, UseRemote, NewResolver(PolicyRemoteWins, nil).Resolve(context.Background(), info).Kind)
	assert.Equal(t, SkipConflict, NewResolver(PolicySkip, nil).Resolve(context.Background(), info).Kind)
}

func TestResolve_NewerWins(t *testing.T) {
	r := NewResolver(PolicyNewerWins, nil)
	ctx := context.Background()
	t1 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	cases := []struct {
		name string
		info *ConflictInfo
		want ResolutionKind
	}{
		{"local newer", conflictAt(t2, t1, 1, 1), UseLocal},
		{"remote newer", conflictAt(t1, t2, 1, 1), UseRemote},
		{"only local has time", conflictAt(t1, time.Time{}, 1, 1), UseLocal},
		{"only remote has time", conflictAt(time.Time{}, t1, 1, 1), UseRemote},
		{"both times absent", conflictAt(time.Time{}, time.Time{}, 9, 1), UseRemote},
		{"tie larger local wins", conflictAt(t1, t1, 10, 5), UseLocal},
		{"tie larger remote wins", conflictAt(t1, t1, 5, 10), UseRemote},
		{"tie of time and size remote wins", conflictAt(t1, t1, 5, 5), UseRemote},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, r.Resolve(ctx, tc.info).Kind)
		})
	}
}

func TestResolve_KeepBothCarriesSuffix(t *testing.T) {
	r := NewResolver(PolicyKeepBoth, nil)
	r.now = func() time.Time { return time.Date(2026, 8, 29, 10, 15, 0, 0, time.UTC) }

	resolution := r.Resolve(context.Background(), conflictAt(time.Now(), time.Now(), 1, 1))
	assert.Equal(t, KeepBoth, resolution.Kind)
	assert.Equal(t, "conflict-20260829T101500", resolution.Suffix)
	assert.Equal(t, ActionConflict, resolution.Action())
}

func TestResolve_AskUserCallback(t *testing.T) {
	asked := false
	decide := func(ctx context.Context, info *ConflictInfo) (Resolution, error) {
		asked = true
		return Resolution{Kind: UseLocal}, nil
	}
	r := NewResolver(PolicyAskUser, decide)

	resolution := r.Resolve(context.Background(), conflictAt(time.Time{}, time.Time{}, 1, 1))
	assert.True(t, asked)
	assert.Equal(t, UseLocal, resolution.Kind)
}

func TestResolve_AskUserFallsBackToNewerWins(t *testing.T) {
	t1 := time.Now().Add(-time.Hour)
	t2 := time.Now()

	// no callback registered
	r := NewResolver(PolicyAskUser, nil)
	resolution := r.Resolve(context.Background(), conflictAt(t2, t1, 1, 1))
	assert.Equal(t, UseLocal, resolution.Kind)

	// callback errors out
	r = NewResolver(PolicyAskUser, func(context.Context, *ConflictInfo) (Resolution, error) {
		return Resolution{}, errors.New("user walked away")
	})
	resolution = r.Resolve(context.Background(), conflictAt(t1, t2, 1, 1))
	assert.Equal(t, UseRemote, resolution.Kind)
}

func TestResolutionActionMapping(t *testing.T) {
	assert.Equal(t, ActionUpload, Resolution{Kind: UseLocal}.Action())
	assert.Equal(t, ActionDownload, Resolution{Kind: UseRemote}.Action())
	assert.Equal(t, ActionConflict, Resolution{Kind: KeepBoth}.Action())
	assert.Equal(t, ActionSkip, Resolution{Kind: SkipConflict}.Action())
	// delete-both is declared but behaves as skip at execution
	assert.Equal(t, ActionSkip, Resolution{Kind: DeleteBoth}.Action())
}

func TestSuffixedPath(t *testing.T) {
	require.Equal(t, "a.conflict-x.txt", SuffixedPath("a.txt", "conflict-x"))
	require.Equal(t, "docs/a.conflict-x.txt", SuffixedPath("docs/a.txt", "conflict-x"))
	require.Equal(t, "docs/noext.conflict-x", SuffixedPath("docs/noext", "conflict-x"))
}
