package blobcache_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/blobcache/pkg/blobcache"
)

func basePath(t *testing.T) string {
	t.Helper()

	return filepath.Join(t.TempDir(), "store")
}

func Test_Open_Set_Get_Close_Reopen_RoundTrips(t *testing.T) {
	t.Parallel()

	path := basePath(t)

	store, err := blobcache.Open(blobcache.Options{Path: path})
	require.NoError(t, err)

	require.NoError(t, store.Set("greeting", "hello world", 0))

	value, err := store.Get("greeting", nil, 0)
	require.NoError(t, err)
	require.Equal(t, "hello world", value)

	require.NoError(t, store.Close())

	reopened, err := blobcache.Open(blobcache.Options{Path: path})
	require.NoError(t, err)

	defer func() { require.NoError(t, reopened.Close()) }()

	value, err = reopened.Get("greeting", nil, 0)
	require.NoError(t, err)
	require.Equal(t, "hello world", value)
}

func Test_Overwrite_Increases_Fragmentation_Then_Vacuum_Reclaims_It(t *testing.T) {
	t.Parallel()

	path := basePath(t)

	store, err := blobcache.Open(blobcache.Options{Path: path})
	require.NoError(t, err)

	defer func() { require.NoError(t, store.Close()) }()

	payload := make([]byte, 4096)

	for i := 0; i < 8; i++ {
		require.NoError(t, store.Set("key", payload, 0))
	}

	ratio, err := store.FragmentationRatio()
	require.NoError(t, err)
	require.Greater(t, ratio, 0.5)

	require.NoError(t, store.Vacuum())

	ratio, err = store.FragmentationRatio()
	require.NoError(t, err)
	require.InDelta(t, 0, ratio, 0.05)

	value, err := store.Get("key", nil, 0)
	require.NoError(t, err)
	require.Equal(t, payload, value)
}

func Test_TTL_Expiry_Observed_Via_Has(t *testing.T) {
	t.Parallel()

	path := basePath(t)

	store, err := blobcache.Open(blobcache.Options{Path: path})
	require.NoError(t, err)

	defer func() { require.NoError(t, store.Close()) }()

	require.NoError(t, store.Set("short-lived", "bye", time.Nanosecond))

	time.Sleep(5 * time.Millisecond)

	require.False(t, store.Has("short-lived"))
}

func Test_TTL_Expiry_Triggers_Refresh_Callback_On_Get(t *testing.T) {
	t.Parallel()

	path := basePath(t)

	store, err := blobcache.Open(blobcache.Options{Path: path})
	require.NoError(t, err)

	defer func() { require.NoError(t, store.Close()) }()

	require.NoError(t, store.Set("stale", "old-value", time.Nanosecond))

	time.Sleep(5 * time.Millisecond)

	refreshCalls := 0

	refresh := func(key string) (any, error) {
		refreshCalls++

		require.Equal(t, "stale", key)

		return "fresh-value", nil
	}

	value, err := store.Get("stale", refresh, time.Hour)
	require.NoError(t, err)
	require.Equal(t, "fresh-value", value)
	require.Equal(t, 1, refreshCalls)

	require.True(t, store.Has("stale"))
}

func Test_Get_Without_Refresh_Returns_ErrNotFound_On_Miss(t *testing.T) {
	t.Parallel()

	path := basePath(t)

	store, err := blobcache.Open(blobcache.Options{Path: path})
	require.NoError(t, err)

	defer func() { require.NoError(t, store.Close()) }()

	_, err = store.Get("missing", nil, 0)
	require.ErrorIs(t, err, blobcache.ErrNotFound)
}

func Test_DeleteStartsWith_Removes_Only_Matching_Keys(t *testing.T) {
	t.Parallel()

	path := basePath(t)

	store, err := blobcache.Open(blobcache.Options{Path: path})
	require.NoError(t, err)

	defer func() { require.NoError(t, store.Close()) }()

	require.NoError(t, store.Set("user:1", "alice", 0))
	require.NoError(t, store.Set("user:2", "bob", 0))
	require.NoError(t, store.Set("order:1", "widget", 0))

	require.NoError(t, store.DeleteStartsWith("user:"))

	require.False(t, store.Has("user:1"))
	require.False(t, store.Has("user:2"))
	require.True(t, store.Has("order:1"))
}

func Test_Second_Open_On_Same_Path_Fails_With_ErrBusy(t *testing.T) {
	t.Parallel()

	path := basePath(t)

	first, err := blobcache.Open(blobcache.Options{Path: path})
	require.NoError(t, err)

	defer func() { require.NoError(t, first.Close()) }()

	_, err = blobcache.Open(blobcache.Options{Path: path})
	require.ErrorIs(t, err, blobcache.ErrBusy)
}

func Test_SetOnMiss_Does_Not_Overwrite_Existing_Key(t *testing.T) {
	t.Parallel()

	path := basePath(t)

	store, err := blobcache.Open(blobcache.Options{Path: path})
	require.NoError(t, err)

	defer func() { require.NoError(t, store.Close()) }()

	require.NoError(t, store.Set("config", "v1", 0))
	require.NoError(t, store.SetOnMiss("config", "v2", 0))

	value, err := store.Get("config", nil, 0)
	require.NoError(t, err)
	require.Equal(t, "v1", value)
}

func Test_Delete_Is_Noop_For_Missing_Key(t *testing.T) {
	t.Parallel()

	path := basePath(t)

	store, err := blobcache.Open(blobcache.Options{Path: path})
	require.NoError(t, err)

	defer func() { require.NoError(t, store.Close()) }()

	require.NoError(t, store.Delete("never-existed"))
}

func Test_WhenExpired_Reports_Relative_And_Absolute(t *testing.T) {
	t.Parallel()

	path := basePath(t)

	store, err := blobcache.Open(blobcache.Options{Path: path})
	require.NoError(t, err)

	defer func() { require.NoError(t, store.Close()) }()

	require.NoError(t, store.Set("ttl-key", "v", time.Hour))

	relative, err := store.WhenExpired("ttl-key", true)
	require.NoError(t, err)
	require.Greater(t, relative, int64(0))
	require.LessOrEqual(t, relative, int64(3600))

	absolute, err := store.WhenExpired("ttl-key", false)
	require.NoError(t, err)
	require.Greater(t, absolute, time.Now().Unix())
}

func Test_WhenExpired_Returns_ErrNotFound_For_Missing_Key(t *testing.T) {
	t.Parallel()

	path := basePath(t)

	store, err := blobcache.Open(blobcache.Options{Path: path})
	require.NoError(t, err)

	defer func() { require.NoError(t, store.Close()) }()

	_, err = store.WhenExpired("missing", true)
	require.ErrorIs(t, err, blobcache.ErrNotFound)
}

func Test_Set_Rejects_Unsupported_Value_Type(t *testing.T) {
	t.Parallel()

	path := basePath(t)

	store, err := blobcache.Open(blobcache.Options{Path: path})
	require.NoError(t, err)

	defer func() { require.NoError(t, store.Close()) }()

	err = store.Set("bad", make(chan int), 0)
	require.ErrorIs(t, err, blobcache.ErrUnsupportedValue)
}

func Test_Operations_After_Close_Return_ErrClosed(t *testing.T) {
	t.Parallel()

	path := basePath(t)

	store, err := blobcache.Open(blobcache.Options{Path: path})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	err = store.Set("key", "value", 0)
	require.ErrorIs(t, err, blobcache.ErrClosed)

	_, err = store.Get("key", nil, 0)
	require.ErrorIs(t, err, blobcache.ErrClosed)

	require.False(t, store.Has("key"))

	err = store.Close()
	require.ErrorIs(t, err, blobcache.ErrClosed)
}

func Test_Stats_Reflects_Hits_Misses_And_Sets(t *testing.T) {
	t.Parallel()

	path := basePath(t)

	store, err := blobcache.Open(blobcache.Options{Path: path})
	require.NoError(t, err)

	defer func() { require.NoError(t, store.Close()) }()

	require.NoError(t, store.Set("k1", "v1", 0))

	_, err = store.Get("k1", nil, 0)
	require.NoError(t, err)

	_, err = store.Get("missing", nil, 0)
	require.ErrorIs(t, err, blobcache.ErrNotFound)

	stats, err := store.Stats()
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Sets)
	require.Equal(t, int64(1), stats.Hits)
	require.Equal(t, int64(1), stats.Misses)
	require.Equal(t, 1, stats.TotalKeys)
}

func Test_Stats_Matches_Expected_Shape_After_Sequence_Of_Operations(t *testing.T) {
	t.Parallel()

	path := basePath(t)

	store, err := blobcache.Open(blobcache.Options{Path: path})
	require.NoError(t, err)

	defer func() { require.NoError(t, store.Close()) }()

	require.NoError(t, store.Set("a", "1", 0))
	require.NoError(t, store.Set("b", "2", 0))
	require.NoError(t, store.Delete("a"))

	stats, err := store.Stats()
	require.NoError(t, err)

	want := blobcache.Stats{
		Sets:      2,
		Deletes:   1,
		TotalKeys: 1,
	}

	// DataFileSizeBytes and FragmentationRatio depend on on-disk frame
	// sizes that aren't worth pinning in this test.
	diff := cmp.Diff(want, stats, cmpopts.IgnoreFields(blobcache.Stats{}, "DataFileSizeBytes", "FragmentationRatio"))
	require.Empty(t, diff)
}

func Test_Open_Rejects_Invalid_Options(t *testing.T) {
	t.Parallel()

	_, err := blobcache.Open(blobcache.Options{Path: ""})
	require.ErrorIs(t, err, blobcache.ErrInvalidOption)

	_, err = blobcache.Open(blobcache.Options{Path: basePath(t), AutoVacuumThreshold: 2})
	require.ErrorIs(t, err, blobcache.ErrInvalidOption)
}
