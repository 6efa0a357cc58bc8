package state

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_Apply(t *testing.T) {
	tests := []struct {
		name    string
		changes []Change
		path    string
		want    any
		wantErr error
	}{
		{
			name:    "replace existing field",
			changes: []Change{{Op: OpReplace, Path: "/config/token", Value: "abc"}},
			path:    "/config/token",
			want:    "abc",
		},
		{
			name:    "add nested object",
			changes: []Change{{Op: OpAdd, Path: "/settings", Value: map[string]any{"theme": "dark"}}},
			path:    "/settings/theme",
			want:    "dark",
		},
		{
			name: "append to array",
			changes: []Change{
				{Op: OpAdd, Path: "/log", Value: []any{"a"}},
				{Op: OpAdd, Path: "/log/-", Value: "b"},
				{Op: OpAdd, Path: "/log/0", Value: "z"},
			},
			path: "/log",
			want: []any{"z", "a", "b"},
		},
		{
			name: "remove array element",
			changes: []Change{
				{Op: OpAdd, Path: "/log", Value: []any{"a", "b", "c"}},
				{Op: OpRemove, Path: "/log/1"},
			},
			path: "/log",
			want: []any{"a", "c"},
		},
		{
			name:    "escaped pointer tokens",
			changes: []Change{{Op: OpAdd, Path: "/a~1b~0c", Value: 1.0}},
			path:    "/a~1b~0c",
			want:    1.0,
		},
		{
			name:    "replace missing field fails",
			changes: []Change{{Op: OpReplace, Path: "/missing", Value: 1}},
			wantErr: ErrPathNotFound,
		},
		{
			name:    "unknown op",
			changes: []Change{{Op: "move", Path: "/user"}},
			wantErr: ErrUnknownOp,
		},
		{
			name:    "relative pointer rejected",
			changes: []Change{{Op: OpAdd, Path: "user", Value: 1}},
			wantErr: ErrInvalidPath,
		},
		{
			name:    "root must stay an object",
			changes: []Change{{Op: OpReplace, Path: "", Value: "nope"}},
			wantErr: ErrNotObject,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New()
			err := s.Apply(tt.changes...)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			got, ok := s.Get(tt.path)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStore_ApplyIsAtomic(t *testing.T) {
	s := New()
	var seen int
	s.Observe(func([]Change) { seen++ })

	err := s.Apply(
		Change{Op: OpReplace, Path: "/config/token", Value: "first"},
		Change{Op: OpRemove, Path: "/does/not/exist"},
	)
	require.Error(t, err)

	v, _ := s.Get("/config/token")
	assert.Equal(t, "", v)
	assert.Zero(t, seen, "failed batch must not notify")
}

func TestStore_SnapshotIsACopy(t *testing.T) {
	s := New()
	require.NoError(t, s.Apply(Change{Op: OpAdd, Path: "/items", Value: []any{"a"}}))

	snap := s.Snapshot()
	snap["items"].([]any)[0] = "mutated"
	snap["config"].(map[string]any)["token"] = "leaked"

	v, _ := s.Get("/items/0")
	assert.Equal(t, "a", v)
	v, _ = s.Get(PathCredential)
	assert.Equal(t, "", v)
}

func TestStore_ObserveAndDispose(t *testing.T) {
	s := New()
	var got [][]Change
	dispose := s.Observe(func(c []Change) { got = append(got, c) })

	require.NoError(t, s.SetConnectionState(Connected))
	require.NoError(t, s.SetConnectionState(Connected))
	dispose()
	dispose()
	require.NoError(t, s.SetConnectionState(Offline))

	require.Len(t, got, 1, "unchanged value and post-dispose batches are not observed")
	assert.Equal(t, []Change{{Op: OpAdd, Path: PathConnectionState, Value: "connected"}}, got[0])
}

func TestStore_WhenInitialized(t *testing.T) {
	t.Run("fires once on transition", func(t *testing.T) {
		s := New()
		calls := 0
		s.WhenInitialized(func() { calls++ })

		require.NoError(t, s.Apply(Change{Op: OpAdd, Path: "/foo", Value: 1}))
		assert.Zero(t, calls)

		require.NoError(t, s.SetInitialized(true))
		require.NoError(t, s.SetInitialized(false))
		require.NoError(t, s.SetInitialized(true))
		assert.Equal(t, 1, calls)
	})

	t.Run("fires immediately when already initialized", func(t *testing.T) {
		s := New()
		require.NoError(t, s.SetInitialized(true))
		calls := 0
		s.WhenInitialized(func() { calls++ })
		assert.Equal(t, 1, calls)
	})

	t.Run("disposed waiter never fires", func(t *testing.T) {
		s := New()
		calls := 0
		dispose := s.WhenInitialized(func() { calls++ })
		dispose()
		require.NoError(t, s.SetInitialized(true))
		assert.Zero(t, calls)
	})

	t.Run("whole document replacement counts", func(t *testing.T) {
		s := New()
		calls := 0
		s.WhenInitialized(func() { calls++ })
		require.NoError(t, s.Apply(Change{Op: OpReplace, Path: "", Value: map[string]any{
			"isInitialized": true,
			"config":        map[string]any{"token": "t"},
		}}))
		assert.Equal(t, 1, calls)
		assert.True(t, s.IsInitialized())
	})
}

func TestStore_ConcurrentReadersDuringWrites(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = s.Apply(Change{Op: OpAdd, Path: "/n", Value: i})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = s.Snapshot()
			_ = s.IsInitialized()
		}
	}()
	wg.Wait()

	v, ok := s.Get("/n")
	require.True(t, ok)
	assert.Equal(t, 199, v)
}
