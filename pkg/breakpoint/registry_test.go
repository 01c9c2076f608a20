package breakpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRuntime struct {
	mu       sync.Mutex
	next     int
	set      map[string]string // id -> "file:line0"
	calls    []string
	failSet  map[string]bool
	failDrop bool
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{set: map[string]string{}, failSet: map[string]bool{}}
}

func (f *fakeRuntime) SetBreakpoint(_ context.Context, file string, line int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%s:%d", file, line)
	f.calls = append(f.calls, "set "+key)
	if f.failSet[key] {
		return "", errors.New("Could not resolve breakpoint")
	}
	f.next++
	id := fmt.Sprintf("bp-%d", f.next)
	f.set[id] = key
	return id, nil
}

func (f *fakeRuntime) RemoveBreakpoint(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "remove "+id)
	if f.failDrop {
		return errors.New("no such breakpoint")
	}
	delete(f.set, id)
	return nil
}

func (f *fakeRuntime) installed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.set)
}

func TestAddIsIdempotent(t *testing.T) {
	rt := newFakeRuntime()
	r := NewRegistry(rt, nil)
	ctx := context.Background()

	loc := Location{File: "main.js", Line: 5}
	require.NoError(t, r.Add(ctx, loc))
	require.NoError(t, r.Add(ctx, loc))

	assert.Equal(t, 1, r.Len())
	assert.Equal(t, 1, rt.installed())
	assert.Equal(t, []string{"set main.js:4"}, rt.calls)
}

func TestAddRejectsInvalidLocation(t *testing.T) {
	r := NewRegistry(newFakeRuntime(), nil)
	assert.Error(t, r.Add(context.Background(), Location{File: "main.js", Line: 0}))
	assert.Error(t, r.Add(context.Background(), Location{Line: 3}))
	assert.Equal(t, 0, r.Len())
}

func TestAddFailureLeavesNoEntry(t *testing.T) {
	rt := newFakeRuntime()
	rt.failSet["main.js:99"] = true
	r := NewRegistry(rt, nil)

	err := r.Add(context.Background(), Location{File: "main.js", Line: 100})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Could not resolve breakpoint")
	assert.Equal(t, 0, r.Len())
}

func TestRemoveAbsentIsNoop(t *testing.T) {
	rt := newFakeRuntime()
	r := NewRegistry(rt, nil)

	require.NoError(t, r.Remove(context.Background(), Location{File: "main.js", Line: 3}))
	assert.Empty(t, rt.calls)
}

func TestRemoveDropsHandle(t *testing.T) {
	rt := newFakeRuntime()
	r := NewRegistry(rt, nil)
	ctx := context.Background()
	loc := Location{File: "main.js", Line: 3}

	require.NoError(t, r.Add(ctx, loc))
	require.NoError(t, r.Remove(ctx, loc))
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, rt.installed())

	// Re-adding after removal installs a fresh handle.
	require.NoError(t, r.Add(ctx, loc))
	assert.Equal(t, 1, rt.installed())
}

func TestSetAllReplaces(t *testing.T) {
	rt := newFakeRuntime()
	r := NewRegistry(rt, nil)
	ctx := context.Background()

	require.NoError(t, r.Add(ctx, Location{File: "a.js", Line: 1}))
	require.NoError(t, r.Add(ctx, Location{File: "a.js", Line: 2}))

	failed := r.SetAll(ctx, []Location{{File: "b.js", Line: 7}, {File: "a.js", Line: 3}})
	assert.Zero(t, failed)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, Location{File: "a.js", Line: 3}, list[0].Location())
	assert.Equal(t, Location{File: "b.js", Line: 7}, list[1].Location())
	assert.Equal(t, 2, rt.installed())
}

func TestSetAllEmptyClears(t *testing.T) {
	rt := newFakeRuntime()
	r := NewRegistry(rt, nil)
	ctx := context.Background()

	require.NoError(t, r.Add(ctx, Location{File: "a.js", Line: 1}))
	assert.Zero(t, r.SetAll(ctx, nil))
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, rt.installed())
}

func TestSetAllIsBestEffort(t *testing.T) {
	rt := newFakeRuntime()
	r := NewRegistry(rt, nil)
	ctx := context.Background()

	require.NoError(t, r.Add(ctx, Location{File: "a.js", Line: 1}))
	rt.failDrop = true
	rt.failSet["a.js:49"] = true

	failed := r.SetAll(ctx, []Location{{File: "a.js", Line: 50}, {File: "a.js", Line: 2}, {File: "a.js", Line: 2}})
	assert.Equal(t, 1, failed)

	list := r.List()
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].Line)
}
