package expert

import (
	"sync"
	"testing"

	"github.com/c360studio/studyboard/boardlog"
	"github.com/c360studio/studyboard/engine"
	"github.com/c360studio/studyboard/llm/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_GetIsLazyAndShared(t *testing.T) {
	f := newFixture(t, &testutil.MockGateway{})
	reg, err := NewRegistry(f.deps)
	require.NoError(t, err)
	defer reg.CloseAll()

	_, ok := reg.Lookup("B1")
	assert.False(t, ok)

	var wg sync.WaitGroup
	got := make([]*Expert, 8)
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			x, err := reg.Get("B1")
			assert.NoError(t, err)
			got[i] = x
		}()
	}
	wg.Wait()
	for _, x := range got[1:] {
		assert.Same(t, got[0], x)
	}
	assert.Equal(t, []string{"B1"}, reg.Boards())
}

func TestRegistry_RejectsInvalidBoard(t *testing.T) {
	f := newFixture(t, &testutil.MockGateway{})
	reg, err := NewRegistry(f.deps)
	require.NoError(t, err)
	defer reg.CloseAll()

	_, err = reg.Get("file-course-123")
	assert.ErrorIs(t, err, boardlog.ErrInvalidBoardID)
	assert.Empty(t, reg.Boards())
}

func TestRegistry_FindTask(t *testing.T) {
	f := newFixture(t, &testutil.MockGateway{})
	reg, err := NewRegistry(f.deps)
	require.NoError(t, err)
	defer reg.CloseAll()

	x, err := reg.Get("B2")
	require.NoError(t, err)
	task, err := x.Submit(TypeAnswerQuestion, map[string]any{"question": "?"})
	require.NoError(t, err)

	owner, found, ok := reg.FindTask(task.ID)
	require.True(t, ok)
	assert.Same(t, x, owner)
	assert.Equal(t, task.ID, found.ID)

	_, _, ok = reg.FindTask("nope")
	assert.False(t, ok)
}

func TestRegistry_RemoveAndCloseAll(t *testing.T) {
	f := newFixture(t, &testutil.MockGateway{})
	reg, err := NewRegistry(f.deps)
	require.NoError(t, err)

	first, err := reg.Get("B1")
	require.NoError(t, err)
	assert.True(t, reg.Remove("B1"))
	assert.False(t, reg.Remove("B1"))

	second, err := reg.Get("B1")
	require.NoError(t, err)
	assert.NotSame(t, first, second)

	reg.CloseAll()
	assert.Empty(t, reg.Boards())
	_, err = reg.Get("B1")
	assert.ErrorIs(t, err, engine.ErrClosed)
}
