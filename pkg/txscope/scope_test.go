package txscope

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopeBindUnbind(t *testing.T) {
	s := New()
	assert.NotEmpty(t, s.ID())
	assert.True(t, s.IsActive())

	require.NoError(t, s.Bind("a", 1))
	err := s.Bind("a", 2)
	assert.True(t, errors.Is(err, ErrAlreadyBound))

	v, ok := s.Resource("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	v, ok = s.Unbind("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = s.Resource("a")
	assert.False(t, ok)
}

func TestScopeCallbackOrder(t *testing.T) {
	s := New()
	var events []string

	require.NoError(t, s.RegisterPreCommit(func(context.Context) error {
		events = append(events, "pre1")
		return nil
	}))
	require.NoError(t, s.RegisterPostCompletion(func(st Status) {
		events = append(events, "post1:"+st.String())
	}))
	require.NoError(t, s.RegisterPreCommit(func(context.Context) error {
		events = append(events, "pre2")
		return nil
	}))

	require.NoError(t, s.BeforeCommit(context.Background()))
	assert.False(t, s.IsActive())
	s.AfterCompletion(StatusCommitted)

	assert.Equal(t, []string{"pre1", "pre2", "post1:committed"}, events)
}

func TestScopeCallbacksRunOnce(t *testing.T) {
	s := New()
	pre, post := 0, 0
	require.NoError(t, s.RegisterPreCommit(func(context.Context) error { pre++; return nil }))
	require.NoError(t, s.RegisterPostCompletion(func(Status) { post++ }))

	require.NoError(t, s.BeforeCommit(context.Background()))
	assert.True(t, errors.Is(s.BeforeCommit(context.Background()), ErrScopeCompleted))

	s.AfterCompletion(StatusCommitted)
	s.AfterCompletion(StatusRolledBack)

	assert.Equal(t, 1, pre)
	assert.Equal(t, 1, post)
}

func TestScopeFailedPreCommitStopsAndCompletionStillRuns(t *testing.T) {
	s := New()
	boom := errors.New("boom")
	secondRan := false
	var status Status

	require.NoError(t, s.RegisterPreCommit(func(context.Context) error { return boom }))
	require.NoError(t, s.RegisterPreCommit(func(context.Context) error { secondRan = true; return nil }))
	require.NoError(t, s.RegisterPostCompletion(func(st Status) { status = st }))

	err := s.BeforeCommit(context.Background())
	assert.True(t, errors.Is(err, ErrSettlement))
	assert.ErrorIs(t, err, boom)
	assert.False(t, secondRan)

	s.AfterCompletion(StatusRolledBack)
	assert.Equal(t, StatusRolledBack, status)
}

func TestScopeCompletionWithoutSettlement(t *testing.T) {
	s := New()
	require.NoError(t, s.Bind("left", struct{}{}))
	called := false
	require.NoError(t, s.RegisterPostCompletion(func(Status) { called = true }))

	s.AfterCompletion(StatusRolledBack)

	assert.True(t, called)
	assert.Empty(t, s.Keys(), "残留绑定应被清除")
	assert.True(t, errors.Is(s.Bind("x", 1), ErrScopeCompleted))
	assert.True(t, errors.Is(s.RegisterPreCommit(func(context.Context) error { return nil }), ErrScopeCompleted))
	assert.True(t, errors.Is(s.RegisterPostCompletion(func(Status) {}), ErrScopeCompleted))
}

func TestScopeCompletionPanicIsolated(t *testing.T) {
	s := New()
	second := false
	require.NoError(t, s.RegisterPostCompletion(func(Status) { panic("bad callback") }))
	require.NoError(t, s.RegisterPostCompletion(func(Status) { second = true }))

	assert.NotPanics(t, func() { s.AfterCompletion(StatusCommitted) })
	assert.True(t, second)
}

func TestActive(t *testing.T) {
	_, err := Active(context.Background())
	assert.True(t, errors.Is(err, ErrNoActiveTransaction))

	s := New()
	ctx := WithScope(context.Background(), s)
	got, err := Active(ctx)
	require.NoError(t, err)
	assert.Same(t, s, got)

	require.NoError(t, s.BeforeCommit(ctx))
	_, err = Active(ctx)
	assert.True(t, errors.Is(err, ErrNoActiveTransaction))
}
