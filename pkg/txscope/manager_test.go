package txscope_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bulkcopy/pkg/testkit/copymock"
	"bulkcopy/pkg/txscope"
)

type settleFunc func(ctx context.Context) error

func (f settleFunc) Settle(ctx context.Context) error { return f(ctx) }

func newManager(b *copymock.Beginner) *txscope.Manager {
	return txscope.NewManager(txscope.BeginFunc(func(ctx context.Context) (txscope.Tx, error) {
		tx, err := b.BeginTx(ctx)
		if err != nil {
			return nil, err
		}
		return tx, nil
	}))
}

func TestManagerCommit(t *testing.T) {
	b := &copymock.Beginner{}
	m := newManager(b)

	var scope *txscope.Scope
	settled := false
	err := m.InTransaction(context.Background(), func(ctx context.Context) error {
		var ok bool
		scope, ok = txscope.FromContext(ctx)
		require.True(t, ok)

		bound, ok := scope.Resource(txscope.TransactionKey)
		require.True(t, ok)
		assert.Same(t, b.Txs()[0], bound)

		_, err := txscope.GetOrCreate(ctx, "res", func() (settleFunc, error) {
			return func(context.Context) error { settled = true; return nil }, nil
		})
		return err
	})
	require.NoError(t, err)

	require.Len(t, b.Txs(), 1)
	assert.True(t, b.Txs()[0].Committed())
	assert.True(t, settled)
	assert.Empty(t, scope.Keys())
	assert.False(t, scope.IsActive())
}

func TestManagerRollbackOnError(t *testing.T) {
	b := &copymock.Beginner{}
	m := newManager(b)
	boom := errors.New("service failed")

	settled := false
	var scope *txscope.Scope
	err := m.InTransaction(context.Background(), func(ctx context.Context) error {
		scope, _ = txscope.FromContext(ctx)
		_, err := txscope.GetOrCreate(ctx, "res", func() (settleFunc, error) {
			return func(context.Context) error { settled = true; return nil }, nil
		})
		require.NoError(t, err)
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.True(t, b.Txs()[0].RolledBack())
	assert.False(t, b.Txs()[0].Committed())
	assert.False(t, settled, "回滚时不应执行结算")
	assert.Empty(t, scope.Keys())
}

func TestManagerSettlementFailurePreventsCommit(t *testing.T) {
	b := &copymock.Beginner{}
	m := newManager(b)
	boom := errors.New("partition 3 failed")

	err := m.InTransaction(context.Background(), func(ctx context.Context) error {
		_, err := txscope.GetOrCreate(ctx, "jobs", func() (settleFunc, error) {
			return func(context.Context) error { return boom }, nil
		})
		return err
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, txscope.ErrSettlement))
	assert.ErrorIs(t, err, boom)
	assert.False(t, b.Txs()[0].Committed())
	assert.True(t, b.Txs()[0].RolledBack())
}

func TestManagerCommitFailure(t *testing.T) {
	b := &copymock.Beginner{ConfigureTx: func(tx *copymock.Tx) { tx.FailCommit = copymock.ErrInjected }}
	m := newManager(b)

	var status txscope.Status = -1
	err := m.InTransaction(context.Background(), func(ctx context.Context) error {
		scope, _ := txscope.FromContext(ctx)
		return scope.RegisterPostCompletion(func(s txscope.Status) { status = s })
	})

	assert.True(t, errors.Is(err, txscope.ErrCommit))
	assert.Equal(t, txscope.StatusUnknown, status)
}

func TestManagerBeginFailure(t *testing.T) {
	b := &copymock.Beginner{FailBegin: copymock.ErrInjected}
	m := newManager(b)

	called := false
	err := m.InTransaction(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	assert.True(t, errors.Is(err, txscope.ErrBegin))
	assert.False(t, called)
}

func TestManagerPanicRollsBack(t *testing.T) {
	b := &copymock.Beginner{}
	m := newManager(b)

	var scope *txscope.Scope
	assert.Panics(t, func() {
		_ = m.InTransaction(context.Background(), func(ctx context.Context) error {
			scope, _ = txscope.FromContext(ctx)
			panic("boom")
		})
	})
	assert.True(t, b.Txs()[0].RolledBack())
	assert.False(t, scope.IsActive())
}

func TestManagerNestedJoinsScope(t *testing.T) {
	b := &copymock.Beginner{}
	m := newManager(b)

	err := m.InTransaction(context.Background(), func(outer context.Context) error {
		outerScope, _ := txscope.FromContext(outer)
		return m.InTransaction(outer, func(inner context.Context) error {
			innerScope, _ := txscope.FromContext(inner)
			assert.Same(t, outerScope, innerScope)
			return nil
		})
	})
	require.NoError(t, err)
	assert.Len(t, b.Txs(), 1)
}
