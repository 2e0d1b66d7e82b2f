package copymock

import (
	"context"
	"sync"
)

// Tx 是记录提交与回滚的内存事务。
type Tx struct {
	mu         sync.Mutex
	committed  bool
	rolledBack bool

	// FailCommit 不为 nil 时 Commit 返回该错误
	FailCommit error
}

// Commit 提交事务。
func (t *Tx) Commit(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.FailCommit != nil {
		return t.FailCommit
	}
	t.committed = true
	return nil
}

// Rollback 回滚事务，已提交后调用无效果。
func (t *Tx) Rollback(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}

// Committed 报告是否已提交。
func (t *Tx) Committed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed
}

// RolledBack 报告是否已回滚。
func (t *Tx) RolledBack() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rolledBack
}

// Beginner 每次 Begin 创建一个新的 Tx。
type Beginner struct {
	mu  sync.Mutex
	txs []*Tx

	// FailBegin 不为 nil 时 Begin 返回该错误
	FailBegin error
	// ConfigureTx 在每个新事务创建后调用
	ConfigureTx func(tx *Tx)
}

// BeginTx 开始一个新事务并返回具体类型，供适配器包装。
func (b *Beginner) BeginTx(context.Context) (*Tx, error) {
	if b.FailBegin != nil {
		return nil, b.FailBegin
	}
	tx := &Tx{}
	if b.ConfigureTx != nil {
		b.ConfigureTx(tx)
	}
	b.mu.Lock()
	b.txs = append(b.txs, tx)
	b.mu.Unlock()
	return tx, nil
}

// Txs 返回所有已开始的事务。
func (b *Beginner) Txs() []*Tx {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Tx, len(b.txs))
	copy(out, b.txs)
	return out
}
