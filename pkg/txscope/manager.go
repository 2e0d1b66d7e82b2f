package txscope

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"bulkcopy/pkg/logger"
)

// TransactionKey 是 Manager 绑定数据库事务所用的键。
const TransactionKey = "txscope.Transaction"

// Tx 是 Manager 需要的数据库事务操作。pgx.Tx 满足该接口。
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Beginner 开始一个数据库事务。
type Beginner interface {
	Begin(ctx context.Context) (Tx, error)
}

// BeginFunc 把普通函数适配为 Beginner。
type BeginFunc func(ctx context.Context) (Tx, error)

func (f BeginFunc) Begin(ctx context.Context) (Tx, error) {
	return f(ctx)
}

// Manager 负责事务的开始、提交前结算、提交或回滚，以及完成后回调。
type Manager struct {
	db  Beginner
	log *logrus.Entry
}

// NewManager 创建事务管理器。
func NewManager(db Beginner) *Manager {
	return &Manager{
		db:  db,
		log: logger.WithComponent("txmanager"),
	}
}

// InTransaction 在一个事务中执行 fn。fn 收到的上下文携带该事务的 Scope，
// 事务本身绑定在 TransactionKey 上。上下文中已有活动 Scope 时直接加入它。
//
// fn 返回错误、结算失败或 panic 时回滚；AfterCompletion 总会执行。
func (m *Manager) InTransaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if scope, ok := FromContext(ctx); ok && scope.IsActive() {
		return fn(ctx)
	}

	start := time.Now()
	tx, err := m.db.Begin(ctx)
	if err != nil {
		return wrapScopeError(CodeBeginFailed, "cannot begin transaction", err)
	}

	scope := New()
	if err := scope.Bind(TransactionKey, tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	_ = scope.RegisterPostCompletion(func(Status) {
		scope.Unbind(TransactionKey)
	})
	txCtx := WithScope(ctx, scope)
	log := m.log.WithField("scope_id", scope.ID())

	defer func() {
		if p := recover(); p != nil {
			m.rollback(ctx, tx, log)
			scope.AfterCompletion(StatusRolledBack)
			panic(p)
		}
	}()

	if err := fn(txCtx); err != nil {
		log.WithError(err).Warn("事务执行失败，回滚")
		m.rollback(ctx, tx, log)
		scope.AfterCompletion(StatusRolledBack)
		return err
	}

	if err := scope.BeforeCommit(txCtx); err != nil {
		m.rollback(ctx, tx, log)
		scope.AfterCompletion(StatusRolledBack)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		log.WithError(err).Error("事务提交失败，并发连接上已提交的数据无法撤销")
		scope.AfterCompletion(StatusUnknown)
		return wrapScopeError(CodeCommitFailed, "cannot commit transaction", err)
	}

	scope.AfterCompletion(StatusCommitted)
	log.WithField("elapsed", time.Since(start)).Debug("事务已提交")
	return nil
}

func (m *Manager) rollback(ctx context.Context, tx Tx, log *logrus.Entry) {
	// 调用方的上下文可能已取消，回滚仍然需要发出
	if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil {
		log.WithError(err).Error("事务回滚失败")
	}
}
