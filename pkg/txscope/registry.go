package txscope

import (
	"context"
)

// Resource 是绑定到事务生命周期的资源，Settle 在提交前执行。
type Resource interface {
	Settle(ctx context.Context) error
}

// Releaser 由需要在事务终态释放外部资源（连接、COPY 流）的 Resource 实现。
type Releaser interface {
	Release(status Status)
}

// GetOrCreate 返回当前事务中 key 上的资源；不存在时调用 factory 创建，
// 绑定到 key，并注册两个回调：提交前执行 Settle，完成后无条件解绑（以及 Release）。
//
// 没有活动事务时返回 ErrNoActiveTransaction 且不产生任何副作用。
// 资源绑定后，同一事务中的后续调用直接返回它，不再检查事务是否活动。
// 并发调用时 factory 只执行一次，其余调用等待并得到同一个资源；
// factory 内不能对同一个事务再调用 GetOrCreate。
func GetOrCreate[T Resource](ctx context.Context, key string, factory func() (T, error)) (T, error) {
	var zero T

	scope, ok := FromContext(ctx)
	if !ok {
		return zero, ErrNoActiveTransaction
	}

	if res, found, err := lookup[T](scope, key); found {
		return res, err
	}

	scope.createMu.Lock()
	defer scope.createMu.Unlock()

	// 等待期间可能已经有其他调用完成了绑定
	if res, found, err := lookup[T](scope, key); found {
		return res, err
	}

	if !scope.IsActive() {
		return zero, ErrNoActiveTransaction
	}

	res, err := factory()
	if err != nil {
		return zero, err
	}

	if err := scope.Bind(key, res); err != nil {
		releaseQuietly(res, StatusRolledBack)
		return zero, err
	}

	if err := scope.RegisterPreCommit(func(ctx context.Context) error {
		scope.log.WithField("key", key).Debug("结算事务资源")
		if err := res.Settle(ctx); err != nil {
			e := wrapScopeError(CodeSettlementFailed, "resource settlement failed", err)
			e.WithContext("key", key)
			return e
		}
		return nil
	}); err != nil {
		scope.Unbind(key)
		releaseQuietly(res, StatusRolledBack)
		return zero, err
	}

	if err := scope.RegisterPostCompletion(func(status Status) {
		scope.Unbind(key)
		releaseQuietly(res, status)
	}); err != nil {
		// 提交前回调已经注册，这里只可能是作用域在并发中被完成
		scope.Unbind(key)
		releaseQuietly(res, StatusRolledBack)
		return zero, err
	}

	scope.log.WithField("key", key).Debug("事务资源已绑定")
	return res, nil
}

func lookup[T Resource](scope *Scope, key string) (T, bool, error) {
	var zero T
	existing, ok := scope.Resource(key)
	if !ok {
		return zero, false, nil
	}
	typed, ok := existing.(T)
	if !ok {
		return zero, true, keyError(CodeResourceType, "resource has unexpected type", key)
	}
	return typed, true, nil
}

func releaseQuietly(res any, status Status) {
	if r, ok := res.(Releaser); ok {
		r.Release(status)
	}
}
