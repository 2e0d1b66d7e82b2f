package txscope

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"bulkcopy/pkg/logger"
)

// Status 是事务的终态。
type Status int

const (
	StatusUnknown Status = iota
	StatusCommitted
	StatusRolledBack
)

// String 返回终态名称。
func (s Status) String() string {
	switch s {
	case StatusCommitted:
		return "committed"
	case StatusRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

type phase int

const (
	phaseActive phase = iota
	phaseSettling
	phaseCompleted
)

// PreCommitFunc 在事务提交前调用，返回错误会阻止提交。
type PreCommitFunc func(ctx context.Context) error

// CompletionFunc 在事务到达终态后调用。
type CompletionFunc func(status Status)

// Scope 是一个事务的资源作用域：键到资源的映射，以及提交前与完成后的回调列表。
// 回调的触发顺序固定：先 BeforeCommit，再 AfterCompletion；
// 即使 BeforeCommit 失败或根本没有执行，AfterCompletion 也一定执行。
type Scope struct {
	id string

	// createMu 串行化 GetOrCreate 的查找、创建与绑定
	createMu sync.Mutex

	mu             sync.Mutex
	phase          phase
	resources      map[string]any
	preCommit      []PreCommitFunc
	postCompletion []CompletionFunc
	settled        bool

	log *logrus.Entry
}

// New 创建一个活动的 Scope。
func New() *Scope {
	id := uuid.NewString()
	return &Scope{
		id:        id,
		resources: make(map[string]any),
		log:       logger.WithComponent("txscope").WithField("scope_id", id),
	}
}

// ID 返回作用域标识，用于日志关联。
func (s *Scope) ID() string {
	return s.id
}

// IsActive 报告事务是否仍处于活动阶段（尚未开始提交前结算）。
func (s *Scope) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase == phaseActive
}

// Resource 返回 key 上绑定的资源。
func (s *Scope) Resource(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[key]
	return r, ok
}

// Bind 把资源绑定到 key，同一个键只能绑定一次。
func (s *Scope) Bind(key string, resource any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == phaseCompleted {
		return keyError(CodeScopeCompleted, "cannot bind resource after completion", key)
	}
	if _, exists := s.resources[key]; exists {
		return keyError(CodeAlreadyBound, "resource already bound", key)
	}
	s.resources[key] = resource
	return nil
}

// Unbind 解除 key 的绑定并返回原资源。
func (s *Scope) Unbind(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[key]
	delete(s.resources, key)
	return r, ok
}

// Keys 返回当前绑定的全部键。
func (s *Scope) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.resources))
	for k := range s.resources {
		keys = append(keys, k)
	}
	return keys
}

// RegisterPreCommit 注册提交前回调，只能在活动阶段注册。
func (s *Scope) RegisterPreCommit(fn PreCommitFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != phaseActive {
		return ErrScopeCompleted
	}
	s.preCommit = append(s.preCommit, fn)
	return nil
}

// RegisterPostCompletion 注册完成后回调，完成之前都可以注册。
func (s *Scope) RegisterPostCompletion(fn CompletionFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == phaseCompleted {
		return ErrScopeCompleted
	}
	s.postCompletion = append(s.postCompletion, fn)
	return nil
}

// BeforeCommit 按注册顺序执行提交前回调，只执行一次。
// 第一个失败的回调终止结算并以 SettlementError 返回，此时事务不能提交。
func (s *Scope) BeforeCommit(ctx context.Context) error {
	s.mu.Lock()
	if s.phase != phaseActive || s.settled {
		s.mu.Unlock()
		return ErrScopeCompleted
	}
	s.phase = phaseSettling
	s.settled = true
	callbacks := append([]PreCommitFunc(nil), s.preCommit...)
	s.mu.Unlock()

	for i, fn := range callbacks {
		if err := fn(ctx); err != nil {
			s.log.WithError(err).WithField("callback", i).Error("提交前结算失败")
			return wrapScopeError(CodeSettlementFailed, "pre-commit callback failed", err)
		}
	}

	s.log.WithField("callbacks", len(callbacks)).Debug("提交前结算完成")
	return nil
}

// AfterCompletion 以事务终态执行所有完成后回调，只执行一次。
// 回调执行后残留的绑定会被清除，作用域不再可用。
func (s *Scope) AfterCompletion(status Status) {
	s.mu.Lock()
	if s.phase == phaseCompleted {
		s.mu.Unlock()
		return
	}
	s.phase = phaseCompleted
	callbacks := append([]CompletionFunc(nil), s.postCompletion...)
	s.mu.Unlock()

	for _, fn := range callbacks {
		s.runCompletion(fn, status)
	}

	s.mu.Lock()
	leftover := len(s.resources)
	s.resources = make(map[string]any)
	s.preCommit = nil
	s.postCompletion = nil
	s.mu.Unlock()

	entry := s.log.WithField("status", status.String())
	if leftover > 0 {
		entry = entry.WithField("leftover", leftover)
	}
	entry.Debug("事务作用域已完成")
}

// runCompletion 隔离单个回调的 panic，保证其余回调仍会执行。
func (s *Scope) runCompletion(fn CompletionFunc, status Status) {
	defer func() {
		if p := recover(); p != nil {
			s.log.WithField("panic", p).Error("完成后回调发生 panic")
		}
	}()
	fn(status)
}

type scopeKey struct{}

// WithScope 返回携带 scope 的上下文。
func WithScope(ctx context.Context, scope *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope)
}

// FromContext 取出上下文中的 Scope。
func FromContext(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(*Scope)
	return s, ok && s != nil
}

// Active 返回上下文中处于活动阶段的 Scope，否则返回 ErrNoActiveTransaction。
func Active(ctx context.Context) (*Scope, error) {
	s, ok := FromContext(ctx)
	if !ok || !s.IsActive() {
		return nil, ErrNoActiveTransaction
	}
	return s, nil
}
