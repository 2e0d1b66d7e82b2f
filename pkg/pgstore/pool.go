// Package pgstore 基于 pgx 连接池提供事务、COPY 连接和并发写入所需的独立连接。
package pgstore

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"bulkcopy/pkg/config"
	"bulkcopy/pkg/copier"
	"bulkcopy/pkg/fanout"
	"bulkcopy/pkg/logger"
	"bulkcopy/pkg/txscope"
)

// Pool 包装 pgxpool.Pool。它同时是 txscope.Beginner 和 fanout.Source。
type Pool struct {
	pool *pgxpool.Pool
	log  *logrus.Entry
}

// Open 创建连接池并检查连通性。
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, wrapStoreError(CodeConnectFailed, "invalid database dsn", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, wrapStoreError(CodeConnectFailed, "cannot create connection pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, wrapStoreError(CodeConnectFailed, "cannot reach database", err)
	}

	p := &Pool{pool: pool, log: logger.WithComponent("pgstore")}
	p.log.WithFields(logrus.Fields{
		"host":      pcfg.ConnConfig.Host,
		"database":  pcfg.ConnConfig.Database,
		"max_conns": pcfg.MaxConns,
	}).Info("数据库连接池已创建")
	return p, nil
}

// Close 关闭连接池。
func (p *Pool) Close() {
	p.pool.Close()
}

// Exec 在连接池上执行一条语句。
func (p *Pool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return p.pool.Exec(ctx, sql, args...)
}

// QueryRow 在连接池上执行查询。
func (p *Pool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return p.pool.QueryRow(ctx, sql, args...)
}

// Stats 返回连接池统计。
func (p *Pool) Stats() *pgxpool.Stat {
	return p.pool.Stat()
}

// Begin 实现 txscope.Beginner。
func (p *Pool) Begin(ctx context.Context) (txscope.Tx, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// Acquire 实现 fanout.Source：从池中独占借出一个连接并在其上开始一个新事务。
func (p *Pool) Acquire(ctx context.Context) (fanout.Lease, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := conn.Begin(ctx)
	if err != nil {
		conn.Release()
		return nil, err
	}
	return &Lease{
		conn: conn,
		tx:   tx,
		copy: NewCopyConn(conn.Conn().PgConn()),
	}, nil
}

// Lease 是一个借出的连接和它上面的事务。
type Lease struct {
	conn *pgxpool.Conn
	tx   pgx.Tx
	copy *CopyConn

	mu        sync.Mutex
	committed bool
	released  bool
}

// Conn 返回该连接上的 COPY 连接，COPY 在租约的事务内执行。
func (l *Lease) Conn() copier.Conn {
	return l.copy
}

// Commit 提交租约上的事务。
func (l *Lease) Commit(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.tx.Commit(ctx); err != nil {
		return err
	}
	l.committed = true
	return nil
}

// Release 回滚未提交的事务并把连接还给池。可多次调用。
func (l *Lease) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return
	}
	l.released = true
	if !l.committed {
		_ = l.tx.Rollback(context.Background())
	}
	l.conn.Release()
}

// TxConn 返回当前事务上下文中绑定的 pgx 事务上的 COPY 连接。
func TxConn(ctx context.Context) (copier.Conn, error) {
	scope, err := txscope.Active(ctx)
	if err != nil {
		return nil, err
	}
	bound, ok := scope.Resource(txscope.TransactionKey)
	if !ok {
		return nil, txscope.ErrNoActiveTransaction
	}
	tx, ok := bound.(pgx.Tx)
	if !ok {
		return nil, ErrTransactionType
	}
	return NewCopyConn(tx.Conn().PgConn()), nil
}
