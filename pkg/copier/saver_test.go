package copier_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bulkcopy/pkg/copier"
	"bulkcopy/pkg/testkit/copymock"
)

type item struct {
	ID   int
	Name string
}

func itemProcessor() *copier.TextProcessor[item] {
	return copier.NewTextProcessor("items", []string{"id", "name"}, func(it item) ([]any, error) {
		if it.ID < 0 {
			return nil, errors.New("negative id")
		}
		return []any{it.ID, it.Name}, nil
	})
}

func rowsFor(from, to int) []string {
	out := make([]string, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, fmt.Sprintf("%d\tn%d\n", i, i))
	}
	return out
}

func TestSaverAppendDoesNoIO(t *testing.T) {
	conn := copymock.NewConn()
	s := copier.NewSaver[item](conn, itemProcessor(), copier.SaverConfig{})

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Append(item{ID: i, Name: fmt.Sprintf("n%d", i)}))
	}
	assert.Equal(t, 10, s.Len())
	assert.Empty(t, conn.Streams(), "Append 不应打开 COPY 流")
}

func TestSaverFlushPreservesOrder(t *testing.T) {
	conn := copymock.NewConn()
	s := copier.NewSaver[item](conn, itemProcessor(), copier.SaverConfig{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(item{ID: i, Name: fmt.Sprintf("n%d", i)}))
	}
	require.NoError(t, s.Flush(ctx))
	for i := 5; i < 8; i++ {
		require.NoError(t, s.Append(item{ID: i, Name: fmt.Sprintf("n%d", i)}))
	}
	require.NoError(t, s.Flush(ctx))

	assert.Equal(t, rowsFor(0, 8), conn.Rows())
	require.Len(t, conn.Streams(), 1, "多次刷新共用同一个 COPY 流")
	assert.False(t, conn.Streams()[0].Ended(), "Flush 不应结束 COPY 流")
	assert.Equal(t, 2, conn.Streams()[0].Flushes(), "每次刷新都把数据推送到服务端")
	assert.Equal(t, 0, s.Len())
}

func TestSaverEmptyFlushIsNoop(t *testing.T) {
	conn := copymock.NewConn()
	s := copier.NewSaver[item](conn, itemProcessor(), copier.SaverConfig{})

	require.NoError(t, s.Flush(context.Background()))
	require.NoError(t, s.Flush(context.Background()))
	assert.Empty(t, conn.Streams())
	assert.Equal(t, int64(0), s.Stats().Flushes)
}

func TestSaverAutoFlushThreshold(t *testing.T) {
	conn := copymock.NewConn()
	s := copier.NewSaver[item](conn, itemProcessor(), copier.SaverConfig{FlushThreshold: 100})
	ctx := context.Background()

	for i := 0; i < 250; i++ {
		require.NoError(t, s.Add(ctx, item{ID: i, Name: fmt.Sprintf("n%d", i)}))
	}

	stats := s.Stats()
	assert.Equal(t, int64(2), stats.Flushes, "250 行、阈值 100 时应自动刷新两次")
	assert.Equal(t, int64(200), stats.RowsFlushed)
	assert.Equal(t, 50, stats.Buffered)

	require.NoError(t, s.Close(ctx))
	stats = s.Stats()
	assert.Equal(t, int64(3), stats.Flushes)
	assert.Equal(t, int64(250), stats.RowsWritten)
	assert.Equal(t, rowsFor(0, 250), conn.Rows())
	assert.True(t, conn.Streams()[0].Ended())
}

func TestSaverEncodingErrorKeepsBuffer(t *testing.T) {
	conn := copymock.NewConn()
	s := copier.NewSaver[item](conn, itemProcessor(), copier.SaverConfig{})

	require.NoError(t, s.Append(item{ID: 1, Name: "n1"}))
	err := s.Append(item{ID: -1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, copier.ErrEncoding))
	assert.Equal(t, 1, s.Len())

	require.NoError(t, s.Append(item{ID: 2, Name: "n2"}))
	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, []string{"1\tn1\n", "2\tn2\n"}, conn.Rows())
}

func TestSaverWriteError(t *testing.T) {
	conn := copymock.NewConn()
	conn.FailWriteAt = 3
	s := copier.NewSaver[item](conn, itemProcessor(), copier.SaverConfig{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(item{ID: i, Name: fmt.Sprintf("n%d", i)}))
	}
	err := s.Flush(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, copier.ErrWrite))
	assert.ErrorIs(t, err, copymock.ErrInjected)
	assert.Equal(t, 3, s.Len(), "未写出的行保留在缓冲区")

	// 流已损坏，后续刷新继续失败，Close 放弃流
	assert.True(t, errors.Is(s.Flush(ctx), copier.ErrWrite))
	closeErr := s.Close(ctx)
	assert.True(t, errors.Is(closeErr, copier.ErrWrite))
	assert.NotNil(t, conn.Streams()[0].Aborted())
	assert.False(t, conn.Streams()[0].Ended())

	// Close 幂等，返回第一次的结果
	assert.Equal(t, closeErr, s.Close(ctx))
}

func TestSaverStreamFlushError(t *testing.T) {
	conn := copymock.NewConn()
	conn.FailFlush = copymock.ErrInjected
	s := copier.NewSaver[item](conn, itemProcessor(), copier.SaverConfig{})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, s.Append(item{ID: i, Name: fmt.Sprintf("n%d", i)}))
	}
	err := s.Flush(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, copier.ErrWrite))
	assert.ErrorIs(t, err, copymock.ErrInjected)
	assert.Equal(t, int64(0), s.Stats().RowsFlushed, "发送失败的行不计为已刷新")
	assert.Equal(t, int64(0), s.Stats().Flushes)

	// 缓冲区已空，但流已损坏，Close 放弃而不是结束流
	assert.True(t, errors.Is(s.Close(ctx), copier.ErrWrite))
	assert.NotNil(t, conn.Streams()[0].Aborted())
	assert.False(t, conn.Streams()[0].Ended())
}

func TestSaverBeginError(t *testing.T) {
	conn := copymock.NewConn()
	conn.FailBegin = copymock.ErrInjected
	s := copier.NewSaver[item](conn, itemProcessor(), copier.SaverConfig{})

	require.NoError(t, s.Append(item{ID: 1, Name: "n1"}))
	err := s.Close(context.Background())
	assert.True(t, errors.Is(err, copier.ErrWrite))
	assert.True(t, s.Closed())
}

func TestSaverEndError(t *testing.T) {
	conn := copymock.NewConn()
	conn.FailEnd = copymock.ErrInjected
	s := copier.NewSaver[item](conn, itemProcessor(), copier.SaverConfig{})

	require.NoError(t, s.Append(item{ID: 1, Name: "n1"}))
	err := s.Close(context.Background())
	assert.True(t, errors.Is(err, copier.ErrWrite))
	assert.ErrorIs(t, err, copymock.ErrInjected)
}

func TestSaverCloseWithoutRows(t *testing.T) {
	conn := copymock.NewConn()
	s := copier.NewSaver[item](conn, itemProcessor(), copier.SaverConfig{})

	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()))
	assert.Empty(t, conn.Streams(), "没有数据时不应打开 COPY 流")
}

func TestSaverUseAfterClose(t *testing.T) {
	s := copier.NewSaver[item](copymock.NewConn(), itemProcessor(), copier.SaverConfig{})
	require.NoError(t, s.Close(context.Background()))

	assert.True(t, errors.Is(s.Append(item{ID: 1}), copier.ErrSaverClosed))
	assert.True(t, errors.Is(s.Add(context.Background(), item{ID: 1}), copier.ErrSaverClosed))
	assert.True(t, errors.Is(s.Flush(context.Background()), copier.ErrSaverClosed))
}

func TestSaverAbort(t *testing.T) {
	conn := copymock.NewConn()
	s := copier.NewSaver[item](conn, itemProcessor(), copier.SaverConfig{})
	ctx := context.Background()

	require.NoError(t, s.Append(item{ID: 1, Name: "n1"}))
	require.NoError(t, s.Flush(ctx))
	require.NoError(t, s.Append(item{ID: 2, Name: "n2"}))

	s.Abort(errors.New("rollback"))
	assert.True(t, s.Closed())
	assert.Equal(t, 0, s.Len())
	assert.EqualError(t, conn.Streams()[0].Aborted(), "rollback")
	assert.True(t, errors.Is(s.Close(ctx), copier.ErrSaverClosed))

	// 再次放弃没有副作用
	s.Abort(errors.New("again"))
	assert.EqualError(t, conn.Streams()[0].Aborted(), "rollback")
}
