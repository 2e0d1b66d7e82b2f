package fanout_test

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bulkcopy/pkg/copier"
	"bulkcopy/pkg/fanout"
	"bulkcopy/pkg/testkit/copymock"
	"bulkcopy/pkg/txscope"
)

func intProcessor() copier.Processor[int] {
	return copier.NewTextProcessor("numbers", []string{"v"}, func(v int) ([]any, error) {
		if v < 0 {
			return nil, errors.New("negative value")
		}
		return []any{v}, nil
	})
}

// adapt 把 copymock.Source 适配为 fanout.Source，出错时不返回带类型的 nil。
func adapt(src *copymock.Source) fanout.Source {
	return fanout.SourceFunc(func(ctx context.Context) (fanout.Lease, error) {
		l, err := src.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		return l, nil
	})
}

func records(from, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = from + i
	}
	return out
}

func rowCounts(src *copymock.Source) []int {
	var counts []int
	for _, l := range src.Leases() {
		counts = append(counts, len(l.MockConn().Rows()))
	}
	sort.Ints(counts)
	return counts
}

func TestJobSetSettle(t *testing.T) {
	ctx := context.Background()
	src := copymock.NewSource()
	jobs := fanout.NewJobSet[int](adapt(src), intProcessor())

	require.NoError(t, jobs.SubmitBatch(ctx, records(0, 1000), 4))
	assert.Equal(t, 4, jobs.Len())

	require.NoError(t, jobs.Settle(ctx))

	sum := jobs.Summary()
	assert.Equal(t, 4, sum.Workers)
	assert.Equal(t, int64(1000), sum.RowsWritten)
	assert.Equal(t, int64(4), sum.Flushes, "每个分片只在结算时刷新一次")
	assert.Equal(t, []int{250, 250, 250, 250}, rowCounts(src))

	for _, l := range src.Leases() {
		assert.True(t, l.Committed())
		streams := l.MockConn().Streams()
		require.Len(t, streams, 1)
		assert.True(t, streams[0].Ended())
	}

	jobs.Release(txscope.StatusCommitted)
	for _, l := range src.Leases() {
		assert.True(t, l.Released())
	}
	assert.Equal(t, int64(0), src.InUse())
}

func TestJobSetNothingWrittenBeforeSettle(t *testing.T) {
	ctx := context.Background()
	src := copymock.NewSource()
	jobs := fanout.NewJobSet[int](adapt(src), intProcessor())

	require.NoError(t, jobs.SubmitBatch(ctx, records(0, 100), 4))
	jobs.Release(txscope.StatusRolledBack)

	require.Len(t, src.Leases(), 4)
	for _, l := range src.Leases() {
		assert.Empty(t, l.MockConn().Streams(), "未结算的分片不会打开 COPY 流")
		assert.False(t, l.Committed())
		assert.True(t, l.Released())
	}
}

func TestJobSetTaskFailure(t *testing.T) {
	ctx := context.Background()
	src := copymock.NewSource()
	// 第 3 个分片（500..749）中的一行写入失败
	src.ConfigureConn = func(_ int, conn *copymock.Conn) {
		conn.FailRow = func(row []byte) bool { return string(row) == "600\n" }
	}
	jobs := fanout.NewJobSet[int](adapt(src), intProcessor())

	require.NoError(t, jobs.SubmitBatch(ctx, records(0, 1000), 4))
	err := jobs.Settle(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fanout.ErrTaskFailed))
	assert.True(t, errors.Is(err, copier.ErrWrite))

	var ferr *fanout.FanoutError
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, 2, ferr.Context["task"])

	jobs.Release(txscope.StatusRolledBack)
	for _, l := range src.Leases() {
		assert.False(t, l.Committed(), "任何分片失败时都不提交")
		assert.True(t, l.Released())
	}
	assert.Equal(t, int64(0), src.InUse())
}

func TestJobSetEncodingFailure(t *testing.T) {
	ctx := context.Background()
	src := copymock.NewSource()
	jobs := fanout.NewJobSet[int](adapt(src), intProcessor())

	batch := records(0, 40)
	batch[25] = -1
	require.NoError(t, jobs.SubmitBatch(ctx, batch, 4))

	err := jobs.Settle(ctx)
	assert.True(t, errors.Is(err, fanout.ErrTaskFailed))
	assert.True(t, errors.Is(err, copier.ErrEncoding))

	jobs.Release(txscope.StatusRolledBack)
	assert.Equal(t, int64(0), src.InUse())
}

func TestJobSetAcquireFailure(t *testing.T) {
	ctx := context.Background()
	src := copymock.NewSource()
	src.FailAcquire = copymock.ErrInjected
	jobs := fanout.NewJobSet[int](adapt(src), intProcessor())

	require.NoError(t, jobs.SubmitBatch(ctx, records(0, 10), 2), "提交本身不等待任务")

	err := jobs.Settle(ctx)
	assert.True(t, errors.Is(err, fanout.ErrAcquire))
	assert.True(t, errors.Is(err, copymock.ErrInjected))

	jobs.Release(txscope.StatusRolledBack)
}

func TestJobSetSubmitAfterSettle(t *testing.T) {
	ctx := context.Background()
	src := copymock.NewSource()
	jobs := fanout.NewJobSet[int](adapt(src), intProcessor())

	require.NoError(t, jobs.SubmitBatch(ctx, records(0, 10), 2))
	require.NoError(t, jobs.Settle(ctx))

	err := jobs.SubmitBatch(ctx, records(10, 10), 2)
	assert.True(t, errors.Is(err, fanout.ErrJobSetSettling))
	assert.True(t, errors.Is(jobs.Settle(ctx), fanout.ErrJobSetSettling), "结算只执行一次")

	jobs.Release(txscope.StatusCommitted)
	assert.Len(t, src.Leases(), 2)
}

func TestJobSetMultipleSubmissions(t *testing.T) {
	ctx := context.Background()
	src := copymock.NewSource()
	jobs := fanout.NewJobSet[int](adapt(src), intProcessor())

	require.NoError(t, jobs.SubmitBatch(ctx, records(0, 10), 2))
	require.NoError(t, jobs.SubmitBatch(ctx, records(10, 5), 3))
	require.NoError(t, jobs.SubmitBatch(ctx, nil, 3))
	assert.Equal(t, 5, jobs.Len())

	require.NoError(t, jobs.Settle(ctx))
	assert.Equal(t, []int{1, 2, 2, 5, 5}, rowCounts(src))

	seen := map[string]bool{}
	for _, l := range src.Leases() {
		for _, row := range l.MockConn().Rows() {
			seen[row] = true
		}
	}
	for i := 0; i < 15; i++ {
		assert.True(t, seen[strconv.Itoa(i)+"\n"], "记录 %d 应写入", i)
	}

	jobs.Release(txscope.StatusCommitted)
}

func TestJobSetInvalidParallelism(t *testing.T) {
	jobs := fanout.NewJobSet[int](adapt(copymock.NewSource()), intProcessor())
	err := jobs.SubmitBatch(context.Background(), records(0, 3), 0)
	assert.True(t, errors.Is(err, fanout.ErrInvalidParallelism))
	assert.Equal(t, 0, jobs.Len())
}

func TestJobSetBoundedConcurrency(t *testing.T) {
	ctx := context.Background()
	src := copymock.NewSource()
	jobs := fanout.NewJobSet[int](adapt(src), intProcessor())

	require.NoError(t, jobs.SubmitBatch(ctx, records(0, 64), 3))
	require.NoError(t, jobs.Settle(ctx))
	jobs.Release(txscope.StatusCommitted)

	assert.LessOrEqual(t, src.MaxInUse(), int64(3))
}
