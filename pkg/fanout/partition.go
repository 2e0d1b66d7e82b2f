package fanout

// Partition 把 records 切成 min(parallelism, n) 个连续分片。每片最多 ceil(n/parallelism) 条，
// 多出的余数由前面的分片各承担一条，因此分片之间最多相差一条，且不会产生空分片。
// 分片共享 records 的底层数组。
func Partition[R any](records []R, parallelism int) ([][]R, error) {
	if parallelism < 1 {
		return nil, ErrInvalidParallelism
	}
	n := len(records)
	if n == 0 {
		return nil, nil
	}

	parts := parallelism
	if parts > n {
		parts = n
	}
	base, extra := n/parts, n%parts

	chunks := make([][]R, 0, parts)
	start := 0
	for i := 0; i < parts; i++ {
		size := base
		if i < extra {
			size++
		}
		end := start + size
		chunks = append(chunks, records[start:end:end])
		start = end
	}
	return chunks, nil
}
