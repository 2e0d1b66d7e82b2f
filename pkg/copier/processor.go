package copier

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"time"
)

// TextProcessor 按 PostgreSQL COPY 文本格式编码记录：制表符分隔，\N 表示 NULL。
type TextProcessor[R any] struct {
	target Target
	values func(R) ([]any, error)
}

// NewTextProcessor 创建文本格式的 Processor，values 必须按 columns 的顺序返回字段值。
func NewTextProcessor[R any](table string, columns []string, values func(R) ([]any, error)) *TextProcessor[R] {
	return &TextProcessor[R]{
		target: Target{Table: table, Columns: columns},
		values: values,
	}
}

func (p *TextProcessor[R]) Target() Target {
	return p.target
}

// Encode 实现 Processor 接口。
func (p *TextProcessor[R]) Encode(record R) ([]byte, error) {
	vals, err := p.values(record)
	if err != nil {
		return nil, newEncodingError(p.target, err)
	}
	if len(p.target.Columns) > 0 && len(vals) != len(p.target.Columns) {
		return nil, newEncodingError(p.target,
			fmt.Errorf("got %d values for %d columns", len(vals), len(p.target.Columns)))
	}

	var buf bytes.Buffer
	for i, v := range vals {
		if i > 0 {
			buf.WriteByte('\t')
		}
		if err := appendValue(&buf, v); err != nil {
			return nil, newEncodingError(p.target, fmt.Errorf("column %d: %w", i, err))
		}
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func appendValue(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		buf.WriteString(`\N`)
	case string:
		escapeText(buf, x)
	case []byte:
		if x == nil {
			buf.WriteString(`\N`)
			return nil
		}
		// bytea 十六进制格式，反斜杠本身需要转义
		buf.WriteString(`\\x`)
		buf.WriteString(hex.EncodeToString(x))
	case bool:
		if x {
			buf.WriteByte('t')
		} else {
			buf.WriteByte('f')
		}
	case int:
		buf.WriteString(strconv.FormatInt(int64(x), 10))
	case int8:
		buf.WriteString(strconv.FormatInt(int64(x), 10))
	case int16:
		buf.WriteString(strconv.FormatInt(int64(x), 10))
	case int32:
		buf.WriteString(strconv.FormatInt(int64(x), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(x, 10))
	case uint:
		buf.WriteString(strconv.FormatUint(uint64(x), 10))
	case uint8:
		buf.WriteString(strconv.FormatUint(uint64(x), 10))
	case uint16:
		buf.WriteString(strconv.FormatUint(uint64(x), 10))
	case uint32:
		buf.WriteString(strconv.FormatUint(uint64(x), 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(x, 10))
	case float32:
		appendFloat(buf, float64(x), 32)
	case float64:
		appendFloat(buf, x, 64)
	case time.Time:
		buf.WriteString(x.Format(time.RFC3339Nano))
	case *string:
		if x == nil {
			buf.WriteString(`\N`)
			return nil
		}
		escapeText(buf, *x)
	case *int64:
		if x == nil {
			buf.WriteString(`\N`)
			return nil
		}
		buf.WriteString(strconv.FormatInt(*x, 10))
	case *time.Time:
		if x == nil {
			buf.WriteString(`\N`)
			return nil
		}
		buf.WriteString(x.Format(time.RFC3339Nano))
	case fmt.Stringer:
		escapeText(buf, x.String())
	default:
		return fmt.Errorf("unsupported value type %T", v)
	}
	return nil
}

// appendFloat 按 PostgreSQL 的写法输出无穷大，NaN 与有限值使用 Go 的最短表示。
func appendFloat(buf *bytes.Buffer, f float64, bitSize int) {
	switch {
	case math.IsInf(f, 1):
		buf.WriteString("Infinity")
	case math.IsInf(f, -1):
		buf.WriteString("-Infinity")
	default:
		buf.WriteString(strconv.FormatFloat(f, 'g', -1, bitSize))
	}
}

func escapeText(buf *bytes.Buffer, s string) {
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\\':
			buf.WriteString(`\\`)
		case '\t':
			buf.WriteString(`\t`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		default:
			buf.WriteByte(c)
		}
	}
}
