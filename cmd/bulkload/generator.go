package main

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"bulkcopy/pkg/copier"
)

// PaymentDocument 付款单据
type PaymentDocument struct {
	OrderDate      time.Time
	OrderNumber    string
	Amount         float64
	Currency       string
	Expense        bool
	Account        string
	PaymentPurpose string
	Prop10         string
	Prop15         string
	Prop20         string
}

const paymentTable = "payment_document"

var paymentColumns = []string{
	"order_date", "order_number", "amount", "cur", "expense",
	"account", "payment_purpose", "prop_10", "prop_15", "prop_20",
}

const paymentSchema = `CREATE TABLE IF NOT EXISTS payment_document (
	id              bigserial PRIMARY KEY,
	order_date      date NOT NULL,
	order_number    text NOT NULL,
	amount          numeric(18, 2) NOT NULL,
	cur             varchar(3) NOT NULL,
	expense         boolean NOT NULL,
	account         text NOT NULL,
	payment_purpose text,
	prop_10         text,
	prop_15         text,
	prop_20         text
)`

func paymentProcessor() copier.Processor[PaymentDocument] {
	return copier.NewTextProcessor(paymentTable, paymentColumns, func(d PaymentDocument) ([]any, error) {
		return []any{
			d.OrderDate.Format(time.DateOnly),
			d.OrderNumber,
			d.Amount,
			d.Currency,
			d.Expense,
			d.Account,
			d.PaymentPurpose,
			d.Prop10,
			d.Prop15,
			d.Prop20,
		}, nil
	})
}

const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Generator 随机付款单据生成器
type Generator struct {
	mu         sync.Mutex
	rand       *rand.Rand
	currencies []string
	accounts   []string
}

// NewGenerator 创建生成器，seed 为 0 时使用当前时间
func NewGenerator(seed int64) *Generator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	g := &Generator{
		rand:       rand.New(rand.NewSource(seed)),
		currencies: []string{"RUB", "USD", "EUR", "CNY"},
	}
	for i := 0; i < 16; i++ {
		g.accounts = append(g.accounts, g.digits(20))
	}
	return g
}

func (g *Generator) digits(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('0' + g.rand.Intn(10))
	}
	return string(b)
}

func (g *Generator) str(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[g.rand.Intn(len(letters))]
	}
	return string(b)
}

// Generate 生成 n 张单据
func (g *Generator) Generate(n int) []PaymentDocument {
	g.mu.Lock()
	defer g.mu.Unlock()

	today := time.Now().UTC().Truncate(24 * time.Hour)
	docs := make([]PaymentDocument, n)
	for i := range docs {
		docs[i] = PaymentDocument{
			OrderDate:      today,
			OrderNumber:    uuid.NewString(),
			Amount:         math.Round(g.rand.Float64()*1e6) / 100,
			Currency:       g.currencies[g.rand.Intn(len(g.currencies))],
			Expense:        g.rand.Intn(2) == 1,
			Account:        g.accounts[g.rand.Intn(len(g.accounts))],
			PaymentPurpose: g.str(100),
			Prop10:         g.str(10),
			Prop15:         g.str(15),
			Prop20:         g.str(20),
		}
	}
	return docs
}
