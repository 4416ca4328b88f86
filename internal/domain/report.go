package domain

import (
	"context"
	"fmt"
	"time"
)

// Department は部門の固定列挙.
type Department string

const (
	DeptProduce    Department = "produce"
	DeptMeat       Department = "meat"
	DeptSeafood    Department = "seafood"
	DeptDeli       Department = "deli"
	DeptBakery     Department = "bakery"
	DeptGrocery    Department = "grocery"
	DeptDailyGoods Department = "daily_goods"
	DeptCheckout   Department = "checkout"
)

// Departments は全部門を定義順で返す.
func Departments() []Department {
	return []Department{
		DeptProduce, DeptMeat, DeptSeafood, DeptDeli,
		DeptBakery, DeptGrocery, DeptDailyGoods, DeptCheckout,
	}
}

// Valid は列挙値に含まれるかを返す.
func (d Department) Valid() bool {
	for _, v := range Departments() {
		if d == v {
			return true
		}
	}
	return false
}

// DateLayout は日付の形式 (YYYY-MM-DD).
const DateLayout = "2006-01-02"

// Entry は分類器が返す1件の日報.
type Entry struct {
	EmployeeName string     `json:"employeeName"`
	Date         string     `json:"date"`
	Department   Department `json:"department"`
	Content      string     `json:"content"`
}

// Validate はエントリの形式を検証する.
func (e Entry) Validate() error {
	if e.EmployeeName == "" {
		return fmt.Errorf("employee name is empty")
	}
	if _, err := time.Parse(DateLayout, e.Date); err != nil {
		return fmt.Errorf("date %q is not YYYY-MM-DD", e.Date)
	}
	if !e.Department.Valid() {
		return fmt.Errorf("unknown department %q", e.Department)
	}
	if e.Content == "" {
		return fmt.Errorf("content is empty")
	}
	return nil
}

// Record は永続化された日報レコード.
type Record struct {
	ID           string     `json:"id"`
	EmployeeName string     `json:"employeeName"`
	Date         string     `json:"date"`
	Department   Department `json:"department"`
	Content      string     `json:"content"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// DateRange は日付範囲フィルタ. 空文字は無制限.
type DateRange struct {
	From string
	To   string
}

// Contains は日付が範囲内かを返す.
func (r DateRange) Contains(date string) bool {
	if r.From != "" && date < r.From {
		return false
	}
	if r.To != "" && date > r.To {
		return false
	}
	return true
}

// RecordStore は日報レコードの永続化層.
type RecordStore interface {
	Subscribe(ctx context.Context, r DateRange) (<-chan []Record, error)
	List(ctx context.Context, r DateRange) ([]Record, error)
	Create(ctx context.Context, rec Record) (Record, error)
	Delete(ctx context.Context, id string) error
	DeleteAll(ctx context.Context) error
	Close() error
}

// Classifier は日報テキストを構造化する外部サービス.
type Classifier interface {
	Classify(ctx context.Context, rawText string) ([]Entry, error)
}
