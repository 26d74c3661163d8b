package model

import (
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/shopspring/decimal"
)

// Transaction type values. Amount sign always agrees with the type:
// income >= 0, expense <= 0, transfer keeps the source sign.
const (
	TypeIncome   = "income"
	TypeExpense  = "expense"
	TypeTransfer = "transfer"
)

// Transaction is the canonical record every supported bank layout is
// normalized into. OriginalData keeps the full raw CSV row for audit and is
// never queried. Embedding covers the description (plus category tag) and is
// only used for nearest-neighbor search.
type Transaction struct {
	ID             uint64          `gorm:"primaryKey" json:"id"`
	Date           time.Time       `gorm:"type:date;not null;index" json:"date"`
	Description    string          `gorm:"not null" json:"description"`
	Amount         decimal.Decimal `gorm:"type:numeric(14,2);not null" json:"amount"`
	AmountOriginal decimal.Decimal `gorm:"type:numeric(14,2)" json:"amount_original"`
	Currency       string          `gorm:"size:3;not null;default:'USD'" json:"currency"`
	Category       *string         `gorm:"size:64;index" json:"category"`
	Type           string          `gorm:"size:16;not null" json:"type"`
	SourceBank     string          `gorm:"size:32;not null;index" json:"source_bank"`
	SourceFile     string          `gorm:"size:255" json:"source_file"`
	OriginalData   string          `gorm:"type:jsonb" json:"-"`
	Embedding      pgvector.Vector `gorm:"type:vector(768)" json:"-"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Transaction) TableName() string { return "transactions" }

// ImportBatch records one processed upload: which file, which detected
// format, and how many rows parsed vs. were skipped. Re-uploading the same
// file produces a second batch (and duplicate rows; there is no dedup).
type ImportBatch struct {
	ID         uint64     `gorm:"primaryKey" json:"id"`
	Filename   string     `gorm:"size:255;not null" json:"filename"`
	SourceBank string     `gorm:"size:32;not null" json:"source_bank"`
	Parsed     int        `gorm:"not null" json:"parsed"`
	Skipped    int        `gorm:"not null" json:"skipped"`
	Inserted   int        `gorm:"not null" json:"inserted"`
	DateFrom   *time.Time `gorm:"type:date" json:"date_from"`
	DateTo     *time.Time `gorm:"type:date" json:"date_to"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

func (ImportBatch) TableName() string { return "import_batches" }
