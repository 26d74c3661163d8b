// Package normalize turns raw CSV rows into canonical transactions. There is
// one generic Normalize function; everything format-specific lives in the
// profile records of internal/format.
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/avaldez/finsight/internal/format"
	"github.com/avaldez/finsight/internal/model"
)

// RowError is a single row that could not be normalized. The batch goes on
// without it; callers count these and report "N parsed, M skipped".
type RowError struct {
	Line  int
	Cause error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d: %v", e.Line, e.Cause)
}

func (e *RowError) Unwrap() error { return e.Cause }

var (
	errEmptyDate  = errors.New("empty date")
	errBadType    = errors.New("missing transaction type")
	currencyMarks = []string{"$", "€", "£", "¥", "MXN", "USD"}

	spanishMonths = map[string]string{
		"ene": "01", "feb": "02", "mar": "03", "abr": "04",
		"may": "05", "jun": "06", "jul": "07", "ago": "08",
		"sep": "09", "oct": "10", "nov": "11", "dic": "12",
	}
	spanishDateRe = regexp.MustCompile(`(\d{1,2})[-/\s]?(ene|feb|mar|abr|may|jun|jul|ago|sep|oct|nov|dic)[-/\s]?(\d{4})?`)
)

// IsNoise reports rows that should be skipped silently rather than counted
// as parse failures: fully empty lines and the summary rows some exports
// append (Periodo / Resumen).
func IsNoise(row map[string]string) bool {
	empty := true
	for k, v := range row {
		if strings.TrimSpace(v) != "" {
			empty = false
		}
		if strings.Contains(k, "Periodo") || strings.Contains(v, "Resumen") {
			return true
		}
	}
	return empty
}

// Normalize maps one raw row to a canonical transaction using the profile's
// layout rules. The returned transaction has no embedding yet.
func Normalize(p *format.Profile, row map[string]string, filename string) (*model.Transaction, error) {
	lower := make(map[string]string, len(row))
	for k, v := range row {
		lower[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	l := pickLayout(p, lower)

	date, err := parseDate(firstNonEmpty(lower, l.DateCols), p.DateLayouts)
	if err != nil {
		return nil, err
	}

	amount, amountOriginal, txType, err := resolveAmount(l, lower)
	if err != nil {
		return nil, err
	}

	desc := lower[l.DescCol]
	if extra := lower[l.DescExtraCol]; l.DescExtraCol != "" && extra != "" {
		desc = fmt.Sprintf(l.DescExtraFmt, desc, extra)
	}

	var category *string
	switch {
	case l.CategoryFromType:
		if tipo := lower[l.TypeCol]; tipo != "" {
			c := titleCase(tipo)
			category = &c
		}
	case l.CategoryCol != "":
		if c := lower[l.CategoryCol]; c != "" {
			category = &c
		}
	}

	raw, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("encode original row: %w", err)
	}

	return &model.Transaction{
		Date:           date,
		Description:    desc,
		Amount:         amount,
		AmountOriginal: amountOriginal,
		Currency:       p.Currency,
		Category:       category,
		Type:           txType,
		SourceBank:     string(p.Bank),
		SourceFile:     filename,
		OriginalData:   string(raw),
	}, nil
}

// resolveAmount applies the layout's sign rule and returns the normalized
// signed amount, the amount as it appeared in the file, and the transaction
// type. The normalized sign always agrees with the type: income >= 0,
// expense <= 0, transfers keep the source sign.
func resolveAmount(l *format.Layout, row map[string]string) (decimal.Decimal, decimal.Decimal, string, error) {
	tipo := strings.ToLower(row[l.TypeCol])

	if l.Sign == format.SignChargesCredits {
		charges, err := ParseAmount(row[l.ChargesCol])
		if err != nil {
			return decimal.Zero, decimal.Zero, "", err
		}
		credits, err := ParseAmount(row[l.CreditsCol])
		if err != nil {
			return decimal.Zero, decimal.Zero, "", err
		}
		if charges.IsPositive() {
			return charges.Neg(), charges, model.TypeExpense, nil
		}
		return credits, credits, model.TypeIncome, nil
	}

	amt, err := ParseAmount(row[l.AmountCol])
	if err != nil {
		return decimal.Zero, decimal.Zero, "", err
	}

	var txType string
	switch l.Sign {
	case format.SignWithdrawal:
		if tipo == "withdrawal" || amt.IsNegative() {
			txType = model.TypeExpense
		} else {
			txType = model.TypeIncome
		}
	case format.SignAbonoIncome:
		if tipo == "abono" || amt.IsNegative() {
			txType = model.TypeIncome
		} else {
			txType = model.TypeExpense
		}
	case format.SignChargePositive:
		if tipo == "cargo" || amt.IsPositive() {
			txType = model.TypeExpense
		} else {
			txType = model.TypeIncome
		}
	case format.SignEgreso:
		if tipo == "egreso" || amt.IsNegative() {
			txType = model.TypeExpense
		} else {
			txType = model.TypeIncome
		}
	case format.SignByAmount:
		for _, w := range l.TransferWords {
			if strings.Contains(tipo, w) && amt.IsNegative() {
				txType = model.TypeTransfer
			}
		}
		if txType == "" {
			if amt.IsNegative() {
				txType = model.TypeExpense
			} else {
				txType = model.TypeIncome
			}
		}
	default:
		return decimal.Zero, decimal.Zero, "", errBadType
	}

	normalized := amt
	switch txType {
	case model.TypeIncome:
		normalized = amt.Abs()
	case model.TypeExpense:
		normalized = amt.Abs().Neg()
	}
	return normalized, amt, txType, nil
}

// ParseAmount parses a source amount: currency symbols, thousands commas and
// parenthesized negatives are tolerated. An empty string parses as zero,
// matching how debit exports leave the unused Cargos/Abonos column blank.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	for _, m := range currencyMarks {
		s = strings.ReplaceAll(s, m, "")
	}
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		s = "-" + s[1:len(s)-1]
	}
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return d, nil
}

func parseDate(s string, layouts []string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errEmptyDate
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	// Spanish month abbreviations: "13-jul-2025", "02/JUL"
	if m := spanishDateRe.FindStringSubmatch(strings.ToLower(s)); m != nil {
		year := m[3]
		if year == "" {
			year = fmt.Sprintf("%d", time.Now().Year())
		}
		day := m[1]
		if len(day) == 1 {
			day = "0" + day
		}
		iso := fmt.Sprintf("%s-%s-%s", year, spanishMonths[m[2]], day)
		if t, err := time.Parse("2006-01-02", iso); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("could not parse date %q", s)
}

// pickLayout scores each layout of the profile against the row's columns and
// returns the closest one. Profiles with a single layout short-circuit.
func pickLayout(p *format.Profile, row map[string]string) *format.Layout {
	if len(p.Layouts) == 1 {
		return &p.Layouts[0]
	}
	best := &p.Layouts[0]
	bestScore := -1.0
	for i := range p.Layouts {
		l := &p.Layouts[i]
		matched := 0
		for _, col := range l.Header {
			if _, ok := row[col]; ok {
				matched++
			}
		}
		score := float64(matched) / float64(len(l.Header))
		if score > bestScore {
			best, bestScore = l, score
		}
	}
	return best
}

func firstNonEmpty(row map[string]string, cols []string) string {
	for _, c := range cols {
		if v := row[c]; v != "" {
			return v
		}
	}
	return ""
}

// titleCase capitalizes every word: "bonus payment" -> "Bonus Payment".
func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
