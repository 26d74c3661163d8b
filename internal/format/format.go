package format

import (
	"fmt"
	"strings"
)

// SourceBank identifies which export layout produced a row.
type SourceBank string

const (
	Upwork     SourceBank = "upwork"
	NuCredit   SourceBank = "nu_credit"
	NuDebit    SourceBank = "nu_debit"
	BbvaCredit SourceBank = "bbva_credit"
	BbvaDebit  SourceBank = "bbva_debit"
	Unknown    SourceBank = "unknown"
)

// SignRule decides how a layout encodes inflow vs. outflow.
type SignRule int

const (
	// SignByAmount: negative amount means expense.
	SignByAmount SignRule = iota
	// SignWithdrawal: a "withdrawal" type is an expense regardless of sign.
	SignWithdrawal
	// SignAbonoIncome: Tipo "abono" (or a negative amount) is a payment in;
	// everything else is a charge.
	SignAbonoIncome
	// SignChargePositive: credit-card exports list charges as positive
	// numbers (or Tipo "cargo"); those are expenses.
	SignChargePositive
	// SignChargesCredits: separate Cargos/Abonos columns; whichever is
	// populated decides the direction.
	SignChargesCredits
	// SignEgreso: Tipo "egreso" (or a negative amount) is an expense.
	SignEgreso
)

// Layout maps one concrete header shape to canonical transaction fields.
// A profile can carry more than one layout when a bank ships several export
// variants (BBVA debit does).
type Layout struct {
	Header        []string // expected column names, lowercase
	DateCols      []string // first non-empty wins
	DescCol       string
	DescExtraCol  string // appended to the description when present
	DescExtraFmt  string // e.g. "%s (%s)"
	AmountCol     string // empty when ChargesCol/CreditsCol are used
	ChargesCol    string
	CreditsCol    string
	TypeCol       string
	CategoryCol   string
	Sign          SignRule
	TransferWords []string // matched against the type column
	CategoryFromType bool  // upwork: category is the title-cased type value
}

// Profile is the static description of one bank's CSV export.
type Profile struct {
	Bank          SourceBank
	Currency      string
	FilenameHints []string
	DateLayouts   []string // Go reference layouts, tried in order
	Layouts       []Layout
}

// MatchThreshold is the minimum share of a layout's expected columns that
// must be present in the actual header.
const MatchThreshold = 0.8

// Profiles is the registry of supported export layouts. Adding a bank is a
// table edit, not new code.
var Profiles = []Profile{
	{
		Bank:          Upwork,
		Currency:      "USD",
		FilenameHints: []string{"upwork"},
		DateLayouts:   []string{"2006-01-02", "01/02/2006", "02/01/2006", "2006/01/02"},
		Layouts: []Layout{{
			Header:           []string{"date", "type", "contract_details", "client", "client_initials", "amount_usd", "status"},
			DateCols:         []string{"date"},
			DescCol:          "contract_details",
			DescExtraCol:     "client",
			DescExtraFmt:     "%s (%s)",
			AmountCol:        "amount_usd",
			TypeCol:          "type",
			Sign:             SignWithdrawal,
			CategoryFromType: true,
		}},
	},
	{
		Bank:          NuCredit,
		Currency:      "MXN",
		FilenameHints: []string{"nu", "tdc", "credit"},
		DateLayouts:   []string{"2006-01-02", "02/01/2006", "02-01-2006", "2006/01/02"},
		Layouts: []Layout{{
			Header:      []string{"fecha", "categoria", "descripcion", "monto", "tipo"},
			DateCols:    []string{"fecha"},
			DescCol:     "descripcion",
			AmountCol:   "monto",
			TypeCol:     "tipo",
			CategoryCol: "categoria",
			Sign:        SignAbonoIncome,
		}},
	},
	{
		Bank:          NuDebit,
		Currency:      "MXN",
		FilenameHints: []string{"nu", "debit", "debito"},
		DateLayouts:   []string{"2006-01-02", "02/01/2006", "02-01-2006", "2006/01/02"},
		Layouts: []Layout{{
			Header:        []string{"fecha", "tipo", "descripcion", "monto", "cajita", "categoria"},
			DateCols:      []string{"fecha"},
			DescCol:       "descripcion",
			AmountCol:     "monto",
			TypeCol:       "tipo",
			CategoryCol:   "categoria",
			Sign:          SignByAmount,
			TransferWords: []string{"transferencia"},
		}},
	},
	{
		Bank:          BbvaCredit,
		Currency:      "MXN",
		FilenameHints: []string{"bbva", "tdc", "credit"},
		DateLayouts:   []string{"2006-01-02", "02/01/2006", "02-01-2006", "2006/01/02"},
		Layouts: []Layout{{
			Header:      []string{"fecha_operacion", "fecha_cargo", "descripcion", "monto", "tipo", "categoria"},
			DateCols:    []string{"fecha_operacion", "fecha"},
			DescCol:     "descripcion",
			AmountCol:   "monto",
			TypeCol:     "tipo",
			CategoryCol: "categoria",
			Sign:        SignChargePositive,
		}},
	},
	{
		Bank:          BbvaDebit,
		Currency:      "MXN",
		FilenameHints: []string{"bbva", "debit", "debito"},
		DateLayouts:   []string{"2006-01-02", "02/01/2006", "02-01-2006", "2006/01/02"},
		Layouts: []Layout{
			{
				Header:     []string{"fecha_operacion", "fecha_liquidacion", "descripcion", "referencia", "cargos", "abonos", "saldo"},
				DateCols:   []string{"fecha_operacion", "fecha"},
				DescCol:    "descripcion",
				ChargesCol: "cargos",
				CreditsCol: "abonos",
				Sign:       SignChargesCredits,
			},
			{
				Header:       []string{"fecha", "descripcion", "referencia", "monto", "saldo", "categoria", "tipo", "beneficiario"},
				DateCols:     []string{"fecha"},
				DescCol:      "descripcion",
				DescExtraCol: "beneficiario",
				DescExtraFmt: "%s - %s",
				AmountCol:    "monto",
				TypeCol:      "tipo",
				CategoryCol:  "categoria",
				Sign:         SignEgreso,
			},
		},
	},
}

// UnknownFormatError reports a header that matched no known profile. The
// header is included so the caller can tell the user what was wrong.
type UnknownFormatError struct {
	Header []string
}

func (e *UnknownFormatError) Error() string {
	return fmt.Sprintf("unknown CSV format, headers: [%s]", strings.Join(e.Header, ", "))
}

// ProfileFor returns the registered profile for a bank.
func ProfileFor(bank SourceBank) (*Profile, bool) {
	for i := range Profiles {
		if Profiles[i].Bank == bank {
			return &Profiles[i], true
		}
	}
	return nil, false
}

type candidate struct {
	profile *Profile
	score   float64
	// distance between the matched layout's column count and the actual
	// header's column count; lower is a tighter fit
	dist int
}

// Detect classifies a CSV header as one of the known profiles. Scoring is
// purely header-based: each layout scores matched/expected and must reach
// MatchThreshold. Ties go first to the layout whose column count is closest
// to the actual header, then to a profile whose filename hint appears in the
// filename. Extra unexpected columns never disqualify a match.
func Detect(header []string, filename string) (SourceBank, error) {
	if len(header) == 0 {
		return Unknown, &UnknownFormatError{Header: header}
	}

	present := make(map[string]bool, len(header))
	for _, h := range header {
		present[normalizeCol(h)] = true
	}

	var cands []candidate
	for i := range Profiles {
		p := &Profiles[i]
		best := -1.0
		bestDist := 0
		for _, l := range p.Layouts {
			matched := 0
			for _, col := range l.Header {
				if present[col] {
					matched++
				}
			}
			score := float64(matched) / float64(len(l.Header))
			dist := len(l.Header) - len(header)
			if dist < 0 {
				dist = -dist
			}
			if score > best || (score == best && dist < bestDist) {
				best, bestDist = score, dist
			}
		}
		if best >= MatchThreshold {
			cands = append(cands, candidate{profile: p, score: best, dist: bestDist})
		}
	}

	if len(cands) == 0 {
		return Unknown, &UnknownFormatError{Header: header}
	}

	winner := cands[0]
	lower := strings.ToLower(filename)
	for _, c := range cands[1:] {
		switch {
		case c.score > winner.score:
			winner = c
		case c.score == winner.score && c.dist < winner.dist:
			winner = c
		case c.score == winner.score && c.dist == winner.dist &&
			!hasHint(winner.profile, lower) && hasHint(c.profile, lower):
			winner = c
		}
	}
	return winner.profile.Bank, nil
}

func hasHint(p *Profile, filename string) bool {
	for _, h := range p.FilenameHints {
		if strings.Contains(filename, h) {
			return true
		}
	}
	return false
}

func normalizeCol(s string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(s, "\ufeff")))
}
