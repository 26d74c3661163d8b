// Package tools implements the callable tools the chat agent can invoke.
// Each tool wraps a store query, takes JSON arguments and returns a JSON
// result string suitable for a tool_result block.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/avaldez/finsight/internal/embed"
	"github.com/avaldez/finsight/internal/repo"
)

// Categories is the closed set a transaction can be classified into.
var Categories = []string{
	"Transport", "Food", "Shopping", "Bills",
	"Entertainment", "Income", "Transfer", "Health", "Other",
}

// categoryKeywords resolves the common merchants without an LLM round trip.
// Substring match against the lowercased description, first hit wins.
var categoryKeywords = []struct {
	category string
	words    []string
}{
	{"Transport", []string{"uber", "didi", "lyft", "taxi", "metro", "gas", "gasolina", "metrobus"}},
	{"Food", []string{"restaurant", "starbucks", "mcdonalds", "food", "coffee", "cafe", "rest ", "comida"}},
	{"Shopping", []string{"amazon", "walmart", "target", "store", "shop", "mercado", "oxxo"}},
	{"Bills", []string{"electricity", "water", "internet", "phone", "luz", "agua", "telmex"}},
	{"Entertainment", []string{"netflix", "spotify", "cinema", "movie", "game", "cine"}},
	{"Income", []string{"salary", "payment", "deposit", "freelance", "hourly", "earnings", "upwork"}},
	{"Transfer", []string{"transfer", "spei", "transferencia"}},
	{"Health", []string{"pharmacy", "doctor", "hospital", "farmacia", "medico"}},
}

// Classifier assigns a category from the fixed set to a free-text
// description. Used only when the keyword table misses.
type Classifier interface {
	Classify(ctx context.Context, description string, categories []string) (string, error)
}

// Registry holds the wired tools and dispatches calls by name.
type Registry struct {
	store      repo.Store
	embedder   embed.Embedder
	classifier Classifier
	log        *zap.SugaredLogger
}

// NewRegistry wires the tool layer.
func NewRegistry(store repo.Store, e embed.Embedder, c Classifier, log *zap.SugaredLogger) *Registry {
	return &Registry{store: store, embedder: e, classifier: c, log: log}
}

// Specs returns the tool declarations advertised to the model.
func Specs() []anthropic.ToolUnionParam {
	specs := make([]anthropic.ToolUnionParam, 0, len(toolSpecs))
	for i := range toolSpecs {
		specs = append(specs, anthropic.ToolUnionParam{OfTool: &toolSpecs[i]})
	}
	return specs
}

var toolSpecs = []anthropic.ToolParam{
	{
		Name:        "search_transactions",
		Description: anthropic.String("Semantic search over transactions. Finds transactions whose description is similar in meaning to the query, not just keyword matches. Use for questions like 'how much did I spend on coffee'."),
		InputSchema: anthropic.ToolInputSchemaParam{
			Properties: map[string]interface{}{
				"query":     map[string]interface{}{"type": "string", "description": "What to search for, e.g. 'coffee shops' or 'ride sharing'"},
				"limit":     map[string]interface{}{"type": "integer", "description": "Maximum results, default 10"},
				"date_from": map[string]interface{}{"type": "string", "description": "Inclusive start date, YYYY-MM-DD"},
				"date_to":   map[string]interface{}{"type": "string", "description": "Inclusive end date, YYYY-MM-DD"},
			},
			Required: []string{"query"},
		},
	},
	{
		Name:        "analyze_spending",
		Description: anthropic.String("Aggregate transactions: totals, counts and averages grouped by category or by month, optionally filtered by date range, category or type."),
		InputSchema: anthropic.ToolInputSchemaParam{
			Properties: map[string]interface{}{
				"group_by":  map[string]interface{}{"type": "string", "enum": []string{"category", "month"}, "description": "Grouping dimension, default category"},
				"date_from": map[string]interface{}{"type": "string", "description": "Inclusive start date, YYYY-MM-DD"},
				"date_to":   map[string]interface{}{"type": "string", "description": "Inclusive end date, YYYY-MM-DD"},
				"category":  map[string]interface{}{"type": "string", "description": "Filter to categories containing this text"},
				"type":      map[string]interface{}{"type": "string", "enum": []string{"income", "expense", "transfer"}, "description": "Transaction type, default expense"},
			},
		},
	},
	{
		Name:        "compare_periods",
		Description: anthropic.String("Compare total spending between two date ranges and report the change as an absolute amount and a percentage."),
		InputSchema: anthropic.ToolInputSchemaParam{
			Properties: map[string]interface{}{
				"period_a_start": map[string]interface{}{"type": "string", "description": "First period start, YYYY-MM-DD"},
				"period_a_end":   map[string]interface{}{"type": "string", "description": "First period end, YYYY-MM-DD"},
				"period_b_start": map[string]interface{}{"type": "string", "description": "Second period start, YYYY-MM-DD"},
				"period_b_end":   map[string]interface{}{"type": "string", "description": "Second period end, YYYY-MM-DD"},
				"category":       map[string]interface{}{"type": "string", "description": "Optional category filter"},
			},
			Required: []string{"period_a_start", "period_a_end", "period_b_start", "period_b_end"},
		},
	},
	{
		Name:        "categorize_transaction",
		Description: anthropic.String("Assign one of the fixed spending categories to a transaction description."),
		InputSchema: anthropic.ToolInputSchemaParam{
			Properties: map[string]interface{}{
				"description": map[string]interface{}{"type": "string", "description": "The transaction description to classify"},
			},
			Required: []string{"description"},
		},
	},
	{
		Name:        "generate_report",
		Description: anthropic.String("Full financial summary for a date range: income, expenses by category with percentages, net, and per-source counts."),
		InputSchema: anthropic.ToolInputSchemaParam{
			Properties: map[string]interface{}{
				"date_from": map[string]interface{}{"type": "string", "description": "Inclusive start date, YYYY-MM-DD"},
				"date_to":   map[string]interface{}{"type": "string", "description": "Inclusive end date, YYYY-MM-DD"},
			},
		},
	},
}

// Execute dispatches one tool call. The error return is reserved for unknown
// tools and malformed input; tool-level failures come back as an error field
// in the JSON payload so the model can react to them.
func (r *Registry) Execute(ctx context.Context, name string, input json.RawMessage) (string, error) {
	switch name {
	case "search_transactions":
		return r.searchTransactions(ctx, input)
	case "analyze_spending":
		return r.analyzeSpending(ctx, input)
	case "compare_periods":
		return r.comparePeriods(ctx, input)
	case "categorize_transaction":
		return r.categorizeTransaction(ctx, input)
	case "generate_report":
		return r.generateReport(ctx, input)
	default:
		return "", fmt.Errorf("unknown tool %q", name)
	}
}

type searchInput struct {
	Query    string `json:"query"`
	Limit    int    `json:"limit"`
	DateFrom string `json:"date_from"`
	DateTo   string `json:"date_to"`
}

type searchHit struct {
	Date        string  `json:"date"`
	Description string  `json:"description"`
	Amount      string  `json:"amount"`
	Currency    string  `json:"currency"`
	Category    string  `json:"category,omitempty"`
	Type        string  `json:"type"`
	Similarity  float64 `json:"similarity"`
}

func (r *Registry) searchTransactions(ctx context.Context, input json.RawMessage) (string, error) {
	var in searchInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "", fmt.Errorf("search_transactions: %w", err)
	}
	if strings.TrimSpace(in.Query) == "" {
		return "", fmt.Errorf("search_transactions: query is required")
	}
	if in.Limit <= 0 || in.Limit > 50 {
		in.Limit = 10
	}
	from, to, err := parseRange(in.DateFrom, in.DateTo)
	if err != nil {
		return "", err
	}

	vec, ok := r.store.CachedQueryEmbedding(ctx, in.Query)
	if !ok {
		vec, err = r.embedder.Embed(ctx, in.Query)
		if err != nil {
			return "", fmt.Errorf("embed query: %w", err)
		}
		r.store.CacheQueryEmbedding(ctx, in.Query, vec)
	}

	matches, err := r.store.NearestNeighbors(ctx, vec, in.Limit, from, to)
	if err != nil {
		return "", fmt.Errorf("vector search: %w", err)
	}

	hits := make([]searchHit, len(matches))
	for i, m := range matches {
		hits[i] = searchHit{
			Date:        m.Date.Format("2006-01-02"),
			Description: m.Description,
			Amount:      m.Amount.StringFixed(2),
			Currency:    m.Currency,
			Type:        m.Type,
			Similarity:  m.Similarity,
		}
		if m.Category != nil {
			hits[i].Category = *m.Category
		}
	}
	return marshal(map[string]interface{}{"query": in.Query, "results": hits, "count": len(hits)})
}

type analyzeInput struct {
	GroupBy  string `json:"group_by"`
	DateFrom string `json:"date_from"`
	DateTo   string `json:"date_to"`
	Category string `json:"category"`
	Type     string `json:"type"`
}

type aggregateOut struct {
	Group    string `json:"group"`
	Currency string `json:"currency"`
	Count    int64  `json:"count"`
	Total    string `json:"total"`
	Average  string `json:"average"`
	Min      string `json:"min"`
	Max      string `json:"max"`
}

func (r *Registry) analyzeSpending(ctx context.Context, input json.RawMessage) (string, error) {
	var in analyzeInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "", fmt.Errorf("analyze_spending: %w", err)
	}
	if in.GroupBy == "" {
		in.GroupBy = "category"
	}
	if in.GroupBy != "category" && in.GroupBy != "month" {
		return "", fmt.Errorf("analyze_spending: group_by must be category or month")
	}
	if in.Type == "" {
		in.Type = "expense"
	}
	from, to, err := parseRange(in.DateFrom, in.DateTo)
	if err != nil {
		return "", err
	}

	rows, err := r.store.Aggregate(ctx, repo.AggregateFilter{
		GroupBy:  in.GroupBy,
		DateFrom: from,
		DateTo:   to,
		Category: in.Category,
		Type:     in.Type,
	})
	if err != nil {
		return "", fmt.Errorf("aggregate: %w", err)
	}

	out := make([]aggregateOut, len(rows))
	grand := decimal.Zero
	for i, row := range rows {
		out[i] = aggregateOut{
			Group:    row.Group,
			Currency: row.Currency,
			Count:    row.Count,
			Total:    row.Total.StringFixed(2),
			Average:  row.Average.StringFixed(2),
			Min:      row.Min.StringFixed(2),
			Max:      row.Max.StringFixed(2),
		}
		grand = grand.Add(row.Total)
	}
	return marshal(map[string]interface{}{
		"group_by":    in.GroupBy,
		"type":        in.Type,
		"groups":      out,
		"grand_total": grand.StringFixed(2),
	})
}

type compareInput struct {
	PeriodAStart string `json:"period_a_start"`
	PeriodAEnd   string `json:"period_a_end"`
	PeriodBStart string `json:"period_b_start"`
	PeriodBEnd   string `json:"period_b_end"`
	Category     string `json:"category"`
}

func (r *Registry) comparePeriods(ctx context.Context, input json.RawMessage) (string, error) {
	var in compareInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "", fmt.Errorf("compare_periods: %w", err)
	}

	totalA, countA, err := r.periodTotal(ctx, in.PeriodAStart, in.PeriodAEnd, in.Category)
	if err != nil {
		return "", err
	}
	totalB, countB, err := r.periodTotal(ctx, in.PeriodBStart, in.PeriodBEnd, in.Category)
	if err != nil {
		return "", err
	}

	out := map[string]interface{}{
		"period_a": map[string]interface{}{
			"from": in.PeriodAStart, "to": in.PeriodAEnd,
			"total": totalA.StringFixed(2), "count": countA,
		},
		"period_b": map[string]interface{}{
			"from": in.PeriodBStart, "to": in.PeriodBEnd,
			"total": totalB.StringFixed(2), "count": countB,
		},
		"change": totalB.Sub(totalA).StringFixed(2),
	}
	if totalA.IsZero() {
		// no baseline to divide by
		if totalB.IsZero() {
			out["change_pct"] = "0.0"
		} else {
			out["change_pct"] = "new spending"
		}
	} else {
		pct := totalB.Sub(totalA).Div(totalA).Mul(decimal.NewFromInt(100))
		out["change_pct"] = pct.StringFixed(1)
	}
	return marshal(out)
}

func (r *Registry) periodTotal(ctx context.Context, fromStr, toStr, category string) (decimal.Decimal, int64, error) {
	from, to, err := parseRange(fromStr, toStr)
	if err != nil {
		return decimal.Zero, 0, err
	}
	if from == nil || to == nil {
		return decimal.Zero, 0, fmt.Errorf("compare_periods: both period bounds are required")
	}
	rows, err := r.store.Aggregate(ctx, repo.AggregateFilter{
		GroupBy:  "category",
		DateFrom: from,
		DateTo:   to,
		Category: category,
		Type:     "expense",
	})
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("aggregate: %w", err)
	}
	total, count := decimal.Zero, int64(0)
	for _, row := range rows {
		total = total.Add(row.Total)
		count += row.Count
	}
	return total, count, nil
}

type categorizeInput struct {
	Description string `json:"description"`
}

func (r *Registry) categorizeTransaction(ctx context.Context, input json.RawMessage) (string, error) {
	var in categorizeInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "", fmt.Errorf("categorize_transaction: %w", err)
	}
	if strings.TrimSpace(in.Description) == "" {
		return "", fmt.Errorf("categorize_transaction: description is required")
	}

	category, method := CategorizeByKeyword(in.Description), "keyword"
	if category == "" {
		method = "model"
		c, err := r.classifier.Classify(ctx, in.Description, Categories)
		if err != nil {
			r.log.Warnf("classify %q: %v", in.Description, err)
			category, method = "Other", "fallback"
		} else {
			category = c
		}
		if !validCategory(category) {
			category = "Other"
		}
	}
	return marshal(map[string]interface{}{
		"description": in.Description,
		"category":    category,
		"method":      method,
	})
}

// CategorizeByKeyword returns the keyword-table category for a description,
// or "" when nothing matches.
func CategorizeByKeyword(description string) string {
	d := strings.ToLower(description)
	for _, entry := range categoryKeywords {
		for _, w := range entry.words {
			if strings.Contains(d, w) {
				return entry.category
			}
		}
	}
	return ""
}

func validCategory(c string) bool {
	for _, known := range Categories {
		if strings.EqualFold(c, known) {
			return true
		}
	}
	return false
}

type reportInput struct {
	DateFrom string `json:"date_from"`
	DateTo   string `json:"date_to"`
}

type reportCategory struct {
	Category string `json:"category"`
	Currency string `json:"currency"`
	Total    string `json:"total"`
	Count    int64  `json:"count"`
	Percent  string `json:"percent"`
}

func (r *Registry) generateReport(ctx context.Context, input json.RawMessage) (string, error) {
	var in reportInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "", fmt.Errorf("generate_report: %w", err)
	}
	from, to, err := parseRange(in.DateFrom, in.DateTo)
	if err != nil {
		return "", err
	}

	incomeRows, err := r.store.Aggregate(ctx, repo.AggregateFilter{
		GroupBy: "category", DateFrom: from, DateTo: to, Type: "income",
	})
	if err != nil {
		return "", fmt.Errorf("aggregate income: %w", err)
	}
	expenseRows, err := r.store.Aggregate(ctx, repo.AggregateFilter{
		GroupBy: "category", DateFrom: from, DateTo: to, Type: "expense",
	})
	if err != nil {
		return "", fmt.Errorf("aggregate expenses: %w", err)
	}
	sourceRows, err := r.store.Aggregate(ctx, repo.AggregateFilter{
		GroupBy: "source", DateFrom: from, DateTo: to,
	})
	if err != nil {
		return "", fmt.Errorf("aggregate sources: %w", err)
	}

	income := decimal.Zero
	for _, row := range incomeRows {
		income = income.Add(row.Total)
	}
	expenses := decimal.Zero
	for _, row := range expenseRows {
		expenses = expenses.Add(row.Total)
	}

	categories := make([]reportCategory, len(expenseRows))
	for i, row := range expenseRows {
		categories[i] = reportCategory{
			Category: row.Group,
			Currency: row.Currency,
			Total:    row.Total.StringFixed(2),
			Count:    row.Count,
		}
	}
	assignPercents(categories, expenseRows, expenses)

	sources := make(map[string]int64, len(sourceRows))
	for _, row := range sourceRows {
		sources[row.Group] += row.Count
	}

	return marshal(map[string]interface{}{
		"date_from":      in.DateFrom,
		"date_to":        in.DateTo,
		"total_income":   income.StringFixed(2),
		"total_expenses": expenses.StringFixed(2),
		"net":            income.Sub(expenses).StringFixed(2),
		"by_category":    categories,
		"by_source":      sources,
	})
}

// assignPercents rounds each category share to one decimal and pushes the
// rounding remainder onto the largest category so the shares sum to 100.0.
func assignPercents(out []reportCategory, rows []repo.AggregateRow, total decimal.Decimal) {
	if total.IsZero() || len(rows) == 0 {
		for i := range out {
			out[i].Percent = "0.0"
		}
		return
	}
	hundred := decimal.NewFromInt(100)
	sum := decimal.Zero
	pcts := make([]decimal.Decimal, len(rows))
	for i, row := range rows {
		pcts[i] = row.Total.Mul(hundred).Div(total).Round(1)
		sum = sum.Add(pcts[i])
	}
	// rows are ordered by total descending, so index 0 is the largest
	pcts[0] = pcts[0].Add(hundred.Sub(sum))
	for i := range out {
		out[i].Percent = pcts[i].StringFixed(1)
	}
}

func parseRange(fromStr, toStr string) (*time.Time, *time.Time, error) {
	var from, to *time.Time
	if fromStr != "" {
		t, err := time.Parse("2006-01-02", fromStr)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid date_from %q, want YYYY-MM-DD", fromStr)
		}
		from = &t
	}
	if toStr != "" {
		t, err := time.Parse("2006-01-02", toStr)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid date_to %q, want YYYY-MM-DD", toStr)
		}
		to = &t
	}
	return from, to, nil
}

func marshal(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
