package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/avaldez/finsight/internal/logger"
	"github.com/avaldez/finsight/internal/model"
	"github.com/avaldez/finsight/internal/repo"
)

type fakeStore struct {
	matches   []repo.Match
	aggregate func(f repo.AggregateFilter) []repo.AggregateRow

	cachedVec []float32
	cachePuts map[string][]float32
	nnCalls   int
	lastK     int
}

func (s *fakeStore) InsertTransactions(context.Context, []*model.Transaction) (int, error) {
	return 0, nil
}

func (s *fakeStore) ListTransactions(context.Context, repo.TransactionFilter) ([]model.Transaction, int64, error) {
	return nil, 0, nil
}

func (s *fakeStore) NearestNeighbors(_ context.Context, _ []float32, k int, _, _ *time.Time) ([]repo.Match, error) {
	s.nnCalls++
	s.lastK = k
	return s.matches, nil
}

func (s *fakeStore) Aggregate(_ context.Context, f repo.AggregateFilter) ([]repo.AggregateRow, error) {
	if s.aggregate == nil {
		return nil, nil
	}
	return s.aggregate(f), nil
}

func (s *fakeStore) DataContext(context.Context) (*repo.DataContext, error) {
	return &repo.DataContext{}, nil
}

func (s *fakeStore) CachedQueryEmbedding(_ context.Context, _ string) ([]float32, bool) {
	return s.cachedVec, s.cachedVec != nil
}

func (s *fakeStore) CacheQueryEmbedding(_ context.Context, text string, vec []float32) {
	if s.cachePuts == nil {
		s.cachePuts = map[string][]float32{}
	}
	s.cachePuts[text] = vec
}

type fakeEmbedder struct{ calls int }

func (f *fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	f.calls++
	return []float32{1, 0, 0}, nil
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

type fakeClassifier struct {
	answer string
	err    error
	calls  int
}

func (f *fakeClassifier) Classify(context.Context, string, []string) (string, error) {
	f.calls++
	return f.answer, f.err
}

func newTestRegistry(store *fakeStore, emb *fakeEmbedder, cls *fakeClassifier) *Registry {
	log := must(logger.NewLogger())
	return NewRegistry(store, emb, cls, log)
}

func must(l *zap.SugaredLogger, err error) *zap.SugaredLogger {
	if err != nil {
		panic(err)
	}
	return l
}

func strPtr(s string) *string { return &s }

func TestSearchTransactions_CacheHitSkipsEmbedder(t *testing.T) {
	store := &fakeStore{
		cachedVec: []float32{1, 0, 0},
		matches: []repo.Match{{
			Transaction: model.Transaction{
				Date:        time.Date(2025, 7, 3, 0, 0, 0, 0, time.UTC),
				Description: "STARBUCKS POLANCO",
				Amount:      decimal.RequireFromString("-185.50"),
				Currency:    "MXN",
				Category:    strPtr("Food"),
				Type:        model.TypeExpense,
			},
			Similarity: 0.91,
		}},
	}
	emb := &fakeEmbedder{}
	r := newTestRegistry(store, emb, &fakeClassifier{})

	out, err := r.Execute(context.Background(), "search_transactions",
		json.RawMessage(`{"query":"coffee shops"}`))
	require.NoError(t, err)

	assert.Zero(t, emb.calls, "cached query must not hit the embedding API")
	assert.Equal(t, 10, store.lastK)
	assert.Contains(t, out, "STARBUCKS POLANCO")
	assert.Contains(t, out, "-185.50")
	assert.Contains(t, out, "0.91")
}

func TestSearchTransactions_CacheMissEmbedsAndCaches(t *testing.T) {
	store := &fakeStore{}
	emb := &fakeEmbedder{}
	r := newTestRegistry(store, emb, &fakeClassifier{})

	_, err := r.Execute(context.Background(), "search_transactions",
		json.RawMessage(`{"query":"ride sharing","limit":5}`))
	require.NoError(t, err)

	assert.Equal(t, 1, emb.calls)
	assert.Equal(t, []float32{1, 0, 0}, store.cachePuts["ride sharing"])
	assert.Equal(t, 5, store.lastK)
	assert.Equal(t, 1, store.nnCalls)
}

func TestSearchTransactions_RequiresQuery(t *testing.T) {
	r := newTestRegistry(&fakeStore{}, &fakeEmbedder{}, &fakeClassifier{})
	_, err := r.Execute(context.Background(), "search_transactions", json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestAnalyzeSpending_Defaults(t *testing.T) {
	var got repo.AggregateFilter
	store := &fakeStore{aggregate: func(f repo.AggregateFilter) []repo.AggregateRow {
		got = f
		return []repo.AggregateRow{
			{Group: "Transport", Currency: "MXN", Count: 2,
				Total: decimal.RequireFromString("680"), Average: decimal.RequireFromString("340"),
				Min: decimal.RequireFromString("230"), Max: decimal.RequireFromString("450")},
		}
	}}
	r := newTestRegistry(store, &fakeEmbedder{}, &fakeClassifier{})

	out, err := r.Execute(context.Background(), "analyze_spending", json.RawMessage(`{}`))
	require.NoError(t, err)

	assert.Equal(t, "category", got.GroupBy)
	assert.Equal(t, "expense", got.Type)
	assert.Contains(t, out, `"grand_total":"680.00"`)
	assert.Contains(t, out, "Transport")
}

func TestAnalyzeSpending_RejectsBadGroupBy(t *testing.T) {
	r := newTestRegistry(&fakeStore{}, &fakeEmbedder{}, &fakeClassifier{})
	_, err := r.Execute(context.Background(), "analyze_spending",
		json.RawMessage(`{"group_by":"weekday"}`))
	assert.Error(t, err)
}

func comparisonStore(totalA, totalB string) *fakeStore {
	return &fakeStore{aggregate: func(f repo.AggregateFilter) []repo.AggregateRow {
		total := totalA
		if f.DateFrom != nil && f.DateFrom.Month() == time.August {
			total = totalB
		}
		d := decimal.RequireFromString(total)
		if d.IsZero() {
			return nil
		}
		return []repo.AggregateRow{{Group: "All", Count: 1, Total: d}}
	}}
}

const compareInputJSON = `{
	"period_a_start":"2025-07-01","period_a_end":"2025-07-31",
	"period_b_start":"2025-08-01","period_b_end":"2025-08-31"
}`

func TestComparePeriods(t *testing.T) {
	r := newTestRegistry(comparisonStore("1000", "1250"), &fakeEmbedder{}, &fakeClassifier{})
	out, err := r.Execute(context.Background(), "compare_periods", json.RawMessage(compareInputJSON))
	require.NoError(t, err)
	assert.Contains(t, out, `"change":"250.00"`)
	assert.Contains(t, out, `"change_pct":"25.0"`)
}

func TestComparePeriods_NewSpending(t *testing.T) {
	r := newTestRegistry(comparisonStore("0", "500"), &fakeEmbedder{}, &fakeClassifier{})
	out, err := r.Execute(context.Background(), "compare_periods", json.RawMessage(compareInputJSON))
	require.NoError(t, err)
	assert.Contains(t, out, `"change_pct":"new spending"`)
}

func TestComparePeriods_BothZero(t *testing.T) {
	r := newTestRegistry(comparisonStore("0", "0"), &fakeEmbedder{}, &fakeClassifier{})
	out, err := r.Execute(context.Background(), "compare_periods", json.RawMessage(compareInputJSON))
	require.NoError(t, err)
	assert.Contains(t, out, `"change_pct":"0.0"`)
}

func TestCategorize_KeywordHit(t *testing.T) {
	cls := &fakeClassifier{}
	r := newTestRegistry(&fakeStore{}, &fakeEmbedder{}, cls)

	out, err := r.Execute(context.Background(), "categorize_transaction",
		json.RawMessage(`{"description":"UBER TRIP MX"}`))
	require.NoError(t, err)
	assert.Contains(t, out, `"category":"Transport"`)
	assert.Contains(t, out, `"method":"keyword"`)
	assert.Zero(t, cls.calls)
}

func TestCategorize_ModelFallback(t *testing.T) {
	cls := &fakeClassifier{answer: "Health"}
	r := newTestRegistry(&fakeStore{}, &fakeEmbedder{}, cls)

	out, err := r.Execute(context.Background(), "categorize_transaction",
		json.RawMessage(`{"description":"DR SIMI CONSULTORIO"}`))
	require.NoError(t, err)
	assert.Contains(t, out, `"category":"Health"`)
	assert.Contains(t, out, `"method":"model"`)
	assert.Equal(t, 1, cls.calls)
}

func TestCategorize_InvalidModelAnswerFallsBackToOther(t *testing.T) {
	cls := &fakeClassifier{answer: "Cryptocurrency"}
	r := newTestRegistry(&fakeStore{}, &fakeEmbedder{}, cls)

	out, err := r.Execute(context.Background(), "categorize_transaction",
		json.RawMessage(`{"description":"XYZZY 123"}`))
	require.NoError(t, err)
	assert.Contains(t, out, `"category":"Other"`)
}

func TestCategorize_ClassifierErrorFallsBackToOther(t *testing.T) {
	cls := &fakeClassifier{err: errors.New("model down")}
	r := newTestRegistry(&fakeStore{}, &fakeEmbedder{}, cls)

	out, err := r.Execute(context.Background(), "categorize_transaction",
		json.RawMessage(`{"description":"XYZZY 123"}`))
	require.NoError(t, err)
	assert.Contains(t, out, `"category":"Other"`)
	assert.Contains(t, out, `"method":"fallback"`)
}

func TestGenerateReport_PercentsSumTo100(t *testing.T) {
	store := &fakeStore{aggregate: func(f repo.AggregateFilter) []repo.AggregateRow {
		switch f.Type {
		case "income":
			return []repo.AggregateRow{{Group: "Hourly", Currency: "USD", Count: 3,
				Total: decimal.RequireFromString("2550")}}
		case "expense":
			// three equal thirds round to 33.3 each; the largest absorbs the
			// remainder so shares sum to exactly 100.0
			third := decimal.RequireFromString("100")
			return []repo.AggregateRow{
				{Group: "Transport", Currency: "MXN", Count: 1, Total: third},
				{Group: "Food", Currency: "MXN", Count: 1, Total: third},
				{Group: "Bills", Currency: "MXN", Count: 1, Total: third},
			}
		default:
			return []repo.AggregateRow{
				{Group: "upwork", Count: 3},
				{Group: "nu_credit", Count: 3},
			}
		}
	}}
	r := newTestRegistry(store, &fakeEmbedder{}, &fakeClassifier{})

	out, err := r.Execute(context.Background(), "generate_report",
		json.RawMessage(`{"date_from":"2025-07-01","date_to":"2025-07-31"}`))
	require.NoError(t, err)

	var report struct {
		TotalIncome   string `json:"total_income"`
		TotalExpenses string `json:"total_expenses"`
		Net           string `json:"net"`
		ByCategory    []struct {
			Category string `json:"category"`
			Percent  string `json:"percent"`
		} `json:"by_category"`
		BySource map[string]int64 `json:"by_source"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))

	assert.Equal(t, "2550.00", report.TotalIncome)
	assert.Equal(t, "300.00", report.TotalExpenses)
	assert.Equal(t, "2250.00", report.Net)
	require.Len(t, report.ByCategory, 3)
	assert.Equal(t, "33.4", report.ByCategory[0].Percent)
	assert.Equal(t, "33.3", report.ByCategory[1].Percent)
	assert.Equal(t, "33.3", report.ByCategory[2].Percent)
	assert.EqualValues(t, 3, report.BySource["upwork"])
}

func TestExecute_UnknownTool(t *testing.T) {
	r := newTestRegistry(&fakeStore{}, &fakeEmbedder{}, &fakeClassifier{})
	_, err := r.Execute(context.Background(), "drop_tables", json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestSpecs_CoverAllTools(t *testing.T) {
	specs := Specs()
	require.Len(t, specs, 5)
	names := map[string]bool{}
	for _, s := range specs {
		names[s.OfTool.Name] = true
	}
	for _, want := range []string{"search_transactions", "analyze_spending",
		"compare_periods", "categorize_transaction", "generate_report"} {
		assert.True(t, names[want], want)
	}
}
