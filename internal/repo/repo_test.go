package repo

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/avaldez/finsight/internal/logger"
	"github.com/avaldez/finsight/internal/model"
)

func newTestRepo(t *testing.T) (*Repository, context.Context) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&model.Transaction{}, &model.ImportBatch{},
		&model.ChatSession{}, &model.ChatMessage{}, &model.OutboxEvent{},
	))
	return NewRepository(db, nil, &kafka.Writer{}, must(logger.NewLogger())), context.Background()
}

func must(l *zap.SugaredLogger, err error) *zap.SugaredLogger {
	if err != nil {
		panic(err)
	}
	return l
}

func strPtr(s string) *string { return &s }

func seedTransactions(t *testing.T, r *Repository, ctx context.Context) {
	t.Helper()
	txns := []*model.Transaction{
		{
			Date: date(2025, 7, 3), Description: "STARBUCKS POLANCO",
			Amount: dec("-185.50"), Currency: "MXN", Category: strPtr("Food"),
			Type: model.TypeExpense, SourceBank: "nu_credit", SourceFile: "nu.csv",
		},
		{
			Date: date(2025, 7, 8), Description: "UBER TRIP",
			Amount: dec("-230.00"), Currency: "MXN", Category: strPtr("Transport"),
			Type: model.TypeExpense, SourceBank: "bbva_credit", SourceFile: "bbva.csv",
		},
		{
			Date: date(2025, 7, 15), Description: "Backend API development (Acme Corp)",
			Amount: dec("850.00"), Currency: "USD", Category: strPtr("Hourly"),
			Type: model.TypeIncome, SourceBank: "upwork", SourceFile: "upwork.csv",
		},
		{
			Date: date(2025, 8, 2), Description: "OXXO GAS",
			Amount: dec("-450.00"), Currency: "MXN", Category: strPtr("Transport"),
			Type: model.TypeExpense, SourceBank: "bbva_debit", SourceFile: "bbva_deb.csv",
		},
	}
	n, err := r.InsertTransactions(ctx, txns)
	require.NoError(t, err)
	require.Equal(t, 4, n)
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestListTransactions_Filters(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedTransactions(t, r, ctx)

	// no filter: everything, newest first
	all, total, err := r.ListTransactions(ctx, TransactionFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 4, total)
	require.Len(t, all, 4)
	assert.Equal(t, "OXXO GAS", all[0].Description)

	// category substring, case-insensitive
	food, total, err := r.ListTransactions(ctx, TransactionFilter{Category: "foo"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Equal(t, "STARBUCKS POLANCO", food[0].Description)

	// type
	_, total, err = r.ListTransactions(ctx, TransactionFilter{Type: model.TypeExpense})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)

	// description search
	_, total, err = r.ListTransactions(ctx, TransactionFilter{Search: "uber"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)

	// amount range over absolute values
	min, max := dec("200"), dec("500")
	_, total, err = r.ListTransactions(ctx, TransactionFilter{AmountMin: &min, AmountMax: &max})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)

	// date range
	from, to := date(2025, 7, 1), date(2025, 7, 31)
	_, total, err = r.ListTransactions(ctx, TransactionFilter{DateFrom: &from, DateTo: &to})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)

	// pagination
	page2, total, err := r.ListTransactions(ctx, TransactionFilter{Page: 2, Limit: 3})
	require.NoError(t, err)
	assert.EqualValues(t, 4, total)
	assert.Len(t, page2, 1)
}

func TestInsertTransactions_ReuploadDuplicates(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedTransactions(t, r, ctx)
	seedTransactions(t, r, ctx)

	_, total, err := r.ListTransactions(ctx, TransactionFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 8, total, "re-uploading the same rows must duplicate them")
}

func TestAggregate_ByCategory(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedTransactions(t, r, ctx)

	rows, err := r.Aggregate(ctx, AggregateFilter{GroupBy: "category", Type: model.TypeExpense})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// ordered by total descending: Transport 680.00, Food 185.50
	assert.Equal(t, "Transport", rows[0].Group)
	assert.EqualValues(t, 2, rows[0].Count)
	assert.True(t, rows[0].Total.Equal(dec("680")), "got %s", rows[0].Total)
	assert.True(t, rows[0].Average.Equal(dec("340")), "got %s", rows[0].Average)
	assert.True(t, rows[0].Min.Equal(dec("230")))
	assert.True(t, rows[0].Max.Equal(dec("450")))

	assert.Equal(t, "Food", rows[1].Group)
	assert.True(t, rows[1].Total.Equal(dec("185.5")))
}

func TestAggregate_ByMonth(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedTransactions(t, r, ctx)

	rows, err := r.Aggregate(ctx, AggregateFilter{GroupBy: "month", Type: model.TypeExpense})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byMonth := map[string]AggregateRow{}
	for _, row := range rows {
		byMonth[row.Group] = row
	}
	assert.True(t, byMonth["2025-07"].Total.Equal(dec("415.5")), "got %s", byMonth["2025-07"].Total)
	assert.True(t, byMonth["2025-08"].Total.Equal(dec("450")))
}

func TestAggregate_BySource(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedTransactions(t, r, ctx)

	rows, err := r.Aggregate(ctx, AggregateFilter{GroupBy: "source"})
	require.NoError(t, err)
	assert.Len(t, rows, 4)
	for _, row := range rows {
		assert.EqualValues(t, 1, row.Count)
	}
}

func TestDataContext(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedTransactions(t, r, ctx)

	dc, err := r.DataContext(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 4, dc.Total)
	assert.Equal(t, "2025-07-03", dc.MinDate.Format("2006-01-02"))
	assert.Equal(t, "2025-08-02", dc.MaxDate.Format("2006-01-02"))
	assert.ElementsMatch(t, []string{"Food", "Transport", "Hourly"}, dc.Categories)
}

func TestQueryEmbeddingCache(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	rdb, mock := redismock.NewClientMock()
	r := NewRepository(db, rdb, &kafka.Writer{}, must(logger.NewLogger()))
	ctx := context.Background()

	key := queryEmbeddingKey("coffee shops")
	mock.ExpectGet(key).RedisNil()
	mock.ExpectSet(key, []byte("[1,2,3]"), 24*time.Hour).SetVal("OK")
	mock.ExpectGet(key).SetVal("[1,2,3]")

	_, ok := r.CachedQueryEmbedding(ctx, "coffee shops")
	assert.False(t, ok)

	r.CacheQueryEmbedding(ctx, "coffee shops", []float32{1, 2, 3})

	vec, ok := r.CachedQueryEmbedding(ctx, "coffee shops")
	assert.True(t, ok)
	assert.Equal(t, []float32{1, 2, 3}, vec)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionsAndMessages(t *testing.T) {
	r, ctx := newTestRepo(t)

	require.NoError(t, r.EnsureSession(ctx, "sess-1"))
	require.NoError(t, r.EnsureSession(ctx, "sess-1"), "EnsureSession must be idempotent")

	require.NoError(t, r.AppendMessage(ctx, &model.ChatMessage{
		SessionID: "sess-1", Role: "user", Content: "how much on coffee?",
	}))
	require.NoError(t, r.AppendMessage(ctx, &model.ChatMessage{
		SessionID: "sess-1", Role: "assistant", Content: "You spent 185.50 MXN.",
		ToolsUsed: `["search_transactions"]`,
	}))

	msgs, err := r.GetMessages(ctx, "sess-1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Contains(t, msgs[1].ToolsUsed, "search_transactions")

	other, err := r.GetMessages(ctx, "sess-2", 10)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestGetMessages_LimitKeepsNewestWindow(t *testing.T) {
	r, ctx := newTestRepo(t)
	require.NoError(t, r.EnsureSession(ctx, "sess-long"))

	for i := 1; i <= 30; i++ {
		role := "user"
		if i%2 == 0 {
			role = "assistant"
		}
		require.NoError(t, r.AppendMessage(ctx, &model.ChatMessage{
			SessionID: "sess-long", Role: role,
			Content: fmt.Sprintf("msg-%02d", i),
		}))
	}

	msgs, err := r.GetMessages(ctx, "sess-long", 20)
	require.NoError(t, err)
	require.Len(t, msgs, 20)
	// most recent 20, still in chronological order
	assert.Equal(t, "msg-11", msgs[0].Content)
	assert.Equal(t, "msg-30", msgs[19].Content)
	for i := 1; i < len(msgs); i++ {
		assert.Greater(t, msgs[i].ID, msgs[i-1].ID)
	}
}

func TestImportBatches(t *testing.T) {
	r, ctx := newTestRepo(t)

	from, to := date(2025, 7, 1), date(2025, 7, 31)
	require.NoError(t, r.CreateImportBatch(ctx, &model.ImportBatch{
		Filename: "nu.csv", SourceBank: "nu_credit",
		Parsed: 10, Skipped: 1, Inserted: 10, DateFrom: &from, DateTo: &to,
	}))
	require.NoError(t, r.CreateImportBatch(ctx, &model.ImportBatch{
		Filename: "upwork.csv", SourceBank: "upwork", Parsed: 5, Inserted: 5,
	}))

	batches, err := r.RecentImportBatches(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batches, 2)
}

func TestOutbox_PollAndMark(t *testing.T) {
	r, ctx := newTestRepo(t)

	require.NoError(t, r.CreateOutboxEvent(ctx, &model.OutboxEvent{
		Aggregate: "ImportBatch", AggregateID: 1,
		EventType: "FileIngested", Payload: `{"batch_id":1}`,
	}))

	events, err := r.PollOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "FileIngested", events[0].EventType)

	require.NoError(t, r.MarkOutboxProcessed(ctx, events[0].ID))

	events, err = r.PollOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}
