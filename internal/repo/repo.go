package repo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pgvector/pgvector-go"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/avaldez/finsight/internal/model"
)

// TransactionFilter narrows exact-match queries over the store.
type TransactionFilter struct {
	DateFrom   *time.Time
	DateTo     *time.Time
	Category   string
	SourceBank string
	Type       string
	Search     string
	AmountMin  *decimal.Decimal
	AmountMax  *decimal.Decimal
	Page       int
	Limit      int
}

// AggregateFilter selects and groups rows for sum/count/average queries.
type AggregateFilter struct {
	GroupBy    string // "category", "month" or "source"
	DateFrom   *time.Time
	DateTo     *time.Time
	Category   string // substring match
	SourceBank string
	Type       string // income / expense / transfer; empty means all
}

// AggregateRow is one group of an aggregation. Sums are exact decimal sums
// over the numeric column, computed over ABS(amount).
type AggregateRow struct {
	Group    string          `gorm:"column:grp"`
	Currency string          `gorm:"column:currency"`
	Count    int64           `gorm:"column:count"`
	Total    decimal.Decimal `gorm:"column:total"`
	Average  decimal.Decimal `gorm:"column:average"`
	Min      decimal.Decimal `gorm:"column:min_amount"`
	Max      decimal.Decimal `gorm:"column:max_amount"`
}

// Match is a nearest-neighbor hit; Similarity is cosine similarity in [−1,1],
// best-effort approximate per the underlying index.
type Match struct {
	model.Transaction
	Similarity float64 `gorm:"column:similarity"`
}

// DataContext summarizes what the store currently holds; the agent injects
// it into the system prompt so "this month" resolves against the data, not
// the calendar.
type DataContext struct {
	Total      int64     `json:"total"`
	MinDate    time.Time `json:"min_date"`
	MaxDate    time.Time `json:"max_date"`
	Categories []string  `json:"categories"`
}

// Store is the query surface the tool layer and agent depend on.
type Store interface {
	InsertTransactions(ctx context.Context, txns []*model.Transaction) (int, error)
	ListTransactions(ctx context.Context, f TransactionFilter) ([]model.Transaction, int64, error)
	NearestNeighbors(ctx context.Context, vec []float32, k int, dateFrom, dateTo *time.Time) ([]Match, error)
	Aggregate(ctx context.Context, f AggregateFilter) ([]AggregateRow, error)
	DataContext(ctx context.Context) (*DataContext, error)
	CachedQueryEmbedding(ctx context.Context, text string) ([]float32, bool)
	CacheQueryEmbedding(ctx context.Context, text string, vec []float32)
}

// Repository implements Store plus session, import-batch and outbox
// persistence.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// InsertTransactions bulk-inserts normalized rows with their embeddings.
// There is no dedup: re-inserting the same file's rows succeeds and
// duplicates them.
func (r *Repository) InsertTransactions(ctx context.Context, txns []*model.Transaction) (int, error) {
	if len(txns) == 0 {
		return 0, nil
	}
	if err := r.db.WithContext(ctx).CreateInBatches(txns, 100).Error; err != nil {
		return 0, err
	}
	return len(txns), nil
}

// ListTransactions applies the filter and returns a page plus the total
// matching count.
func (r *Repository) ListTransactions(ctx context.Context, f TransactionFilter) ([]model.Transaction, int64, error) {
	q := r.db.WithContext(ctx).Model(&model.Transaction{})
	q = applyFilter(q, f)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Page < 1 {
		f.Page = 1
	}
	var txns []model.Transaction
	err := q.Order("date DESC, id DESC").
		Offset((f.Page - 1) * f.Limit).
		Limit(f.Limit).
		Find(&txns).Error
	return txns, total, err
}

func applyFilter(q *gorm.DB, f TransactionFilter) *gorm.DB {
	if f.DateFrom != nil {
		q = q.Where("date >= ?", *f.DateFrom)
	}
	if f.DateTo != nil {
		q = q.Where("date <= ?", *f.DateTo)
	}
	if f.Category != "" {
		q = q.Where("LOWER(category) LIKE LOWER(?)", "%"+f.Category+"%")
	}
	if f.SourceBank != "" {
		q = q.Where("source_bank = ?", f.SourceBank)
	}
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.Search != "" {
		q = q.Where("LOWER(description) LIKE LOWER(?)", "%"+f.Search+"%")
	}
	if f.AmountMin != nil {
		q = q.Where("ABS(amount) >= ?", *f.AmountMin)
	}
	if f.AmountMax != nil {
		q = q.Where("ABS(amount) <= ?", *f.AmountMax)
	}
	return q
}

// NearestNeighbors runs an approximate top-k cosine search over the pgvector
// column, optionally pre-filtered by date range. Rows without an embedding
// never match.
func (r *Repository) NearestNeighbors(ctx context.Context, vec []float32, k int, dateFrom, dateTo *time.Time) ([]Match, error) {
	v := pgvector.NewVector(vec)
	q := r.db.WithContext(ctx).Model(&model.Transaction{}).
		Select("*, 1 - (embedding <=> ?) AS similarity", v).
		Where("embedding IS NOT NULL")
	if dateFrom != nil {
		q = q.Where("date >= ?", *dateFrom)
	}
	if dateTo != nil {
		q = q.Where("date <= ?", *dateTo)
	}
	var matches []Match
	err := q.Clauses(clause.OrderBy{
		Expression: clause.Expr{SQL: "embedding <=> ?", Vars: []interface{}{v}},
	}).Limit(k).Find(&matches).Error
	return matches, err
}

// Aggregate groups by category or month and returns exact decimal sums of
// absolute amounts, split by currency.
func (r *Repository) Aggregate(ctx context.Context, f AggregateFilter) ([]AggregateRow, error) {
	groupExpr := "COALESCE(category, 'Uncategorized')"
	switch f.GroupBy {
	case "month":
		if r.db.Dialector.Name() == "sqlite" {
			groupExpr = "strftime('%Y-%m', date)"
		} else {
			groupExpr = "to_char(date, 'YYYY-MM')"
		}
	case "source":
		groupExpr = "source_bank"
	}

	q := r.db.WithContext(ctx).Model(&model.Transaction{}).
		Select(groupExpr + ` AS grp, currency,
			COUNT(*) AS count,
			SUM(ABS(amount)) AS total,
			AVG(ABS(amount)) AS average,
			MIN(ABS(amount)) AS min_amount,
			MAX(ABS(amount)) AS max_amount`)
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.DateFrom != nil {
		q = q.Where("date >= ?", *f.DateFrom)
	}
	if f.DateTo != nil {
		q = q.Where("date <= ?", *f.DateTo)
	}
	if f.Category != "" {
		q = q.Where("LOWER(category) LIKE LOWER(?)", "%"+f.Category+"%")
	}
	if f.SourceBank != "" {
		q = q.Where("source_bank = ?", f.SourceBank)
	}

	var rows []AggregateRow
	err := q.Group(groupExpr + ", currency").Order("total DESC").Scan(&rows).Error
	return rows, err
}

const dataContextKey = "finsight:datacontext"

// DataContext returns row count, date range and known categories, cached in
// Redis for five minutes.
func (r *Repository) DataContext(ctx context.Context) (*DataContext, error) {
	if r.rdb != nil {
		if raw, err := r.rdb.Get(ctx, dataContextKey).Result(); err == nil {
			var dc DataContext
			if json.Unmarshal([]byte(raw), &dc) == nil {
				return &dc, nil
			}
		}
	}

	var dc DataContext
	row := r.db.WithContext(ctx).Model(&model.Transaction{}).
		Select("COUNT(*) AS total, MIN(date) AS min_date, MAX(date) AS max_date").Row()
	// MIN/MAX over a date column loses the declared type on some drivers, so
	// scan loosely and coerce
	var minRaw, maxRaw interface{}
	if err := row.Scan(&dc.Total, &minRaw, &maxRaw); err != nil {
		return nil, err
	}
	dc.MinDate = coerceTime(minRaw)
	dc.MaxDate = coerceTime(maxRaw)
	if err := r.db.WithContext(ctx).Model(&model.Transaction{}).
		Distinct("category").
		Where("category IS NOT NULL").
		Order("category").
		Limit(20).
		Pluck("category", &dc.Categories).Error; err != nil {
		return nil, err
	}

	if r.rdb != nil {
		if raw, err := json.Marshal(&dc); err == nil {
			if err := r.rdb.Set(ctx, dataContextKey, raw, 5*time.Minute).Err(); err != nil {
				r.log.Warnf("cache data context: %v", err)
			}
		}
	}
	return &dc, nil
}

func coerceTime(v interface{}) time.Time {
	switch x := v.(type) {
	case time.Time:
		return x
	case string:
		return parseDBTime(x)
	case []byte:
		return parseDBTime(string(x))
	}
	return time.Time{}
}

func parseDBTime(s string) time.Time {
	for _, layout := range []string{
		time.RFC3339, "2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05", "2006-01-02",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// InvalidateDataContext drops the cached summary; called after ingestion.
func (r *Repository) InvalidateDataContext(ctx context.Context) {
	if r.rdb == nil {
		return
	}
	if err := r.rdb.Del(ctx, dataContextKey).Err(); err != nil && err != redis.Nil {
		r.log.Warnf("invalidate data context: %v", err)
	}
}

func queryEmbeddingKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "qemb:" + hex.EncodeToString(sum[:])
}

// CachedQueryEmbedding looks up a previously embedded search query by
// content hash, so repeated questions skip the embedding API.
func (r *Repository) CachedQueryEmbedding(ctx context.Context, text string) ([]float32, bool) {
	if r.rdb == nil {
		return nil, false
	}
	raw, err := r.rdb.Get(ctx, queryEmbeddingKey(text)).Result()
	if err != nil {
		return nil, false
	}
	var vec []float32
	if err := json.Unmarshal([]byte(raw), &vec); err != nil {
		return nil, false
	}
	return vec, true
}

// CacheQueryEmbedding stores a query vector for a day. Cache failures are
// logged, never fatal.
func (r *Repository) CacheQueryEmbedding(ctx context.Context, text string, vec []float32) {
	if r.rdb == nil {
		return
	}
	raw, err := json.Marshal(vec)
	if err != nil {
		return
	}
	if err := r.rdb.Set(ctx, queryEmbeddingKey(text), raw, 24*time.Hour).Err(); err != nil {
		r.log.Warnf("cache query embedding: %v", err)
	}
}

// CreateImportBatch records one processed upload.
func (r *Repository) CreateImportBatch(ctx context.Context, b *model.ImportBatch) error {
	return r.db.WithContext(ctx).Create(b).Error
}

// RecentImportBatches lists the latest uploads, newest first.
func (r *Repository) RecentImportBatches(ctx context.Context, limit int) ([]model.ImportBatch, error) {
	var batches []model.ImportBatch
	err := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&batches).Error
	return batches, err
}

// EnsureSession creates the chat session row if it does not exist.
func (r *Repository) EnsureSession(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.ChatSession{ID: id}).Error
}

// AppendMessage persists one chat turn.
func (r *Repository) AppendMessage(ctx context.Context, msg *model.ChatMessage) error {
	return r.db.WithContext(ctx).Create(msg).Error
}

// GetMessages returns a session's messages in chronological order. The limit
// keeps the newest messages, so a long conversation feeds the model its most
// recent window rather than its beginning.
func (r *Repository) GetMessages(ctx context.Context, sessionID string, limit int) ([]model.ChatMessage, error) {
	var msgs []model.ChatMessage
	q := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// CreateOutboxEvent writes event.
func (r *Repository) CreateOutboxEvent(ctx context.Context, evt *model.OutboxEvent) error {
	return r.db.WithContext(ctx).Create(evt).Error
}

// PollOutbox pulls unprocessed events.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).Where("processed=false").Order("created_at").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id=?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// PublishEvent sends to Kafka.
func (r *Repository) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%d", evt.ID)),
		Value: []byte(evt.Payload),
		Time:  time.Now(),
	}
	return r.writer.WriteMessages(ctx, msg)
}
