package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/avaldez/finsight/internal/embed"
	"github.com/avaldez/finsight/internal/format"
	"github.com/avaldez/finsight/internal/model"
	"github.com/avaldez/finsight/internal/normalize"
	"github.com/avaldez/finsight/internal/repo"
)

var (
	// ErrNotCSV rejects files by extension before any parsing happens.
	ErrNotCSV = errors.New("only CSV files are supported")
	// ErrEmptyFile means the file had no header row at all.
	ErrEmptyFile = errors.New("file is empty")
	// ErrNoTransactions means every data row failed to parse (or there were none).
	ErrNoTransactions = errors.New("no transactions found in file")
)

// IngestResult is what one upload produced. Parsed counts rows that
// normalized cleanly; Skipped counts rows rejected by row-level errors.
type IngestResult struct {
	SourceBank   format.SourceBank
	Filename     string
	Parsed       int
	Skipped      int
	Inserted     int
	RowErrors    []string
	DateFrom     time.Time
	DateTo       time.Time
	PrimaryMonth string
	Status       string
}

// Ingester runs the detect → normalize → embed → insert pipeline for one
// uploaded file. The pipeline is deliberately not atomic: a failure between
// steps can leave a partially ingested file, and re-uploading duplicates
// rows.
type Ingester struct {
	repo     *repo.Repository
	embedder embed.Embedder
	log      *zap.SugaredLogger
}

// NewIngester wires the ingestion pipeline.
func NewIngester(r *repo.Repository, e embed.Embedder, log *zap.SugaredLogger) *Ingester {
	return &Ingester{repo: r, embedder: e, log: log}
}

// Ingest processes one uploaded CSV. Row-level parse errors are skipped and
// counted; an unknown header or an embedding failure rejects the upload
// wholesale. Rows are never inserted without an embedding.
func (s *Ingester) Ingest(ctx context.Context, content []byte, filename string) (*IngestResult, error) {
	if !strings.EqualFold(filepath.Ext(filename), ".csv") {
		return nil, ErrNotCSV
	}

	header, rows, err := readCSV(content)
	if err != nil {
		return nil, err
	}

	bank, err := format.Detect(header, filename)
	if err != nil {
		return nil, err
	}
	profile, _ := format.ProfileFor(bank)

	var (
		txns      []*model.Transaction
		rowErrors []string
	)
	for i, row := range rows {
		line := i + 2 // header is line 1
		if row.err != nil {
			rowErrors = append(rowErrors, (&normalize.RowError{Line: line, Cause: row.err}).Error())
			continue
		}
		if normalize.IsNoise(row.cells) {
			continue
		}
		txn, err := normalize.Normalize(profile, row.cells, filename)
		if err != nil {
			rowErrors = append(rowErrors, (&normalize.RowError{Line: line, Cause: err}).Error())
			continue
		}
		txns = append(txns, txn)
	}
	if len(txns) == 0 {
		if len(rowErrors) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrNoTransactions, rowErrors[0])
		}
		return nil, ErrNoTransactions
	}

	texts := make([]string, len(txns))
	for i, t := range txns {
		texts[i] = embed.Text(t.Description, t.Category)
	}
	vecs, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("generate embeddings: %w", err)
	}
	for i, t := range txns {
		t.Embedding = pgvector.NewVector(vecs[i])
	}

	inserted, err := s.repo.InsertTransactions(ctx, txns)
	if err != nil {
		return nil, fmt.Errorf("store transactions: %w", err)
	}
	s.repo.InvalidateDataContext(ctx)

	res := &IngestResult{
		SourceBank: bank,
		Filename:   filename,
		Parsed:     len(txns),
		Skipped:    len(rowErrors),
		Inserted:   inserted,
		RowErrors:  rowErrors,
	}
	res.DateFrom, res.DateTo, res.PrimaryMonth = dateRange(txns)
	res.Status = fmt.Sprintf("Successfully imported %d transactions", inserted)
	if len(rowErrors) > 0 {
		res.Status += fmt.Sprintf(" (%d rows skipped)", len(rowErrors))
	}

	s.recordBatch(ctx, res)
	s.log.Infow("file ingested",
		"filename", filename, "source", bank, "parsed", res.Parsed, "skipped", res.Skipped)
	return res, nil
}

// recordBatch writes the provenance row and its outbox event. Both are
// best-effort: the transactions are already stored.
func (s *Ingester) recordBatch(ctx context.Context, res *IngestResult) {
	batch := &model.ImportBatch{
		Filename:   res.Filename,
		SourceBank: string(res.SourceBank),
		Parsed:     res.Parsed,
		Skipped:    res.Skipped,
		Inserted:   res.Inserted,
	}
	if !res.DateFrom.IsZero() {
		batch.DateFrom, batch.DateTo = &res.DateFrom, &res.DateTo
	}
	if err := s.repo.CreateImportBatch(ctx, batch); err != nil {
		s.log.Warnf("record import batch: %v", err)
		return
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"batch_id":    batch.ID,
		"filename":    res.Filename,
		"source_bank": res.SourceBank,
		"inserted":    res.Inserted,
		"skipped":     res.Skipped,
	})
	evt := &model.OutboxEvent{
		Aggregate:   "ImportBatch",
		AggregateID: batch.ID,
		EventType:   "FileIngested",
		Payload:     string(payload),
	}
	if err := s.repo.CreateOutboxEvent(ctx, evt); err != nil {
		s.log.Warnf("record outbox event: %v", err)
	}
}

// rawRow is one CSV record: either its cells, or the parse error the reader
// reported for that line.
type rawRow struct {
	cells map[string]string
	err   error
}

// readCSV returns the header and every data row as a column→value map with
// the original column names preserved. Short rows are padded so trailing
// empty cells do not shift columns; structurally broken lines carry their
// parse error so the caller counts them as skipped rows.
func readCSV(content []byte) ([]string, []rawRow, error) {
	content = bytes.TrimPrefix(content, []byte("\xef\xbb\xbf"))
	r := csv.NewReader(bytes.NewReader(content))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err == io.EOF {
		return nil, nil, ErrEmptyFile
	}
	if err != nil {
		return nil, nil, &format.UnknownFormatError{}
	}

	var rows []rawRow
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			rows = append(rows, rawRow{err: err})
			continue
		}
		cells := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(rec) {
				cells[col] = rec[i]
			} else {
				cells[col] = ""
			}
		}
		rows = append(rows, rawRow{cells: cells})
	}
	return header, rows, nil
}

func dateRange(txns []*model.Transaction) (time.Time, time.Time, string) {
	min, max := txns[0].Date, txns[0].Date
	months := map[string]int{}
	for _, t := range txns {
		if t.Date.Before(min) {
			min = t.Date
		}
		if t.Date.After(max) {
			max = t.Date
		}
		months[t.Date.Format("January 2006")]++
	}
	primary, best := max.Format("January 2006"), 0
	for m, n := range months {
		if n > best {
			primary, best = m, n
		}
	}
	return min, max, primary
}
