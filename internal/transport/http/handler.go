package http

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/avaldez/finsight/internal/agent"
	"github.com/avaldez/finsight/internal/format"
	"github.com/avaldez/finsight/internal/repo"
	"github.com/avaldez/finsight/internal/service"
)

// Handler bundles the dependencies of the API endpoints.
type Handler struct {
	ingester     *service.Ingester
	agent        *agent.Agent
	repo         *repo.Repository
	maxFileBytes int64
	log          *zap.SugaredLogger
}

func NewHandler(ing *service.Ingester, ag *agent.Agent, r *repo.Repository, maxFileBytes int64, log *zap.SugaredLogger) *Handler {
	return &Handler{ingester: ing, agent: ag, repo: r, maxFileBytes: maxFileBytes, log: log}
}

func RegisterHandlers(r *gin.Engine, h *Handler) {
	api := r.Group("/api")
	{
		api.POST("/upload", h.upload)
		api.POST("/chat", h.chat)
		api.GET("/history/:session_id", h.history)
		api.GET("/transactions", h.transactions)
		api.GET("/stats", h.stats)
		api.GET("/health", h.health)
	}
}

func (h *Handler) upload(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing multipart field 'file'"})
		return
	}
	if fh.Size > h.maxFileBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer f.Close()
	content, err := io.ReadAll(io.LimitReader(f, h.maxFileBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if int64(len(content)) > h.maxFileBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}

	res, err := h.ingester.Ingest(c, content, fh.Filename)
	if err != nil {
		var unknown *format.UnknownFormatError
		switch {
		case errors.Is(err, service.ErrNotCSV),
			errors.Is(err, service.ErrEmptyFile),
			errors.Is(err, service.ErrNoTransactions),
			errors.As(err, &unknown):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.log.Errorf("ingest %s: %v", fh.Filename, err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "failed to process file: " + err.Error()})
		}
		return
	}

	// open a session right away so the client can chat about the upload
	sessionID := uuid.NewString()
	if err := h.repo.EnsureSession(c, sessionID); err != nil {
		h.log.Warnf("create session: %v", err)
		sessionID = ""
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions_count": res.Inserted,
		"status":             res.Status,
		"filename":           res.Filename,
		"source_bank":        res.SourceBank,
		"skipped":            res.Skipped,
		"session_id":         sessionID,
		"date_range": gin.H{
			"start":         res.DateFrom.Format("2006-01-02"),
			"end":           res.DateTo.Format("2006-01-02"),
			"primary_month": res.PrimaryMonth,
		},
	})
}

type chatReq struct {
	Message   string `json:"message" binding:"required"`
	SessionID string `json:"session_id"`
}

func (h *Handler) chat(c *gin.Context) {
	var req chatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	reply, err := h.agent.Chat(c, req.SessionID, req.Message)
	if err != nil {
		h.log.Errorf("chat: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "assistant unavailable: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"answer":     reply.Reply,
		"session_id": reply.SessionID,
		"tools_used": reply.ToolsUsed,
	})
}

func (h *Handler) history(c *gin.Context) {
	msgs, err := h.repo.GetMessages(c, c.Param("session_id"), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]gin.H, len(msgs))
	for i, m := range msgs {
		out[i] = gin.H{
			"role":       m.Role,
			"content":    m.Content,
			"created_at": m.CreatedAt.Format(time.RFC3339),
		}
	}
	c.JSON(http.StatusOK, gin.H{"session_id": c.Param("session_id"), "messages": out})
}

func (h *Handler) transactions(c *gin.Context) {
	f := repo.TransactionFilter{
		Category:   c.Query("category"),
		SourceBank: c.Query("source"),
		Type:       c.Query("type"),
		Search:     c.Query("search"),
	}
	f.Page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	f.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	if v := c.Query("date_from"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid date_from"})
			return
		}
		f.DateFrom = &t
	}
	if v := c.Query("date_to"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid date_to"})
			return
		}
		f.DateTo = &t
	}
	if v := c.Query("amount_min"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount_min"})
			return
		}
		f.AmountMin = &d
	}
	if v := c.Query("amount_max"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount_max"})
			return
		}
		f.AmountMax = &d
	}

	txns, total, err := h.repo.ListTransactions(c, f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": txns,
		"total":        total,
		"page":         f.Page,
		"limit":        f.Limit,
	})
}

func (h *Handler) stats(c *gin.Context) {
	dc, err := h.repo.DataContext(c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	bySource, err := h.repo.Aggregate(c, repo.AggregateFilter{GroupBy: "source"})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	batches, err := h.repo.RecentImportBatches(c, 10)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total_transactions": dc.Total,
		"date_range": gin.H{
			"start": dc.MinDate.Format("2006-01-02"),
			"end":   dc.MaxDate.Format("2006-01-02"),
		},
		"categories":     dc.Categories,
		"by_source":      bySource,
		"recent_imports": batches,
	})
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
