package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/avaldez/finsight/internal/agent"
	"github.com/avaldez/finsight/internal/config"
	"github.com/avaldez/finsight/internal/logger"
	"github.com/avaldez/finsight/internal/model"
	"github.com/avaldez/finsight/internal/repo"
	"github.com/avaldez/finsight/internal/service"
	"github.com/avaldez/finsight/internal/tools"
	httptransport "github.com/avaldez/finsight/internal/transport/http"

	embedder "github.com/avaldez/finsight/internal/embed"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/segmentio/kafka-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// 1. load env + config
	_ = godotenv.Load()
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. postgres + pgvector
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		log.Fatalf("enable pgvector: %v", err)
	}
	if err := gdb.AutoMigrate(
		&model.Transaction{}, &model.ImportBatch{},
		&model.ChatSession{}, &model.ChatMessage{}, &model.OutboxEvent{},
	); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}
	if err := gdb.Exec(
		"CREATE INDEX IF NOT EXISTS idx_transactions_embedding ON transactions USING hnsw (embedding vector_cosine_ops)",
	).Error; err != nil {
		log.Fatalf("create vector index: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. kafka writer
	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	// 6. repo, embedder, tools, agent, ingester
	repository := repo.NewRepository(gdb, rdb, kw, log)
	emb, err := embedder.NewGemini(context.Background(), cfg.Embedding, log)
	if err != nil {
		log.Fatalf("init embedder: %v", err)
	}
	llm := agent.NewAnthropic(cfg.Agent, tools.Specs())
	registry := tools.NewRegistry(repository, emb, llm, log)
	ag := agent.New(llm, registry, repository, cfg.Agent.MaxRounds, log)
	ing := service.NewIngester(repository, emb, log)

	// 7. gin router
	h := httptransport.NewHandler(ing, ag, repository, cfg.Ingest.MaxFileBytes, log)
	router := httptransport.NewRouter(h, cfg.RateLimit, log)

	// 8. serve
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Infof("finsight-server listening on %s", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("listen: %v", err)
	}
}
