// Package main 是应用程序的入口点。
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chat-relay-go/internal/config"
	"chat-relay-go/internal/handler"
	"chat-relay-go/internal/middleware"
	"chat-relay-go/internal/pipeline"
	"chat-relay-go/internal/repository"
	"chat-relay-go/internal/service"
	"chat-relay-go/pkg/database"
	"chat-relay-go/pkg/es"
	"chat-relay-go/pkg/kafka"
	"chat-relay-go/pkg/llm"
	"chat-relay-go/pkg/log"
	"chat-relay-go/pkg/storage"
	"chat-relay-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "配置文件路径")
	flag.Parse()

	// 1. 初始化配置
	config.Init(*configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync()
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库和 Redis
	database.InitDB(cfg.Database)
	database.InitRedis(cfg.Database.Redis)

	bgCtx, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()

	// 4. 初始化 Repository；未配置 Redis 时缓存与黑名单为 nil
	userRepository := repository.NewUserRepository(database.DB)
	turnRepository := repository.NewChatTurnRepository(database.DB)
	var (
		conversationCache repository.ConversationCache
		tokenBlacklist    repository.TokenBlacklist
	)
	if database.RDB != nil {
		conversationCache = repository.NewConversationCache(database.RDB, cfg.Chat.ConversationCacheTTL)
		tokenBlacklist = repository.NewTokenBlacklist(database.RDB)
	}

	// 5. 可选的事件管道：Kafka 生产者、MinIO 归档与 Elasticsearch 检索
	var (
		publisher service.EventPublisher
		searcher  service.ExchangeSearcher
		store     pipeline.TranscriptStore
		indexer   pipeline.ExchangeIndexer
	)
	if cfg.Elasticsearch.Enabled {
		index, err := es.NewIndex(cfg.Elasticsearch)
		if err != nil {
			log.Fatal("es 初始化失败", err)
		}
		searcher, indexer = index, index
	}
	if cfg.MinIO.Enabled {
		objectStore, err := storage.NewObjectStore(bgCtx, cfg.MinIO)
		if err != nil {
			log.Fatal("MinIO 初始化失败", err)
		}
		store = objectStore
	}
	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		producer = kafka.NewProducer(cfg.Kafka)
		publisher = producer
		archiver := pipeline.NewArchiver(turnRepository, store, indexer)
		go kafka.StartConsumer(bgCtx, cfg.Kafka, archiver)
	}

	// 6. 初始化 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours, cfg.JWT.RefreshTokenExpireDays)
	llmClient := llm.NewClient(cfg.LLM)
	userService := service.NewUserService(userRepository, jwtManager, tokenBlacklist)
	assembler := service.NewContextAssembler(turnRepository, cfg.Chat.HistoryLimit)
	chatService := service.NewChatService(turnRepository, assembler, llmClient, conversationCache, publisher)
	conversationService := service.NewConversationService(turnRepository, conversationCache, publisher, cfg.Chat.TitleMaxRunes)
	searchService := service.NewSearchService(searcher)

	// 7. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(middleware.RequestLogger(), middleware.Metrics(), gin.Recovery())
	if cfg.Metrics.Enabled {
		r.GET(cfg.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}
	handler.RegisterRoutes(r, handler.Services{
		User:         userService,
		Chat:         chatService,
		Conversation: conversationService,
		Search:       searchService,
	})

	// 8. 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	// 流式响应可能持续较长时间，给进行中的请求留出收尾时间
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}
	cancelBackground()
	if producer != nil {
		if err := producer.Close(); err != nil {
			log.Errorf("关闭 Kafka 生产者失败: %v", err)
		}
	}
	log.Info("服务已优雅关闭")
}
