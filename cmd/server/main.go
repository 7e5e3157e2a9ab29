// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	"traible-go/internal/config"
	"traible-go/internal/handler"
	"traible-go/internal/index"
	"traible-go/internal/middleware"
	"traible-go/internal/pipeline"
	"traible-go/internal/repository"
	"traible-go/internal/service"
	"traible-go/pkg/database"
	"traible-go/pkg/docai"
	"traible-go/pkg/embedding"
	"traible-go/pkg/kafka"
	"traible-go/pkg/llm"
	"traible-go/pkg/log"
	"traible-go/pkg/ratelimit"
	"traible-go/pkg/storage"
	"traible-go/pkg/token"

	"github.com/gin-gonic/gin"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库、Redis、对象存储与 Kafka
	database.InitMySQL(cfg.Database.MySQL.DSN)
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	storage.InitMinIO(cfg.MinIO)
	kafka.InitProducer(cfg.Kafka)

	// 4. 初始化 Repository
	userRepository := repository.NewUserRepository(database.DB)
	documentRepo := repository.NewDocumentRepository(database.DB)
	conversationRepo := repository.NewConversationRepository(database.DB)

	// 5. 初始化外部服务客户端与向量索引
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours, cfg.JWT.RefreshTokenExpireDays)
	embeddingClient := embedding.NewClient(cfg.Embedding)
	llmClient := llm.NewClient(cfg.LLM)
	docaiClient := docai.NewClient(cfg.DocAI)
	limiter := ratelimit.New(cfg.RateLimit, ratelimit.NewRealClock())
	indexStore := index.NewStore(cfg.Index.BasePath, cfg.Index.MaxTopK, embeddingClient)

	// 6. 初始化 Service (依赖注入)
	userService := service.NewUserService(userRepository, jwtManager)
	documentService := service.NewDocumentService(documentRepo, indexStore, cfg.MinIO)
	retrievalService := service.NewRetrievalService(indexStore, embeddingClient, cfg.Retrieval)
	answerService := service.NewAnswerService(llmClient)
	conversationService := service.NewConversationService(conversationRepo)
	chatService := service.NewChatService(retrievalService, answerService, documentRepo, conversationRepo)

	// 7. 初始化文档处理管道并启动后台 Kafka 消费者
	extractor := pipeline.NewExtractor(docaiClient, llmClient, limiter)
	processor := pipeline.NewProcessor(documentRepo, extractor, indexStore, cfg.Index, cfg.MinIO, cfg.Pipeline)
	go kafka.StartConsumer(cfg.Kafka, cfg.Pipeline, processor)

	// 8. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.Use(middleware.RequestLogger(), gin.Recovery())

	// 9. 注册路由
	userHandler := handler.NewUserHandler(userService)
	authHandler := handler.NewAuthHandler(userService)
	documentHandler := handler.NewDocumentHandler(documentService)
	conversationHandler := handler.NewConversationHandler(conversationService)
	chatHandler := handler.NewChatHandler(chatService, userService, jwtManager)

	apiV1 := r.Group("/api/v1")
	{
		// Auth 路由组
		auth := apiV1.Group("/auth")
		{
			auth.POST("/refreshToken", authHandler.RefreshToken)
		}

		users := apiV1.Group("/users")
		{
			// 无需认证的路由 (公开访问)
			users.POST("/register", userHandler.Register)
			users.POST("/login", userHandler.Login)

			// 需要认证的路由 (仅限登录用户访问)
			authed := users.Group("")
			authed.Use(middleware.AuthMiddleware(jwtManager, userService))
			{
				authed.GET("/me", userHandler.GetProfile)
				authed.POST("/logout", userHandler.Logout)
			}
		}

		// Document 路由组，需要认证
		documents := apiV1.Group("/documents")
		documents.Use(middleware.AuthMiddleware(jwtManager, userService))
		{
			documents.POST("", documentHandler.Upload)
			documents.GET("", documentHandler.ListDocuments)
			documents.GET("/:id/status", documentHandler.GetStatus)
			documents.GET("/:id/download", documentHandler.GenerateDownloadURL)
			documents.DELETE("/:id", documentHandler.DeleteDocument)
		}

		// Conversation 路由组，需要认证
		conversations := apiV1.Group("/conversations")
		conversations.Use(middleware.AuthMiddleware(jwtManager, userService))
		{
			conversations.GET("", conversationHandler.ListConversations)
			conversations.GET("/:id/messages", conversationHandler.GetTranscript)
			conversations.PUT("/:id/title", conversationHandler.RenameConversation)
			conversations.DELETE("/:id", conversationHandler.DeleteConversation)
		}

		// Chat 路由：POST 同步问答 + WebSocket 流式问答
		chatGroup := apiV1.Group("/chat")
		{
			chatGroup.GET("/websocket-token", chatHandler.GetWebsocketStopToken)
			chatGroup.POST("", middleware.AuthMiddleware(jwtManager, userService), chatHandler.Chat)
		}
		r.GET("/chat/:token", chatHandler.Handle)
	}

	// 启动 HTTP 服务器并实现优雅停机
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

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	// 设置一个5秒的超时上下文
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 关闭 HTTP 服务器
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}

	// StartConsumer 是一个循环，会在程序退出时自然结束。
	log.Info("服务已优雅关闭")
}
