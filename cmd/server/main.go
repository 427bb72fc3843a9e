package main

import (
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/websocket/v2"
	"github.com/joho/godotenv"

	"github.com/classline/messaging-backend/internal/cache"
	"github.com/classline/messaging-backend/internal/conversation"
	"github.com/classline/messaging-backend/internal/handlers"
	"github.com/classline/messaging-backend/internal/middleware"
	"github.com/classline/messaging-backend/internal/presence"
	"github.com/classline/messaging-backend/internal/quota"
	"github.com/classline/messaging-backend/internal/realtime"
	"github.com/classline/messaging-backend/internal/repository"
	"github.com/classline/messaging-backend/internal/service"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		AppName: "ClassLine Messaging Backend",
	})

	// Middleware
	app.Use(requestid.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins:     os.Getenv("ALLOWED_ORIGINS"),
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
		AllowMethods:     "GET, POST, PUT, DELETE, OPTIONS",
		AllowCredentials: true,
	}))

	// Initialize database connection
	db, err := repository.InitDB()
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	// Initialize Redis
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	redisPassword := os.Getenv("REDIS_PASSWORD")
	redisDB := 0
	if dbStr := os.Getenv("REDIS_DB"); dbStr != "" {
		if parsedDB, err := strconv.Atoi(dbStr); err == nil {
			redisDB = parsedDB
		}
	}

	redisCache := cache.NewRedisCache(redisAddr, redisPassword, redisDB)
	if err := redisCache.Ping(); err != nil {
		log.Printf("WARNING: Redis connection failed: %v. Running without cache; events stay in-process.", err)
		redisCache = nil
	} else {
		log.Println("Redis connected successfully")
	}

	// The pub/sub transport carries message change events and typing
	// signals. Without Redis a single node still works on the in-memory
	// transport; a second node would not see its events.
	var pubsub realtime.PubSub
	var tracker *presence.Tracker
	if redisCache != nil {
		pubsub = realtime.NewRedisPubSub(redisCache.Client())
		tracker = presence.NewTracker(redisCache, presenceTTL())
	} else {
		pubsub = realtime.NewMemoryPubSub()
		tracker = presence.NewTracker(nil, presenceTTL())
	}
	bus := realtime.NewBus(pubsub)
	convCache := cache.NewConversationCache(redisCache)

	// Quota dates roll over at midnight in the school's timezone, not UTC.
	loc := time.UTC
	if tz := os.Getenv("SCHOOL_TIMEZONE"); tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			log.Printf("WARNING: invalid SCHOOL_TIMEZONE %q, using UTC: %v", tz, err)
		} else {
			loc = parsed
		}
	}

	dailyCap := 0
	if capStr := os.Getenv("DAILY_MESSAGE_CAP"); capStr != "" {
		if parsed, err := strconv.Atoi(capStr); err == nil {
			dailyCap = parsed
		}
	}

	// Initialize repositories
	quotaRepo := repository.NewQuotaRepository(db, loc)
	messageRepo := repository.NewMessageRepository(db, quotaRepo, dailyCap)
	profileRepo := repository.NewProfileRepository(db)

	// Initialize services
	enforcer := quota.NewEnforcer(quotaRepo, dailyCap, quotaRepo.Today)
	messagingService := service.NewMessagingService(
		messageRepo,
		profileRepo,
		enforcer,
		bus,
		tracker,
		convCache,
		conversation.DefaultSendTimeout,
		realtime.DefaultPollInterval,
	)

	// Initialize handlers
	wsHandler := handlers.NewWebSocketHandler(messagingService, profileRepo, pubsub)
	hub := wsHandler.GetHub()
	messageHandler := handlers.NewMessageHandler(messagingService, profileRepo)
	presenceHandler := handlers.NewPresenceHandler(messagingService, hub)

	// Protected routes
	api := app.Group("/api", middleware.AuthRequired())
	api.Get("/conversations", messageHandler.GetConversations)
	api.Post("/conversations/:target_id", messageHandler.StartConversation)
	api.Post("/conversations/:partner_id/read", messageHandler.MarkConversationRead)
	api.Post("/conversations/:partner_id/delivered", messageHandler.MarkConversationDelivered)
	api.Get("/messages", messageHandler.GetMessages)
	api.Post("/messages", limiter.New(limiter.Config{
		Max:        30,
		Expiration: time.Minute,
	}), messageHandler.SendMessage)
	api.Get("/messages/unread-total", messageHandler.GetUnreadTotal)
	api.Post("/messages/:message_id/delivered", messageHandler.MarkMessageDelivered)
	api.Post("/messages/:message_id/read", messageHandler.MarkMessageRead)
	api.Get("/quota", messageHandler.GetQuota)
	api.Get("/targets", messageHandler.GetTargets)
	api.Post("/presence/heartbeat", presenceHandler.Heartbeat)
	api.Get("/presence/:profile_id", presenceHandler.GetPresence)

	// WebSocket route (websocket upgrade needs special handling)
	app.Use(
		"/ws",
		middleware.AuthRequired(),
		func(c *fiber.Ctx) error {
			if websocket.IsWebSocketUpgrade(c) {
				return c.Next()
			}
			return fiber.ErrUpgradeRequired
		},
	)
	app.Get("/ws", websocket.New(wsHandler.HandleWebSocket))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":     "ok",
			"message":    "ClassLine messaging is running",
			"ws_clients": hub.Count(),
		})
	})

	// On shutdown, tell connected clients to reconnect elsewhere before the
	// sockets drop.
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		log.Println("Shutting down...")
		hub.BroadcastToProfiles(hub.ConnectedProfiles(), fiber.Map{"type": "server_shutdown"})
		if err := app.Shutdown(); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
	}()

	// Start server
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	log.Printf("Server starting on port %s...", port)
	if err := app.Listen(":" + port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
	log.Println("Server stopped")
}

func presenceTTL() time.Duration {
	if s := os.Getenv("PRESENCE_TTL_SECONDS"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return presence.DefaultTTL
}
