package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"
	"github.com/starmobile/backend/docs"
	"github.com/starmobile/backend/internal/database"
	"github.com/starmobile/backend/internal/handlers"
	mW "github.com/starmobile/backend/internal/middleware"
	"github.com/starmobile/backend/internal/models"
	"github.com/starmobile/backend/internal/services"
	httpSwagger "github.com/swaggo/http-swagger"
)

// @title Star Mobile Wallet Ledger API
// @version 1.0
// @description Ledger core for the Star Mobile wallet: transfers, receipt credits, bill-payment reconciliation
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("partner.callback_secret", "PARTNER_CALLBACK_SECRET")
	viper.BindEnv("notify.interval", "NOTIFY_INTERVAL")
	viper.BindEnv("notify.batch_size", "NOTIFY_BATCH_SIZE")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	viper.SetDefault("notify.interval", 5*time.Second)
	viper.SetDefault("notify.batch_size", 50)

	docs.SwaggerInfo.Title = "Star Mobile Wallet Ledger API"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	// Initialize stores
	db := database.MustConnect()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	callbackSecret := viper.GetString("partner.callback_secret")
	if callbackSecret == "" {
		// Fail closed: the reconciliation endpoint rejects everything until
		// the secret is provisioned.
		log.Println("Warning: partner callback secret not configured, reconciliation disabled")
	}

	// Initialize services
	ledgerService := services.NewLedgerService(db)
	reconService := services.NewReconciliationService(db, redisClient, callbackSecret)
	dispatcher := services.NewNotificationDispatcher(db, redisClient,
		viper.GetDuration("notify.interval"), viper.GetInt("notify.batch_size"))

	ledgerHandler := handlers.NewLedgerHandler(ledgerService)
	reconHandler := handlers.NewReconciliationHandler(reconService)

	// Notification outbox dispatcher
	dispatchCtx, stopDispatcher := context.WithCancel(context.Background())
	defer stopDispatcher()
	go dispatcher.Run(dispatchCtx)

	// Setup router
	r := chi.NewRouter()

	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Partner callback authenticates with its own shared secret
		r.Get("/partners/callback", reconHandler.PartnerCallback)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Post("/transfers", ledgerHandler.Transfer)
			r.Post("/credits/receipt", ledgerHandler.CreditReceipt)
			r.Post("/bill-payments", ledgerHandler.SubmitBillPayment)

			r.Get("/wallet/balance", ledgerHandler.GetBalance)
			r.Get("/wallet/transactions", ledgerHandler.ListTransactions)
			r.Get("/wallet/notifications", ledgerHandler.ListNotifications)

			r.Group(func(r chi.Router) {
				r.Use(mW.RequireRole(models.RoleAdmin))
				r.Get("/admin/bill-payments", reconHandler.ListBillPayments)
			})
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	stopDispatcher()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
