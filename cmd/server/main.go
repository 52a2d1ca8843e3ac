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
	httpSwagger "github.com/swaggo/http-swagger"
	"go.uber.org/zap"

	"github.com/Cristianv222/luxe-loyalty/docs"
	"github.com/Cristianv222/luxe-loyalty/internal/config"
	"github.com/Cristianv222/luxe-loyalty/internal/database"
	mW "github.com/Cristianv222/luxe-loyalty/internal/middleware"
	"github.com/Cristianv222/luxe-loyalty/internal/orders"
	"github.com/Cristianv222/luxe-loyalty/internal/services"
)

// @title Luxe Loyalty API
// @version 1.0
// @description Customer loyalty points ledger and rules engine
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	docs.SwaggerInfo.Title = "Luxe Loyalty API"
	docs.SwaggerInfo.Description = "Customer loyalty points ledger and rules engine"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:" + cfg.Server.Port
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	db, err := database.InitDB(cfg.Database, logger)
	if err != nil {
		logger.Fatal("failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	if err := database.EnsureSchema(db); err != nil {
		logger.Fatal("failed to ensure schema", zap.Error(err))
	}

	redisClient := database.InitRedis(cfg.Redis, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Service wiring. The reprocess gate is shared between the earning engine
	// and the reprocess job so live crediting pauses during a replay.
	ordersClient := orders.NewClient(cfg.Orders, logger)
	cache := services.NewAccountCache(redisClient, time.Minute)
	gate := services.NewReprocessGate(redisClient)

	ledgerService := services.NewLedgerService(db, cfg.Ledger, logger)
	rulesService := services.NewRulesService(db, logger)
	settingsService := services.NewSettingsService(db, logger)
	earningService := services.NewEarningService(db, ledgerService, rulesService, gate, logger)
	redemptionService := services.NewRedemptionService(db, ledgerService, rulesService, settingsService, cache, cfg.Coupons, logger)
	reprocessService := services.NewReprocessService(db, ledgerService, rulesService, earningService, ordersClient, gate, cache, logger)
	accountsService := services.NewAccountsService(db, ledgerService, settingsService, ordersClient, cache, logger)

	r := chi.NewRouter()

	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:"+cfg.Server.Port+"/swagger/doc.json"),
	))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mW.AuthMiddleware(cfg.JWT.SecretKey))

		// Rule catalogs
		r.Get("/rule-types", rulesService.ListRuleTypes)
		r.Post("/rule-types", rulesService.CreateRuleType)
		r.Put("/rule-types/{typeId}", rulesService.UpdateRuleType)
		r.Delete("/rule-types/{typeId}", rulesService.DeleteRuleType)

		r.Get("/earning-rules", rulesService.ListEarningRules)
		r.Post("/earning-rules", rulesService.CreateEarningRule)
		r.Put("/earning-rules/{ruleId}", rulesService.UpdateEarningRule)
		r.Delete("/earning-rules/{ruleId}", rulesService.DeleteEarningRule)

		r.Get("/reward-rules", rulesService.ListRewardRules)
		r.Post("/reward-rules", rulesService.CreateRewardRule)
		r.Put("/reward-rules/{ruleId}", rulesService.UpdateRewardRule)
		r.Delete("/reward-rules/{ruleId}", rulesService.DeleteRewardRule)

		// Accounts read side
		r.Get("/accounts", accountsService.ListAccounts)
		r.Get("/accounts/{accountId}", accountsService.GetAccount)
		r.Get("/accounts/{accountId}/transactions", accountsService.GetAccountTransactions)

		// Earning and redemption
		r.Post("/orders/completed", earningService.HandleOrderCompleted)
		r.Post("/redeem_reward", redemptionService.HandleRedeemReward)
		r.Post("/coupons/{code}/consume", redemptionService.HandleConsumeCoupon)

		// Program settings
		r.Get("/settings", settingsService.HandleGetSettings)
		r.Put("/settings", settingsService.HandleUpdateSettings)

		// Destructive admin operations
		r.Group(func(r chi.Router) {
			r.Use(mW.RequireAdmin)
			r.Post("/reprocess_past_orders", reprocessService.HandleReprocess)
		})
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}
