package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"attendance-engine/internal/auth"
	"attendance-engine/internal/catalog"
	"attendance-engine/internal/config"
	"attendance-engine/internal/httpmiddleware"
	"attendance-engine/internal/intent"
	"attendance-engine/internal/ledger"
	"attendance-engine/internal/queue"
	"attendance-engine/internal/reward"
	"attendance-engine/internal/session"
	"attendance-engine/internal/store"
	"attendance-engine/internal/token"
	"attendance-engine/internal/whatsapp"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	logger, err := buildLogger(cfg.Env)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Sync()

	if err := runHTTP(cfg, logger); err != nil {
		logger.Fatal("http server failed", zap.Error(err))
	}
}

func buildLogger(env string) (*zap.Logger, error) {
	if env == "production" || env == "prod" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func runHTTP(cfg config.App, logger *zap.Logger) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "attendance:engine")
	}

	codec := token.New(cfg.QRSecret, cfg.QRSecretPrevious, cfg.QRTokenTTL)
	catalogRepo := catalog.NewRepository(db.Client)
	resolver := session.NewResolver(catalogRepo, cfg.ResolveWindow, cfg.ClassEntryGrace)

	ledgerRepo := ledger.NewRepository(db.Client)
	svc := ledger.NewService(codec, resolver, catalogRepo, ledgerRepo, logger, cfg.LateGrace)
	svc.SetRSVPLatencyObserver(func(d time.Duration) {
		httpmiddleware.RSVPResponseSeconds.Observe(d.Seconds())
	})

	coins := reward.NewCoinRepository(db.Client)

	rules := intent.DefaultRules()
	if cfg.IntentRulesPath != "" {
		if rules, err = intent.LoadRules(cfg.IntentRulesPath); err != nil {
			logger.Warn("intent rules load failed, using defaults",
				zap.String("path", cfg.IntentRulesPath), zap.Error(err))
			rules = intent.DefaultRules()
		}
	}
	classifier := intent.NewClassifier(rules)

	wa := whatsapp.New(cfg.WhatsAppAPIURL, cfg.WhatsAppAPIKey, cfg.WhatsAppSkip)
	ctx := context.Background()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())

	limiter := httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	// Student-facing endpoints.
	studentAuth := r.Group("/v1",
		limiter.GinMiddleware(httpmiddleware.ScopeCheckIn),
		auth.ActorAuth(cfg.JWTSigningKey, cfg.JWTIssuer))

	// The student's JWT says who is scanning; the QR token says where and
	// until when. Both have to check out for a record to move.
	studentAuth.POST("/attendance/check-in", func(c *gin.Context) {
		var req struct {
			Token       string `json:"token" binding:"required"`
			PresentedAt string `json:"presented_at"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		claims, _ := auth.ClaimsFrom(c)
		studentID := claims.Subject

		presentedAt := time.Now().UTC()
		if req.PresentedAt != "" {
			parsed, err := time.Parse(time.RFC3339, req.PresentedAt)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "presented_at must be RFC3339"})
				return
			}
			presentedAt = parsed.UTC()
		}

		rec, already, err := svc.RecordCheckIn(c.Request.Context(), req.Token, studentID, presentedAt)
		if err != nil {
			httpmiddleware.CheckIns.WithLabelValues("rejected").Inc()
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		if already {
			httpmiddleware.CheckIns.WithLabelValues("duplicate").Inc()
			c.JSON(http.StatusOK, gin.H{"record": recordView(rec), "already_recorded": true})
			return
		}
		httpmiddleware.CheckIns.WithLabelValues("recorded").Inc()

		if err := q.Publish(ctx, queue.EvaluateReward(studentID)); err != nil {
			logger.Warn("reward enqueue failed",
				zap.String("student_id", studentID), zap.Error(err))
		}

		c.JSON(http.StatusCreated, gin.H{"record": recordView(rec), "already_recorded": false})
	})

	// Provider webhook for inbound WhatsApp replies. Always returns 200 once
	// the payload parses; anything else makes the provider hammer retries.
	r.POST("/v1/attendance/rsvp-inbound", limiter.GinMiddleware(httpmiddleware.ScopeWebhook), func(c *gin.Context) {
		var req struct {
			MessageID  string `json:"message_id"`
			From       string `json:"from" binding:"required"`
			Body       string `json:"body" binding:"required"`
			ReceivedAt string `json:"received_at"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		receivedAt := time.Now().UTC()
		if req.ReceivedAt != "" {
			if parsed, err := time.Parse(time.RFC3339, req.ReceivedAt); err == nil {
				receivedAt = parsed.UTC()
			}
		}

		claimed, err := redisClient.ClaimMessageID(c.Request.Context(), req.MessageID, 24*time.Hour)
		if err != nil {
			logger.Warn("webhook dedup check failed", zap.Error(err))
		} else if !claimed {
			c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
			return
		}

		prompt, err := ledgerRepo.LatestPromptByPhone(c.Request.Context(), req.From)
		if err != nil {
			if !errors.Is(err, ledger.ErrPromptNotFound) {
				logger.Error("prompt lookup failed", zap.Error(err))
			}
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}

		in := classifier.Classify(req.Body)
		httpmiddleware.RSVPInbound.WithLabelValues(string(in)).Inc()

		if in == intent.Unrecognized {
			if _, err := wa.SendText(c.Request.Context(), req.From, whatsapp.HelpMessage()); err != nil {
				logger.Warn("help reply failed", zap.String("phone", req.From), zap.Error(err))
			}
			c.JSON(http.StatusOK, gin.H{"status": "unrecognized"})
			return
		}

		rec, err := svc.RecordRSVP(c.Request.Context(), prompt.ClassID, prompt.StudentID, in, receivedAt)
		if err != nil {
			logger.Error("rsvp apply failed",
				zap.String("class_id", prompt.ClassID),
				zap.String("student_id", prompt.StudentID),
				zap.Error(err))
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}

		if _, err := wa.SendText(c.Request.Context(), req.From, whatsapp.ConfirmationMessage(in)); err != nil {
			logger.Warn("confirmation reply failed", zap.String("phone", req.From), zap.Error(err))
		}

		c.JSON(http.StatusOK, gin.H{
			"status":  "recorded",
			"intent":  string(in),
			"outcome": string(rec.Status),
		})
	})

	studentAuth.GET("/students/:id/attendance/summary", func(c *gin.Context) {
		days := 30
		if v := c.Query("days"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				days = parsed
			}
		}
		sum, err := svc.StudentSummary(c.Request.Context(), c.Param("id"), days)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"student_id": c.Param("id"), "days": days, "summary": sum})
	})

	studentAuth.GET("/students/:id/coins", func(c *gin.Context) {
		studentID := c.Param("id")
		balance, err := coins.Balance(c.Request.Context(), studentID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		limit := 50
		if v := c.Query("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				limit = parsed
			}
		}
		txns, err := coins.Transactions(c.Request.Context(), studentID, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"student_id":   studentID,
			"balance":      balance,
			"transactions": txns,
		})
	})

	// Coach and admin operations.
	staff := r.Group("/v1",
		limiter.GinMiddleware(httpmiddleware.ScopeStaff),
		auth.ActorAuth(cfg.JWTSigningKey, cfg.JWTIssuer),
		auth.RequireRole(auth.RoleCoach, auth.RoleAdmin))

	staff.POST("/attendance/tokens", func(c *gin.Context) {
		var req struct {
			SubjectKind string `json:"subject_kind" binding:"required"`
			SubjectID   string `json:"subject_id" binding:"required"`
			TTLSeconds  int    `json:"ttl_seconds"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		tok, expiresAt, err := codec.Issue(
			token.SubjectKind(req.SubjectKind), req.SubjectID,
			time.Duration(req.TTLSeconds)*time.Second)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"token": tok, "expires_at": expiresAt.Unix()})
	})

	staff.POST("/attendance/:id/override", func(c *gin.Context) {
		var req struct {
			Status string `json:"status" binding:"required"`
			Reason string `json:"reason" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		claims, _ := auth.ClaimsFrom(c)
		rec, err := svc.ApplyManualOverride(c.Request.Context(),
			c.Param("id"), ledger.Status(req.Status), claims.Subject, req.Reason)
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		httpmiddleware.Overrides.Inc()
		c.JSON(http.StatusOK, gin.H{"record": recordView(rec)})
	})

	staff.POST("/classes/:id/attendance/materialize", func(c *gin.Context) {
		created, err := svc.MaterializeClass(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"class_id": c.Param("id"), "created": created})
	})

	staff.POST("/classes/:id/cancel", func(c *gin.Context) {
		moved, err := svc.CancelClass(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"class_id": c.Param("id"), "records_closed": moved})
	})

	staff.POST("/classes/:id/reminders", func(c *gin.Context) {
		if err := q.Publish(c.Request.Context(), queue.SendReminders(c.Param("id"))); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue failed"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"class_id": c.Param("id"), "status": "queued"})
	})

	staff.GET("/classes/:id/attendance", func(c *gin.Context) {
		records, sum, err := svc.ClassSummary(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		views := make([]gin.H, 0, len(records))
		for _, rec := range records {
			views = append(views, recordView(rec))
		}
		c.JSON(http.StatusOK, gin.H{"class_id": c.Param("id"), "records": views, "summary": sum})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("forced shutdown", zap.Error(err))
	}
	logger.Info("server exited")
	return nil
}

// statusForError maps domain failures onto HTTP statuses. Replay and
// duplicate signals are not failures and never reach here.
func statusForError(err error) int {
	switch {
	case errors.Is(err, token.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, token.ErrExpired):
		return http.StatusGone
	case errors.Is(err, token.ErrMalformed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrNoActiveSession),
		errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, ledger.ErrRecordNotFound),
		errors.Is(err, catalog.ErrClassNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionClosed):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrNotEnrolled), errors.Is(err, ledger.ErrBadStatus):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrRecordLocked):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func recordView(rec ledger.Record) gin.H {
	view := gin.H{
		"id":                  rec.ID,
		"class_id":            rec.ClassID,
		"student_id":          rec.StudentID,
		"status":              string(rec.Status),
		"verification_method": string(rec.Method),
		"auto_marked":         rec.AutoMarked,
		"manual_lock":         rec.ManualLock,
		"updated_at":          rec.UpdatedAt,
	}
	if rec.CheckInTime != nil {
		view["check_in_time"] = rec.CheckInTime
	}
	if rec.RSVPIntent != nil {
		view["rsvp_intent"] = string(*rec.RSVPIntent)
	}
	return view
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
