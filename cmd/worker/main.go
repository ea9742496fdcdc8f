package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"attendance-engine/internal/catalog"
	"attendance-engine/internal/config"
	"attendance-engine/internal/httpmiddleware"
	"attendance-engine/internal/ledger"
	"attendance-engine/internal/queue"
	"attendance-engine/internal/reward"
	"attendance-engine/internal/session"
	"attendance-engine/internal/store"
	"attendance-engine/internal/token"
	"attendance-engine/internal/whatsapp"
)

// Worker consumes queue messages: reward evaluations after check-ins and
// RSVP reminder fan-out before classes.
func main() {
	cfg := config.Load()

	logger, err := buildLogger(cfg.Env)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db connect failed", zap.Error(err))
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

	evaluator := reward.NewEvaluator(
		reward.NewRepository(db.Client),
		reward.NewCoinRepository(db.Client),
		logger, cfg.RewardThreshold, cfg.RewardAmount)

	wa := whatsapp.New(cfg.WhatsAppAPIURL, cfg.WhatsAppAPIKey, cfg.WhatsAppSkip)
	if !cfg.WhatsAppSkip {
		if err := wa.Health(ctx); err != nil {
			logger.Warn("whatsapp provider not reachable, reminders will retry on demand", zap.Error(err))
		}
	}

	messages, err := q.Consume(ctx)
	if err != nil {
		logger.Fatal("queue consume init failed", zap.Error(err))
	}

	logger.Info("worker started, waiting for messages")
	for msg := range messages {
		switch msg.Type {
		case queue.TypeEvaluateReward:
			evaluateReward(ctx, logger, evaluator, string(msg.Body))
		case queue.TypeSendReminders:
			sendReminders(ctx, logger, svc, catalogRepo, ledgerRepo, wa, string(msg.Body))
		default:
			logger.Warn("unknown message type", zap.String("type", msg.Type))
		}
	}

	logger.Info("worker stopped")
}

func buildLogger(env string) (*zap.Logger, error) {
	if env == "production" || env == "prod" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func evaluateReward(ctx context.Context, logger *zap.Logger, evaluator *reward.Evaluator, studentID string) {
	outcome, err := evaluator.Evaluate(ctx, studentID, time.Now().UTC())
	if err != nil {
		logger.Error("reward evaluation failed",
			zap.String("student_id", studentID), zap.Error(err))
		return
	}
	httpmiddleware.RewardEvaluations.WithLabelValues(string(outcome.Result)).Inc()
	logger.Info("reward evaluated",
		zap.String("student_id", studentID),
		zap.String("result", string(outcome.Result)),
		zap.String("window_id", outcome.WindowID),
		zap.Int("attended", outcome.Count))
}

// sendReminders materializes pending records for the class, then sends one
// RSVP prompt per rostered guardian and records it so the inbound reply can
// find its way back to the right (class, student).
func sendReminders(ctx context.Context, logger *zap.Logger, svc *ledger.Service, catalogRepo *catalog.Repository, prompts ledger.PromptStore, wa *whatsapp.Client, classID string) {
	class, err := catalogRepo.GetClass(ctx, classID)
	if err != nil {
		logger.Error("reminder class lookup failed",
			zap.String("class_id", classID), zap.Error(err))
		return
	}
	if class.Status == catalog.StatusCancelled {
		logger.Info("skipping reminders for cancelled class", zap.String("class_id", classID))
		return
	}

	created, err := svc.MaterializeClass(ctx, classID)
	if err != nil {
		logger.Error("materialize failed", zap.String("class_id", classID), zap.Error(err))
		return
	}

	contacts, err := catalogRepo.RosterContacts(ctx, classID)
	if err != nil {
		logger.Error("roster lookup failed", zap.String("class_id", classID), zap.Error(err))
		return
	}

	sent := 0
	for _, contact := range contacts {
		if contact.GuardianPhone == "" {
			continue
		}
		body := whatsapp.ReminderMessage(contact.StudentName, class.Title, class.ScheduledStart)
		messageID, err := wa.SendText(ctx, contact.GuardianPhone, body)
		if err != nil {
			logger.Warn("reminder send failed",
				zap.String("class_id", classID),
				zap.String("student_id", contact.StudentID),
				zap.Error(err))
			continue
		}
		if err := prompts.RecordPrompt(ctx, ledger.Prompt{
			ClassID:   classID,
			StudentID: contact.StudentID,
			Phone:     contact.GuardianPhone,
			MessageID: messageID,
			SentAt:    time.Now().UTC(),
		}); err != nil {
			logger.Error("prompt record failed",
				zap.String("class_id", classID),
				zap.String("student_id", contact.StudentID),
				zap.Error(err))
		}
		sent++
	}

	logger.Info("reminders dispatched",
		zap.String("class_id", classID),
		zap.Int("materialized", created),
		zap.Int("sent", sent))
}
