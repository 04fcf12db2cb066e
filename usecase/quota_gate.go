package usecase

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/maswadkar/krishi/server/domain/entities"
	"github.com/maswadkar/krishi/server/domain/repositories"
)

// QuotaGate enforces the monthly voice-minute allowance. It prioritizes
// availability over strict enforcement: read failures permit the session and
// write failures are logged and swallowed. The read-then-overwrite in
// RecordSessionUsage is last-writer-wins; concurrent sessions from two
// devices for the same user can lose an increment, which is accepted for
// single-device usage.
type QuotaGate struct {
	usage  repositories.UsageRepository
	limit  float64
	logger *zap.Logger
	now    func() time.Time
}

// NewQuotaGate creates a gate with the given monthly limit in minutes. A zero
// limit selects the default free tier.
func NewQuotaGate(usage repositories.UsageRepository, limit float64, logger *zap.Logger) *QuotaGate {
	if limit <= 0 {
		limit = entities.DefaultMonthlyLimitMinutes
	}
	return &QuotaGate{
		usage:  usage,
		limit:  limit,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the wall clock. Tests pin the month boundary with it.
func (g *QuotaGate) WithClock(now func() time.Time) *QuotaGate {
	g.now = now
	return g
}

// Limit returns the configured monthly allowance.
func (g *QuotaGate) Limit() float64 {
	return g.limit
}

// CanStartSession reports whether the user has quota left. A record from a
// past month (or the never-initialized sentinel) counts as zero usage.
func (g *QuotaGate) CanStartSession(ctx context.Context, userID string) bool {
	usage, err := g.usage.Get(ctx, userID)
	if err != nil {
		g.logger.Error("Failed to read voice usage, failing open",
			zap.String("user_id", userID),
			zap.Error(err))
		return true
	}

	month, year := g.currentPeriod()
	if usage.ShouldReset(month, year) {
		return true
	}
	return usage.CanStartSession(g.limit)
}

// EffectiveUsage returns the usage as of now, with the reset rule applied.
func (g *QuotaGate) EffectiveUsage(ctx context.Context, userID string) (entities.VoiceUsage, error) {
	usage, err := g.usage.Get(ctx, userID)
	if err != nil {
		return entities.VoiceUsage{}, err
	}
	return g.applyReset(userID, usage), nil
}

// RecordSessionUsage adds a completed session's duration to the user's
// counter. The stored document is overwritten whole with the current period
// stamped in. Failures never propagate; usage tracking must not break the
// call site.
func (g *QuotaGate) RecordSessionUsage(ctx context.Context, userID string, durationMinutes float64) {
	usage, err := g.usage.Get(ctx, userID)
	if err != nil {
		g.logger.Error("Failed to read voice usage before recording",
			zap.String("user_id", userID),
			zap.Error(err))
		usage = entities.VoiceUsage{UserID: userID}
	}

	base := g.applyReset(userID, usage)
	month, year := g.currentPeriod()

	updated := entities.VoiceUsage{
		UserID:         userID,
		MinutesUsed:    base.MinutesUsed + durationMinutes,
		SessionsUsed:   base.SessionsUsed + 1,
		LastResetMonth: month,
		LastResetYear:  year,
	}

	if err := g.usage.Set(ctx, updated); err != nil {
		g.logger.Error("Failed to record session usage",
			zap.String("user_id", userID),
			zap.Float64("duration_minutes", durationMinutes),
			zap.Error(err))
		return
	}

	g.logger.Info("Recorded session usage",
		zap.String("user_id", userID),
		zap.Float64("duration_minutes", durationMinutes),
		zap.Float64("minutes_used", updated.MinutesUsed),
		zap.Int("sessions_used", updated.SessionsUsed))
}

func (g *QuotaGate) applyReset(userID string, usage entities.VoiceUsage) entities.VoiceUsage {
	month, year := g.currentPeriod()
	if !usage.ShouldReset(month, year) {
		return usage
	}
	return entities.VoiceUsage{
		UserID:         userID,
		LastResetMonth: month,
		LastResetYear:  year,
	}
}

func (g *QuotaGate) currentPeriod() (month, year int) {
	t := g.now()
	return int(t.Month()), t.Year()
}
