// Package guard enforces the daily token budget of each usage key.
package guard

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/hragent/usageguard/internal/settings"
	log "github.com/sirupsen/logrus"
)

// Reason codes reported when a request is denied.
const (
	ReasonRequestTooLarge = "request_too_large"
	ReasonQuotaExhausted  = "quota_exhausted"
)

var (
	// ErrRequestTooLarge matches a request whose cost alone exceeds the limit.
	ErrRequestTooLarge = errors.New("guard: request exceeds token limit")
	// ErrQuotaExhausted matches a request that does not fit in the remaining budget.
	ErrQuotaExhausted = errors.New("guard: token budget exhausted")
)

// Client-facing denial messages.
const (
	MessageRequestTooLarge = "Input text is too long, increase your plan to allow more tokens"
	MessageQuotaExhausted  = "Token limit has reached its max limit"
)

// BudgetExceededError is returned when a request is denied.
type BudgetExceededError struct {
	Reason string
	Key    string
	Cost   int64
	Used   int64
	Limit  int64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("%s (key=%s cost=%d used=%d limit=%d)", e.sentinel(), e.Key, e.Cost, e.Used, e.Limit)
}

// Message is the text shown to the caller.
func (e *BudgetExceededError) Message() string {
	if e.Reason == ReasonRequestTooLarge {
		return MessageRequestTooLarge
	}
	return MessageQuotaExhausted
}

// Unwrap lets errors.Is match ErrRequestTooLarge or ErrQuotaExhausted.
func (e *BudgetExceededError) Unwrap() error {
	return e.sentinel()
}

func (e *BudgetExceededError) sentinel() error {
	if e.Reason == ReasonRequestTooLarge {
		return ErrRequestTooLarge
	}
	return ErrQuotaExhausted
}

// Counter is the cache surface the guard needs.
type Counter interface {
	Today() string
	GetDay(ctx context.Context, day, key string) (string, bool, error)
	SetDay(ctx context.Context, day, key, value string, delta int64) error
	Usage(ctx context.Context, key string) (int64, error)
	Record(ctx context.Context, key string, delta int64) (int64, error)
}

// Decision describes an admitted request.
type Decision struct {
	Key       string `json:"usage_key"`
	Cost      int64  `json:"cost"`
	Used      int64  `json:"used"`
	Limit     int64  `json:"limit"`
	Remaining int64  `json:"remaining"`
}

// Guard checks and records token spend against a per-key daily limit.
type Guard struct {
	counter      Counter
	defaultLimit int64
}

// New returns a guard using defaultLimit unless the LLM_TOKEN_LIMIT setting overrides it.
func New(counter Counter, defaultLimit int64) *Guard {
	return &Guard{counter: counter, defaultLimit: defaultLimit}
}

// EstimateCost approximates the token cost of a payload as one token per four bytes.
func EstimateCost(payload string) int64 {
	return int64(len(payload) / 4)
}

// Limit returns the effective daily limit.
func (g *Guard) Limit() int64 {
	limit := settings.DBConfigInt(settings.LLMTokenLimitKey, g.defaultLimit)
	if limit <= 0 {
		return g.defaultLimit
	}
	return limit
}

// CheckAndRecord admits the request and records its cost, or denies it with a
// *BudgetExceededError. Connectivity errors are returned as-is and nothing is
// recorded. The read and the write are not atomic: concurrent requests for the
// same key may both be admitted and the last write wins. Both use the day
// partition current when the check starts.
func (g *Guard) CheckAndRecord(ctx context.Context, key string, cost, limit int64) (Decision, error) {
	if cost < 0 {
		return Decision{}, fmt.Errorf("guard: negative cost %d", cost)
	}
	if cost > limit {
		return Decision{}, &BudgetExceededError{Reason: ReasonRequestTooLarge, Key: key, Cost: cost, Limit: limit}
	}

	day := g.counter.Today()
	used := int64(0)
	value, ok, err := g.counter.GetDay(ctx, day, key)
	if err != nil {
		return Decision{}, err
	}
	if ok {
		parsed, errParse := strconv.ParseInt(value, 10, 64)
		if errParse != nil {
			return Decision{}, fmt.Errorf("guard: usage of %s is not a number: %w", key, errParse)
		}
		used = parsed
	}

	if limit-used < cost {
		return Decision{}, &BudgetExceededError{Reason: ReasonQuotaExhausted, Key: key, Cost: cost, Used: used, Limit: limit}
	}

	total := used + cost
	if errSet := g.counter.SetDay(ctx, day, key, strconv.FormatInt(total, 10), cost); errSet != nil {
		return Decision{}, errSet
	}
	log.WithFields(log.Fields{"usage_key": key, "cost": cost, "used": total, "limit": limit}).Debug("guard: request admitted")
	return Decision{Key: key, Cost: cost, Used: total, Limit: limit, Remaining: limit - total}, nil
}

// CheckPayload estimates the payload's cost and checks it against the effective limit.
func (g *Guard) CheckPayload(ctx context.Context, key, payload string) (Decision, error) {
	return g.CheckAndRecord(ctx, key, EstimateCost(payload), g.Limit())
}

// Usage returns key's spend in the current period.
func (g *Guard) Usage(ctx context.Context, key string) (int64, error) {
	return g.counter.Usage(ctx, key)
}

// Record adds delta to key's spend without a budget check.
func (g *Guard) Record(ctx context.Context, key string, delta int64) (int64, error) {
	if delta < 0 {
		return 0, fmt.Errorf("guard: negative delta %d", delta)
	}
	return g.counter.Record(ctx, key, delta)
}
