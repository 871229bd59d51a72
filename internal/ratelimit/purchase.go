package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/verdant/internal/config"
)

const (
	keyPurchaseUser = "purchase:user:%s"
	keyPurchaseTx   = "purchase:tx:%s"
)

// PurchaseGuard throttles purchase attempts per user and serialises submissions of the same
// transaction hash across processes. A nil or disabled guard allows everything.
type PurchaseGuard struct {
	bucket *Bucket
	locker *Locker

	rate    float64
	burst   int
	lockTTL time.Duration
}

func NewPurchaseGuard(cfg config.Config, client *redis.Client) *PurchaseGuard {
	if client == nil {
		return nil
	}
	return &PurchaseGuard{
		bucket:  NewBucket(client),
		locker:  NewLocker(client),
		rate:    cfg.Redis.PurchaseRate,
		burst:   cfg.Redis.PurchaseBurst,
		lockTTL: cfg.Redis.TxLockTTL,
	}
}

func (g *PurchaseGuard) Enabled() bool {
	return g != nil && g.bucket != nil
}

func (g *PurchaseGuard) AllowUser(ctx context.Context, userID string) (Decision, error) {
	if !g.Enabled() || g.rate <= 0 || g.burst <= 0 {
		return Decision{Allowed: true}, nil
	}
	return g.bucket.Take(ctx, fmt.Sprintf(keyPurchaseUser, strings.TrimSpace(userID)), g.rate, g.burst)
}

// LockTxHash claims a normalised transaction hash. ok is false when another submission holds it.
func (g *PurchaseGuard) LockTxHash(ctx context.Context, txHash string) (token string, ok bool, err error) {
	if !g.Enabled() {
		return "", true, nil
	}
	return g.locker.TryLock(ctx, fmt.Sprintf(keyPurchaseTx, txHash), g.lockTTL)
}

func (g *PurchaseGuard) ReleaseTxHash(ctx context.Context, txHash, token string) error {
	if !g.Enabled() {
		return nil
	}
	return g.locker.Release(ctx, fmt.Sprintf(keyPurchaseTx, txHash), token)
}
