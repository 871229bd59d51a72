package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilPurchaseGuardAllows(t *testing.T) {
	var g *PurchaseGuard
	res, err := g.AllowUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	token, ok, err := g.LockTxHash(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, token)
	assert.NoError(t, g.ReleaseTxHash(context.Background(), "0xabc", token))
}

func TestNilLocker(t *testing.T) {
	l := NewLocker(nil)
	assert.Nil(t, l)

	_, _, err := l.TryLock(context.Background(), "k", time.Second)
	assert.ErrorIs(t, err, ErrLockNotConfigured)
	assert.NoError(t, l.Release(context.Background(), "k", "t"))
}

func TestBucketTTL(t *testing.T) {
	assert.Equal(t, time.Second, bucketTTL(0, 0))
	assert.Equal(t, 50*time.Second, bucketTTL(0.2, 5))
	assert.Equal(t, time.Second, bucketTTL(100, 1))
}

func TestNilBucket(t *testing.T) {
	var b *Bucket
	d, err := b.Take(context.Background(), "k", 1, 1)
	assert.ErrorIs(t, err, ErrBucketNotConfigured)
	assert.False(t, d.Allowed)
}

func TestReplyConversions(t *testing.T) {
	assert.EqualValues(t, 3, toInt64(int64(3)))
	assert.EqualValues(t, 7, toInt64("7"))
	assert.EqualValues(t, 0, toInt64(struct{}{}))
	assert.InDelta(t, 1.5, toFloat("1.5"), 0.0001)
	assert.InDelta(t, 2, toFloat(int64(2)), 0.0001)
}
