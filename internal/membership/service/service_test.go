package service

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/verdant/internal/clock"
	"github.com/smallbiznis/verdant/internal/config"
	entitlementdomain "github.com/smallbiznis/verdant/internal/entitlement/domain"
	entitlementrepository "github.com/smallbiznis/verdant/internal/entitlement/repository"
	entitlementservice "github.com/smallbiznis/verdant/internal/entitlement/service"
	"github.com/smallbiznis/verdant/internal/events"
	"github.com/smallbiznis/verdant/internal/membership/domain"
	orderdomain "github.com/smallbiznis/verdant/internal/order/domain"
	orderrepository "github.com/smallbiznis/verdant/internal/order/repository"
	orderservice "github.com/smallbiznis/verdant/internal/order/service"
	"github.com/smallbiznis/verdant/internal/outbox"
	paymentdomain "github.com/smallbiznis/verdant/internal/payment/domain"
	"github.com/smallbiznis/verdant/internal/payment/verifier"
	"github.com/smallbiznis/verdant/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	day   = 24 * time.Hour
	hash1 = "0x1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a"
	hash2 = "0x2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b"
)

type verdictFunc func(paymentdomain.VerifyRequest) paymentdomain.Verdict

func (f verdictFunc) Verify(_ context.Context, req paymentdomain.VerifyRequest) (paymentdomain.Verdict, error) {
	return f(req), nil
}

func newMembership(t *testing.T, v paymentdomain.Verifier) (domain.Service, *clock.FakeClock, *gorm.DB) {
	t.Helper()
	db := testutil.NewDB(t)
	node := testutil.NewNode(t)
	clk := clock.NewFakeClock(time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC))
	codec := events.NewCodec()
	orderdomain.RegisterEvents(codec)

	catalog := config.DefaultCatalog()
	catalog.Recipients = map[string]string{"ethereum": "0xmerchant", "tron": "Tmerchant"}
	holder := config.NewStaticCatalogHolder(catalog)

	orders := orderservice.NewService(orderservice.Params{
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo: orderrepository.Provide(orderrepository.Params{
			DB: db, Outbox: outbox.NewStoreWithPartitions(db, codec, node, 1), Clock: clk,
		}),
		Verifier: v,
		Dispatcher: events.NewDispatcher(events.Params{
			Codec: codec, Store: events.NewFailureStore(db), GenID: node, Clock: clk, Log: zap.NewNop(),
		}),
		Catalog: holder,
	})
	entitlements := entitlementservice.NewService(entitlementservice.Params{
		Repo:  entitlementrepository.Provide(db),
		Clock: clk,
		Log:   zap.NewNop(),
		Config: config.Config{Entitlement: config.EntitlementConfig{
			FreeDetectionsPerPeriod: 1,
			MaxAttempts:             10,
		}},
	})

	svc := NewService(Params{Orders: orders, Entitlements: entitlements, Catalog: holder, Log: zap.NewNop()})
	return svc, clk, db
}

func TestPurchaseActivatesVIP(t *testing.T) {
	var seen paymentdomain.VerifyRequest
	svc, clk, db := newMembership(t, verdictFunc(func(req paymentdomain.VerifyRequest) paymentdomain.Verdict {
		seen = req
		return paymentdomain.VerdictConfirmed
	}))

	resp, err := svc.Purchase(context.Background(), domain.PurchaseRequest{
		UserID:          "u1",
		TransactionHash: hash1,
		WalletAddress:   "0xwallet",
		Plan:            "Yearly",
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.OrderID)
	require.NotNil(t, resp.Entitlement)
	assert.True(t, resp.Entitlement.IsVIP)
	assert.True(t, clk.Now().Add(365*day).Equal(*resp.Entitlement.VIPExpiresAt))

	assert.Equal(t, "ethereum", seen.Chain)
	assert.Equal(t, "0xmerchant", seen.Recipient)
	assert.Equal(t, int64(39_990_000), seen.MinAmount)
	assert.Equal(t, "USDT", seen.Currency)

	assert.Equal(t, int64(1), testutil.CountRows(t, db, `SELECT COUNT(*) FROM orders WHERE status = ?`, string(orderdomain.StatusPaid)))
	assert.Equal(t, int64(1), testutil.CountRows(t, db, `SELECT COUNT(*) FROM outbox_events WHERE event_type = ?`, orderdomain.EventOrderPaid))
}

func TestPurchaseStacksOnActiveVIP(t *testing.T) {
	svc, clk, _ := newMembership(t, verifier.Static{})
	ctx := context.Background()

	first, err := svc.Purchase(ctx, domain.PurchaseRequest{UserID: "u1", TransactionHash: hash1, WalletAddress: "0xw", Plan: "monthly"})
	require.NoError(t, err)

	clk.Advance(20 * day)
	second, err := svc.Purchase(ctx, domain.PurchaseRequest{UserID: "u1", TransactionHash: hash2, WalletAddress: "0xw", Plan: "yearly"})
	require.NoError(t, err)
	assert.True(t, first.Entitlement.VIPExpiresAt.Add(365*day).Equal(*second.Entitlement.VIPExpiresAt))
}

func TestPurchaseRejectsReusedHash(t *testing.T) {
	svc, _, db := newMembership(t, verifier.Static{})
	ctx := context.Background()

	_, err := svc.Purchase(ctx, domain.PurchaseRequest{UserID: "u1", TransactionHash: hash1, WalletAddress: "0xw", Plan: "monthly"})
	require.NoError(t, err)

	_, err = svc.Purchase(ctx, domain.PurchaseRequest{UserID: "u2", TransactionHash: hash1, WalletAddress: "0xw", Plan: "monthly"})
	assert.ErrorIs(t, err, orderdomain.ErrHashAlreadyUsed)

	status, err := svc.Status(ctx, "u2")
	require.NoError(t, err)
	assert.False(t, status.IsVIP)
	assert.Equal(t, int64(1), testutil.CountRows(t, db, `SELECT COUNT(*) FROM entitlement_applications`))
}

func TestPurchaseVerificationFailureGrantsNothing(t *testing.T) {
	svc, _, db := newMembership(t, verdictFunc(func(paymentdomain.VerifyRequest) paymentdomain.Verdict {
		return paymentdomain.VerdictPending
	}))

	_, err := svc.Purchase(context.Background(), domain.PurchaseRequest{UserID: "u1", TransactionHash: hash1, WalletAddress: "0xw", Plan: "monthly"})
	assert.ErrorIs(t, err, paymentdomain.ErrVerificationFailed)
	assert.Equal(t, int64(0), testutil.CountRows(t, db, `SELECT COUNT(*) FROM orders`))
	assert.Equal(t, int64(0), testutil.CountRows(t, db, `SELECT COUNT(*) FROM entitlement_ledgers`))
}

func TestPurchaseValidation(t *testing.T) {
	svc, _, _ := newMembership(t, verifier.Static{})
	ctx := context.Background()

	_, err := svc.Purchase(ctx, domain.PurchaseRequest{UserID: "u1", TransactionHash: hash1, WalletAddress: "0xw", Plan: "weekly"})
	assert.ErrorIs(t, err, entitlementdomain.ErrUnknownPlan)

	_, err = svc.Purchase(ctx, domain.PurchaseRequest{UserID: "u1", TransactionHash: hash1, WalletAddress: "0xw", Plan: "monthly", WalletType: "solana"})
	assert.ErrorIs(t, err, paymentdomain.ErrUnsupportedChain)

	_, err = svc.Purchase(ctx, domain.PurchaseRequest{TransactionHash: hash1, WalletAddress: "0xw", Plan: "monthly"})
	assert.ErrorIs(t, err, entitlementdomain.ErrInvalidUser)

	_, err = svc.Purchase(ctx, domain.PurchaseRequest{UserID: "u1", TransactionHash: "", WalletAddress: "0xw", Plan: "monthly"})
	assert.ErrorIs(t, err, orderdomain.ErrInvalidTransactionHash)
}

func TestAuthorizeDetection(t *testing.T) {
	svc, _, _ := newMembership(t, verifier.Static{})
	ctx := context.Background()

	status, err := svc.AuthorizeDetection(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, status.FreeRemaining)

	_, err = svc.AuthorizeDetection(ctx, "u1")
	assert.ErrorIs(t, err, entitlementdomain.ErrQuotaExceeded)

	_, err = svc.Purchase(ctx, domain.PurchaseRequest{UserID: "u1", TransactionHash: hash1, WalletAddress: "0xw", Plan: "monthly", WalletType: "tron"})
	require.NoError(t, err)
	status, err = svc.AuthorizeDetection(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, status.IsVIP)
}
