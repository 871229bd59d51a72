package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/verdant/internal/config"
	entitlementdomain "github.com/smallbiznis/verdant/internal/entitlement/domain"
	"github.com/smallbiznis/verdant/internal/membership/domain"
	orderdomain "github.com/smallbiznis/verdant/internal/order/domain"
	paymentdomain "github.com/smallbiznis/verdant/internal/payment/domain"
	"github.com/smallbiznis/verdant/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Orders       orderdomain.Service
	Entitlements entitlementdomain.Service
	Catalog      *config.CatalogHolder
	Log          *zap.Logger
	Guard        *ratelimit.PurchaseGuard `optional:"true"`
}

type Service struct {
	orders       orderdomain.Service
	entitlements entitlementdomain.Service
	catalog      *config.CatalogHolder
	guard        *ratelimit.PurchaseGuard
	log          *zap.Logger
}

func NewService(p Params) domain.Service {
	return &Service{
		orders:       p.Orders,
		entitlements: p.Entitlements,
		catalog:      p.Catalog,
		guard:        p.Guard,
		log:          p.Log.Named("membership.service"),
	}
}

// Purchase verifies the payment, records a paid membership order and applies the plan.
func (s *Service) Purchase(ctx context.Context, req domain.PurchaseRequest) (*domain.PurchaseResponse, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, entitlementdomain.ErrInvalidUser
	}

	if res, err := s.guard.AllowUser(ctx, userID); err != nil {
		s.log.Warn("purchase rate limiter unavailable", zap.String("user_id", userID), zap.Error(err))
	} else if !res.Allowed {
		return nil, domain.ErrRateLimited
	}

	plan, err := entitlementdomain.ParsePlan(req.Plan)
	if err != nil {
		return nil, err
	}
	catalog := s.catalog.Get()
	price, ok := catalog.PlanPrice(string(plan))
	if !ok {
		return nil, entitlementdomain.ErrUnknownPlan
	}
	chain := strings.ToLower(strings.TrimSpace(req.WalletType))
	if chain == "" {
		chain = domain.DefaultChain
	}
	if _, ok := catalog.Recipient(chain); !ok {
		return nil, paymentdomain.ErrUnsupportedChain
	}

	order, err := s.orders.CreatePaidOrder(ctx, orderdomain.CreatePaidOrderRequest{
		BuyerID: userID,
		Items: []orderdomain.ItemRequest{{
			SKU:        orderdomain.MembershipSKU(string(plan)),
			Name:       fmt.Sprintf("%s membership", plan),
			Quantity:   1,
			UnitAmount: price,
		}},
		Currency:        catalog.Currency,
		PaymentMethod:   chain,
		TransactionHash: req.TransactionHash,
		WalletAddress:   req.WalletAddress,
	})
	if err != nil {
		return nil, err
	}

	orderID, err := snowflake.ParseString(order.ID)
	if err != nil {
		return nil, err
	}
	status, err := s.entitlements.ApplyMembershipPurchase(ctx, userID, plan, orderID)
	if err != nil {
		// the order is paid; the broker consumer applies the plan on delivery
		s.log.Error("apply membership after payment failed",
			zap.String("user_id", userID),
			zap.String("order_id", order.ID),
			zap.Error(err),
		)
		return &domain.PurchaseResponse{
			Success: true,
			Message: "payment confirmed, membership activation pending",
			OrderID: order.ID,
		}, nil
	}

	return &domain.PurchaseResponse{
		Success:     true,
		Message:     fmt.Sprintf("%s membership active", plan),
		OrderID:     order.ID,
		Entitlement: status,
	}, nil
}

func (s *Service) Status(ctx context.Context, userID string) (*entitlementdomain.Status, error) {
	return s.entitlements.Get(ctx, userID)
}

// AuthorizeDetection charges one detection against the free allocation unless the user is VIP.
func (s *Service) AuthorizeDetection(ctx context.Context, userID string) (*entitlementdomain.Status, error) {
	return s.entitlements.ConsumeFreeDetection(ctx, userID)
}
