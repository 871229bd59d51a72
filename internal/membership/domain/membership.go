package domain

import (
	"context"
	"errors"

	entitlementdomain "github.com/smallbiznis/verdant/internal/entitlement/domain"
)

const DefaultChain = "ethereum"

var ErrRateLimited = errors.New("rate_limited")

type PurchaseRequest struct {
	UserID          string `json:"-"`
	TransactionHash string `json:"transaction_hash"`
	WalletAddress   string `json:"wallet_address"`
	Plan            string `json:"plan"`
	WalletType      string `json:"wallet_type"`
}

type PurchaseResponse struct {
	Success     bool                      `json:"success"`
	Message     string                    `json:"message"`
	OrderID     string                    `json:"order_id"`
	Entitlement *entitlementdomain.Status `json:"entitlement,omitempty"`
}

type Service interface {
	Purchase(ctx context.Context, req PurchaseRequest) (*PurchaseResponse, error)
	Status(ctx context.Context, userID string) (*entitlementdomain.Status, error)
	AuthorizeDetection(ctx context.Context, userID string) (*entitlementdomain.Status, error)
}
