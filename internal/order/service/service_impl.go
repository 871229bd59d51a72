package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/verdant/internal/clock"
	"github.com/smallbiznis/verdant/internal/config"
	"github.com/smallbiznis/verdant/internal/events"
	obsmetrics "github.com/smallbiznis/verdant/internal/observability/metrics"
	orderdomain "github.com/smallbiznis/verdant/internal/order/domain"
	paymentdomain "github.com/smallbiznis/verdant/internal/payment/domain"
	"github.com/smallbiznis/verdant/internal/ratelimit"
	"github.com/smallbiznis/verdant/pkg/retry"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       orderdomain.Repository
	Verifier   paymentdomain.Verifier
	Dispatcher *events.Dispatcher
	Catalog    *config.CatalogHolder
	Guard      *ratelimit.PurchaseGuard `optional:"true"`
	ObsMetrics *obsmetrics.Metrics      `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       orderdomain.Repository
	verifier   paymentdomain.Verifier
	dispatcher *events.Dispatcher
	catalog    *config.CatalogHolder
	guard      *ratelimit.PurchaseGuard
	obsMetrics *obsmetrics.Metrics
	conflicts  retry.Policy
}

func NewService(p Params) orderdomain.Service {
	return &Service{
		log:        p.Log.Named("order.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		verifier:   p.Verifier,
		dispatcher: p.Dispatcher,
		catalog:    p.Catalog,
		guard:      p.Guard,
		obsMetrics: p.ObsMetrics,
		conflicts:  retry.Policy{MaxAttempts: 5},
	}
}

func (s *Service) CreateOrder(ctx context.Context, req orderdomain.CreateOrderRequest) (*orderdomain.OrderResponse, error) {
	order, err := orderdomain.New(
		s.genID.Generate(),
		req.BuyerID,
		toItems(req.Items),
		s.currency(req.Currency),
		req.PaymentMethod,
		s.clock.Now(),
	)
	if err != nil {
		return nil, err
	}

	version, err := s.repo.Save(ctx, order, 0)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, order)
	s.obsMetrics.RecordOrderCreated(ctx, order.PaymentMethod())

	s.log.Info("order created",
		zap.String("order_id", order.ID().String()),
		zap.String("buyer_id", order.BuyerID()),
		zap.Int64("total_amount", order.TotalAmount()),
	)
	return orderdomain.NewOrderResponse(order, version), nil
}

// ConfirmPayment verifies the submitted transaction and marks the order paid. Nothing is
// written until the verifier has confirmed the payment.
func (s *Service) ConfirmPayment(ctx context.Context, req orderdomain.ConfirmPaymentRequest) (*orderdomain.OrderResponse, error) {
	id, err := parseOrderID(req.OrderID)
	if err != nil {
		return nil, err
	}
	hash := orderdomain.NormalizeTxHash(req.TransactionHash)
	if hash == "" {
		return nil, orderdomain.ErrInvalidTransactionHash
	}
	wallet := strings.TrimSpace(req.WalletAddress)
	if wallet == "" {
		return nil, orderdomain.ErrInvalidPayer
	}

	order, version, err := s.loadOwned(ctx, id, req.BuyerID)
	if err != nil {
		return nil, err
	}
	if err := checkPayable(order); err != nil {
		return nil, err
	}
	if err := s.checkHashUnused(ctx, hash, id); err != nil {
		return nil, err
	}

	release, err := s.lockHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := s.verify(ctx, order.Snapshot(), hash, wallet); err != nil {
		return nil, err
	}

	var saved int64
	err = retry.Do(ctx, s.conflicts, isConflict, func(ctx context.Context) error {
		if err := order.MarkPaid(hash, wallet, s.clock.Now()); err != nil {
			return err
		}
		saved, err = s.repo.Save(ctx, order, version)
		if errors.Is(err, orderdomain.ErrConcurrencyConflict) {
			order, version, err = s.reloadForPayment(ctx, id, hash)
			if err == nil {
				return orderdomain.ErrConcurrencyConflict
			}
		}
		return err
	})
	if errors.Is(err, errPaidBySameHash) {
		return orderdomain.NewOrderResponse(order, version), nil
	}
	if err != nil {
		return nil, err
	}

	s.publish(ctx, order)
	s.obsMetrics.RecordOrderPaid(ctx, order.PaymentMethod())
	s.log.Info("order paid",
		zap.String("order_id", order.ID().String()),
		zap.String("tx_hash", hash),
	)
	return orderdomain.NewOrderResponse(order, saved), nil
}

func (s *Service) CreatePaidOrder(ctx context.Context, req orderdomain.CreatePaidOrderRequest) (*orderdomain.OrderResponse, error) {
	hash := orderdomain.NormalizeTxHash(req.TransactionHash)
	if hash == "" {
		return nil, orderdomain.ErrInvalidTransactionHash
	}
	wallet := strings.TrimSpace(req.WalletAddress)
	if wallet == "" {
		return nil, orderdomain.ErrInvalidPayer
	}

	order, err := orderdomain.New(
		s.genID.Generate(),
		req.BuyerID,
		toItems(req.Items),
		s.currency(req.Currency),
		req.PaymentMethod,
		s.clock.Now(),
	)
	if err != nil {
		return nil, err
	}
	if err := s.checkHashUnused(ctx, hash, order.ID()); err != nil {
		return nil, err
	}

	release, err := s.lockHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := s.verify(ctx, order.Snapshot(), hash, wallet); err != nil {
		return nil, err
	}
	if err := order.MarkPaid(hash, wallet, s.clock.Now()); err != nil {
		return nil, err
	}

	version, err := s.repo.Save(ctx, order, 0)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, order)
	s.obsMetrics.RecordOrderCreated(ctx, order.PaymentMethod())
	s.obsMetrics.RecordOrderPaid(ctx, order.PaymentMethod())
	s.log.Info("paid order created",
		zap.String("order_id", order.ID().String()),
		zap.String("buyer_id", order.BuyerID()),
		zap.String("tx_hash", hash),
	)
	return orderdomain.NewOrderResponse(order, version), nil
}

func (s *Service) CancelOrder(ctx context.Context, req orderdomain.CancelOrderRequest) (*orderdomain.OrderResponse, error) {
	id, err := parseOrderID(req.OrderID)
	if err != nil {
		return nil, err
	}

	var (
		order   *orderdomain.Order
		version int64
	)
	err = retry.Do(ctx, s.conflicts, isConflict, func(ctx context.Context) error {
		order, version, err = s.loadOwned(ctx, id, req.BuyerID)
		if err != nil {
			return err
		}
		if order.Status() == orderdomain.StatusCancelled {
			return nil
		}
		if err := order.Cancel(s.clock.Now()); err != nil {
			return err
		}
		version, err = s.repo.Save(ctx, order, version)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, order)
	return orderdomain.NewOrderResponse(order, version), nil
}

func (s *Service) GetOrder(ctx context.Context, buyerID, orderID string) (*orderdomain.OrderResponse, error) {
	id, err := parseOrderID(orderID)
	if err != nil {
		return nil, err
	}
	order, version, err := s.loadOwned(ctx, id, buyerID)
	if err != nil {
		return nil, err
	}
	return orderdomain.NewOrderResponse(order, version), nil
}

// MarkDelivered is idempotent: an order already delivered is left untouched.
func (s *Service) MarkDelivered(ctx context.Context, orderID snowflake.ID) error {
	return retry.Do(ctx, s.conflicts, isConflict, func(ctx context.Context) error {
		order, version, err := s.repo.Load(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status() == orderdomain.StatusDelivered {
			return nil
		}
		if err := order.MarkDelivered(s.clock.Now()); err != nil {
			return err
		}
		if _, err := s.repo.Save(ctx, order, version); err != nil {
			return err
		}
		s.publish(ctx, order)
		return nil
	})
}

var errPaidBySameHash = errors.New("order already paid with this hash")

// reloadForPayment refreshes the aggregate after a lost race. A concurrent confirmation of
// the same hash counts as success.
func (s *Service) reloadForPayment(ctx context.Context, id snowflake.ID, hash string) (*orderdomain.Order, int64, error) {
	order, version, err := s.repo.Load(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	if order.Status() != orderdomain.StatusCreated && order.TransactionHash() == hash {
		return order, version, errPaidBySameHash
	}
	return order, version, nil
}

func (s *Service) loadOwned(ctx context.Context, id snowflake.ID, buyerID string) (*orderdomain.Order, int64, error) {
	buyerID = strings.TrimSpace(buyerID)
	if buyerID == "" {
		return nil, 0, orderdomain.ErrInvalidBuyer
	}
	order, version, err := s.repo.Load(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	if order.BuyerID() != buyerID {
		return nil, 0, orderdomain.ErrNotFound
	}
	return order, version, nil
}

func (s *Service) checkHashUnused(ctx context.Context, hash string, orderID snowflake.ID) error {
	existing, _, err := s.repo.FindByTransactionHash(ctx, hash)
	switch {
	case errors.Is(err, orderdomain.ErrNotFound):
		return nil
	case err != nil:
		return err
	case existing.ID() == orderID:
		return orderdomain.ErrAlreadyPaid
	default:
		return orderdomain.ErrHashAlreadyUsed
	}
}

func (s *Service) lockHash(ctx context.Context, hash string) (func(), error) {
	token, ok, err := s.guard.LockTxHash(ctx, hash)
	if err != nil {
		// the unique index still protects the hash
		s.log.Warn("tx hash lock unavailable", zap.String("tx_hash", hash), zap.Error(err))
		return func() {}, nil
	}
	if !ok {
		return nil, orderdomain.ErrPaymentInProgress
	}
	return func() {
		if err := s.guard.ReleaseTxHash(context.WithoutCancel(ctx), hash, token); err != nil {
			s.log.Warn("failed to release tx hash lock", zap.String("tx_hash", hash), zap.Error(err))
		}
	}, nil
}

func (s *Service) verify(ctx context.Context, order orderdomain.Snapshot, hash, wallet string) error {
	catalog := s.catalog.Get()
	recipient, ok := catalog.Recipient(order.PaymentMethod)
	if !ok {
		return paymentdomain.ErrUnsupportedChain
	}

	err := paymentdomain.RequireConfirmed(ctx, s.verifier, paymentdomain.VerifyRequest{
		Chain:            order.PaymentMethod,
		TxHash:           hash,
		Recipient:        recipient,
		MinAmount:        order.TotalAmount,
		Currency:         order.Currency,
		Payer:            wallet,
		MinConfirmations: catalog.Confirmations(order.PaymentMethod),
	})
	if err != nil {
		verdict, _ := paymentdomain.VerdictOf(err)
		if verdict == "" {
			verdict = "unavailable"
		}
		s.obsMetrics.RecordVerificationFailure(ctx, order.PaymentMethod, string(verdict))
		s.log.Warn("payment verification failed",
			zap.String("order_id", order.ID.String()),
			zap.String("chain", order.PaymentMethod),
			zap.String("tx_hash", hash),
			zap.Error(err),
		)
	}
	return err
}

func (s *Service) publish(ctx context.Context, order *orderdomain.Order) {
	evts := order.PullEvents()
	if len(evts) == 0 {
		return
	}
	if err := s.dispatcher.Publish(ctx, evts...); err != nil {
		s.log.Error("failed to queue event handler failures",
			zap.String("order_id", order.ID().String()),
			zap.Error(err),
		)
	}
}

func (s *Service) currency(requested string) string {
	if c := strings.TrimSpace(requested); c != "" {
		return c
	}
	return s.catalog.Get().Currency
}

func checkPayable(order *orderdomain.Order) error {
	switch order.Status() {
	case orderdomain.StatusCreated:
		return nil
	case orderdomain.StatusPaid, orderdomain.StatusDelivered:
		return orderdomain.ErrAlreadyPaid
	default:
		return orderdomain.ErrInvalidTransition
	}
}

func isConflict(err error) bool {
	return errors.Is(err, orderdomain.ErrConcurrencyConflict)
}

func parseOrderID(raw string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(raw))
	if err != nil || id <= 0 {
		return 0, orderdomain.ErrInvalidOrderID
	}
	return id, nil
}

func toItems(reqs []orderdomain.ItemRequest) []orderdomain.Item {
	items := make([]orderdomain.Item, 0, len(reqs))
	for _, r := range reqs {
		items = append(items, orderdomain.Item{
			SKU:        r.SKU,
			Name:       strings.TrimSpace(r.Name),
			Quantity:   r.Quantity,
			UnitAmount: r.UnitAmount,
		})
	}
	return items
}
