package service

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/verdant/internal/clock"
	"github.com/smallbiznis/verdant/internal/config"
	"github.com/smallbiznis/verdant/internal/dispatch/domain"
	"github.com/smallbiznis/verdant/internal/events"
	orderdomain "github.com/smallbiznis/verdant/internal/order/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	handlerCreateRecord = "dispatch.create_record"
	handlerDeliver      = "dispatch.deliver_paid_order"
)

type Params struct {
	fx.In

	Repo  domain.Repository
	GenID *snowflake.Node
	Clock clock.Clock
	Log   *zap.Logger
}

type Service struct {
	repo  domain.Repository
	genID *snowflake.Node
	clock clock.Clock
	log   *zap.Logger
}

func NewService(p Params) domain.Service {
	return &Service{
		repo:  p.Repo,
		genID: p.GenID,
		clock: p.Clock,
		log:   p.Log.Named("dispatch.service"),
	}
}

// CreateForOrder is idempotent: the existing record is returned for repeated calls.
func (s *Service) CreateForOrder(ctx context.Context, orderID snowflake.ID) (*domain.Record, error) {
	rec := domain.Record{
		ID:        s.genID.Generate(),
		OrderID:   orderID,
		CreatedAt: s.clock.Now(),
	}
	created, err := s.repo.Create(ctx, rec)
	if err != nil {
		return nil, err
	}
	if !created {
		return s.repo.FindByOrder(ctx, orderID)
	}
	s.log.Info("dispatch record created",
		zap.String("order_id", orderID.String()),
		zap.String("dispatch_id", rec.ID.String()),
	)
	return &rec, nil
}

func (s *Service) Get(ctx context.Context, orderID snowflake.ID) (*domain.Record, error) {
	return s.repo.FindByOrder(ctx, orderID)
}

type HandlerParams struct {
	fx.In

	Dispatcher *events.Dispatcher
	Service    domain.Service
	Orders     orderdomain.Service
	Config     config.Config
}

// RegisterHandlers subscribes dispatch to order events. Paid orders always get a record
// and are delivered; with the "created" trigger the record is also made at creation.
func RegisterHandlers(p HandlerParams) {
	if p.Config.Dispatch.Trigger == config.DispatchTriggerCreated {
		p.Dispatcher.Subscribe(orderdomain.EventOrderCreated, handlerCreateRecord, func(ctx context.Context, evt events.Event) error {
			created, ok := evt.(orderdomain.OrderCreated)
			if !ok {
				return nil
			}
			_, err := p.Service.CreateForOrder(ctx, created.Order.ID)
			return err
		})
	}

	p.Dispatcher.Subscribe(orderdomain.EventOrderPaid, handlerDeliver, func(ctx context.Context, evt events.Event) error {
		paid, ok := evt.(orderdomain.OrderPaid)
		if !ok {
			return nil
		}
		if _, err := p.Service.CreateForOrder(ctx, paid.Order.ID); err != nil {
			return err
		}
		err := p.Orders.MarkDelivered(ctx, paid.Order.ID)
		if errors.Is(err, orderdomain.ErrInvalidTransition) {
			return nil
		}
		return err
	})
}
