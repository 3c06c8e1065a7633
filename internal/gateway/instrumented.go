package gateway

import (
	"context"

	"github.com/ignatzorin/bounty-escrow/internal/metrics"
)

// Instrumented замеряет длительность и исход каждого вызова шлюза.
type Instrumented struct {
	next Gateway
}

func WithMetrics(next Gateway) *Instrumented {
	return &Instrumented{next: next}
}

var _ Gateway = (*Instrumented)(nil)

func (g *Instrumented) CreateHold(ctx context.Context, amount int64, key string) (ref string, err error) {
	done := metrics.StartGatewayTimer(opCreateHold)
	defer func() { done(err) }()
	return g.next.CreateHold(ctx, amount, key)
}

func (g *Instrumented) Transfer(ctx context.Context, destination string, amount int64, key string) (ref string, err error) {
	done := metrics.StartGatewayTimer(opTransfer)
	defer func() { done(err) }()
	return g.next.Transfer(ctx, destination, amount, key)
}

func (g *Instrumented) Refund(ctx context.Context, holdRef string, amount int64, key string) (ref string, err error) {
	done := metrics.StartGatewayTimer(opRefund)
	defer func() { done(err) }()
	return g.next.Refund(ctx, holdRef, amount, key)
}

func (g *Instrumented) GetAccountCapability(ctx context.Context, accountID string) (c Capability, err error) {
	done := metrics.StartGatewayTimer(opGetCapability)
	defer func() { done(err) }()
	return g.next.GetAccountCapability(ctx, accountID)
}
