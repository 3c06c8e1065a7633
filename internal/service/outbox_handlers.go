package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignatzorin/bounty-escrow/internal/models"
	"github.com/ignatzorin/bounty-escrow/internal/relay"
)

// eventPayload - payload события, привязанный к заданию.
type eventPayload interface {
	models.EscrowHoldPayload | models.ReleasePayload | models.RefundPayload
}

// decodePayload разбирает payload события. Нечитаемый payload и
// несовпадение задания считаются фатальными.
func decodePayload[T eventPayload](ev *models.OutboxEvent) (T, error) {
	var p T
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return p, relay.Fatal(fmt.Errorf("payload события %s: %w", ev.ID, err))
	}
	if bountyID := payloadBountyID(any(p)); bountyID != ev.BountyID {
		return p, relay.Fatal(fmt.Errorf("событие %s: задание в payload %s не совпадает с %s", ev.ID, bountyID, ev.BountyID))
	}
	return p, nil
}

func payloadBountyID(p any) uuid.UUID {
	switch v := p.(type) {
	case models.EscrowHoldPayload:
		return v.BountyID
	case models.ReleasePayload:
		return v.BountyID
	case models.RefundPayload:
		return v.BountyID
	}
	return uuid.Nil
}

// eventHandler адаптирует пару методов сервиса к relay.Handler.
type eventHandler struct {
	handle func(ctx context.Context, ev *models.OutboxEvent) error
	fail   func(ctx context.Context, ev *models.OutboxEvent, cause error) error
}

func (h eventHandler) Handle(ctx context.Context, ev *models.OutboxEvent) error {
	return h.handle(ctx, ev)
}

func (h eventHandler) Fail(ctx context.Context, ev *models.OutboxEvent, cause error) error {
	return h.fail(ctx, ev, cause)
}

// RegisterHandlers подключает обработчики платёжных событий к релею.
func RegisterHandlers(r *relay.Relay, escrow *EscrowService, release *ReleaseService, refund *RefundService) {
	r.Register(models.EventTypeEscrowHold, eventHandler{handle: escrow.HandleEscrowHold, fail: escrow.FailEscrowHold})
	r.Register(models.EventTypeCompletionRelease, eventHandler{handle: release.HandleRelease, fail: release.FailRelease})
	r.Register(models.EventTypeRefund, eventHandler{handle: refund.HandleRefund, fail: refund.FailRefund})
}
