package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ignatzorin/bounty-escrow/internal/dto"
	"github.com/ignatzorin/bounty-escrow/internal/http/handlers/common"
	"github.com/ignatzorin/bounty-escrow/internal/service"
)

// BountyHandler обслуживает жизненный цикл задания и его платежей.
// Идентификатор пользователя всегда берётся из токена.
type BountyHandler struct {
	bounties *service.BountyService
	escrow   *service.EscrowService
	release  *service.ReleaseService
	refund   *service.RefundService
}

func NewBountyHandler(
	bounties *service.BountyService,
	escrow *service.EscrowService,
	release *service.ReleaseService,
	refund *service.RefundService,
) *BountyHandler {
	return &BountyHandler{
		bounties: bounties,
		escrow:   escrow,
		release:  release,
		refund:   refund,
	}
}

// Create POST /api/bounties
func (h *BountyHandler) Create(c *gin.Context) {
	userID, err := common.CurrentUserID(c)
	if err != nil {
		common.RespondUnauthorized(c, "")
		return
	}

	var req dto.CreateBountyRequest
	if err := common.BindAndValidate(c, &req); err != nil {
		common.Fail(c, err)
		return
	}

	bounty, err := h.bounties.CreateBounty(c.Request.Context(), userID, req.Title, req.Amount, req.IsHonorOnly)
	if err != nil {
		common.Fail(c, err)
		return
	}

	common.RespondJSON(c, http.StatusCreated, bounty)
}

// Get GET /api/bounties/:id
func (h *BountyHandler) Get(c *gin.Context) {
	bountyID, err := common.ParseUUIDParam(c, "id")
	if err != nil {
		common.RespondBadRequest(c, err.Error())
		return
	}

	bounty, err := h.bounties.GetBounty(c.Request.Context(), bountyID)
	if err != nil {
		common.Fail(c, err)
		return
	}

	common.RespondJSON(c, http.StatusOK, bounty)
}

// Accept POST /api/bounties/:id/accept
func (h *BountyHandler) Accept(c *gin.Context) {
	userID, bountyID, ok := actorAndBounty(c)
	if !ok {
		return
	}

	res, err := h.escrow.AcceptBounty(c.Request.Context(), bountyID, userID)
	if err != nil {
		common.Fail(c, err)
		return
	}

	common.RespondJSON(c, http.StatusOK, dto.StatusResponse{BountyID: res.BountyID, Status: res.Status})
}

// Complete POST /api/bounties/:id/complete
func (h *BountyHandler) Complete(c *gin.Context) {
	userID, bountyID, ok := actorAndBounty(c)
	if !ok {
		return
	}

	res, err := h.release.CompleteBounty(c.Request.Context(), bountyID, userID)
	if err != nil {
		common.Fail(c, err)
		return
	}

	common.RespondJSON(c, http.StatusOK, res)
}

// Cancel POST /api/bounties/:id/cancel
func (h *BountyHandler) Cancel(c *gin.Context) {
	userID, bountyID, ok := actorAndBounty(c)
	if !ok {
		return
	}

	var req dto.CancelBountyRequest
	if err := common.BindAndValidate(c, &req); err != nil {
		common.Fail(c, err)
		return
	}

	res, err := h.refund.CancelBounty(c.Request.Context(), bountyID, userID, req.Reason, req.RefundPercentage)
	if err != nil {
		common.Fail(c, err)
		return
	}

	common.RespondJSON(c, http.StatusOK, dto.CancelResponse{RefundID: res.RefundID, Amount: res.Amount, Status: res.Status})
}

// RequestCancellation POST /api/bounties/:id/cancellation-request
func (h *BountyHandler) RequestCancellation(c *gin.Context) {
	userID, bountyID, ok := actorAndBounty(c)
	if !ok {
		return
	}

	var req dto.CancellationRequest
	if err := common.BindAndValidate(c, &req); err != nil {
		common.Fail(c, err)
		return
	}

	bounty, err := h.refund.RequestCancellation(c.Request.Context(), bountyID, userID, req.Reason, req.RefundPercentage)
	if err != nil {
		common.Fail(c, err)
		return
	}

	common.RespondJSON(c, http.StatusOK, bounty)
}

// RejectCancellation POST /api/bounties/:id/cancellation-request/reject
func (h *BountyHandler) RejectCancellation(c *gin.Context) {
	userID, bountyID, ok := actorAndBounty(c)
	if !ok {
		return
	}

	bounty, err := h.refund.RejectCancellation(c.Request.Context(), bountyID, userID)
	if err != nil {
		common.Fail(c, err)
		return
	}

	common.RespondJSON(c, http.StatusOK, bounty)
}

// PaymentStatus GET /api/bounties/:id/payment-status
func (h *BountyHandler) PaymentStatus(c *gin.Context) {
	userID, bountyID, ok := actorAndBounty(c)
	if !ok {
		return
	}

	status, err := h.bounties.PaymentStatus(c.Request.Context(), bountyID, userID)
	if err != nil {
		common.Fail(c, err)
		return
	}

	common.RespondJSON(c, http.StatusOK, status)
}

// actorAndBounty отвечает клиенту сам, если вернул false.
func actorAndBounty(c *gin.Context) (userID, bountyID uuid.UUID, ok bool) {
	uid, err := common.CurrentUserID(c)
	if err != nil {
		common.RespondUnauthorized(c, "")
		return userID, bountyID, false
	}
	bid, err := common.ParseUUIDParam(c, "id")
	if err != nil {
		common.RespondBadRequest(c, err.Error())
		return userID, bountyID, false
	}
	return uid, bid, true
}
