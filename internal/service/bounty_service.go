package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	domainrepo "github.com/ignatzorin/bounty-escrow/internal/domain/repository"
	"github.com/ignatzorin/bounty-escrow/internal/domain/valueobject"
	"github.com/ignatzorin/bounty-escrow/internal/logger"
	"github.com/ignatzorin/bounty-escrow/internal/models"
	"github.com/ignatzorin/bounty-escrow/internal/pkg/apperror"
)

type BountyService struct {
	store         domainrepo.LedgerStore
	minHoldAmount int64
	now           func() time.Time
	log           *logrus.Entry
}

func NewBountyService(store domainrepo.LedgerStore, minHoldAmount int64) *BountyService {
	return &BountyService{
		store:         store,
		minHoldAmount: minHoldAmount,
		now:           time.Now,
		log:           logger.Component("bounty_service"),
	}
}

// CreateBounty публикует новое задание заказчика.
func (s *BountyService) CreateBounty(ctx context.Context, posterID uuid.UUID, title string, amount int64, isHonorOnly bool) (*models.Bounty, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, apperror.New(apperror.ErrCodeValidation, "название задания обязательно")
	}
	if isHonorOnly {
		if amount != 0 {
			return nil, apperror.ErrInvalidHonorAmount
		}
	} else if amount < s.minHoldAmount {
		return nil, apperror.ErrInvalidAmount
	}

	now := s.now()
	bounty := &models.Bounty{
		ID:          uuid.New(),
		Title:       title,
		Amount:      amount,
		Status:      valueobject.BountyStatusOpen,
		PosterID:    posterID,
		IsHonorOnly: isHonorOnly,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateBounty(ctx, bounty); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"bounty_id": bounty.ID,
		"poster_id": posterID,
		"amount":    amount,
	}).Info("bounty: задание создано")
	return bounty, nil
}

func (s *BountyService) GetBounty(ctx context.Context, id uuid.UUID) (*models.Bounty, error) {
	b, err := s.store.GetBounty(ctx, id)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return b, nil
}

// PaymentStatus возвращает проекцию леджера задания. Доступно участникам
// и владельцам строк леджера: после отмены исполнитель уже не назначен,
// но видит свою выплату.
func (s *BountyService) PaymentStatus(ctx context.Context, bountyID, actorID uuid.UUID) (*models.PaymentStatus, error) {
	b, err := s.GetBounty(ctx, bountyID)
	if err != nil {
		return nil, err
	}

	txns, err := s.store.ListTransactionsByBounty(ctx, bountyID)
	if err != nil {
		return nil, err
	}
	if !b.IsParticipant(actorID) && !ownsTransaction(txns, actorID) {
		return nil, apperror.ErrNotParticipant
	}

	status := &models.PaymentStatus{
		BountyID:     b.ID,
		BountyStatus: string(b.Status),
		Amount:       b.Amount,
		IsHonorOnly:  b.IsHonorOnly,
		Transactions: txns,
	}
	for _, txn := range txns {
		if txn.Type == models.TxTypeEscrow && txn.IsCompleted() {
			status.HoldConfirmed = true
		}
	}
	return status, nil
}

func ownsTransaction(txns []models.WalletTransaction, userID uuid.UUID) bool {
	for _, txn := range txns {
		if txn.UserID == userID {
			return true
		}
	}
	return false
}
