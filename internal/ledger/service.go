package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/televip/televip-backend/pkg/config"
	"github.com/televip/televip-backend/pkg/db/models"
	"github.com/televip/televip-backend/pkg/enums"
	pkgerrors "github.com/televip/televip-backend/pkg/errors"
	"github.com/televip/televip-backend/pkg/logger"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service defines the creator balance and withdrawal surface.
type Service interface {
	RequestWithdrawal(ctx context.Context, input RequestWithdrawalInput) (*models.WithdrawalRequest, error)
	ProcessWithdrawal(ctx context.Context, id uuid.UUID, reviewer string) (*models.WithdrawalRequest, error)
	RejectWithdrawal(ctx context.Context, id uuid.UUID, reviewer, note string) (*models.WithdrawalRequest, error)
	GetBalance(ctx context.Context, creatorID uuid.UUID) (*BalanceSnapshot, error)
}

// ServiceParams groups dependencies for the ledger service.
type ServiceParams struct {
	Repo              Repository
	TransactionRunner txRunner
	Logger            *logger.Logger
	Withdrawals       config.WithdrawalsConfig
}

// RequestWithdrawalInput captures a creator's payout request.
type RequestWithdrawalInput struct {
	CreatorID   uuid.UUID
	Amount      decimal.Decimal
	Destination string
}

// BalanceSnapshot is the read model for a creator's earnings.
type BalanceSnapshot struct {
	CreatorID   uuid.UUID
	Balance     decimal.Decimal
	TotalEarned decimal.Decimal
}

type service struct {
	repo      Repository
	txRunner  txRunner
	logg      *logger.Logger
	minAmount decimal.Decimal
}

// NewService builds a ledger service with the required dependencies.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("ledger repo required")
	}
	if params.TransactionRunner == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	minAmount, err := decimal.NewFromString(params.Withdrawals.MinAmount)
	if err != nil {
		return nil, fmt.Errorf("parsing min withdrawal amount %q: %w", params.Withdrawals.MinAmount, err)
	}
	return &service{
		repo:      params.Repo,
		txRunner:  params.TransactionRunner,
		logg:      params.Logger,
		minAmount: minAmount,
	}, nil
}

// RequestWithdrawal records a pending payout request. The balance is
// only reserved at approval time, so the check here is advisory.
func (s *service) RequestWithdrawal(ctx context.Context, input RequestWithdrawalInput) (*models.WithdrawalRequest, error) {
	if input.CreatorID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "creator id is required")
	}
	if strings.TrimSpace(input.Destination) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "destination is required")
	}
	if input.Amount.LessThan(s.minAmount) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation,
			fmt.Sprintf("withdrawal amount must be at least %s", s.minAmount.StringFixed(2)))
	}

	var created *models.WithdrawalRequest
	err := s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		txRepo := s.repo.WithTx(tx)

		creator, err := txRepo.FindCreatorForUpdate(ctx, input.CreatorID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load creator")
		}
		if creator == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "creator not found")
		}
		if creator.Balance.LessThan(input.Amount) {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "insufficient balance")
		}

		req := &models.WithdrawalRequest{
			CreatorID:   input.CreatorID,
			Amount:      input.Amount,
			Status:      enums.WithdrawalStatusPending,
			Destination: strings.TrimSpace(input.Destination),
		}
		if err := txRepo.CreateWithdrawal(ctx, req); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create withdrawal request")
		}
		created = req
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// ProcessWithdrawal approves a pending request and debits the creator's
// balance. Both rows are locked so a double approval or a concurrent
// credit cannot overdraw the balance.
func (s *service) ProcessWithdrawal(ctx context.Context, id uuid.UUID, reviewer string) (*models.WithdrawalRequest, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "withdrawal id is required")
	}

	var processed *models.WithdrawalRequest
	err := s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		txRepo := s.repo.WithTx(tx)

		req, err := txRepo.FindWithdrawalForUpdate(ctx, id)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load withdrawal request")
		}
		if req == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "withdrawal request not found")
		}
		if req.Status != enums.WithdrawalStatusPending {
			return pkgerrors.New(pkgerrors.CodeStateConflict,
				fmt.Sprintf("withdrawal request is %s, not pending", req.Status))
		}

		creator, err := txRepo.FindCreatorForUpdate(ctx, req.CreatorID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load creator")
		}
		if creator == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "creator not found")
		}
		// Re-validate under the lock: the balance seen at request time
		// may have been spent since.
		if creator.Balance.LessThan(req.Amount) {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "insufficient balance")
		}

		creator.Balance = creator.Balance.Sub(req.Amount)
		if err := txRepo.UpdateCreator(ctx, creator); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "debit creator balance")
		}

		now := time.Now().UTC()
		req.Status = enums.WithdrawalStatusCompleted
		req.ReviewedBy = &reviewer
		req.ReviewedAt = &now
		if err := txRepo.UpdateWithdrawal(ctx, req); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update withdrawal request")
		}

		processed = req
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.logg != nil {
		s.logg.Info(s.logg.WithFields(ctx, map[string]any{
			"withdrawal_id": processed.ID.String(),
			"creator_id":    processed.CreatorID.String(),
			"amount":        processed.Amount.StringFixed(2),
		}), "withdrawal processed")
	}
	return processed, nil
}

// RejectWithdrawal declines a pending request. The balance is untouched.
func (s *service) RejectWithdrawal(ctx context.Context, id uuid.UUID, reviewer, note string) (*models.WithdrawalRequest, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "withdrawal id is required")
	}

	var rejected *models.WithdrawalRequest
	err := s.txRunner.WithTx(ctx, func(tx *gorm.DB) error {
		txRepo := s.repo.WithTx(tx)

		req, err := txRepo.FindWithdrawalForUpdate(ctx, id)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load withdrawal request")
		}
		if req == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "withdrawal request not found")
		}
		if req.Status != enums.WithdrawalStatusPending {
			return pkgerrors.New(pkgerrors.CodeStateConflict,
				fmt.Sprintf("withdrawal request is %s, not pending", req.Status))
		}

		now := time.Now().UTC()
		req.Status = enums.WithdrawalStatusRejected
		req.ReviewedBy = &reviewer
		req.ReviewedAt = &now
		if note != "" {
			req.Note = &note
		}
		if err := txRepo.UpdateWithdrawal(ctx, req); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update withdrawal request")
		}

		rejected = req
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rejected, nil
}

func (s *service) GetBalance(ctx context.Context, creatorID uuid.UUID) (*BalanceSnapshot, error) {
	if creatorID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "creator id is required")
	}

	creator, err := s.repo.FindCreatorByID(ctx, creatorID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load creator")
	}
	if creator == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "creator not found")
	}
	return &BalanceSnapshot{
		CreatorID:   creator.ID,
		Balance:     creator.Balance,
		TotalEarned: creator.TotalEarned,
	}, nil
}
