package controllers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/televip/televip-backend/api/responses"
	"github.com/televip/televip-backend/api/validators"
	"github.com/televip/televip-backend/internal/ledger"
	"github.com/televip/televip-backend/pkg/db/models"
	pkgerrors "github.com/televip/televip-backend/pkg/errors"
	"github.com/televip/televip-backend/pkg/logger"
)

type withdrawalService interface {
	RequestWithdrawal(ctx context.Context, input ledger.RequestWithdrawalInput) (*models.WithdrawalRequest, error)
	ProcessWithdrawal(ctx context.Context, id uuid.UUID, reviewer string) (*models.WithdrawalRequest, error)
	RejectWithdrawal(ctx context.Context, id uuid.UUID, reviewer, note string) (*models.WithdrawalRequest, error)
	GetBalance(ctx context.Context, creatorID uuid.UUID) (*ledger.BalanceSnapshot, error)
}

type requestWithdrawalBody struct {
	CreatorID   string `json:"creator_id" validate:"required,uuid"`
	Amount      string `json:"amount" validate:"required"`
	Destination string `json:"destination" validate:"required,min=3"`
}

type reviewWithdrawalBody struct {
	Reviewer string `json:"reviewer" validate:"required"`
	Note     string `json:"note" validate:"omitempty,max=500"`
}

// RequestWithdrawal records a payout request against a creator's
// balance. Funds stay on the balance until an admin processes it.
func RequestWithdrawal(svc withdrawalService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var body requestWithdrawalBody
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		creatorID, err := uuid.Parse(body.CreatorID)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "creator id must be a uuid"))
			return
		}
		amount, err := decimal.NewFromString(body.Amount)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "amount must be a decimal string"))
			return
		}

		req, err := svc.RequestWithdrawal(ctx, ledger.RequestWithdrawalInput{
			CreatorID:   creatorID,
			Amount:      amount,
			Destination: body.Destination,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, req)
	}
}

// CreatorBalance returns the creator's current balance snapshot.
func CreatorBalance(svc withdrawalService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		creatorID, err := uuid.Parse(chi.URLParam(r, "creatorID"))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "creator id must be a uuid"))
			return
		}

		snapshot, err := svc.GetBalance(ctx, creatorID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, snapshot)
	}
}

// ProcessWithdrawal settles a pending payout under row locks.
func ProcessWithdrawal(svc withdrawalService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		id, err := uuid.Parse(chi.URLParam(r, "withdrawalID"))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "withdrawal id must be a uuid"))
			return
		}
		var body reviewWithdrawalBody
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		req, err := svc.ProcessWithdrawal(ctx, id, body.Reviewer)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, req)
	}
}

// RejectWithdrawal declines a pending payout, leaving the balance
// untouched.
func RejectWithdrawal(svc withdrawalService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		id, err := uuid.Parse(chi.URLParam(r, "withdrawalID"))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "withdrawal id must be a uuid"))
			return
		}
		var body reviewWithdrawalBody
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		req, err := svc.RejectWithdrawal(ctx, id, body.Reviewer, body.Note)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, req)
	}
}
