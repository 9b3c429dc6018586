package ledger

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/televip/televip-backend/pkg/db/models"
	"github.com/televip/televip-backend/pkg/enums"
)

// Repository manages persistence for creator balances and withdrawal
// requests.
type Repository interface {
	WithTx(tx *gorm.DB) Repository

	FindCreatorByID(ctx context.Context, creatorID uuid.UUID) (*models.Creator, error)
	FindCreatorForUpdate(ctx context.Context, creatorID uuid.UUID) (*models.Creator, error)
	UpdateCreator(ctx context.Context, creator *models.Creator) error

	FindWithdrawalByID(ctx context.Context, id uuid.UUID) (*models.WithdrawalRequest, error)
	FindWithdrawalForUpdate(ctx context.Context, id uuid.UUID) (*models.WithdrawalRequest, error)
	CreateWithdrawal(ctx context.Context, req *models.WithdrawalRequest) error
	UpdateWithdrawal(ctx context.Context, req *models.WithdrawalRequest) error
	ListWithdrawalsByStatus(ctx context.Context, status enums.WithdrawalStatus, limit int) ([]models.WithdrawalRequest, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a ledger repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) FindCreatorByID(ctx context.Context, creatorID uuid.UUID) (*models.Creator, error) {
	if creatorID == uuid.Nil {
		return nil, nil
	}
	var creator models.Creator
	if err := r.db.WithContext(ctx).
		Where("id = ?", creatorID).
		First(&creator).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &creator, nil
}

// FindCreatorForUpdate loads the creator row under FOR UPDATE so
// concurrent balance mutations serialize. Call inside a transaction.
func (r *repository) FindCreatorForUpdate(ctx context.Context, creatorID uuid.UUID) (*models.Creator, error) {
	if creatorID == uuid.Nil {
		return nil, nil
	}
	var creator models.Creator
	if err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", creatorID).
		First(&creator).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &creator, nil
}

func (r *repository) UpdateCreator(ctx context.Context, creator *models.Creator) error {
	return r.db.WithContext(ctx).Save(creator).Error
}

func (r *repository) FindWithdrawalByID(ctx context.Context, id uuid.UUID) (*models.WithdrawalRequest, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var req models.WithdrawalRequest
	if err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&req).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &req, nil
}

// FindWithdrawalForUpdate locks the withdrawal row so two admins cannot
// approve the same request twice. Call inside a transaction.
func (r *repository) FindWithdrawalForUpdate(ctx context.Context, id uuid.UUID) (*models.WithdrawalRequest, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var req models.WithdrawalRequest
	if err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&req).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &req, nil
}

func (r *repository) CreateWithdrawal(ctx context.Context, req *models.WithdrawalRequest) error {
	return r.db.WithContext(ctx).Create(req).Error
}

func (r *repository) UpdateWithdrawal(ctx context.Context, req *models.WithdrawalRequest) error {
	return r.db.WithContext(ctx).Save(req).Error
}

func (r *repository) ListWithdrawalsByStatus(ctx context.Context, status enums.WithdrawalStatus, limit int) ([]models.WithdrawalRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	var reqs []models.WithdrawalRequest
	if err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Limit(limit).
		Find(&reqs).Error; err != nil {
		return nil, err
	}
	return reqs, nil
}
