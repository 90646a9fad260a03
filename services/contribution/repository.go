package contribution

import (
	"context"
	"errors"

	"mythra-settlement/pkg/db/option"
	"mythra-settlement/pkg/errutil"

	"gorm.io/gorm"
)

// ReasonContributionNotFound is the failure kind for a missing record.
const ReasonContributionNotFound = "ContributionNotFound"

// Repository provides contribution bookkeeping for the campaign, budget and
// distribution services.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// WithTrx returns a repository scoped to the given transaction.
func (r *Repository) WithTrx(tx *gorm.DB) *Repository {
	return &Repository{db: tx}
}

func (r *Repository) Create(ctx context.Context, c *Contribution) error {
	return r.db.WithContext(ctx).Create(c).Error
}

func (r *Repository) Save(ctx context.Context, c *Contribution) error {
	return r.db.WithContext(ctx).Save(c).Error
}

func (r *Repository) Get(ctx context.Context, campaignID, contributor string) (*Contribution, error) {
	return r.find(ctx, r.db, campaignID, contributor)
}

// GetForUpdate locks the contribution row for the duration of the
// surrounding transaction.
func (r *Repository) GetForUpdate(ctx context.Context, campaignID, contributor string) (*Contribution, error) {
	return r.find(ctx, r.db.Scopes(option.LockingUpdate), campaignID, contributor)
}

func (r *Repository) ListByCampaign(ctx context.Context, campaignID string) ([]Contribution, error) {
	var contributions []Contribution
	if err := r.db.WithContext(ctx).
		Where("campaign_id = ?", campaignID).
		Order("contributed_at ASC").
		Find(&contributions).Error; err != nil {
		return nil, err
	}
	return contributions, nil
}

// SumUnrefunded returns the total of non-refunded contribution amounts for a
// campaign. Campaign.TotalRaised must equal this sum after every operation.
func (r *Repository) SumUnrefunded(ctx context.Context, campaignID string) (int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).
		Model(&Contribution{}).
		Where("campaign_id = ? AND refunded = ?", campaignID, false).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func (r *Repository) find(ctx context.Context, db *gorm.DB, campaignID, contributor string) (*Contribution, error) {
	var c Contribution
	if err := db.WithContext(ctx).
		Where("campaign_id = ? AND contributor = ?", campaignID, contributor).
		First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("contribution not found",
				errutil.WithReason(ReasonContributionNotFound))
		}
		return nil, err
	}
	return &c, nil
}
