package escrow

import (
	"context"
	"errors"
	"time"

	"mythra-settlement/pkg/db/option"
	"mythra-settlement/pkg/errutil"
	"mythra-settlement/pkg/safemath"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Domain failure kinds surfaced by the escrow ledger.
const (
	ReasonInsufficientEscrowBalance = "InsufficientEscrowBalance"
	ReasonEscrowAccountNotFound     = "EscrowAccountNotFound"
	ReasonArithmeticOverflow        = "ArithmeticOverflow"
)

// Ledger is the fund-movement primitive shared by the whole engine. Every
// mutation runs inside the caller's transaction so the balance change and
// the caller's record updates commit or roll back together.
type Ledger struct {
	node *snowflake.Node
}

type LedgerParams struct {
	fx.In
	Node *snowflake.Node
}

func NewLedger(p LedgerParams) *Ledger {
	return &Ledger{node: p.Node}
}

// Open creates the escrow account for a campaign with a zero balance.
func (l *Ledger) Open(tx *gorm.DB, campaignID string) error {
	now := time.Now()
	return tx.Create(&Account{
		CampaignID: campaignID,
		Balance:    0,
		CreatedAt:  now,
		UpdatedAt:  now,
	}).Error
}

// Deposit credits the campaign escrow and appends a chained entry.
func (l *Ledger) Deposit(ctx context.Context, tx *gorm.DB, campaignID, from, reference string, amount int64) error {
	account, err := l.lockAccount(ctx, tx, campaignID)
	if err != nil {
		return err
	}

	balance, err := safemath.CheckedAdd(account.Balance, amount)
	if err != nil {
		return errutil.UnprocessableEntity("escrow balance overflow",
			errutil.WithReason(ReasonArithmeticOverflow), errutil.WithErr(err))
	}

	if err := l.appendEntry(ctx, tx, account, DirectionDeposit, from, reference, amount); err != nil {
		return err
	}

	return l.updateBalance(ctx, tx, account, balance)
}

// Withdraw debits the campaign escrow, failing when the requested amount
// exceeds the tracked balance.
func (l *Ledger) Withdraw(ctx context.Context, tx *gorm.DB, campaignID, to, reference string, amount int64) error {
	account, err := l.lockAccount(ctx, tx, campaignID)
	if err != nil {
		return err
	}

	balance, err := safemath.CheckedSub(account.Balance, amount)
	if err != nil {
		return errutil.UnprocessableEntity("withdrawal exceeds escrow balance",
			errutil.WithReason(ReasonInsufficientEscrowBalance))
	}

	if err := l.appendEntry(ctx, tx, account, DirectionWithdrawal, to, reference, amount); err != nil {
		return err
	}

	return l.updateBalance(ctx, tx, account, balance)
}

// Balance returns the tracked escrow balance. Snapshot read, no lock.
func (l *Ledger) Balance(ctx context.Context, db *gorm.DB, campaignID string) (int64, error) {
	var account Account
	if err := db.WithContext(ctx).
		Where("campaign_id = ?", campaignID).
		First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, errutil.NotFound("escrow account not found",
				errutil.WithReason(ReasonEscrowAccountNotFound))
		}
		return 0, err
	}
	return account.Balance, nil
}

// Entries lists the movement history for a campaign, oldest first.
func (l *Ledger) Entries(ctx context.Context, db *gorm.DB, campaignID string) ([]Entry, error) {
	var entries []Entry
	if err := db.WithContext(ctx).
		Where("campaign_id = ?", campaignID).
		Order("id ASC").
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// VerifyChain recomputes the hash chain for a campaign's escrow history.
func (l *Ledger) VerifyChain(ctx context.Context, db *gorm.DB, campaignID string) (bool, error) {
	entries, err := l.Entries(ctx, db, campaignID)
	if err != nil {
		return false, err
	}

	var lastHash string
	for i := range entries {
		entry := &entries[i]
		if entry.Hash != entry.GenerateHash() || entry.PreviousHash != lastHash {
			return false, nil
		}
		lastHash = entry.Hash
	}

	return true, nil
}

func (l *Ledger) lockAccount(ctx context.Context, tx *gorm.DB, campaignID string) (*Account, error) {
	var account Account
	if err := tx.WithContext(ctx).
		Scopes(option.LockingUpdate).
		Where("campaign_id = ?", campaignID).
		First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("escrow account not found",
				errutil.WithReason(ReasonEscrowAccountNotFound))
		}
		return nil, err
	}
	return &account, nil
}

func (l *Ledger) appendEntry(ctx context.Context, tx *gorm.DB, account *Account, direction, counterparty, reference string, amount int64) error {
	var previousHash string
	var last Entry
	err := tx.WithContext(ctx).
		Where("campaign_id = ?", account.CampaignID).
		Order("id DESC").
		First(&last).Error
	switch {
	case err == nil:
		previousHash = last.Hash
	case errors.Is(err, gorm.ErrRecordNotFound):
		// genesis entry for this campaign
	default:
		return err
	}

	transactionID, err := GenerateTransactionID()
	if err != nil {
		zap.L().Error("failed to generate transaction id", zap.Error(err))
		return err
	}

	entry := &Entry{
		ID:            l.node.Generate().String(),
		CampaignID:    account.CampaignID,
		Direction:     direction,
		Amount:        amount,
		Counterparty:  counterparty,
		Reference:     reference,
		TransactionID: transactionID,
		PreviousHash:  previousHash,
		CreatedAt:     time.Now(),
	}
	entry.Hash = entry.GenerateHash()

	return tx.WithContext(ctx).Create(entry).Error
}

func (l *Ledger) updateBalance(ctx context.Context, tx *gorm.DB, account *Account, balance int64) error {
	return tx.WithContext(ctx).
		Model(&Account{}).
		Where("campaign_id = ?", account.CampaignID).
		Updates(map[string]any{
			"balance":    balance,
			"updated_at": time.Now(),
		}).Error
}
