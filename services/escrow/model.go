package escrow

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Account mirrors the physical escrow balance of one campaign. The sum of
// sub-balances tracked in the engine never exceeds Balance.
type Account struct {
	CampaignID string    `gorm:"column:campaign_id;primaryKey"`
	Balance    int64     `gorm:"column:balance"`
	CreatedAt  time.Time `gorm:"column:created_at"`
	UpdatedAt  time.Time `gorm:"column:updated_at"`
}

func (Account) TableName() string { return "escrow_accounts" }

// Entry directions.
const (
	DirectionDeposit    = "DEPOSIT"
	DirectionWithdrawal = "WITHDRAWAL"
)

// Entry is one escrow movement. Entries for a campaign form a hash chain so
// the movement history is tamper-evident.
type Entry struct {
	ID            string    `gorm:"column:id;primaryKey"`
	CampaignID    string    `gorm:"column:campaign_id;index"`
	Direction     string    `gorm:"column:direction"`
	Amount        int64     `gorm:"column:amount"`
	Counterparty  string    `gorm:"column:counterparty"`
	Reference     string    `gorm:"column:reference"`
	TransactionID string    `gorm:"column:transaction_id"`
	PreviousHash  string    `gorm:"column:previous_hash"`
	Hash          string    `gorm:"column:hash"`
	CreatedAt     time.Time `gorm:"column:created_at"`
}

func (Entry) TableName() string { return "escrow_entries" }

func (e *Entry) HashFields() map[string]string {
	return map[string]string{
		"id":             e.ID,
		"campaign_id":    e.CampaignID,
		"direction":      e.Direction,
		"amount":         fmt.Sprintf("%d", e.Amount),
		"counterparty":   e.Counterparty,
		"reference":      e.Reference,
		"transaction_id": e.TransactionID,
		"previous_hash":  e.PreviousHash,
	}
}

func (e *Entry) GenerateHash() string {
	fields := e.HashFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// GenerateTransactionID produces a YYYYMMDD-XXXXXX settlement reference.
func GenerateTransactionID() (string, error) {
	datePart := time.Now().Format("20060102")

	r := make([]byte, 3)
	if _, err := rand.Read(r); err != nil {
		return "", err
	}
	randomPart := strings.ToUpper(fmt.Sprintf("%x", r))

	return fmt.Sprintf("%s-%s", datePart, randomPart), nil
}
