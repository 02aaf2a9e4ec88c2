// internal/domain/payment/cycle.go
package payment

import (
	"database/sql"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Cycle represents one bounded collection period for a group chat.
// Corresponds to the 'payment_cycles' table.
type Cycle struct {
	ID        string // UUID
	ChatID    int64  // Telegram group the cycle governs
	StartTime time.Time
	EndTime   time.Time // StartTime + configured cycle duration
	Closed    bool
	CreatedAt time.Time
}

// TimeRemaining reports how long the cycle has left, floored at zero.
func (c *Cycle) TimeRemaining(now time.Time) time.Duration {
	if now.After(c.EndTime) {
		return 0
	}
	return c.EndTime.Sub(now)
}

// Obligation is one member's expected payment within a cycle.
// Corresponds to the 'payment_obligations' table.
//
// Amount is assigned once when the member joins and is immutable after that.
// Paid only ever moves false -> true, and TxHash is set at the same moment,
// so Paid == true always implies TxHash.Valid.
type Obligation struct {
	CycleID   string
	UserID    int64
	Username  sql.NullString // Telegram usernames are optional
	Amount    decimal.Decimal
	Paid      bool
	TxHash    sql.NullString
	PaidAt    sql.NullTime
	CreatedAt time.Time
}

// DisplayName returns the username mention if known, otherwise a numeric tag.
func (o *Obligation) DisplayName() string {
	if o.Username.Valid && o.Username.String != "" {
		return "@" + o.Username.String
	}
	return "User " + strconv.FormatInt(o.UserID, 10)
}
