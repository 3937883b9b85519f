// Package ledger owns the two-bucket credit balance of each user. Every
// mutation locks the profile row for its read-modify-write.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"productshot/internal/domain"
	"productshot/internal/infra"
	"productshot/internal/sqlinline"
)

// Deduction is the per-bucket split of one charge. Refunds return exactly
// these amounts.
type Deduction struct {
	Subscription int `json:"subscription"`
	Purchased    int `json:"purchased"`
}

// Total is the charged amount.
func (d Deduction) Total() int {
	return d.Subscription + d.Purchased
}

// Split computes how amount is taken from b: subscription credits first,
// purchased credits for the remainder. It fails without a partial result when
// the balance cannot cover amount.
func Split(b domain.Balance, amount int) (Deduction, error) {
	if amount <= 0 {
		return Deduction{}, domain.ErrInvalidAmount
	}
	if b.Subscription < 0 || b.Purchased < 0 {
		return Deduction{}, fmt.Errorf("negative balance %+v", b)
	}
	if b.Available() < amount {
		return Deduction{}, domain.ErrInsufficientCredits
	}
	sub := min(b.Subscription, amount)
	pur := min(b.Purchased, amount-sub)
	return Deduction{Subscription: sub, Purchased: pur}, nil
}

// Apply returns the balance after d was taken from b.
func (d Deduction) Apply(b domain.Balance) domain.Balance {
	return domain.Balance{Subscription: b.Subscription - d.Subscription, Purchased: b.Purchased - d.Purchased}
}

// Restore returns the balance after d was given back to b.
func (d Deduction) Restore(b domain.Balance) domain.Balance {
	return domain.Balance{Subscription: b.Subscription + d.Subscription, Purchased: b.Purchased + d.Purchased}
}

// Options configures bonus amounts.
type Options struct {
	SignupBonus            int
	FirstSubscriptionBonus int
}

// Ledger performs balance mutations against the profiles table.
type Ledger struct {
	db     infra.TxExecutor
	logger zerolog.Logger
	opts   Options
}

func New(db infra.TxExecutor, logger zerolog.Logger, opts Options) *Ledger {
	return &Ledger{db: db, logger: infra.ComponentLogger(logger, "ledger"), opts: opts}
}

// Lock takes the profile row lock inside the caller's transaction and
// returns the current balance.
func (l *Ledger) Lock(ctx context.Context, tx infra.SQLExecutor, userID string) (domain.Balance, error) {
	bal, _, err := lockBalance(ctx, tx, userID)
	return bal, err
}

// Deduct charges amount to userID inside the caller's transaction. The
// profile stays locked until that transaction ends, so the job rows the
// caller inserts next are committed together with the charge.
func (l *Ledger) Deduct(ctx context.Context, tx infra.SQLExecutor, userID string, amount int) (Deduction, error) {
	bal, _, err := lockBalance(ctx, tx, userID)
	if err != nil {
		return Deduction{}, err
	}
	d, err := Split(bal, amount)
	if err != nil {
		return Deduction{}, err
	}
	next := d.Apply(bal)
	if err := writeBalance(ctx, tx, userID, next); err != nil {
		return Deduction{}, err
	}
	l.logger.Debug().
		Str("user_id", userID).
		Int("subscription", d.Subscription).
		Int("purchased", d.Purchased).
		Msg("ledger: deducted")
	return d, nil
}

// RefundResult reports what a refund call did.
type RefundResult struct {
	Refunded bool           `json:"refunded"`
	Amount   Deduction      `json:"amount"`
	Balance  domain.Balance `json:"balance"`
}

// Refund returns the exact split charged for a failed job inside the
// caller's transaction. Refunding an already refunded job is a no-op with
// Refunded=false.
func (l *Ledger) Refund(ctx context.Context, tx infra.SQLExecutor, jobID string) (RefundResult, error) {
	var (
		userID     string
		status     domain.JobStatus
		d          Deduction
		isRefunded bool
	)
	err := tx.QueryRow(ctx, sqlinline.QJobLockForRefund, jobID).Scan(&userID, &status, &d.Subscription, &d.Purchased, &isRefunded)
	if err != nil {
		if infra.IsNoRows(err) {
			return RefundResult{}, domain.ErrNotFound
		}
		return RefundResult{}, fmt.Errorf("lock job: %w", err)
	}
	if isRefunded {
		return RefundResult{}, nil
	}
	if status != domain.JobStatusFailed {
		return RefundResult{}, domain.ErrNotRefundable
	}

	bal, _, err := lockBalance(ctx, tx, userID)
	if err != nil {
		return RefundResult{}, err
	}
	next := d.Restore(bal)
	if err := writeBalance(ctx, tx, userID, next); err != nil {
		return RefundResult{}, err
	}
	tag, err := tx.Exec(ctx, sqlinline.QJobMarkRefunded, jobID)
	if err != nil {
		return RefundResult{}, fmt.Errorf("mark refunded: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return RefundResult{}, fmt.Errorf("mark refunded: %w", domain.ErrDuplicateOperation)
	}
	l.logger.Info().
		Str("job_id", jobID).
		Str("user_id", userID).
		Int("subscription", d.Subscription).
		Int("purchased", d.Purchased).
		Msg("ledger: refunded")
	return RefundResult{Refunded: true, Amount: d, Balance: next}, nil
}

// RefundJob runs Refund in its own transaction.
func (l *Ledger) RefundJob(ctx context.Context, jobID string) (RefundResult, error) {
	var res RefundResult
	err := l.db.InTx(ctx, func(tx infra.SQLExecutor) error {
		var err error
		res, err = l.Refund(ctx, tx, jobID)
		return err
	})
	return res, err
}

// EnsureProfile creates the profile of a new user with the signup bonus. The
// bonus is granted exactly once; later calls return the stored profile and
// created=false.
func (l *Ledger) EnsureProfile(ctx context.Context, userID string) (domain.Profile, bool, error) {
	var (
		profile domain.Profile
		created bool
	)
	err := l.db.InTx(ctx, func(tx infra.SQLExecutor) error {
		tag, err := tx.Exec(ctx, sqlinline.QProfileInsert, userID, l.opts.SignupBonus)
		if err != nil {
			return fmt.Errorf("insert profile: %w", err)
		}
		created = tag.RowsAffected() == 1
		profile, err = selectProfile(ctx, tx, userID)
		if err != nil {
			return err
		}
		if created {
			return notifyBalance(ctx, tx, userID, profile.Balance)
		}
		return nil
	})
	if err != nil {
		return domain.Profile{}, false, err
	}
	if created {
		l.logger.Info().Str("user_id", userID).Int("bonus", l.opts.SignupBonus).Msg("ledger: profile created")
	}
	return profile, created, nil
}

// GrantPurchased adds amount purchased credits after an external payment.
func (l *Ledger) GrantPurchased(ctx context.Context, userID string, amount int) (domain.Balance, error) {
	if amount <= 0 {
		return domain.Balance{}, domain.ErrInvalidAmount
	}
	var next domain.Balance
	err := l.db.InTx(ctx, func(tx infra.SQLExecutor) error {
		bal, _, err := lockBalance(ctx, tx, userID)
		if err != nil {
			return err
		}
		next = domain.Balance{Subscription: bal.Subscription, Purchased: bal.Purchased + amount}
		return writeBalance(ctx, tx, userID, next)
	})
	if err != nil {
		return domain.Balance{}, err
	}
	l.logger.Info().Str("user_id", userID).Int("amount", amount).Msg("ledger: purchased credits granted")
	return next, nil
}

// GrantSubscription sets the subscription credits for a new billing period.
// The very first subscription of a user also adds the one-time bonus to the
// purchased bucket.
func (l *Ledger) GrantSubscription(ctx context.Context, userID string, credits int, plan string) (domain.Balance, bool, error) {
	if credits < 0 {
		return domain.Balance{}, false, domain.ErrInvalidAmount
	}
	var (
		next  domain.Balance
		bonus bool
	)
	err := l.db.InTx(ctx, func(tx infra.SQLExecutor) error {
		bal, hasFirst, err := lockBalance(ctx, tx, userID)
		if err != nil {
			return err
		}
		next = domain.Balance{Subscription: credits, Purchased: bal.Purchased}
		if !hasFirst && l.opts.FirstSubscriptionBonus > 0 {
			next.Purchased += l.opts.FirstSubscriptionBonus
			bonus = true
		}
		if _, err := tx.Exec(ctx, sqlinline.QProfileStartSubscription, userID, next.Subscription, next.Purchased, plan); err != nil {
			return fmt.Errorf("start subscription: %w", err)
		}
		return notifyBalance(ctx, tx, userID, next)
	})
	if err != nil {
		return domain.Balance{}, false, err
	}
	l.logger.Info().Str("user_id", userID).Int("credits", credits).Bool("first_bonus", bonus).Msg("ledger: subscription granted")
	return next, bonus, nil
}

// Balance reads the current balance of userID.
func (l *Ledger) Balance(ctx context.Context, userID string) (domain.Balance, error) {
	p, err := selectProfile(ctx, l.db, userID)
	if err != nil {
		return domain.Balance{}, err
	}
	return p.Balance, nil
}

// Profile reads the current ledger row without locking it.
func (l *Ledger) Profile(ctx context.Context, userID string) (domain.Profile, error) {
	return selectProfile(ctx, l.db, userID)
}

func selectProfile(ctx context.Context, q infra.SQLExecutor, userID string) (domain.Profile, error) {
	var p domain.Profile
	err := q.QueryRow(ctx, sqlinline.QProfileSelect, userID).Scan(
		&p.UserID,
		&p.Balance.Subscription,
		&p.Balance.Purchased,
		&p.HasFirstSubscription,
		&p.SignupBonusGranted,
		&p.Plan,
		&p.SubscriptionStatus,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if infra.IsNoRows(err) {
			return domain.Profile{}, domain.ErrNotFound
		}
		return domain.Profile{}, fmt.Errorf("select profile: %w", err)
	}
	return p, nil
}

func lockBalance(ctx context.Context, tx infra.SQLExecutor, userID string) (domain.Balance, bool, error) {
	var (
		bal      domain.Balance
		hasFirst bool
	)
	if err := tx.QueryRow(ctx, sqlinline.QProfileLock, userID).Scan(&bal.Subscription, &bal.Purchased, &hasFirst); err != nil {
		if infra.IsNoRows(err) {
			return domain.Balance{}, false, domain.ErrNotFound
		}
		return domain.Balance{}, false, fmt.Errorf("lock profile: %w", err)
	}
	return bal, hasFirst, nil
}

func writeBalance(ctx context.Context, tx infra.SQLExecutor, userID string, bal domain.Balance) error {
	if bal.Subscription < 0 || bal.Purchased < 0 {
		return fmt.Errorf("refusing negative balance %+v", bal)
	}
	if _, err := tx.Exec(ctx, sqlinline.QProfileSetBalance, userID, bal.Subscription, bal.Purchased); err != nil {
		return fmt.Errorf("write balance: %w", err)
	}
	return notifyBalance(ctx, tx, userID, bal)
}

func notifyBalance(ctx context.Context, tx infra.SQLExecutor, userID string, bal domain.Balance) error {
	payload, err := json.Marshal(domain.NewBalanceEvent(userID, bal))
	if err != nil {
		return fmt.Errorf("encode balance event: %w", err)
	}
	if _, err := tx.Exec(ctx, sqlinline.QNotify, sqlinline.ChannelCreditEvents, string(payload)); err != nil {
		return fmt.Errorf("notify balance: %w", err)
	}
	return nil
}
