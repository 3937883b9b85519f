package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"productshot/internal/domain"
	"productshot/internal/infra"
	"productshot/internal/infra/memdb"
	"productshot/internal/sqlinline"
)

func TestSplit(t *testing.T) {
	cases := []struct {
		name    string
		balance domain.Balance
		amount  int
		want    Deduction
		wantErr error
	}{
		{name: "subscription first", balance: domain.Balance{Subscription: 5, Purchased: 10}, amount: 8, want: Deduction{Subscription: 5, Purchased: 3}},
		{name: "subscription covers all", balance: domain.Balance{Subscription: 20, Purchased: 1}, amount: 8, want: Deduction{Subscription: 8}},
		{name: "purchased only", balance: domain.Balance{Purchased: 10}, amount: 10, want: Deduction{Purchased: 10}},
		{name: "insufficient", balance: domain.Balance{Purchased: 10}, amount: 12, wantErr: domain.ErrInsufficientCredits},
		{name: "zero amount", balance: domain.Balance{Purchased: 10}, amount: 0, wantErr: domain.ErrInvalidAmount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Split(tc.balance, tc.amount)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
			if got.Total() != tc.amount {
				t.Fatalf("total = %d, want %d", got.Total(), tc.amount)
			}
		})
	}
}

func newLedger(db *memdb.DB) *Ledger {
	return New(db, zerolog.Nop(), Options{SignupBonus: 5, FirstSubscriptionBonus: 20})
}

// chargeJob deducts cost and records a job carrying the split, the way job
// submission does.
func chargeJob(t *testing.T, db *memdb.DB, l *Ledger, userID string, cost int) (string, error) {
	t.Helper()
	jobID := uuid.NewString()
	err := db.InTx(context.Background(), func(tx infra.SQLExecutor) error {
		d, err := l.Deduct(context.Background(), tx, userID, cost)
		if err != nil {
			return err
		}
		_, err = tx.Exec(context.Background(), sqlinline.QJobInsert,
			jobID, userID, string(domain.JobTypeImageGen), []byte(`{}`), cost, d.Subscription, d.Purchased, nil, nil, 1)
		return err
	})
	return jobID, err
}

func failJob(t *testing.T, db *memdb.DB, jobID string) {
	t.Helper()
	if _, err := db.Exec(context.Background(), sqlinline.QJobMarkFailed, jobID, "provider_error", "boom"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
}

func balanceOf(t *testing.T, db *memdb.DB, userID string) domain.Balance {
	t.Helper()
	p, ok := db.Profile(userID)
	if !ok {
		t.Fatalf("profile %s missing", userID)
	}
	return p.Balance
}

func TestDeductThenRefundRestoresExactSplit(t *testing.T) {
	db := memdb.New()
	l := newLedger(db)
	userID := uuid.NewString()
	db.SeedProfile(userID, 5, 10)

	jobID, err := chargeJob(t, db, l, userID, 8)
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	if got := balanceOf(t, db, userID); got != (domain.Balance{Subscription: 0, Purchased: 7}) {
		t.Fatalf("balance after charge = %+v, want (0, 7)", got)
	}
	job, _ := db.Job(jobID)
	if job.ChargedSubscription != 5 || job.ChargedPurchased != 3 || job.CostAmount != 8 {
		t.Fatalf("job split = (%d, %d) cost %d", job.ChargedSubscription, job.ChargedPurchased, job.CostAmount)
	}

	failJob(t, db, jobID)
	res, err := l.RefundJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if !res.Refunded || res.Amount != (Deduction{Subscription: 5, Purchased: 3}) {
		t.Fatalf("refund result = %+v", res)
	}
	if got := balanceOf(t, db, userID); got != (domain.Balance{Subscription: 5, Purchased: 10}) {
		t.Fatalf("balance after refund = %+v, want (5, 10)", got)
	}

	again, err := l.RefundJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("second refund: %v", err)
	}
	if again.Refunded {
		t.Fatal("second refund reported Refunded=true")
	}
	if got := balanceOf(t, db, userID); got != (domain.Balance{Subscription: 5, Purchased: 10}) {
		t.Fatalf("balance after double refund = %+v, want (5, 10)", got)
	}
}

func TestDeductInsufficientLeavesBalanceUntouched(t *testing.T) {
	db := memdb.New()
	l := newLedger(db)
	userID := uuid.NewString()
	db.SeedProfile(userID, 0, 10)

	_, err := chargeJob(t, db, l, userID, 12)
	if !errors.Is(err, domain.ErrInsufficientCredits) {
		t.Fatalf("err = %v, want ErrInsufficientCredits", err)
	}
	if got := balanceOf(t, db, userID); got != (domain.Balance{Purchased: 10}) {
		t.Fatalf("balance = %+v, want (0, 10)", got)
	}
	if db.JobCount() != 0 {
		t.Fatalf("job count = %d, want 0", db.JobCount())
	}
	if n := len(db.Notifications(sqlinline.ChannelCreditEvents)); n != 0 {
		t.Fatalf("credit notifications = %d, want 0", n)
	}
}

func TestRefundRejectsJobsThatDidNotFail(t *testing.T) {
	db := memdb.New()
	l := newLedger(db)
	userID := uuid.NewString()
	db.SeedProfile(userID, 0, 10)

	jobID, err := chargeJob(t, db, l, userID, 4)
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	if _, err := l.RefundJob(context.Background(), jobID); !errors.Is(err, domain.ErrNotRefundable) {
		t.Fatalf("err = %v, want ErrNotRefundable", err)
	}
	if got := balanceOf(t, db, userID); got != (domain.Balance{Purchased: 6}) {
		t.Fatalf("balance = %+v, want (0, 6)", got)
	}
	if _, err := l.RefundJob(context.Background(), uuid.NewString()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown job err = %v, want ErrNotFound", err)
	}
}

func TestConcurrentDeductionsNeverOverdraw(t *testing.T) {
	db := memdb.New()
	l := newLedger(db)
	userID := uuid.NewString()
	db.SeedProfile(userID, 2, 3)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := chargeJob(t, db, l, userID, 1); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 5 {
		t.Fatalf("succeeded = %d, want 5", succeeded)
	}
	if got := balanceOf(t, db, userID); got != (domain.Balance{}) {
		t.Fatalf("balance = %+v, want zero", got)
	}
}

func TestEnsureProfileGrantsSignupBonusOnce(t *testing.T) {
	db := memdb.New()
	l := newLedger(db)
	userID := uuid.NewString()

	p, created, err := l.EnsureProfile(context.Background(), userID)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !created || p.Balance != (domain.Balance{Purchased: 5}) || !p.SignupBonusGranted {
		t.Fatalf("first ensure = %+v created=%v", p, created)
	}

	p, created, err = l.EnsureProfile(context.Background(), userID)
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if created || p.Balance.Purchased != 5 {
		t.Fatalf("second ensure = %+v created=%v", p, created)
	}
	if n := len(db.Notifications(sqlinline.ChannelCreditEvents)); n != 1 {
		t.Fatalf("credit notifications = %d, want 1", n)
	}
}

func TestGrantSubscriptionAddsFirstBonusOnce(t *testing.T) {
	db := memdb.New()
	l := newLedger(db)
	userID := uuid.NewString()
	db.SeedProfile(userID, 0, 3)

	bal, bonus, err := l.GrantSubscription(context.Background(), userID, 100, "pro")
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if !bonus || bal != (domain.Balance{Subscription: 100, Purchased: 23}) {
		t.Fatalf("first grant = %+v bonus=%v", bal, bonus)
	}

	bal, bonus, err = l.GrantSubscription(context.Background(), userID, 100, "pro")
	if err != nil {
		t.Fatalf("second grant: %v", err)
	}
	if bonus || bal != (domain.Balance{Subscription: 100, Purchased: 23}) {
		t.Fatalf("second grant = %+v bonus=%v", bal, bonus)
	}
	p, _ := db.Profile(userID)
	if !p.HasFirstSubscription || p.Plan != "pro" || p.SubscriptionStatus != "active" {
		t.Fatalf("profile = %+v", p)
	}
}

func TestGrantPurchased(t *testing.T) {
	db := memdb.New()
	l := newLedger(db)
	userID := uuid.NewString()
	db.SeedProfile(userID, 1, 2)

	bal, err := l.GrantPurchased(context.Background(), userID, 10)
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if bal != (domain.Balance{Subscription: 1, Purchased: 12}) {
		t.Fatalf("balance = %+v", bal)
	}
	if _, err := l.GrantPurchased(context.Background(), userID, 0); !errors.Is(err, domain.ErrInvalidAmount) {
		t.Fatalf("zero grant err = %v", err)
	}
	if _, err := l.GrantPurchased(context.Background(), uuid.NewString(), 3); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown user err = %v", err)
	}
	if got, err := l.Balance(context.Background(), userID); err != nil || got.Available() != 13 {
		t.Fatalf("Balance = %+v, %v", got, err)
	}
}
