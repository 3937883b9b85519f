// Command credits inspects and adjusts user credit balances from an
// operator shell. Every change goes through the ledger, so listeners on the
// credit events channel see it.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"productshot/internal/domain"
	"productshot/internal/infra"
	"productshot/internal/ledger"
)

const usage = `usage: credits <command> [flags]

commands:
  balance             -user ID
  ensure              -user ID [-bonus N]
  grant-purchased     -user ID -amount N
  grant-subscription  -user ID -credits N [-plan NAME] [-first-bonus N]
  refund              -job ID`

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		exitWithError(errors.New(usage))
	}
	cmd, args := os.Args[1], os.Args[2:]

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	var (
		userFlag       = fs.String("user", "", "user ID (UUID)")
		jobFlag        = fs.String("job", "", "job ID (UUID)")
		amountFlag     = fs.Int("amount", 0, "purchased credits to add")
		creditsFlag    = fs.Int("credits", 0, "subscription credits for the new period")
		planFlag       = fs.String("plan", "pro", "plan name recorded on the profile")
		bonusFlag      = fs.Int("bonus", 5, "signup bonus for a new profile")
		firstBonusFlag = fs.Int("first-bonus", 20, "one-time bonus on the first subscription")
	)
	_ = fs.Parse(args)

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		exitWithError(errors.New("DATABASE_URL is required"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		exitWithError(fmt.Errorf("failed to connect database: %w", err))
	}
	defer pool.Close()

	logger := infra.NewLogger("cli").With().Str("cmd", "credits").Logger()
	l := ledger.New(infra.NewSQLRunner(pool, logger), logger, ledger.Options{
		SignupBonus:            *bonusFlag,
		FirstSubscriptionBonus: *firstBonusFlag,
	})

	switch cmd {
	case "balance":
		userID := requireID("user", *userFlag)
		p, err := l.Profile(ctx, userID)
		if err != nil {
			exitWithError(fmt.Errorf("load profile: %w", err))
		}
		printJSON(map[string]any{
			"balance": domain.NewBalanceEvent(userID, p.Balance),
			"plan":    p.Plan,
		})
	case "ensure":
		userID := requireID("user", *userFlag)
		p, created, err := l.EnsureProfile(ctx, userID)
		if err != nil {
			exitWithError(fmt.Errorf("ensure profile: %w", err))
		}
		printJSON(map[string]any{
			"balance": domain.NewBalanceEvent(userID, p.Balance),
			"created": created,
		})
	case "grant-purchased":
		userID := requireID("user", *userFlag)
		bal, err := l.GrantPurchased(ctx, userID, *amountFlag)
		if err != nil {
			exitWithError(fmt.Errorf("grant purchased credits: %w", err))
		}
		printJSON(domain.NewBalanceEvent(userID, bal))
	case "grant-subscription":
		userID := requireID("user", *userFlag)
		bal, bonus, err := l.GrantSubscription(ctx, userID, *creditsFlag, strings.ToLower(strings.TrimSpace(*planFlag)))
		if err != nil {
			exitWithError(fmt.Errorf("grant subscription: %w", err))
		}
		printJSON(map[string]any{
			"balance":     domain.NewBalanceEvent(userID, bal),
			"first_bonus": bonus,
		})
	case "refund":
		jobID := requireID("job", *jobFlag)
		res, err := l.RefundJob(ctx, jobID)
		if err != nil {
			exitWithError(fmt.Errorf("refund job: %w", err))
		}
		printJSON(res)
	default:
		exitWithError(fmt.Errorf("unknown command %q\n\n%s", cmd, usage))
	}
}

func requireID(name, raw string) string {
	id := strings.TrimSpace(raw)
	if _, err := uuid.Parse(id); err != nil {
		exitWithError(fmt.Errorf("-%s must be a UUID", name))
	}
	return id
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
