package handlers

import (
	"net/http"

	"productshot/internal/domain"
)

type profileResponse struct {
	domain.BalanceEvent
	Plan    string `json:"plan,omitempty"`
	Created bool   `json:"created"`
}

// EnsureProfile bootstraps the caller's ledger row. The signup bonus is
// granted on the first call only; later calls answer 200 with the stored
// balance.
func (a *App) EnsureProfile(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	profile, created, err := a.Ledger.EnsureProfile(r.Context(), userID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	a.json(w, code, profileResponse{
		BalanceEvent: domain.NewBalanceEvent(userID, profile.Balance),
		Plan:         profile.Plan,
		Created:      created,
	})
}

func (a *App) Credits(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	bal, err := a.Ledger.Balance(r.Context(), userID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, domain.NewBalanceEvent(userID, bal))
}

func (a *App) Pricing(w http.ResponseWriter, r *http.Request) {
	table, err := a.Prices.Table()
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{"entries": table.Entries()})
}
