package handlers

import (
	"context"
	"net/http"
	"time"

	"productshot/internal/sqlinline"
)

func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	var one int
	if err := a.DB.QueryRow(ctx, sqlinline.QPing).Scan(&one); err != nil {
		a.Logger.Warn().Err(err).Msg("api: database ping failed")
		a.json(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	a.json(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Files serves generated images from the file store.
func (a *App) Files() http.Handler {
	return http.FileServer(http.Dir(a.Store.BasePath()))
}
