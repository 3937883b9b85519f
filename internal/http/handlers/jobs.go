package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"productshot/internal/domain"
	"productshot/internal/jobs"
	"productshot/internal/middleware"
	"productshot/internal/waiter"
	"productshot/pkg/zip"
)

const maxBodyBytes = 1 << 20

type createJobRequest struct {
	Payload     json.RawMessage `json:"payload"`
	ClientJobID string          `json:"client_job_id"`
	TraceID     string          `json:"trace_id"`
	FEAttempt   int             `json:"fe_attempt"`
}

type createJobResponse struct {
	JobID  string           `json:"job_id"`
	Status domain.JobStatus `json:"status"`
	Cost   int              `json:"cost"`
}

// jobDTO is the snapshot plus the bookkeeping fields only the owner sees.
type jobDTO struct {
	domain.JobSnapshot
	CostAmount  int       `json:"cost_amount"`
	ClientJobID string    `json:"client_job_id,omitempty"`
	TraceID     string    `json:"trace_id,omitempty"`
	BERetry     int       `json:"be_retry"`
	CreatedAt   time.Time `json:"created_at"`
	Task        *taskDTO  `json:"task,omitempty"`
}

// taskDTO shows where a job stands in the queue. Provider errors stay in
// the logs.
type taskDTO struct {
	Status   domain.TaskStatus `json:"status"`
	Attempts int               `json:"attempts"`
	RunAfter time.Time         `json:"run_after"`
}

func newJobDTO(j domain.Job) jobDTO {
	dto := jobDTO{JobSnapshot: j.Snapshot(), CostAmount: j.CostAmount, BERetry: j.BERetry, CreatedAt: j.CreatedAt}
	if j.ClientJobID != nil {
		dto.ClientJobID = *j.ClientJobID
	}
	if j.TraceID != nil {
		dto.TraceID = *j.TraceID
	}
	return dto
}

// CreateJob returns the submission handler for one job type. A replayed
// client_job_id answers 200 with the original job instead of 202.
func (a *App) CreateJob(typ domain.JobType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := a.currentUserID(r)
		if userID == "" {
			a.error(w, r, http.StatusUnauthorized, middleware.CodeUnauthorized)
			return
		}
		var req createJobRequest
		dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
		if err := dec.Decode(&req); err != nil {
			a.error(w, r, http.StatusBadRequest, middleware.CodeBadRequest)
			return
		}
		traceID := req.TraceID
		if traceID == "" {
			traceID = middleware.TraceIDFromContext(r.Context())
		}

		res, err := a.Jobs.Submit(r.Context(), jobs.SubmitRequest{
			UserID:      userID,
			Type:        typ,
			Payload:     req.Payload,
			ClientJobID: req.ClientJobID,
			TraceID:     traceID,
			FEAttempt:   req.FEAttempt,
		})
		if err != nil {
			a.fail(w, r, err)
			return
		}
		code := http.StatusAccepted
		if res.Duplicate {
			code = http.StatusOK
		}
		a.json(w, code, createJobResponse{JobID: res.JobID, Status: res.Status, Cost: res.Cost})
	}
}

func (a *App) ListJobs(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := a.Jobs.List(r.Context(), userID, limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	items := make([]jobDTO, 0, len(list))
	for _, j := range list {
		items = append(items, newJobDTO(j))
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}

// GetJob answers the job together with its queue state.
func (a *App) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.Jobs.Get(r.Context(), a.currentUserID(r), chi.URLParam(r, "job_id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	dto := newJobDTO(job)
	task, err := a.Jobs.Task(r.Context(), job.ID)
	switch {
	case err == nil:
		dto.Task = &taskDTO{Status: task.Status, Attempts: task.Attempts, RunAfter: task.RunAfter}
	case !errors.Is(err, domain.ErrNotFound):
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, dto)
}

// WaitJob blocks until the job is terminal or the timeout passes. A failed
// job is a normal outcome and answers 200; a timeout answers 202 with the
// current snapshot.
func (a *App) WaitJob(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	jobID := chi.URLParam(r, "job_id")
	timeout, err := parseTimeout(r.URL.Query().Get("timeout"), a.waitMaxTimeout())
	if err != nil {
		a.error(w, r, http.StatusBadRequest, middleware.CodeBadRequest)
		return
	}

	poller := waiter.OwnedPoller{Jobs: a.Jobs, UserID: userID}
	coord := waiter.New(waiter.HubSubscriber{Hub: a.JobHub, UserID: userID}, poller, a.waitInterval(), a.Logger)
	ctx, cancel := context.WithTimeoutCause(r.Context(), timeout, errWaitTimeout)
	defer cancel()

	snap, err := coord.Wait(ctx, jobID)
	var failed *waiter.JobFailedError
	switch {
	case err == nil:
		a.json(w, http.StatusOK, snap)
	case errors.As(err, &failed):
		a.json(w, http.StatusOK, failed.Snapshot)
	case errors.Is(err, waiter.ErrCancelled):
		if r.Context().Err() != nil {
			return
		}
		current, perr := poller.Poll(r.Context(), jobID)
		if perr != nil {
			a.fail(w, r, perr)
			return
		}
		a.json(w, http.StatusAccepted, current)
	default:
		a.fail(w, r, err)
	}
}

var errWaitTimeout = errors.New("wait timeout")

// parseTimeout accepts seconds ("25") or a duration ("1m30s"), capped at
// limit. An empty value means limit.
func parseTimeout(raw string, limit time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return limit, nil
	}
	d, err := time.ParseDuration(raw)
	if secs, aerr := strconv.Atoi(raw); aerr == nil {
		d, err = time.Duration(secs)*time.Second, nil
	}
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid timeout %q", raw)
	}
	return min(d, limit), nil
}

// JobArchive downloads a finished job as a zip: result.json plus every
// generated image held by the file store.
func (a *App) JobArchive(w http.ResponseWriter, r *http.Request) {
	job, err := a.Jobs.Get(r.Context(), a.currentUserID(r), chi.URLParam(r, "job_id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if job.Status != domain.JobStatusSuccess {
		a.error(w, r, http.StatusConflict, middleware.CodeNotReady)
		return
	}

	files := []zip.File{{Name: "result.json", Data: job.ResultData, Modified: job.UpdatedAt}}
	var res domain.ImageResult
	if job.Type != domain.JobTypeAnalysis && json.Unmarshal(job.ResultData, &res) == nil {
		for _, u := range res.Images {
			key, ok := a.Store.KeyFromURL(u)
			if !ok {
				continue
			}
			files = append(files, zip.File{
				Name:     key,
				Open:     func() (io.ReadCloser, error) { return a.Store.Open(key) },
				Modified: job.UpdatedAt,
			})
		}
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=job-%s.zip", job.ID))
	w.WriteHeader(http.StatusOK)
	if err := zip.Write(w, files); err != nil {
		a.Logger.Warn().Err(err).Str("job_id", job.ID).Msg("api: archive truncated")
	}
}
