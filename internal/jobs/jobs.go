// Package jobs records paid user requests. A submission charges the ledger,
// inserts the job and its task in one transaction, and nudges a worker after
// commit.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"productshot/internal/domain"
	"productshot/internal/infra"
	"productshot/internal/ledger"
	"productshot/internal/nudge"
	"productshot/internal/pricing"
	"productshot/internal/sqlinline"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// PriceSource supplies the cost table.
type PriceSource interface {
	Table() (*pricing.Table, error)
}

// SubmitRequest is one job creation call.
type SubmitRequest struct {
	UserID      string
	Type        domain.JobType
	Payload     json.RawMessage
	ClientJobID string
	TraceID     string
	FEAttempt   int
}

// SubmitResult describes the job that backs a submission. Duplicate is set
// when ClientJobID matched an earlier job and nothing was charged.
type SubmitResult struct {
	JobID     string
	Status    domain.JobStatus
	Cost      int
	Charged   ledger.Deduction
	Duplicate bool
}

// Service implements job submission and reads.
type Service struct {
	db       infra.TxExecutor
	ledger   *ledger.Ledger
	prices   PriceSource
	nudger   nudge.Nudger
	validate *validator.Validate
	logger   zerolog.Logger
}

func NewService(db infra.TxExecutor, l *ledger.Ledger, prices PriceSource, n nudge.Nudger, logger zerolog.Logger) *Service {
	if n == nil {
		n = nudge.Noop{}
	}
	return &Service{
		db:       db,
		ledger:   l,
		prices:   prices,
		nudger:   n,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   infra.ComponentLogger(logger, "jobs"),
	}
}

// Quote validates payload for typ and returns its normalized form together
// with its credit cost. Nothing is written.
func (s *Service) Quote(typ domain.JobType, payload json.RawMessage) (json.RawMessage, int, error) {
	table, err := s.prices.Table()
	if err != nil {
		return nil, 0, fmt.Errorf("load cost table: %w", err)
	}

	var (
		doc   any
		key   pricing.Key
		units = 1
	)
	switch typ {
	case domain.JobTypeAnalysis:
		var p domain.AnalysisPayload
		if err := s.decode(payload, &p); err != nil {
			return nil, 0, err
		}
		doc, key = p, pricing.Key{Model: p.Model}
	case domain.JobTypeImageGen:
		var p domain.ImageGenPayload
		if err := s.decode(payload, &p, func() {
			if p.Count == 0 {
				p.Count = 1
			}
			if p.Resolution == "" {
				p.Resolution = domain.Resolution1K
			}
		}); err != nil {
			return nil, 0, err
		}
		doc, key, units = p, pricing.Key{Model: p.Model, Turbo: p.Turbo, Resolution: p.Resolution}, p.Count
	case domain.JobTypeStyleReplicate:
		var p domain.StyleReplicatePayload
		if err := s.decode(payload, &p, func() {
			if p.Count == 0 {
				p.Count = 1
			}
			if p.Resolution == "" {
				p.Resolution = domain.Resolution1K
			}
		}); err != nil {
			return nil, 0, err
		}
		doc, key, units = p, pricing.Key{Model: p.Model, Turbo: p.Turbo, Resolution: p.Resolution}, p.Count
	default:
		return nil, 0, fmt.Errorf("%w: unknown job type %q", domain.ErrInvalidPayload, typ)
	}

	cost, err := table.Cost(key, units)
	if err != nil {
		return nil, 0, err
	}
	normalized, err := json.Marshal(doc)
	if err != nil {
		return nil, 0, fmt.Errorf("encode payload: %w", err)
	}
	return normalized, cost, nil
}

func (s *Service) decode(raw json.RawMessage, dst any, defaults ...func()) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: payload is required", domain.ErrInvalidPayload)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	for _, fn := range defaults {
		fn()
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s(%s)", strings.ToLower(fe.Field()), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", domain.ErrInvalidPayload, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	return nil
}

// Submit prices the request, then in one transaction locks the profile,
// returns an existing job for a repeated ClientJobID, charges the ledger and
// inserts the job and its queued task. Insufficient credits fail before any
// row exists.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if req.UserID == "" {
		return SubmitResult{}, domain.ErrUnauthorized
	}
	payload, cost, err := s.Quote(req.Type, req.Payload)
	if err != nil {
		return SubmitResult{}, err
	}

	jobID := uuid.NewString()
	taskID := uuid.NewString()
	clientJobID := optional(req.ClientJobID)
	traceID := optional(req.TraceID)

	var res SubmitResult
	err = s.db.InTx(ctx, func(tx infra.SQLExecutor) error {
		if _, err := s.ledger.Lock(ctx, tx, req.UserID); err != nil {
			return err
		}

		if clientJobID != nil {
			existing, found, err := findByClientID(ctx, tx, req.UserID, *clientJobID)
			if err != nil {
				return err
			}
			if found {
				res = SubmitResult{
					JobID:     existing.ID,
					Status:    existing.Status,
					Cost:      existing.CostAmount,
					Charged:   ledger.Deduction{Subscription: existing.ChargedSubscription, Purchased: existing.ChargedPurchased},
					Duplicate: true,
				}
				return nil
			}
		}

		charged, err := s.ledger.Deduct(ctx, tx, req.UserID, cost)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, sqlinline.QJobInsert,
			jobID, req.UserID, string(req.Type), payload, cost,
			charged.Subscription, charged.Purchased, traceID, clientJobID, req.FEAttempt,
		); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		if _, err := tx.Exec(ctx, sqlinline.QTaskInsert, taskID, jobID, string(req.Type), payload); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		res = SubmitResult{JobID: jobID, Status: domain.JobStatusProcessing, Cost: cost, Charged: charged}
		return nil
	})
	if err != nil {
		return SubmitResult{}, err
	}

	log := s.logger.Info().
		Str("job_id", res.JobID).
		Str("user_id", req.UserID).
		Str("type", string(req.Type)).
		Int("cost", res.Cost)
	if traceID != nil {
		log = log.Str("trace_id", *traceID)
	}
	if res.Duplicate {
		log.Msg("jobs: duplicate submission")
		return res, nil
	}
	log.Msg("jobs: submitted")

	if err := s.nudger.Nudge(ctx, res.JobID); err != nil {
		s.logger.Debug().Err(err).Str("job_id", res.JobID).Msg("jobs: nudge failed")
	}
	return res, nil
}

func findByClientID(ctx context.Context, tx infra.SQLExecutor, userID, clientJobID string) (domain.Job, bool, error) {
	var id string
	if err := tx.QueryRow(ctx, sqlinline.QJobFindByClientID, userID, clientJobID).Scan(&id); err != nil {
		if infra.IsNoRows(err) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("find job by client id: %w", err)
	}
	job, err := ScanJob(tx.QueryRow(ctx, sqlinline.QJobSelectByID, id))
	if err != nil {
		return domain.Job{}, false, err
	}
	return job, true, nil
}

// Get returns a job owned by userID.
func (s *Service) Get(ctx context.Context, userID, jobID string) (domain.Job, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return domain.Job{}, domain.ErrNotFound
	}
	return ScanJob(s.db.QueryRow(ctx, sqlinline.QJobSelectForUser, jobID, userID))
}

// Snapshot returns the observable state of any job.
func (s *Service) Snapshot(ctx context.Context, jobID string) (domain.JobSnapshot, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return domain.JobSnapshot{}, domain.ErrNotFound
	}
	job, err := ScanJob(s.db.QueryRow(ctx, sqlinline.QJobSelectByID, jobID))
	if err != nil {
		return domain.JobSnapshot{}, err
	}
	return job.Snapshot(), nil
}

// List returns the most recent jobs of userID, newest first.
func (s *Service) List(ctx context.Context, userID string, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	rows, err := s.db.Query(ctx, sqlinline.QJobListForUser, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Job, 0, limit)
	for rows.Next() {
		job, err := ScanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

// Task returns the task backing jobID.
func (s *Service) Task(ctx context.Context, jobID string) (domain.Task, error) {
	var t domain.Task
	err := s.db.QueryRow(ctx, sqlinline.QTaskSelectByJob, jobID).Scan(
		&t.ID, &t.JobID, &t.TaskType, &t.Status, &t.Attempts, &t.LockedAt,
		&t.RunAfter, &t.Payload, &t.LastError, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if infra.IsNoRows(err) {
			return domain.Task{}, domain.ErrNotFound
		}
		return domain.Task{}, fmt.Errorf("select task: %w", err)
	}
	return t, nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
