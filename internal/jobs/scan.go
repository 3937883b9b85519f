package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"productshot/internal/domain"
	"productshot/internal/infra"
	"productshot/internal/sqlinline"
)

// Scanner is satisfied by pgx.Row and pgx.Rows.
type Scanner interface {
	Scan(dest ...any) error
}

// ScanJob reads one row selected with the job column list.
func ScanJob(row Scanner) (domain.Job, error) {
	var j domain.Job
	err := row.Scan(
		&j.ID,
		&j.UserID,
		&j.Type,
		&j.Status,
		&j.Payload,
		&j.ResultURL,
		&j.ResultData,
		&j.ErrorCode,
		&j.ErrorMessage,
		&j.CostAmount,
		&j.ChargedSubscription,
		&j.ChargedPurchased,
		&j.IsRefunded,
		&j.TraceID,
		&j.ClientJobID,
		&j.FEAttempt,
		&j.BERetry,
		&j.CreatedAt,
		&j.UpdatedAt,
	)
	if err != nil {
		if infra.IsNoRows(err) {
			return domain.Job{}, domain.ErrNotFound
		}
		return domain.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return j, nil
}

// NotifySnapshot publishes the current state of jobID on the job events
// channel. Called inside the transaction that changed the job, so listeners
// only hear about committed changes. The notified copy leaves out
// result_data to stay under the notification payload limit; readers fetch
// the job for it.
func NotifySnapshot(ctx context.Context, tx infra.SQLExecutor, jobID string) (domain.JobSnapshot, error) {
	job, err := ScanJob(tx.QueryRow(ctx, sqlinline.QJobSelectByID, jobID))
	if err != nil {
		return domain.JobSnapshot{}, err
	}
	snap := job.Snapshot()
	notified := snap
	notified.ResultData = nil
	payload, err := json.Marshal(notified)
	if err != nil {
		return domain.JobSnapshot{}, fmt.Errorf("encode job snapshot: %w", err)
	}
	if _, err := tx.Exec(ctx, sqlinline.QNotify, sqlinline.ChannelJobEvents, string(payload)); err != nil {
		return domain.JobSnapshot{}, fmt.Errorf("notify job: %w", err)
	}
	return snap, nil
}
