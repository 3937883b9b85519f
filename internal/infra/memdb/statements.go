package memdb

import (
	"fmt"
	"sort"
	"time"

	"productshot/internal/domain"
	"productshot/internal/sqlinline"
)

// apply executes one statement against the current state. The caller holds
// db.mu.
func (db *DB) apply(query string, args []any, pending *[]Notification) (result, error) {
	now := db.clock()

	switch query {
	case sqlinline.QPing:
		return result{verb: "SELECT", rows: [][]any{{1}}}, nil

	case sqlinline.QNotify:
		*pending = append(*pending, Notification{Channel: argString(args, 0), Payload: argString(args, 1)})
		return result{verb: "SELECT", rows: [][]any{{nil}}}, nil

	case sqlinline.QProfileInsert:
		userID := argString(args, 0)
		if _, ok := db.st.profiles[userID]; ok {
			return result{verb: "INSERT"}, nil
		}
		bonus := int(argInt(args, 1))
		if bonus < 0 {
			return result{}, ErrCheckViolation
		}
		db.st.profiles[userID] = domain.Profile{
			UserID:             userID,
			Balance:            domain.Balance{Purchased: bonus},
			SignupBonusGranted: true,
			Plan:               "free",
			SubscriptionStatus: "inactive",
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		return result{verb: "INSERT", affected: 1}, nil

	case sqlinline.QProfileSelect:
		p, ok := db.st.profiles[argString(args, 0)]
		if !ok {
			return result{verb: "SELECT"}, nil
		}
		return result{verb: "SELECT", rows: [][]any{{
			p.UserID, p.Balance.Subscription, p.Balance.Purchased, p.HasFirstSubscription,
			p.SignupBonusGranted, p.Plan, p.SubscriptionStatus, p.CreatedAt, p.UpdatedAt,
		}}}, nil

	case sqlinline.QProfileLock:
		p, ok := db.st.profiles[argString(args, 0)]
		if !ok {
			return result{verb: "SELECT"}, nil
		}
		return result{verb: "SELECT", rows: [][]any{{
			p.Balance.Subscription, p.Balance.Purchased, p.HasFirstSubscription,
		}}}, nil

	case sqlinline.QProfileSetBalance, sqlinline.QProfileStartSubscription:
		userID := argString(args, 0)
		p, ok := db.st.profiles[userID]
		if !ok {
			return result{verb: "UPDATE"}, nil
		}
		sub, pur := int(argInt(args, 1)), int(argInt(args, 2))
		if sub < 0 || pur < 0 {
			return result{}, ErrCheckViolation
		}
		p.Balance = domain.Balance{Subscription: sub, Purchased: pur}
		if query == sqlinline.QProfileStartSubscription {
			p.HasFirstSubscription = true
			p.Plan = argString(args, 3)
			p.SubscriptionStatus = "active"
		}
		p.UpdatedAt = now
		db.st.profiles[userID] = p
		return result{verb: "UPDATE", affected: 1}, nil

	case sqlinline.QJobFindByClientID:
		userID, clientID := argString(args, 0), argString(args, 1)
		for _, j := range db.st.jobs {
			if j.UserID == userID && j.ClientJobID != nil && *j.ClientJobID == clientID {
				return result{verb: "SELECT", rows: [][]any{{j.ID}}}, nil
			}
		}
		return result{verb: "SELECT"}, nil

	case sqlinline.QJobInsert:
		return db.insertJob(args, now)

	case sqlinline.QJobSelectByID:
		j, ok := db.st.jobs[argString(args, 0)]
		if !ok {
			return result{verb: "SELECT"}, nil
		}
		return result{verb: "SELECT", rows: [][]any{jobValues(j)}}, nil

	case sqlinline.QJobSelectForUser:
		j, ok := db.st.jobs[argString(args, 0)]
		if !ok || j.UserID != argString(args, 1) {
			return result{verb: "SELECT"}, nil
		}
		return result{verb: "SELECT", rows: [][]any{jobValues(j)}}, nil

	case sqlinline.QJobListForUser:
		return db.listJobs(argString(args, 0), int(argInt(args, 1))), nil

	case sqlinline.QJobLockForRefund:
		j, ok := db.st.jobs[argString(args, 0)]
		if !ok {
			return result{verb: "SELECT"}, nil
		}
		return result{verb: "SELECT", rows: [][]any{{
			j.UserID, string(j.Status), j.ChargedSubscription, j.ChargedPurchased, j.IsRefunded,
		}}}, nil

	case sqlinline.QJobMarkRefunded:
		return db.updateJob(argString(args, 0), func(j *domain.Job) bool {
			if j.IsRefunded {
				return false
			}
			j.IsRefunded = true
			return true
		}, now), nil

	case sqlinline.QJobMarkSuccess:
		return db.updateJob(argString(args, 0), func(j *domain.Job) bool {
			if j.Status != domain.JobStatusProcessing {
				return false
			}
			j.Status = domain.JobStatusSuccess
			j.ResultURL = argOptString(args, 1)
			j.ResultData = argBytes(args, 2)
			return true
		}, now), nil

	case sqlinline.QJobMarkFailed:
		return db.updateJob(argString(args, 0), func(j *domain.Job) bool {
			if j.Status != domain.JobStatusProcessing {
				return false
			}
			j.Status = domain.JobStatusFailed
			j.ErrorCode = argOptString(args, 1)
			j.ErrorMessage = argOptString(args, 2)
			return true
		}, now), nil

	case sqlinline.QJobBumpRetry:
		return db.updateJob(argString(args, 0), func(j *domain.Job) bool {
			if j.Status != domain.JobStatusProcessing {
				return false
			}
			j.BERetry++
			return true
		}, now), nil

	case sqlinline.QTaskInsert:
		return db.insertTask(args, now)

	case sqlinline.QTaskClaim:
		return db.claimTask(argString(args, 0), staleWindow(args, 1), db.argTime(args, 2)), nil

	case sqlinline.QTaskClaimable:
		return db.claimableJobs(staleWindow(args, 0), db.argTime(args, 1), int(argInt(args, 2))), nil

	case sqlinline.QTaskComplete:
		return db.fencedTaskUpdate(args, func(t *domain.Task) {
			t.Status = domain.TaskStatusSuccess
			t.LockedAt = nil
		}, now), nil

	case sqlinline.QTaskRequeue:
		runAfter := db.argTime(args, 2).Add(time.Duration(argFloat(args, 3) * float64(time.Second)))
		lastErr := argOptString(args, 4)
		return db.fencedTaskUpdate(args, func(t *domain.Task) {
			t.Status = domain.TaskStatusQueued
			t.LockedAt = nil
			t.RunAfter = runAfter
			t.LastError = lastErr
		}, now), nil

	case sqlinline.QTaskFail:
		lastErr := argOptString(args, 2)
		return db.fencedTaskUpdate(args, func(t *domain.Task) {
			t.Status = domain.TaskStatusFailed
			t.LockedAt = nil
			t.LastError = lastErr
		}, now), nil

	case sqlinline.QTaskSelectByJob:
		id, ok := db.st.taskByJob[argString(args, 0)]
		if !ok {
			return result{verb: "SELECT"}, nil
		}
		t := db.st.tasks[id]
		return result{verb: "SELECT", rows: [][]any{{
			t.ID, t.JobID, string(t.TaskType), string(t.Status), t.Attempts, nullableTime(t.LockedAt),
			t.RunAfter, nullableBytes(t.Payload), nullable(t.LastError), t.CreatedAt, t.UpdatedAt,
		}}}, nil

	case sqlinline.QTaskCountByStatus:
		counts := map[domain.TaskStatus]int64{}
		for _, t := range db.st.tasks {
			counts[t.Status]++
		}
		statuses := make([]string, 0, len(counts))
		for s := range counts {
			statuses = append(statuses, string(s))
		}
		sort.Strings(statuses)
		res := result{verb: "SELECT"}
		for _, s := range statuses {
			res.rows = append(res.rows, []any{s, counts[domain.TaskStatus(s)]})
		}
		return res, nil
	}

	return result{}, ErrUnknownStatement
}

func staleWindow(args []any, i int) time.Duration {
	return time.Duration(argFloat(args, i) * float64(time.Second))
}

func (db *DB) insertJob(args []any, now time.Time) (result, error) {
	id := argString(args, 0)
	if _, ok := db.st.jobs[id]; ok {
		return result{}, ErrUniqueViolation
	}
	userID := argString(args, 1)
	clientID := argOptString(args, 8)
	if clientID != nil {
		for _, j := range db.st.jobs {
			if j.UserID == userID && j.ClientJobID != nil && *j.ClientJobID == *clientID {
				return result{}, ErrUniqueViolation
			}
		}
	}
	cost := int(argInt(args, 4))
	chargedSub, chargedPur := int(argInt(args, 5)), int(argInt(args, 6))
	if chargedSub+chargedPur != cost {
		return result{}, fmt.Errorf("%w: charged split does not sum to cost", ErrCheckViolation)
	}
	db.seq++
	db.st.jobSeq[id] = db.seq
	db.st.jobs[id] = domain.Job{
		ID:                  id,
		UserID:              userID,
		Type:                domain.JobType(argString(args, 2)),
		Status:              domain.JobStatusProcessing,
		Payload:             argBytes(args, 3),
		CostAmount:          cost,
		ChargedSubscription: chargedSub,
		ChargedPurchased:    chargedPur,
		TraceID:             argOptString(args, 7),
		ClientJobID:         clientID,
		FEAttempt:           int(argInt(args, 9)),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	return result{verb: "INSERT", affected: 1}, nil
}

func (db *DB) updateJob(id string, fn func(*domain.Job) bool, now time.Time) result {
	j, ok := db.st.jobs[id]
	if !ok || !fn(&j) {
		return result{verb: "UPDATE"}
	}
	j.UpdatedAt = now
	db.st.jobs[id] = j
	return result{verb: "UPDATE", affected: 1}
}

func (db *DB) listJobs(userID string, limit int) result {
	var owned []domain.Job
	for _, j := range db.st.jobs {
		if j.UserID == userID {
			owned = append(owned, j)
		}
	}
	sort.Slice(owned, func(a, b int) bool {
		return db.st.jobSeq[owned[a].ID] > db.st.jobSeq[owned[b].ID]
	})
	if limit > 0 && len(owned) > limit {
		owned = owned[:limit]
	}
	res := result{verb: "SELECT"}
	for _, j := range owned {
		res.rows = append(res.rows, jobValues(j))
	}
	return res
}

func jobValues(j domain.Job) []any {
	return []any{
		j.ID, j.UserID, string(j.Type), string(j.Status), nullableBytes(j.Payload),
		nullable(j.ResultURL), nullableBytes(j.ResultData), nullable(j.ErrorCode),
		nullable(j.ErrorMessage), j.CostAmount, j.ChargedSubscription, j.ChargedPurchased,
		j.IsRefunded, nullable(j.TraceID), nullable(j.ClientJobID), j.FEAttempt, j.BERetry,
		j.CreatedAt, j.UpdatedAt,
	}
}

func (db *DB) insertTask(args []any, now time.Time) (result, error) {
	id, jobID := argString(args, 0), argString(args, 1)
	if _, ok := db.st.jobs[jobID]; !ok {
		return result{}, fmt.Errorf("memdb: task references missing job %s", jobID)
	}
	if _, ok := db.st.taskByJob[jobID]; ok {
		return result{}, ErrUniqueViolation
	}
	if _, ok := db.st.tasks[id]; ok {
		return result{}, ErrUniqueViolation
	}
	db.st.tasks[id] = domain.Task{
		ID:        id,
		JobID:     jobID,
		TaskType:  domain.JobType(argString(args, 2)),
		Status:    domain.TaskStatusQueued,
		RunAfter:  now,
		Payload:   argBytes(args, 3),
		CreatedAt: now,
		UpdatedAt: now,
	}
	db.st.taskByJob[jobID] = id
	return result{verb: "INSERT", affected: 1}, nil
}

func claimable(t domain.Task, stale time.Duration, now time.Time) bool {
	switch t.Status {
	case domain.TaskStatusQueued:
		return !t.RunAfter.After(now)
	case domain.TaskStatusRunning:
		return t.LockedAt != nil && !t.LockedAt.After(now.Add(-stale))
	}
	return false
}

func (db *DB) claimTask(jobID string, stale time.Duration, now time.Time) result {
	id, ok := db.st.taskByJob[jobID]
	if !ok {
		return result{verb: "UPDATE"}
	}
	t := db.st.tasks[id]
	if !claimable(t, stale, now) {
		return result{verb: "UPDATE"}
	}
	lockedAt := now
	t.Status = domain.TaskStatusRunning
	t.Attempts++
	t.LockedAt = &lockedAt
	t.UpdatedAt = now
	db.st.tasks[id] = t
	return result{verb: "UPDATE", affected: 1, rows: [][]any{{
		t.ID, t.JobID, string(t.TaskType), t.Attempts, lockedAt, nullableBytes(t.Payload),
	}}}
}

func (db *DB) claimableJobs(stale time.Duration, now time.Time, limit int) result {
	var ready []domain.Task
	for _, t := range db.st.tasks {
		if claimable(t, stale, now) {
			ready = append(ready, t)
		}
	}
	sort.Slice(ready, func(a, b int) bool {
		if ready[a].RunAfter.Equal(ready[b].RunAfter) {
			return ready[a].JobID < ready[b].JobID
		}
		return ready[a].RunAfter.Before(ready[b].RunAfter)
	})
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	res := result{verb: "SELECT"}
	for _, t := range ready {
		res.rows = append(res.rows, []any{t.JobID})
	}
	return res
}

func (db *DB) fencedTaskUpdate(args []any, fn func(*domain.Task), now time.Time) result {
	id := argString(args, 0)
	generation := int(argInt(args, 1))
	t, ok := db.st.tasks[id]
	if !ok || t.Status != domain.TaskStatusRunning || t.Attempts != generation {
		return result{verb: "UPDATE"}
	}
	fn(&t)
	t.UpdatedAt = now
	db.st.tasks[id] = t
	return result{verb: "UPDATE", affected: 1}
}
