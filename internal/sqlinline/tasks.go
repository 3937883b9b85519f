package sqlinline

// Task statements take an optional clock argument. A NULL clock means the
// database's now(); tests pass an explicit instant.

const QTaskInsert = `--sql bbb151d9-69fb-4c9d-a37d-473b9f9ed6f0
insert into tasks (id, job_id, task_type, status, attempts, run_after, payload)
values ($1::uuid, $2::uuid, $3, 'queued', 0, now(), $4)
`

// QTaskClaim is the claim protocol: one conditional write keyed by job id.
// A queued task is claimable once run_after has passed, a running task once
// its lock is at least the stale threshold ($2 seconds) old. Racing claims
// produce exactly one affected row.
const QTaskClaim = `--sql de793920-ca1b-4b48-ab28-783ef21cadde
update tasks
set status = 'running',
    attempts = attempts + 1,
    locked_at = coalesce($3::timestamptz, now()),
    updated_at = coalesce($3::timestamptz, now())
where job_id = $1::uuid
  and (
        (status = 'queued' and run_after <= coalesce($3::timestamptz, now()))
     or (status = 'running' and locked_at <= coalesce($3::timestamptz, now()) - make_interval(secs => $2::double precision))
  )
returning id::text, job_id::text, task_type, attempts, locked_at, payload
`

const QTaskClaimable = `--sql 2a027c45-e6c8-4874-aab3-b1292a3366a5
select job_id::text
from tasks
where (status = 'queued' and run_after <= coalesce($2::timestamptz, now()))
   or (status = 'running' and locked_at <= coalesce($2::timestamptz, now()) - make_interval(secs => $1::double precision))
order by run_after asc
limit $3
`

// QTaskComplete and the statements below are fenced on attempts: a worker
// whose claim was superseded by a reclaim matches zero rows.
const QTaskComplete = `--sql c771a42c-cf4d-4031-b79a-db5e2e947f74
update tasks
set status = 'success', locked_at = null, updated_at = now()
where id = $1::uuid and status = 'running' and attempts = $2
`

const QTaskRequeue = `--sql 99f2fbdb-9a80-407e-954e-58a95c63c0b3
update tasks
set status = 'queued',
    locked_at = null,
    run_after = coalesce($3::timestamptz, now()) + make_interval(secs => $4::double precision),
    last_error = $5,
    updated_at = now()
where id = $1::uuid and status = 'running' and attempts = $2
`

const QTaskFail = `--sql 5f909d99-8f3a-4ddd-8f4d-082835337343
update tasks
set status = 'failed', locked_at = null, last_error = $3, updated_at = now()
where id = $1::uuid and status = 'running' and attempts = $2
`

const QTaskSelectByJob = `--sql 8c9c1a0e-c948-44d3-a8fa-d365558cdc22
select id::text, job_id::text, task_type, status, attempts, locked_at, run_after, payload,
       last_error, created_at, updated_at
from tasks
where job_id = $1::uuid
`

const QTaskCountByStatus = `--sql b61f2b2a-c00f-41f9-a5bb-34149bbe3d67
select status, count(*)
from tasks
group by status
`
