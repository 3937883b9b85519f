package sqlinline

const jobColumns = `id::text, user_id::text, type, status, payload, result_url, result_data,
       error_code, error_message, cost_amount, charged_subscription, charged_purchased,
       is_refunded, trace_id, client_job_id, fe_attempt, be_retry, created_at, updated_at`

const QJobFindByClientID = `--sql 33c8f976-124e-4ccd-b59e-5b3593a50d90
select id::text
from jobs
where user_id = $1::uuid and client_job_id = $2
`

const QJobInsert = `--sql 891de744-3429-4fdd-997d-f28e9bbbdb56
insert into jobs (id, user_id, type, status, payload, cost_amount, charged_subscription,
                  charged_purchased, trace_id, client_job_id, fe_attempt)
values ($1::uuid, $2::uuid, $3, 'processing', $4, $5, $6, $7, $8, $9, $10)
`

const QJobSelectByID = `--sql cc997aae-090b-4fcb-91d1-834315b0dd07
select ` + jobColumns + `
from jobs
where id = $1::uuid
`

const QJobSelectForUser = `--sql efcbd2b6-6d8d-4502-9c3c-71ebeb31f68a
select ` + jobColumns + `
from jobs
where id = $1::uuid and user_id = $2::uuid
`

const QJobListForUser = `--sql 2932784e-72f9-4eb3-8a09-b5509391b761
select ` + jobColumns + `
from jobs
where user_id = $1::uuid
order by created_at desc
limit $2
`

// QJobLockForRefund locks the job before its owner's profile; every refund
// path takes the locks in that order.
const QJobLockForRefund = `--sql e366c473-2f82-46a6-95e8-7f7a0aa914e1
select user_id::text, status, charged_subscription, charged_purchased, is_refunded
from jobs
where id = $1::uuid
for update
`

const QJobMarkRefunded = `--sql c6f493cb-90bd-43b6-b003-5148fe284441
update jobs
set is_refunded = true, updated_at = now()
where id = $1::uuid and is_refunded = false
`

const QJobMarkSuccess = `--sql bbb29b7e-ca2c-4064-a599-79b8ed84b43b
update jobs
set status = 'success', result_url = $2, result_data = $3, updated_at = now()
where id = $1::uuid and status = 'processing'
`

const QJobMarkFailed = `--sql 226d9c8b-4a50-44e5-b905-42f0b442553f
update jobs
set status = 'failed', error_code = $2, error_message = $3, updated_at = now()
where id = $1::uuid and status = 'processing'
`

const QJobBumpRetry = `--sql 2ec2aeec-ec01-44d6-af4a-3a6f49021e47
update jobs
set be_retry = be_retry + 1, updated_at = now()
where id = $1::uuid and status = 'processing'
`
