package sqlinline

// Notification channels. Payloads are JSON documents.
const (
	ChannelJobEvents    = "job_events"
	ChannelCreditEvents = "credit_events"
)

// QNotify queues a notification that is delivered when the surrounding
// transaction commits.
const QNotify = `--sql cc0e9246-c309-4f6d-a9da-6f6fcda9c08a
select pg_notify($1, $2)
`

// QPing is the readiness probe.
const QPing = `--sql 4d3e8f57-6a3b-4f0c-9d8e-2b7c1e9a5f10
select 1
`
