package sqlinline

// QProfileInsert creates the ledger row for a new user together with the
// signup bonus. A second call for the same user inserts nothing.
const QProfileInsert = `--sql 0cc0d8d1-ac87-465f-957c-015dab598f5b
insert into profiles (user_id, subscription_credits, purchased_credits, signup_bonus_granted, plan, subscription_status)
values ($1::uuid, 0, $2, true, 'free', 'inactive')
on conflict (user_id) do nothing
`

const QProfileSelect = `--sql e9cd27d0-5cde-4412-ab6c-ad3d04d23b99
select user_id::text, subscription_credits, purchased_credits, has_first_subscription,
       signup_bonus_granted, plan, subscription_status, created_at, updated_at
from profiles
where user_id = $1::uuid
`

// QProfileLock takes the row lock every balance mutation holds for its
// read-modify-write.
const QProfileLock = `--sql 7151d0fc-83dc-4096-b922-9e78e0048ed4
select subscription_credits, purchased_credits, has_first_subscription
from profiles
where user_id = $1::uuid
for update
`

const QProfileSetBalance = `--sql def630d3-a46c-4b24-a0a2-c2ebe47a6868
update profiles
set subscription_credits = $2, purchased_credits = $3, updated_at = now()
where user_id = $1::uuid
`

const QProfileStartSubscription = `--sql 306a98f9-763a-48eb-a9ef-81a5e6a6ca73
update profiles
set subscription_credits = $2,
    purchased_credits = $3,
    has_first_subscription = true,
    plan = $4,
    subscription_status = 'active',
    updated_at = now()
where user_id = $1::uuid
`
