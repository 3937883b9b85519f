package sqlinline

const QProviderKeySelect = `--sql 3f1a7c52-98d4-4b6e-a2c1-5e0d9b7f4a21
select token
from provider_keys
where provider = $1
`

// QProviderKeyUpsert replaces the stored key of a provider and records who
// rotated it.
const QProviderKeyUpsert = `--sql b84e2d17-6c3a-4f95-8e0b-1d7a9c5f3e62
insert into provider_keys (provider, token, rotated_by, updated_at)
values ($1, $2, $3, now())
on conflict (provider) do update
set token = excluded.token, rotated_by = excluded.rotated_by, updated_at = now()
`
