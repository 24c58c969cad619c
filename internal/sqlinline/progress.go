package sqlinline

const QEnsureSchema = `--sql a2ef5249-a833-4cc5-97bb-f7c126aeebe8
create table if not exists jobs (
    id          uuid primary key,
    params      jsonb not null default '{}'::jsonb,
    state       text not null default 'pending',
    remaining   integer not null,
    last_seq    bigint not null default 0,
    cancelled   boolean not null default false,
    finalized   boolean not null default false,
    summary     jsonb,
    created_at  timestamptz not null default now(),
    updated_at  timestamptz not null default now(),
    expires_at  timestamptz not null
);

create table if not exists job_items (
    job_id           uuid not null references jobs(id) on delete cascade,
    item_id          text not null,
    position         integer not null,
    source_ref       text not null,
    status           text not null default 'queued',
    attempt_count    integer not null default 0,
    progress_percent integer not null default 0,
    artifact_url     text not null default '',
    error_category   text,
    error_message    text,
    updated_at       timestamptz not null default now(),
    primary key (job_id, item_id)
);

create index if not exists idx_jobs_expires_at on jobs (expires_at);
`

const QInsertJob = `--sql dc737968-18b7-4ab0-98eb-7612b90b9a04
insert into jobs (id, params, state, remaining, created_at, expires_at)
values ($1, $2, $3, $4, $5, $6);
`

const QInsertJobItem = `--sql a0ad16dc-a19c-4921-bbed-c5baf096419f
insert into job_items (job_id, item_id, position, source_ref)
values ($1, $2, $3, $4);
`

const QSelectJob = `--sql 13cd1688-2c72-410e-aeae-5e50e030360d
select id, params, state, summary, created_at
from jobs
where id = $1;
`

const QSelectJobItems = `--sql 8a8ce5da-1f3d-41e6-9ba1-9d356d02719f
select item_id, source_ref, status, attempt_count, progress_percent, artifact_url, error_category, error_message
from job_items
where job_id = $1
order by position asc;
`

// QBeginAttempt moves one item into processing, bumps its attempt counter
// and flips a pending job to running, all in one statement. It returns the
// new attempt count (null when the transition was refused) together with the
// job's cancel flag so the caller can tell a cancelled skip from a terminal
// item.
const QBeginAttempt = `--sql 19645a3c-9ed1-4afa-909c-ab969eafbc30
with bumped as (
    update job_items i
    set status = 'processing', attempt_count = i.attempt_count + 1, updated_at = now()
    from jobs j
    where i.job_id = $1 and i.item_id = $2 and j.id = i.job_id
      and i.status in ('queued', 'processing')
      and not (j.cancelled and i.status = 'queued')
    returning i.attempt_count
),
started as (
    update jobs
    set state = 'running', updated_at = now()
    where id = $1 and state = 'pending' and exists (select 1 from bumped)
)
select b.attempt_count, j.cancelled,
       (select status from job_items where job_id = $1 and item_id = $2)
from jobs j
left join bumped b on true
where j.id = $1;
`

// QSetItemProgress is the set-if-greater write: a single conditional update,
// no read-then-write round trip.
const QSetItemProgress = `--sql 84f6a622-4ed3-4142-b564-99a449c2a5f2
update job_items
set progress_percent = $3, updated_at = now()
where job_id = $1 and item_id = $2
  and status = 'processing'
  and progress_percent < $3;
`

const QMarkItemCompleted = `--sql 6c8b5a3c-96e1-4e73-9ce3-da42201a8456
with done as (
    update job_items
    set status = 'completed', progress_percent = 100, artifact_url = $3,
        error_category = null, error_message = null, updated_at = now()
    where job_id = $1 and item_id = $2 and status in ('queued', 'processing')
    returning 1
),
decremented as (
    update jobs
    set remaining = remaining - 1, updated_at = now()
    where id = $1 and exists (select 1 from done)
    returning remaining
)
select coalesce((select remaining from decremented), (select remaining from jobs where id = $1)),
       exists (select 1 from done);
`

const QMarkItemFailed = `--sql 6c1611eb-0a42-4174-9149-688d066fea1c
with done as (
    update job_items
    set status = 'failed', error_category = $3, error_message = $4, updated_at = now()
    where job_id = $1 and item_id = $2 and status in ('queued', 'processing')
    returning 1
),
decremented as (
    update jobs
    set remaining = remaining - 1, updated_at = now()
    where id = $1 and exists (select 1 from done)
    returning remaining
)
select coalesce((select remaining from decremented), (select remaining from jobs where id = $1)),
       exists (select 1 from done);
`

// QClaimFinalize is the set-once write guarding at-most-once finalization.
const QClaimFinalize = `--sql 0193afd1-5074-4297-bde4-517278b86cae
update jobs
set finalized = true, updated_at = now()
where id = $1 and not finalized;
`

const QWriteSummary = `--sql 9d0b6d9b-ce2e-4a23-8e4b-8560b3b283d2
update jobs
set state = $2, summary = $3, updated_at = now()
where id = $1;
`

const QCancelJob = `--sql fa775699-4e0f-4816-8b20-e37857743897
update jobs
set cancelled = true, updated_at = now()
where id = $1 and state in ('pending', 'running');
`

const QSelectCancelled = `--sql 52b7a1ed-7720-4930-8f48-edd08f379c83
select cancelled from jobs where id = $1;
`

// QPurgeExpired reclaims jobs past their retention window; items cascade.
const QPurgeExpired = `--sql f365d548-de63-4193-9b92-bf28afdd12f6
delete from jobs where expires_at <= now();
`

// QPublishEvent assigns the per-job sequence and emits the notification in
// one round trip; the sequence is stitched into the JSON payload server-side.
const QPublishEvent = `--sql d81c2570-2c7e-4d01-85da-7674deb9e904
with bumped as (
    update jobs
    set last_seq = last_seq + 1
    where id = $1
    returning last_seq
)
select b.last_seq,
       (select count(*) from (select pg_notify($3, jsonb_set($2::jsonb, '{sequence}', to_jsonb(b.last_seq))::text)) notify)
from bumped b;
`
