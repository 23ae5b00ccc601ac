package sqlinline

// QueueNotifyChannel is the LISTEN/NOTIFY channel carrying queue names.
const QueueNotifyChannel = "dreambot_queue"

const QQueueCreateTable = `--sql c1728e86-1b6d-48ba-b854-769155ffe768
create table if not exists queue_messages (
    id bigserial primary key,
    queue text not null,
    body bytea not null,
    enqueued_at timestamptz not null default now()
);
`

const QQueueCreateIndex = `--sql e84533db-5a51-4b44-95ee-aca26574c142
create index if not exists idx_queue_messages_queue on queue_messages (queue, id);
`

const QQueuePut = `--sql 69a05b13-166b-4db6-b0b6-9abe4330c7b1
with inserted as (
    insert into queue_messages (queue, body)
    values ($1, $2)
    returning queue
)
select pg_notify('dreambot_queue', queue) from inserted;
`

const QQueuePop = `--sql 4853a1b2-0796-4aa7-b1e0-a2d82d8180ad
delete from queue_messages
where id = (
    select id
    from queue_messages
    where queue = $1
    order by id asc
    for update skip locked
    limit 1
)
returning body;
`

const QQueueLen = `--sql 58249ad9-07ae-45d7-99b9-f60b0b4834c3
select count(*) from queue_messages where queue = $1;
`

const QProcessesCreateTable = `--sql 3fb79a42-5992-4540-b221-2c2a743a2d53
create table if not exists queue_processes (
    name text primary key,
    role text not null,
    state text not null,
    restarts integer not null default 0,
    last_error text not null default '',
    started_at timestamptz not null,
    seen_at timestamptz not null
);
`

const QProcessUpsert = `--sql a4406bdd-7770-4e00-895c-a60991caa5fa
insert into queue_processes (name, role, state, restarts, last_error, started_at, seen_at)
values ($1, $2, $3, $4, $5, $6, $7)
on conflict (name) do update set
    role = excluded.role,
    state = excluded.state,
    restarts = excluded.restarts,
    last_error = excluded.last_error,
    started_at = excluded.started_at,
    seen_at = excluded.seen_at;
`

const QProcessDelete = `--sql ff7d7a83-b6cf-4c9e-a686-9b379b3a4d96
delete from queue_processes where name = $1;
`

const QProcessCountLive = `--sql 16ae428b-4630-4046-9d91-b63131f08aa8
select count(*)
from queue_processes
where role = $1
  and state in ('running', 'backoff', 'restarting')
  and ($2::timestamptz is null or seen_at >= $2);
`

const QProcessList = `--sql eae08703-b83a-433f-b4e9-63f6d815d08c
select name, role, state, restarts, last_error, started_at, seen_at
from queue_processes
order by name;
`
