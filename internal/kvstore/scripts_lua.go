package kvstore

// Lua source for each named script, hand-transcribed from runScript's Go
// formulas in scripts.go. Every EVAL touches exactly one key (KEYS[1]) and
// runs to completion before Redis serves another command, which is what
// gives these the same linearizability the Memory backend gets from its
// shard lock.
const (
	luaFixedWindow = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local quota = tonumber(ARGV[2])
local duration = tonumber(ARGV[3])

local window_end = tonumber(redis.call('HGET', key, 'window_end'))
local count = tonumber(redis.call('HGET', key, 'count'))

if window_end == nil or now > window_end then
  redis.call('HSET', key, 'window_end', now + duration, 'count', 1)
  redis.call('EXPIRE', key, duration)
  return {'wait', '-1'}
end

if count >= quota then
  return {'wait', tostring(window_end - now)}
end

redis.call('HSET', key, 'count', count + 1)
return {'wait', '-1'}
`

	luaSlidingWindow = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local quota = tonumber(ARGV[2])
local duration = tonumber(ARGV[3])

local t0 = tonumber(redis.call('HGET', key, 'window_start'))
local count = tonumber(redis.call('HGET', key, 'count'))
if t0 == nil then t0 = now end
if count == nil then count = 0 end

local elapsed = now - t0
local progress = elapsed % duration
if progress < 0 then progress = 0 end
local decay = math.floor(elapsed / duration) * quota
local adj = count - decay
if adj < 0 then adj = 0 end

if adj >= quota then
  local wait = (duration - progress) + ((adj - quota + 1) / quota) * duration
  return {'wait', tostring(wait)}
end

redis.call('HSET', key, 'window_start', now - progress, 'count', adj + 1)
redis.call('EXPIRE', key, duration)
return {'wait', '-1'}
`

	luaTokenBucket = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local quota = tonumber(ARGV[2])
local duration = tonumber(ARGV[3])

local last = tonumber(redis.call('HGET', key, 'last_refill'))
local tokens = tonumber(redis.call('HGET', key, 'tokens'))
if last == nil then last = now end
if tokens == nil then tokens = quota end

local rate = quota / duration
local new_tokens = math.min(quota, tokens + (now - last) * rate)

if new_tokens < 1 then
  local wait = (1 - new_tokens) * (duration / quota)
  return {'wait', tostring(wait)}
end

redis.call('HSET', key, 'last_refill', now, 'tokens', new_tokens - 1)
return {'wait', '-1'}
`

	luaLeakyBucket = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local quota = tonumber(ARGV[2])
local duration = tonumber(ARGV[3])
local bucket_size = tonumber(ARGV[4])

local last = tonumber(redis.call('HGET', key, 'last_leak'))
local level = tonumber(redis.call('HGET', key, 'level'))
if last == nil then last = now end
if level == nil then level = 0 end

local rate = quota / duration
level = math.max(0, level - (now - last) * rate)

if level >= bucket_size then
  return redis.error_reply('BUCKET_FULL')
end

redis.call('HSET', key, 'last_leak', now, 'level', level + 1)
redis.call('EXPIRE', key, duration * 2)

local wait = level / rate
if wait <= 0 then wait = -1 end
return {'wait', tostring(wait)}
`

	luaCBRecordResult = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local threshold = tonumber(ARGV[2])
local recovery = tonumber(ARGV[3])
local success = tonumber(ARGV[4]) ~= 0

local state = tonumber(redis.call('HGET', key, 'state')) or 0
local failures = tonumber(redis.call('HGET', key, 'failure_count')) or 0
local opened_at = tonumber(redis.call('HGET', key, 'opened_at')) or 0

if state == 1 and (now - opened_at) >= recovery then
  state = 2
end

if state == 2 then
  if success then
    state, failures, opened_at = 0, 0, 0
  else
    state, opened_at = 1, now
  end
else
  if success then
    failures = 0
  else
    failures = failures + 1
    if failures >= threshold then
      state, opened_at = 1, now
    end
  end
end

redis.call('HSET', key, 'state', state, 'failure_count', failures, 'opened_at', opened_at, 'probe_in_flight', 0)
return {'state', tostring(state)}
`

	luaCBAcquireProbe = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local recovery = tonumber(ARGV[2])

local state = tonumber(redis.call('HGET', key, 'state')) or 0
local opened_at = tonumber(redis.call('HGET', key, 'opened_at')) or 0
local probe = tonumber(redis.call('HGET', key, 'probe_in_flight')) or 0

if state == 1 and (now - opened_at) >= recovery then
  state = 2
end

if state == 0 then
  return {'admitted', '1', 'state', tostring(state)}
elseif state == 2 then
  if probe ~= 0 then
    return {'admitted', '0', 'state', tostring(state)}
  end
  redis.call('HSET', key, 'state', state, 'probe_in_flight', 1)
  return {'admitted', '1', 'state', tostring(state)}
else
  return {'admitted', '0', 'state', tostring(state)}
end
`

	luaSetIfAbsent = `
local key = KEYS[1]
local ttl = tonumber(ARGV[1])

local existing = redis.call('HGET', key, 'set')
if existing then
  return {'acquired', '0'}
end

redis.call('HSET', key, 'set', 1)
if ttl > 0 then
  redis.call('EXPIRE', key, ttl)
end
return {'acquired', '1'}
`
)
