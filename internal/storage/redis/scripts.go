package redis

const (
	// enqueueScript appends records and enforces the drop-oldest cap in one
	// atomic step. Returns the number of records dropped.
	enqueueScript = `
local order_key = KEYS[1]     -- {prefix}:queue:order
local items_key = KEYS[2]     -- {prefix}:queue:items

local max_pending = tonumber(ARGV[1])

-- ARGV[2..] holds id, record pairs
for i = 2, #ARGV, 2 do
  local id = ARGV[i]
  local record = ARGV[i + 1]
  redis.call('HSET', items_key, id, record)
  redis.call('RPUSH', order_key, id)
end

local dropped = 0
if max_pending > 0 then
  local length = redis.call('LLEN', order_key)
  while length > max_pending do
    local oldest = redis.call('LPOP', order_key)
    if oldest then
      redis.call('HDEL', items_key, oldest)
    end
    dropped = dropped + 1
    length = length - 1
  end
end

return dropped
`

	// removeScript deletes acknowledged records from both the order list and
	// the record hash. Returns the number of ids that were present.
	removeScript = `
local order_key = KEYS[1]     -- {prefix}:queue:order
local items_key = KEYS[2]     -- {prefix}:queue:items

local removed = 0
for i = 1, #ARGV do
  local id = ARGV[i]
  local count = redis.call('LREM', order_key, 0, id)
  redis.call('HDEL', items_key, id)
  if count > 0 then
    removed = removed + 1
  end
end

return removed
`
)
