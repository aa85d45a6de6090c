// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package counter

import redis "github.com/redis/go-redis/v9"

// incrWithExpiryScript increments KEYS[1] by ARGV[1] and, if the key has no
// TTL yet and ARGV[2] > 0, expires it after ARGV[2] seconds. Returns the new value.
var incrWithExpiryScript = redis.NewScript(`
local v = redis.call('INCRBY', KEYS[1], ARGV[1])
local ttl = tonumber(ARGV[2])
if ttl and ttl > 0 and redis.call('TTL', KEYS[1]) == -1 then
  redis.call('EXPIRE', KEYS[1], ttl)
end
return v
`)

// clampedDecrScript subtracts ARGV[1] from KEYS[1] without going below zero.
// DECRBY is used even when clamping so an existing TTL is preserved; a missing
// key is left missing. Returns the new value.
var clampedDecrScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if not cur then
  return redis.error_reply('ERR value is not an integer')
end
local amt = tonumber(ARGV[1])
if cur - amt < 0 then
  amt = cur
end
if amt <= 0 then
  return cur
end
return redis.call('DECRBY', KEYS[1], amt)
`)
