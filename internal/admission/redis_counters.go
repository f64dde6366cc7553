// Copyright 2026 inquest-platform
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

package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript 有序集合滑动窗口：清理过期成员，达上限时返回最早
// 成员的时间戳（毫秒），否则占位并续期。整段在 Redis 内原子执行。
var slidingWindowScript = redis.NewScript(`
local key     = KEYS[1]
local now_ms  = tonumber(ARGV[1])
local win_ms  = tonumber(ARGV[2])
local ceiling = tonumber(ARGV[3])
local member  = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, 0, now_ms - win_ms)
local count = redis.call('ZCARD', key)
if count >= ceiling then
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    return {0, oldest[2]}
end
redis.call('ZADD', key, now_ms, member)
redis.call('PEXPIRE', key, win_ms)
return {1, 0}
`)

// addCostScript 读-加-检一体；超限时不写入
var addCostScript = redis.NewScript(`
local key     = KEYS[1]
local amount  = tonumber(ARGV[1])
local ceiling = tonumber(ARGV[2])

local total = tonumber(redis.call('GET', key) or '0')
if ceiling > 0 and total + amount > ceiling then
    return 0
end
redis.call('INCRBYFLOAT', key, amount)
return 1
`)

// RedisCounters Redis 计数后端；多副本部署时共享配额
type RedisCounters struct {
	client *redis.Client
}

// NewRedisCounters 连接 Redis 并创建计数后端
func NewRedisCounters(ctx context.Context, addr, password string, db int) (*RedisCounters, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisCounters{client: client}, nil
}

// CheckAndIncrement 滑动窗口检查并占位
func (r *RedisCounters) CheckAndIncrement(ctx context.Context, key string, window time.Duration, ceiling int) (bool, time.Duration, error) {
	if ceiling <= 0 {
		return true, 0, nil
	}
	now := time.Now()
	member := uuid.New().String()
	res, err := slidingWindowScript.Run(ctx, r.client,
		[]string{"adm:win:" + key},
		now.UnixMilli(), window.Milliseconds(), ceiling, member).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("redis sliding window: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("redis sliding window: unexpected reply %v", res)
	}
	if res[0] == 1 {
		return true, 0, nil
	}
	oldest := time.UnixMilli(res[1])
	retryAfter := oldest.Add(window).Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return false, retryAfter, nil
}

// AddCost 累加成本并检查上限
func (r *RedisCounters) AddCost(ctx context.Context, key string, amount, ceiling float64) (bool, error) {
	res, err := addCostScript.Run(ctx, r.client,
		[]string{"adm:cost:" + key}, amount, ceiling).Int64()
	if err != nil {
		return false, fmt.Errorf("redis add cost: %w", err)
	}
	return res == 1, nil
}

// CostTotal 当前累计成本
func (r *RedisCounters) CostTotal(ctx context.Context, key string) (float64, error) {
	val, err := r.client.Get(ctx, "adm:cost:"+key).Float64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis cost total: %w", err)
	}
	return val, nil
}

// Close 关闭 Redis 连接
func (r *RedisCounters) Close() error {
	return r.client.Close()
}
