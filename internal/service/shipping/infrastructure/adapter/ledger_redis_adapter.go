package adapter

import (
	"context"
	"fmt"
	"time"

	"nexus-shipping/internal/pkg/redis"
	"nexus-shipping/internal/service/shipping/domain/port"
)

const (
	claimScriptName   = "shipment_claim"
	releaseScriptName = "shipment_release"

	ledgerDone = "done"
)

// LedgerRedisAdapter 是 port.ShipmentLedger 的 Redis 实现。
// 每个运单一个 key：pending 表示有 worker 正在发货（带 TTL），done 表示已发货（不过期）。
type LedgerRedisAdapter struct {
	redisClient *redis.Client
}

// NewLedgerRedisAdapter 创建账本适配器，并在创建时加载 Lua 脚本
func NewLedgerRedisAdapter(redisClient *redis.Client) (*LedgerRedisAdapter, error) {
	if err := redisClient.LoadScriptFromContent(claimScriptName, claimScript); err != nil {
		return nil, fmt.Errorf("failed to load shipment claim script: %w", err)
	}
	if err := redisClient.LoadScriptFromContent(releaseScriptName, releaseScript); err != nil {
		return nil, fmt.Errorf("failed to load shipment release script: %w", err)
	}
	return &LedgerRedisAdapter{redisClient: redisClient}, nil
}

func ledgerKey(key string) string {
	return fmt.Sprintf("shipping:shipment:{%s}", key)
}

func (a *LedgerRedisAdapter) Claim(ctx context.Context, key string, ttl time.Duration) (port.ClaimResult, error) {
	result, err := a.redisClient.RunScript(ctx, claimScriptName, []string{ledgerKey(key)}, ttl.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("ledger adapter failed to run claim script: %w", err)
	}
	code, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected result type from Lua script: %T", result)
	}
	switch code {
	case 1:
		return port.ClaimAcquired, nil
	case 2:
		return port.ClaimInProgress, nil
	case 3:
		return port.ClaimCompleted, nil
	default:
		return 0, fmt.Errorf("unknown result code from claim script: %d", code)
	}
}

func (a *LedgerRedisAdapter) Complete(ctx context.Context, key string) error {
	return a.redisClient.GetClient().Set(ctx, ledgerKey(key), ledgerDone, 0).Err()
}

func (a *LedgerRedisAdapter) Release(ctx context.Context, key string) error {
	_, err := a.redisClient.RunScript(ctx, releaseScriptName, []string{ledgerKey(key)})
	return err
}

var claimScript = `
-- KEYS[1]: 运单账本 key, 例如: shipping:shipment:{tracking-123}
-- ARGV[1]: pending 状态的 TTL（毫秒）

local v = redis.call('get', KEYS[1])
if v == 'done' then
    return 3 -- 已发货
end
if v then
    return 2 -- 其他 worker 正在发货
end
redis.call('set', KEYS[1], 'pending', 'PX', ARGV[1])
return 1 -- 获得发货权
`

var releaseScript = `
-- 只删除 pending，永远不删除 done
if redis.call('get', KEYS[1]) == 'pending' then
    return redis.call('del', KEYS[1])
end
return 0
`
