package budget

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	xerrors "AgentPay-Chain/internal/errors"
)

// 金额在 Redis 中以百万分之一为单位的整数保存。
const microExp = 6

// KEYS: 日计数器、月计数器、预留记录
// ARGV: 金额、日初值、月初值、日限额(-1 为不限)、月限额、日 TTL、月 TTL、预留 TTL
var reserveScript = redis.NewScript(`
local day = redis.call('GET', KEYS[1])
if not day then
  day = ARGV[2]
  redis.call('SET', KEYS[1], day, 'EX', ARGV[6])
end
local month = redis.call('GET', KEYS[2])
if not month then
  month = ARGV[3]
  redis.call('SET', KEYS[2], month, 'EX', ARGV[7])
end
day = tonumber(day)
month = tonumber(month)
local amount = tonumber(ARGV[1])
local dayLimit = tonumber(ARGV[4])
local monthLimit = tonumber(ARGV[5])
local granted = 1
if dayLimit >= 0 and day + amount > dayLimit then granted = 0 end
if monthLimit >= 0 and month + amount > monthLimit then granted = 0 end
if granted == 1 then
  redis.call('INCRBY', KEYS[1], ARGV[1])
  redis.call('INCRBY', KEYS[2], ARGV[1])
  redis.call('SET', KEYS[3], ARGV[1], 'EX', ARGV[8])
end
return {granted, day, month}
`)

// KEYS: 日计数器、月计数器、预留记录
var releaseScript = redis.NewScript(`
local amount = redis.call('GET', KEYS[3])
if not amount then return 0 end
redis.call('DEL', KEYS[3])
redis.call('DECRBY', KEYS[1], amount)
redis.call('DECRBY', KEYS[2], amount)
return 1
`)

// RedisReserverConfig 描述 Redis 预留器的连接参数。
type RedisReserverConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
	// HoldTTL 是未确认预留的最长保留时间。
	HoldTTL time.Duration
}

// RedisReserver 通过 Lua 脚本在 Redis 上做条件自增，适合多实例部署。
type RedisReserver struct {
	client  redis.UniversalClient
	prefix  string
	holdTTL time.Duration
}

// NewRedisReserver 建立连接并返回预留器。
func NewRedisReserver(ctx context.Context, cfg RedisReserverConfig) (*RedisReserver, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 Redis 失败")
	}
	return NewRedisReserverWithClient(client, cfg.KeyPrefix, cfg.HoldTTL), nil
}

// NewRedisReserverWithClient 复用已有客户端。
func NewRedisReserverWithClient(client redis.UniversalClient, prefix string, holdTTL time.Duration) *RedisReserver {
	if prefix == "" {
		prefix = "agentpay:budget"
	}
	if holdTTL <= 0 {
		holdTTL = 15 * time.Minute
	}
	return &RedisReserver{client: client, prefix: prefix, holdTTL: holdTTL}
}

func (r *RedisReserver) keys(res Reservation) []string {
	return []string{
		fmt.Sprintf("%s:day:%s", r.prefix, res.DayKey),
		fmt.Sprintf("%s:month:%s", r.prefix, res.MonthKey),
		fmt.Sprintf("%s:hold:%s", r.prefix, res.ID),
	}
}

// Reserve 实现 Reserver 接口。
func (r *RedisReserver) Reserve(ctx context.Context, req ReserveRequest) (ReserveResult, error) {
	res := newReservation(req.AgentID, req.Amount, req.Now)
	values, err := reserveScript.Run(ctx, r.client, r.keys(res),
		toMicros(req.Amount),
		toMicros(req.DailySeed),
		toMicros(req.MonthlySeed),
		limitMicros(req.DailyLimit),
		limitMicros(req.MonthlyLimit),
		int64((48 * time.Hour).Seconds()),
		int64((32 * 24 * time.Hour).Seconds()),
		int64(r.holdTTL.Seconds()),
	).Int64Slice()
	if err != nil {
		return ReserveResult{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行预算预留脚本失败")
	}
	if len(values) != 3 {
		return ReserveResult{}, xerrors.New(xerrors.CodeStorageFailure, "预算预留脚本返回值异常: "+strconv.Itoa(len(values)))
	}
	return ReserveResult{
		Reservation:  res,
		Granted:      values[0] == 1,
		DailySpend:   fromMicros(values[1]),
		MonthlySpend: fromMicros(values[2]),
	}, nil
}

// Release 实现 Reserver 接口。
func (r *RedisReserver) Release(ctx context.Context, res Reservation) error {
	if err := releaseScript.Run(ctx, r.client, r.keys(res)).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "释放预算预留失败")
	}
	return nil
}

// Confirm 实现 Reserver 接口。
func (r *RedisReserver) Confirm(ctx context.Context, res Reservation) error {
	if err := r.client.Del(ctx, r.keys(res)[2]).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "确认预算预留失败")
	}
	return nil
}

// Close 关闭 Redis 连接。
func (r *RedisReserver) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

func toMicros(d decimal.Decimal) int64 {
	return d.Shift(microExp).Round(0).IntPart()
}

func fromMicros(v int64) decimal.Decimal {
	return decimal.New(v, -microExp)
}

func limitMicros(limit *decimal.Decimal) int64 {
	if limit == nil {
		return -1
	}
	return toMicros(*limit)
}

var _ Reserver = (*RedisReserver)(nil)
