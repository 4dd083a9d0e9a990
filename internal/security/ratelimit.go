package security

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RequestBudget meters API callers against a refilling allowance held in
// redis, so every walletd replica charges the same budget. Requests have a
// cost: reads of the local store are cheap, calls that reach the Solana
// ledger are charged more.
type RequestBudget struct {
	Redis     redis.Scripter
	Prefix    string
	Burst     int
	PerSecond float64
	Now       func() time.Time
}

// Decision is the outcome of charging one request against a budget.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

var errBudgetReply = errors.New("request budget: malformed script reply")

// chargeScript returns {wait_ms, available}. wait_ms is zero when the cost
// was charged, otherwise the time until enough allowance has accrued.
var chargeScript = redis.NewScript(`
local burst = tonumber(ARGV[1])
local per_sec = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl_ms = tonumber(ARGV[5])

local state = redis.call('HMGET', KEYS[1], 'avail', 'ts')
local avail = tonumber(state[1]) or burst
local ts = tonumber(state[2]) or now_ms

if now_ms > ts then
  avail = math.min(burst, avail + (now_ms - ts) * per_sec / 1000)
  ts = now_ms
end

local wait_ms = 0
if avail >= cost then
  avail = avail - cost
else
  wait_ms = math.ceil((cost - avail) * 1000 / per_sec)
end

redis.call('HSET', KEYS[1], 'avail', tostring(avail), 'ts', ts)
redis.call('PEXPIRE', KEYS[1], ttl_ms)

return {wait_ms, tostring(avail)}
`)

func (b *RequestBudget) enabled() bool {
	return b != nil && b.Redis != nil && b.Burst > 0 && b.PerSecond > 0
}

func (b *RequestBudget) clock() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// Charge takes cost units from caller's allowance. Costs above Burst are
// charged as Burst so an expensive call can still run on a full budget.
// A nil or unconfigured budget allows everything.
func (b *RequestBudget) Charge(ctx context.Context, caller string, cost int) (Decision, error) {
	if !b.enabled() {
		return Decision{Allowed: true}, nil
	}
	cost = min(max(cost, 1), b.Burst)

	key := caller
	if b.Prefix != "" {
		key = b.Prefix + ":budget:" + caller
	}
	nowMs := b.clock().UnixMilli()
	ttlMs := int64(math.Ceil(float64(b.Burst)*1000/b.PerSecond)) + 1000

	res, err := chargeScript.Run(ctx, b.Redis, []string{key}, b.Burst, b.PerSecond, nowMs, cost, ttlMs).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("request budget: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, errBudgetReply
	}
	waitMs, ok := res[0].(int64)
	if !ok {
		return Decision{}, errBudgetReply
	}
	availStr, ok := res[1].(string)
	if !ok {
		return Decision{}, errBudgetReply
	}
	avail, err := strconv.ParseFloat(availStr, 64)
	if err != nil {
		return Decision{}, errBudgetReply
	}

	return Decision{
		Allowed:    waitMs == 0,
		Remaining:  int(math.Floor(avail)),
		RetryAfter: time.Duration(waitMs) * time.Millisecond,
	}, nil
}

// Middleware charges each request costFn(r) against callerFn(r)'s budget.
// Requests without a caller key pass through; a nil costFn charges 1.
func (b *RequestBudget) Middleware(callerFn func(*http.Request) string, costFn func(*http.Request) int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := callerFn(r)
			if caller == "" || !b.enabled() {
				next.ServeHTTP(w, r)
				return
			}
			cost := 1
			if costFn != nil {
				cost = costFn(r)
			}

			d, err := b.Charge(r.Context(), caller, cost)
			if err != nil {
				WriteJSONError(w, r, http.StatusServiceUnavailable, "rate_limiter_unavailable")
				return
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(b.Burst))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(d.RetryAfter)))
				WriteJSONError(w, r, http.StatusTooManyRequests, "rate_limited")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func retryAfterSeconds(d time.Duration) int {
	return max(1, int(math.Ceil(d.Seconds())))
}
