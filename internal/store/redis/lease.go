package redis

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/lbc-team/cex-wallet-sub001/internal/domain/model"
)

// renewScript extends the lease only while the caller still owns it.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the lease only while the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease is a per-(chain, network) scan lease shared by replicas. Only the
// holder runs the scan, confirmation and withdrawal loops for the chain.
type Lease struct {
	client redis.Cmdable
	key    string
	token  string
	ttl    time.Duration
	held   atomic.Bool
}

func LeaseKey(chain model.Chain, network model.Network) string {
	return fmt.Sprintf("indexer:lease:%s:%s", chain, network)
}

func NewLease(client redis.Cmdable, chain model.Chain, network model.Network, ttl time.Duration) *Lease {
	return &Lease{
		client: client,
		key:    LeaseKey(chain, network),
		token:  uuid.NewString(),
		ttl:    ttl,
	}
}

// Acquire takes the lease or renews it when already held. It reports
// whether the caller holds the lease afterwards.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	if l.held.Load() {
		n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
		if err != nil {
			return false, fmt.Errorf("renew lease %s: %w", l.key, err)
		}
		if n == 1 {
			return true, nil
		}
		// Expired and possibly taken by another replica.
		l.held.Store(false)
	}

	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	l.held.Store(ok)
	return ok, nil
}

// Release gives the lease up if still owned.
func (l *Lease) Release(ctx context.Context) error {
	if !l.held.Swap(false) {
		return nil
	}
	err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	return nil
}

func (l *Lease) Held() bool {
	return l.held.Load()
}
