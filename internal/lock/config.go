package lock

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/vdavid/ticketdesk/internal/config"
)

// FromConfig returns the locker named by cfg.LockBackend. The returned close func releases
// any client FromConfig opened and is never nil.
func FromConfig(cfg *config.Config, pool *pgxpool.Pool) (Locker, func() error, error) {
	switch cfg.LockBackend {
	case config.LockPostgres, "":
		return NewPostgresLocker(pool), func() error { return nil }, nil
	case config.LockRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return NewRedisLocker(client, 0), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown lock backend %q", cfg.LockBackend)
	}
}
