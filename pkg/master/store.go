package master

import (
	"fmt"

	"github.com/vc3-project/vc3-master/pkg/config"
	"github.com/vc3-project/vc3-master/pkg/storage"
)

// OpenStore opens the configured entity store
func OpenStore(cfg config.StoreConfig) (storage.Store, error) {
	switch cfg.Driver {
	case config.DriverBolt, "":
		s, err := storage.NewBoltStore(cfg.Path, cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("failed to open store in %s: %w", cfg.Path, err)
		}
		return s, nil
	case config.DriverRedis:
		s, err := storage.NewRedisStore(storage.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			Timeout:   cfg.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}
