package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/riskgate/internal/infra"
	"go.uber.org/zap"
)

// KillSwitch аварийное отключение моделей по семейству. Пока рубильник включен,
// решения считаются только по правилам и помечаются degraded_scoring.
type KillSwitch struct {
	mu       sync.RWMutex
	disabled map[string]struct{}
	rdb      *redis.Client
	logger   *zap.Logger
}

func NewKillSwitch(rdb *redis.Client, logger *zap.Logger) *KillSwitch {
	return &KillSwitch{
		disabled: make(map[string]struct{}),
		rdb:      rdb,
		logger:   logger.With(zap.String("mod", "kill-switch")),
	}
}

// Init загружает текущее состояние рубильников при старте сервиса
func (k *KillSwitch) Init(ctx context.Context) error {
	if k.rdb == nil {
		return nil
	}
	families, err := k.rdb.SMembers(ctx, infra.RedisKeyScoringDisabled).Result()
	if err != nil {
		return err
	}

	k.mu.Lock()
	k.disabled = make(map[string]struct{}, len(families))
	for _, f := range families {
		k.disabled[f] = struct{}{}
	}
	k.mu.Unlock()
	return nil
}

func (k *KillSwitch) IsDisabled(family string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, off := k.disabled[family]
	return off
}

func (k *KillSwitch) Families() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]string, 0, len(k.disabled))
	for f := range k.disabled {
		out = append(out, f)
	}
	return out
}

func (k *KillSwitch) mark(family string, disabled bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if disabled {
		k.disabled[family] = struct{}{}
	} else {
		delete(k.disabled, family)
	}
}

// Set переключает рубильник и рассылает сигнал остальным инстансам.
func (k *KillSwitch) Set(ctx context.Context, family string, disabled bool) error {
	if k.rdb != nil {
		var err error
		if disabled {
			err = k.rdb.SAdd(ctx, infra.RedisKeyScoringDisabled, family).Err()
		} else {
			err = k.rdb.SRem(ctx, infra.RedisKeyScoringDisabled, family).Err()
		}
		if err != nil {
			return fmt.Errorf("kill-switch %s: %w", family, err)
		}
	}
	k.mark(family, disabled)

	val := "off"
	if disabled {
		val = "on"
	}
	infra.Publish(ctx, k.rdb, k.logger, infra.RedisChanKillSwitch, family+":"+val)
	k.logger.Warn("scoring kill-switch toggled", zap.String("family", family), zap.Bool("disabled", disabled))
	return nil
}

// StartListener держит локальную копию в синхроне с Redis. Формат сигнала "family:on|off".
func (k *KillSwitch) StartListener(ctx context.Context) {
	infra.ListenResilient(ctx, k.rdb, k.logger, infra.RedisChanKillSwitch,
		func() error { return k.Init(ctx) },
		func(payload string) {
			i := strings.LastIndexByte(payload, ':')
			if i <= 0 {
				k.logger.Error("invalid signal format", zap.String("payload", payload))
				return
			}
			k.mark(payload[:i], payload[i+1:] == "on")
		},
	)
}
