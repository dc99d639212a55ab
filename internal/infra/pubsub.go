package infra

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ListenResilient универсальный цикл "живучей" подписки на сигналы Redis.
// При каждом успешном (пере)подключении вызывает onReconnect, чтобы догнать пропущенное.
func ListenResilient(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	channel string,
	onReconnect func() error,
	onMessage func(payload string),
) {
	for {
		pubsub := rdb.Subscribe(ctx, channel)

		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to subscribe", zap.String("chan", channel), zap.Error(err))
			if !sleepCtx(ctx, 5*time.Second) {
				return
			}
			continue
		}

		if err := onReconnect(); err != nil {
			logger.Error("sync failed on reconnect", zap.String("chan", channel), zap.Error(err))
		}

		ch := pubsub.Channel()
	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}
				onMessage(msg.Payload)
			}
		}
		pubsub.Close()
		if !sleepCtx(ctx, time.Second) {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Publish отправляет сигнал об изменении. Ошибка доставки не фатальна: инстансы
// догонят состояние при переподключении.
func Publish(ctx context.Context, rdb *redis.Client, logger *zap.Logger, channel, payload string) {
	if rdb == nil {
		return
	}
	if err := rdb.Publish(ctx, channel, payload).Err(); err != nil {
		logger.Warn("runtime signal delivery failed", zap.String("channel", channel), zap.Error(err))
	}
}
