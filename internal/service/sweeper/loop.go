// Package sweeper запускает периодические фоновые задачи: истечение зависших попыток оплаты
// и очистка просроченных idempotency-записей.
package sweeper

import (
	"context"
	"time"
)

// every вызывает fn сразу и затем с интервалом interval до отмены ctx.
func every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	fn(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
