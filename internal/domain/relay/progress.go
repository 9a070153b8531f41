// Данный файл реализует пейсер уведомлений «ещё работаю»: первое срабатывание
// через First, далее каждые Every, не более MaxCount раз. Сбои колбэка
// логируются и глотаются; после завершения задачи ни один колбэк не стреляет.
package relay

import (
	"context"
	"time"

	"telegram-relay/internal/infra/logger"
)

// ProgressConfig — расписание уведомлений о прогрессе.
type ProgressConfig struct {
	First    time.Duration
	Every    time.Duration
	MaxCount int
}

// RunWithProgress исполняет task, параллельно отдавая onProgress с номером
// срабатывания (с единицы) по расписанию cfg. Возвращает результат задачи как
// есть. Гарантия детерминизма: к моменту возврата пейсер остановлен, колбэк
// после завершения задачи невозможен.
func RunWithProgress[T any](ctx context.Context, cfg ProgressConfig, onProgress func(count int), task func(ctx context.Context) (T, error)) (T, error) {
	stop := make(chan struct{})
	pacerDone := make(chan struct{})

	go func() {
		defer close(pacerDone)
		if cfg.MaxCount <= 0 || onProgress == nil {
			return
		}
		timer := time.NewTimer(cfg.First)
		defer timer.Stop()

		for count := 1; ; count++ {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-timer.C:
			}
			// Таймер и остановка могли быть готовы одновременно; select между
			// готовыми ветками случаен, поэтому stop перепроверяется до колбэка.
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			default:
			}
			fireProgress(onProgress, count)
			if count >= cfg.MaxCount {
				return
			}
			timer.Reset(cfg.Every)
		}
	}()

	result, err := task(ctx)
	close(stop)
	<-pacerDone
	return result, err
}

// fireProgress вызывает колбэк, гася панику: прогресс никогда не валит ход.
func fireProgress(onProgress func(count int), count int) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warnf("progress callback #%d panicked: %v", count, r)
		}
	}()
	onProgress(count)
}
