// Данный файл содержит RunWithDeadline — гонку вызова с таймером. Используется
// для ограничения времени одного хода модели: по истечении срока синхронно
// вызывается onTimeout-хук (отмена вызова адаптера, если он её поддерживает),
// после чего возвращается ошибка "timed out after Nms".

package concurrency

import (
	"context"
	"fmt"
	"time"
)

// TimedOutError сигнализирует, что вызов не уложился в отведённый срок.
// Текст намеренно содержит "timed out" — на него опирается классификация сбоев.
type TimedOutError struct {
	Limit time.Duration
}

// Error форматирует срок в миллисекундах.
func (e *TimedOutError) Error() string {
	return fmt.Sprintf("timed out after %dms", e.Limit.Milliseconds())
}

// RunWithDeadline исполняет fn, ограничивая ожидание результата сроком limit.
// Семантика:
//   - результат или ошибка fn возвращаются как есть, если fn уложился в срок;
//   - по таймауту сначала синхронно вызывается onTimeout (может быть nil), затем
//     отменяется контекст fn и возвращается *TimedOutError;
//   - fn получает дочерний контекст и обязан уважать его отмену; если не уважает,
//     горутина доработает в фоне, но результат будет отброшен.
func RunWithDeadline[T any](
	ctx context.Context,
	limit time.Duration,
	onTimeout func(),
	fn func(ctx context.Context) (T, error),
) (T, error) {
	type outcome struct {
		value T
		err   error
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		value, err := fn(callCtx)
		done <- outcome{value: value, err: err}
	}()

	timer := time.NewTimer(limit)
	defer timer.Stop()

	var zero T
	select {
	case out := <-done:
		return out.value, out.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-timer.C:
		if onTimeout != nil {
			onTimeout()
		}
		cancel()
		return zero, &TimedOutError{Limit: limit}
	}
}
