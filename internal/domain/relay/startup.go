// Данный файл реализует долговечный протокол подтверждения рестарта: на старте
// воркер дочитывает отметку PendingStartupAck и доносит пользователю «рестарт
// завершён». Сбой доставки не теряет отметку — счётчик попыток растёт, и
// следующий запуск пробует снова.
package relay

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"

	"telegram-relay/internal/infra/buildinfo"
	"telegram-relay/internal/infra/logger"
)

// FlushPendingStartupAck выполняется один раз на старте воркера: читает
// синглтон-отметку рестарта и пытается доставить подтверждение. Успех очищает
// отметку; сбой инкрементирует attemptCount и сохраняет текст ошибки.
func FlushPendingStartupAck(ctx context.Context, store Store, messenger *Messenger, wctx *WorkerContext, build buildinfo.Info) error {
	ack, err := store.GetPendingStartupAck()
	if err != nil {
		return errors.Wrap(err, "read pending startup ack")
	}
	if ack == nil {
		return nil
	}

	text := fmt.Sprintf("Restart complete. Running %s.", build.String())
	sendErr := messenger.Send(ctx, wctx, ack.ChatID, ThreadPtr(ack.Thread), text, "")
	if sendErr == nil {
		if err := store.ClearPendingStartupAck(); err != nil {
			return errors.Wrap(err, "clear pending startup ack")
		}
		logger.Infof("startup ack delivered to chat %d (attempt %d)", ack.ChatID, ack.AttemptCount+1)
		return nil
	}

	ack.AttemptCount++
	ack.LastError = sendErr.Error()
	if err := store.UpsertPendingStartupAck(*ack); err != nil {
		logger.Errorf("startup ack: persist failed attempt: %v", err)
	}
	logger.Warnf("startup ack delivery failed (attempt %d): %v", ack.AttemptCount, sendErr)
	return errors.Wrap(sendErr, "deliver startup ack")
}
