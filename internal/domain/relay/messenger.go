// Данный файл реализует надёжную доставку ответа: разрез на части под лимит
// транспорта, метаданные частей, разрешение треда и откат на корень чата при
// HTTP 400 (тред удалён или недоступен). Части уходят строго по порядку; сбой
// после k-й части оставляет 1..k доставленными и фиксирует partial_send.
package relay

import (
	"context"

	"github.com/go-faster/errors"

	"telegram-relay/internal/infra/logger"
)

// MaxChunkLen — лимит транспорта на одно исходящее сообщение (профиль Telegram).
const MaxChunkLen = 4096

// chunkMetaReserve — резерв под индикатор части " (i/N)".
const chunkMetaReserve = 12

// ThreadRef — трёхзначная ссылка на тред исходящего сообщения:
//   - ThreadAuto: тред не указан, взять последний виденный тред чата;
//   - ThreadNone: явно корень чата;
//   - ThreadID(id): конкретный тред.
type ThreadRef struct {
	auto bool
	id   *int64
}

// ThreadAuto просит разрешить тред по последнему входящему сообщению чата.
func ThreadAuto() ThreadRef { return ThreadRef{auto: true} }

// ThreadNone адресует корень чата.
func ThreadNone() ThreadRef { return ThreadRef{} }

// ThreadID адресует конкретный тред.
func ThreadID(id int64) ThreadRef { return ThreadRef{id: &id} }

// ThreadPtr оборачивает опциональный тред входящего сообщения.
func ThreadPtr(id *int64) ThreadRef {
	if id == nil {
		return ThreadNone()
	}
	return ThreadID(*id)
}

// Messenger доставляет текст через ChatPort частями с учётом тредов.
type Messenger struct {
	port ChatPort
}

// NewMessenger создаёт Messenger поверх транспорта чата.
func NewMessenger(port ChatPort) *Messenger {
	return &Messenger{port: port}
}

// Send режет text на части, добавляет метаданные и отправляет по порядку.
// Тред разрешается из thread (ThreadAuto берёт последний тред чата из wctx).
// На HTTP 400 при заданном треде текущая часть повторяется без треда, и тред
// снимается со всех оставшихся частей. Иные сбои прерывают доставку; если
// что-то уже ушло, фиксируется partial_send.
func (m *Messenger) Send(ctx context.Context, wctx *WorkerContext, chatID int64, thread ThreadRef, text, footer string) error {
	reserved := len([]rune(footer)) + chunkMetaReserve
	chunks := AddChunkMetadata(SplitText(text, MaxChunkLen, reserved), footer)
	if len(chunks) == 0 {
		return nil
	}

	threadID := thread.id
	if thread.auto {
		if last, ok := wctx.LastThread(chatID); ok {
			threadID = last
		}
	}

	delivered := 0
	totalChars := 0
	for _, chunk := range chunks {
		if err := m.port.Send(ctx, chatID, threadID, chunk); err != nil {
			if threadID != nil && isTransportBadRequest(err) {
				logger.Warnf("messenger: chat %d: thread %d rejected (400), falling back to chat root", chatID, *threadID)
				threadID = nil
				if retryErr := m.port.Send(ctx, chatID, nil, chunk); retryErr != nil {
					return m.fail(chatID, delivered, len(chunks), retryErr)
				}
			} else {
				return m.fail(chatID, delivered, len(chunks), err)
			}
		}
		delivered++
		totalChars += len([]rune(chunk))
	}

	logger.Debugf("messenger: chat %d: sent %d chunk(s), %d chars", chatID, delivered, totalChars)
	return nil
}

// fail фиксирует partial_send (если часть уже доставлена) и возвращает ошибку.
func (m *Messenger) fail(chatID int64, delivered, total int, err error) error {
	if delivered > 0 {
		logger.Warnf("messenger: chat %d: partial_send: %d of %d chunk(s) delivered: %v", chatID, delivered, total, err)
	}
	return errors.Wrap(err, "send chunk")
}

// isTransportBadRequest распознаёт HTTP 400 транспорта.
func isTransportBadRequest(err error) bool {
	var apiErr *TransportAPIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 400
}
