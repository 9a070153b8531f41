// Данный файл реализует классификатор сбоев хода: замкнутая таксономия классов
// и отображение класса в текст для пользователя. Источники двух родов:
// структурированные ошибки адаптера (*ModelError) и строковые паттерны в тексте
// ошибки. Структурированный код предпочитается; строковый матчинг — документи-
// рованный фолбэк для сообщений провайдера, просочившихся насквозь.
package relay

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-faster/errors"
)

// FailureClass — класс сбоя хода. Множество замкнуто.
type FailureClass string

// Классы сбоев в порядке убывания приоритета сопоставления.
const (
	FailureModelError     FailureClass = "model_error"
	FailureToolCallError  FailureClass = "tool_call_error"
	FailureModelTransient FailureClass = "model_transient"
	FailureTimeout        FailureClass = "timeout"
	FailureEmptyOutput    FailureClass = "empty_output"
	FailureSessionInvalid FailureClass = "session_invalid"
	FailureTransport      FailureClass = "transport"
)

// toolCallPatterns — подстроки, выдающие отказ провайдера на tool-вызове.
var toolCallPatterns = []string{
	"failed_generation",
	"tool call validation",
	"tool_use_failed",
	"tool use failed",
}

// sessionInvalidPattern — протухший/невалидный токен сессии у провайдера.
var sessionInvalidPattern = regexp.MustCompile(
	`(?i)(stale|invalid|expired|unknown|not found).{0,40}session|session.{0,40}(stale|invalid|expired|unknown|not found)`,
)

// busyPatterns — провайдер занят предыдущим ходом той же сессии; лечится так же,
// как невалидная сессия (свежая сессия на ретрае).
var busyPatterns = []string{
	"already processing",
	"agent is busy",
}

// Classify относит ошибку к одному из классов таксономии. Матчинг
// нечувствителен к регистру; порядок проверок фиксирован:
// model_error → tool_call_error → model_transient → timeout → empty_output →
// session_invalid → transport (по умолчанию).
func Classify(err error) FailureClass {
	if err == nil {
		return FailureTransport
	}

	text := strings.ToLower(err.Error())
	toolCall := containsAny(text, toolCallPatterns)

	var modelErr *ModelError
	if errors.As(err, &modelErr) {
		switch modelErr.Classification {
		case ModelClassBilling, ModelClassAuth, ModelClassInternal, ModelClassMaxSteps, ModelClassAborted:
			if toolCall {
				return FailureToolCallError
			}
			return FailureModelError
		case ModelClassRateLimit, ModelClassCapacity:
			return FailureModelTransient
		}
	}

	switch {
	case toolCall:
		return FailureToolCallError
	case strings.Contains(text, "timed out"):
		return FailureTimeout
	case strings.Contains(text, "no user-facing text output"):
		return FailureEmptyOutput
	case sessionInvalidPattern.MatchString(text) || containsAny(text, busyPatterns):
		return FailureSessionInvalid
	default:
		return FailureTransport
	}
}

// containsAny проверяет вхождение любого из паттернов в text (оба в нижнем
// регистре).
func containsAny(text string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}

// Retryable сообщает, допускает ли класс один ретрай со свежей сессией.
// Таймаут ретраится без пометки сессии stale; session_invalid и tool_call_error
// — с пометкой.
func (c FailureClass) Retryable() bool {
	switch c {
	case FailureSessionInvalid, FailureToolCallError, FailureTimeout:
		return true
	default:
		return false
	}
}

// DiscardsSession сообщает, надо ли перед ретраем помечать сессию stale.
// Таймаут нейтрален: сессия провайдера может быть жива.
func (c FailureClass) DiscardsSession() bool {
	return c == FailureSessionInvalid || c == FailureToolCallError
}

// UserText возвращает текст сбоя для пользователя. relayTimeout участвует
// только в тексте таймаута.
func (c FailureClass) UserText(err error, relayTimeout time.Duration) string {
	switch c {
	case FailureTimeout:
		return fmt.Sprintf(
			"The model did not finish within %ds. Please retry, or increase RELAY_TIMEOUT_MS for long-running tasks.",
			int(relayTimeout/time.Second),
		)
	case FailureEmptyOutput:
		return "The model finished without user-visible output. Try rephrasing your request."
	case FailureSessionInvalid:
		return "Your previous session expired. I started a fresh session; please retry this request."
	case FailureToolCallError:
		return "The model's response was rejected by the provider. I've cleared the conversation — please try again."
	case FailureModelError:
		var modelErr *ModelError
		if errors.As(err, &modelErr) {
			return fmt.Sprintf("⚠️ %s error from the model provider: %s", modelErr.Classification, modelErr.Upstream)
		}
		return fmt.Sprintf("⚠️ error from the model provider: %s", err)
	case FailureModelTransient:
		return "The model provider is temporarily unavailable. Please try again later."
	default:
		return "I hit a transport/delivery issue while relaying this response. Please retry now."
	}
}
