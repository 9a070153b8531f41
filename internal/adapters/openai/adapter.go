// Package openai — адаптер агентной модели поверх OpenAI-совместимого API.
// Возобновляемость реализована оперативной историей диалога на идентификатор
// сессии: Respond продолжает известную историю либо заводит свежую; неизвестный
// идентификатор отклоняется как протухшая сессия — ядро ретраит ход со свежей.
// Отказы провайдера приводятся к *relay.ModelError с классификацией.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	goopenai "github.com/sashabaranov/go-openai"

	"telegram-relay/internal/domain/relay"
	"telegram-relay/internal/domain/session"
)

// maxHistoryMessages — потолок оперативной истории одной сессии (без системного
// сообщения). Старшие пары срезаются, системное сообщение сохраняется.
const maxHistoryMessages = 40

// systemPrompt — базовая роль ассистента; рабочая директория дописывается.
const systemPrompt = "You are a helpful assistant relayed through a chat. Keep answers concise and format code in fenced blocks."

// Adapter реализует relay.ModelPort (плюс ResetSession и Ping).
type Adapter struct {
	client *goopenai.Client
	model  string

	mu        sync.Mutex
	histories map[string][]goopenai.ChatCompletionMessage // id сессии → история
	byKey     map[string]string                           // ключ сессии → id сессии
	seq       int64
}

// Options — параметры адаптера. APIKey обязателен; BaseURL позволяет указать
// совместимый шлюз.
type Options struct {
	APIKey  string
	BaseURL string
	Model   string
}

// New создаёт адаптер модели.
func New(opts Options) (*Adapter, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("openai: api key is empty")
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, errors.New("openai: model is empty")
	}

	cfg := goopenai.DefaultConfig(opts.APIKey)
	if strings.TrimSpace(opts.BaseURL) != "" {
		cfg.BaseURL = opts.BaseURL
	}

	return &Adapter{
		client:    goopenai.NewClientWithConfig(cfg),
		model:     opts.Model,
		histories: make(map[string][]goopenai.ChatCompletionMessage),
		byKey:     make(map[string]string),
	}, nil
}

// Respond исполняет один ход: продолжает историю по req.SessionID либо заводит
// свежую сессию. Неизвестный SessionID — протухшая сессия (текст ошибки попадает
// под классификацию session_invalid).
func (a *Adapter) Respond(ctx context.Context, req relay.ModelRequest) (*relay.ModelReply, error) {
	key := session.Key{
		Topic:     session.MakeTopicKey(req.ChatID, req.Thread),
		Workspace: req.WorkspacePath,
	}

	sessionID, history, err := a.takeHistory(req.SessionID, key)
	if err != nil {
		return nil, err
	}

	messages := append(history, goopenai.ChatCompletionMessage{
		Role:    goopenai.ChatMessageRoleUser,
		Content: req.Text,
	})
	for _, extra := range req.Context {
		messages = append(messages, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: extra,
		})
	}

	resp, err := a.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:    a.model,
		Messages: messages,
	})
	if err != nil {
		return nil, classifyProviderError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: no user-facing text output in completion")
	}

	replyText := resp.Choices[0].Message.Content
	a.storeHistory(sessionID, key, append(messages, goopenai.ChatCompletionMessage{
		Role:    goopenai.ChatMessageRoleAssistant,
		Content: replyText,
	}))

	return &relay.ModelReply{
		Mode:       "chat_reply",
		ReplyText:  replyText,
		Confidence: 1,
		SessionID:  sessionID,
	}, nil
}

// ResetSession забывает оперативную историю сессии ключа (восстановление после
// отравленной сессии).
func (a *Adapter) ResetSession(_ context.Context, key session.Key) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	encoded := key.Encode()
	if id, ok := a.byKey[encoded]; ok {
		delete(a.histories, id)
		delete(a.byKey, encoded)
	}
	return nil
}

// Ping проверяет доступность провайдера списком моделей.
func (a *Adapter) Ping(ctx context.Context) error {
	if _, err := a.client.ListModels(ctx); err != nil {
		return classifyProviderError(err)
	}
	return nil
}

// takeHistory возвращает историю продолжаемой сессии либо заводит свежую с
// системным сообщением.
func (a *Adapter) takeHistory(requested string, key session.Key) (string, []goopenai.ChatCompletionMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if requested != "" {
		history, ok := a.histories[requested]
		if !ok {
			return "", nil, fmt.Errorf("openai: stale session %q: history not found", requested)
		}
		out := make([]goopenai.ChatCompletionMessage, len(history))
		copy(out, history)
		return requested, out, nil
	}

	a.seq++
	sessionID := fmt.Sprintf("oas-%d-%d", time.Now().UnixNano(), a.seq)
	prompt := systemPrompt
	if key.Workspace != "" {
		prompt += fmt.Sprintf(" The working directory for this conversation is %s.", key.Workspace)
	}
	return sessionID, []goopenai.ChatCompletionMessage{{
		Role:    goopenai.ChatMessageRoleSystem,
		Content: prompt,
	}}, nil
}

// storeHistory фиксирует историю сессии, срезая её до потолка (системное
// сообщение остаётся первым).
func (a *Adapter) storeHistory(sessionID string, key session.Key, history []goopenai.ChatCompletionMessage) {
	if len(history) > maxHistoryMessages+1 {
		trimmed := make([]goopenai.ChatCompletionMessage, 0, maxHistoryMessages+1)
		trimmed = append(trimmed, history[0])
		trimmed = append(trimmed, history[len(history)-maxHistoryMessages:]...)
		history = trimmed
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.histories[sessionID] = history
	a.byKey[key.Encode()] = sessionID
}

// classifyProviderError приводит ошибку клиента OpenAI к *relay.ModelError.
// HTTP-статусы провайдера дают структурированную классификацию; остальное
// уходит как internal.
func classifyProviderError(err error) error {
	var apiErr *goopenai.APIError
	if !errors.As(err, &apiErr) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return &relay.ModelError{Classification: relay.ModelClassAborted, Upstream: err.Error()}
		}
		return errors.Wrap(err, "openai call")
	}

	classification := relay.ModelClassInternal
	switch {
	case apiErr.HTTPStatusCode == http.StatusUnauthorized || apiErr.HTTPStatusCode == http.StatusForbidden:
		classification = relay.ModelClassAuth
	case apiErr.HTTPStatusCode == http.StatusPaymentRequired ||
		strings.Contains(strings.ToLower(apiErr.Message), "quota") ||
		strings.Contains(strings.ToLower(apiErr.Message), "billing"):
		classification = relay.ModelClassBilling
	case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
		classification = relay.ModelClassRateLimit
	case apiErr.HTTPStatusCode == http.StatusServiceUnavailable || apiErr.HTTPStatusCode == http.StatusBadGateway:
		classification = relay.ModelClassCapacity
	}
	return &relay.ModelError{Classification: classification, Upstream: apiErr.Message}
}
