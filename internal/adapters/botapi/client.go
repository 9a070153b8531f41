// Package botapi — транспорт чата relay поверх Telegram Bot API.
//
// В этом файле (client.go):
//   - настраивается HTTP-клиент и общий троттлер исходящих запросов;
//   - реализуется длинный опрос getUpdates с курсором (offset);
//   - реализуется sendMessage с опциональным message_thread_id;
//   - HTTP-уровневые и API-уровневые отказы приводятся к *relay.TransportAPIError,
//     на который опирается откат треда при 400.
package botapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"telegram-relay/internal/domain/relay"
)

// pollSlack — запас HTTP-таймаута сверх длительности длинного опроса.
const pollSlack = 10 * time.Second

// Client реализует relay.ChatPort поверх Bot API.
//
// Поля:
//   - baseURL — конечная точка бота (с учётом /test);
//   - httpClient — HTTP-клиент с таймаутом, покрывающим длинный опрос;
//   - limiter — общий троттлер исходящих сообщений (token bucket);
//   - pollTimeout — длительность длинного опроса getUpdates.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	limiter     *rate.Limiter
	pollTimeout time.Duration
}

// Options — параметры клиента Bot API.
type Options struct {
	Token       string
	TestDC      bool
	RPS         int
	PollTimeout time.Duration
}

// NewClient создаёт транспорт Bot API. При TestDC=true добавляется суффикс /test
// к токену согласно Bot API. RPS задаёт целевую частоту исходящих сообщений.
func NewClient(opts Options) (*Client, error) {
	token := strings.TrimSpace(opts.Token)
	if token == "" {
		return nil, fmt.Errorf("botapi: token is empty")
	}
	if opts.TestDC {
		token += "/test"
	}
	rps := opts.RPS
	if rps < 1 {
		rps = 1
	}
	pollTimeout := opts.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 30 * time.Second
	}

	return &Client{
		baseURL: fmt.Sprintf("https://api.telegram.org/bot%s", token),
		httpClient: &http.Client{
			Timeout: pollTimeout + pollSlack,
		},
		limiter:     rate.NewLimiter(rate.Limit(rps), rps),
		pollTimeout: pollTimeout,
	}, nil
}

// apiUpdate — элемент ответа getUpdates (только нужные relay поля).
type apiUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		MessageID int64 `json:"message_id"`
		Date      int64 `json:"date"`
		Text      string `json:"text"`
		ThreadID  *int64 `json:"message_thread_id"`
		Chat      struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

// ReceiveUpdates выполняет один цикл длинного опроса getUpdates, начиная с
// cursor (offset). Служебные апдейты без сообщения возвращаются с nil Message —
// воркер продвигает по ним курсор, ничего не исполняя.
func (c *Client) ReceiveUpdates(ctx context.Context, cursor int64) ([]relay.Update, error) {
	payload := struct {
		Offset         int64    `json:"offset"`
		Timeout        int      `json:"timeout"`
		AllowedUpdates []string `json:"allowed_updates"`
	}{
		Offset:         cursor,
		Timeout:        int(c.pollTimeout / time.Second),
		AllowedUpdates: []string{"message"},
	}

	var raw []apiUpdate
	if err := c.call(ctx, "getUpdates", payload, &raw); err != nil {
		return nil, err
	}

	updates := make([]relay.Update, 0, len(raw))
	for _, u := range raw {
		upd := relay.Update{UpdateID: u.UpdateID}
		if u.Message != nil && u.Message.Text != "" {
			upd.Message = &relay.InboundMessage{
				ChatID:          u.Message.Chat.ID,
				Thread:          u.Message.ThreadID,
				Text:            u.Message.Text,
				ReceivedAt:      time.Unix(u.Message.Date, 0).UTC(),
				SourceMessageID: u.Message.MessageID,
			}
		}
		updates = append(updates, upd)
	}
	return updates, nil
}

// Send отправляет текст в чат (и тред, если задан) через sendMessage под
// троттлером. Отказы возвращаются как *relay.TransportAPIError.
func (c *Client) Send(ctx context.Context, chatID int64, thread *int64, text string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	payload := struct {
		ChatID                int64  `json:"chat_id"`
		ThreadID              *int64 `json:"message_thread_id,omitempty"`
		Text                  string `json:"text"`
		DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
	}{
		ChatID:                chatID,
		ThreadID:              thread,
		Text:                  text,
		DisableWebPagePreview: true,
	}
	return c.call(ctx, "sendMessage", payload, nil)
}

// call выполняет POST JSON к методу Bot API и разбирает конверт ответа.
// result может быть nil, если полезная нагрузка не нужна.
func (c *Client) call(ctx context.Context, method string, payload any, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("botapi: marshal %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("botapi: build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("botapi: %s: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("botapi: read %s response: %w", method, err)
	}

	var envelope struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description"`
		ErrorCode   int             `json:"error_code"`
		Result      json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		if resp.StatusCode != http.StatusOK {
			return &relay.TransportAPIError{
				StatusCode:  resp.StatusCode,
				Method:      method,
				Description: strings.TrimSpace(string(respBody)),
			}
		}
		return fmt.Errorf("botapi: decode %s response: %w", method, err)
	}

	if !envelope.OK {
		status := envelope.ErrorCode
		if status == 0 {
			status = resp.StatusCode
		}
		return &relay.TransportAPIError{
			StatusCode:  status,
			Method:      method,
			Description: strings.TrimSpace(envelope.Description),
		}
	}

	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("botapi: decode %s result: %w", method, err)
		}
	}
	return nil
}
