// Package session — доменная модель возобновляемых сессий relay: ключи
// топиков/сессий, персистентные записи и оперативный кэш поверх хранилища.
// Сессия привязывает разговор (топик + рабочая директория) к непрозрачному
// идентификатору сессии провайдера модели и переживает рестарты процесса.
package session

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// rootThreadLabel — каноническое обозначение отсутствующего треда в TopicKey.
const rootThreadLabel = "root"

// TopicKey — канонический идентификатор разговора: "<chatID>:<threadID|root>".
// Внутри одного TopicKey сообщения обрабатываются строго по очереди.
type TopicKey string

// MakeTopicKey собирает TopicKey из идентификатора чата и необязательного треда.
// thread == nil означает корневой разговор чата ("root").
func MakeTopicKey(chatID int64, thread *int64) TopicKey {
	label := rootThreadLabel
	if thread != nil {
		label = strconv.FormatInt(*thread, 10)
	}
	return TopicKey(strconv.FormatInt(chatID, 10) + ":" + label)
}

// ChatID извлекает идентификатор чата из ключа.
func (k TopicKey) ChatID() (int64, error) {
	head, _, ok := strings.Cut(string(k), ":")
	if !ok {
		return 0, fmt.Errorf("malformed topic key %q", string(k))
	}
	return strconv.ParseInt(head, 10, 64)
}

// Thread извлекает идентификатор треда; nil для корневого разговора.
func (k TopicKey) Thread() (*int64, error) {
	_, tail, ok := strings.Cut(string(k), ":")
	if !ok {
		return nil, fmt.Errorf("malformed topic key %q", string(k))
	}
	if tail == rootThreadLabel {
		return nil, nil
	}
	id, err := strconv.ParseInt(tail, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed topic key %q: %w", string(k), err)
	}
	return &id, nil
}

// Key — ключ возобновляемой сессии: топик плюс рабочая директория агента.
// Один и тот же топик с разными workspace ведёт независимые сессии.
type Key struct {
	Topic     TopicKey
	Workspace string
}

// Encode сериализует ключ в канонический вид для персистентности: JSON-кортеж
// из двух элементов ["<chatId>:<threadId|root>", "<workspacePath>"]. Формат
// виден снаружи (админские инструменты разбирают его как кортеж).
func (k Key) Encode() string {
	raw, err := json.Marshal([2]string{string(k.Topic), k.Workspace})
	if err != nil {
		// Две строки маршалятся всегда; ветка недостижима.
		panic(err)
	}
	return string(raw)
}

// DecodeKey разбирает канонический вид ключа сессии.
func DecodeKey(encoded string) (Key, error) {
	var tuple [2]string
	if err := json.Unmarshal([]byte(encoded), &tuple); err != nil {
		return Key{}, fmt.Errorf("malformed session key %q: %w", encoded, err)
	}
	return Key{Topic: TopicKey(tuple[0]), Workspace: tuple[1]}, nil
}
