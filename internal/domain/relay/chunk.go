// Данный файл реализует разбиение длинного ответа на части под лимит транспорта
// (Telegram: 4096 символов на сообщение). Разрез предпочитает границу абзаца,
// затем границу строки, затем жёсткий срез. Открытый блок кода (тройные
// бэктики) закрывается в конце текущей части и переоткрывается с тем же тегом
// языка в начале следующей, чтобы каждая часть оставалась валидным markdown.
package relay

import (
	"fmt"
	"strings"
)

// fenceMarker — маркер блока кода; fenceCloseLen — резерв на "\n```" в конце части.
const (
	fenceMarker   = "```"
	fenceCloseLen = 4
)

// fenceState отслеживает открытый блок кода между частями.
type fenceState struct {
	open bool
	lang string
}

// advance прокручивает состояние через исходный текст части. Префикс
// переоткрытия сюда попадать не должен: он сам маркер и инвертировал бы
// перенесённое состояние.
func (f fenceState) advance(chunk string) fenceState {
	for _, line := range strings.Split(chunk, "\n") {
		trimmed := strings.TrimLeft(line, " \t")
		if !strings.HasPrefix(trimmed, fenceMarker) {
			continue
		}
		if f.open {
			f.open = false
			f.lang = ""
		} else {
			f.open = true
			f.lang = strings.TrimSpace(strings.TrimPrefix(trimmed, fenceMarker))
		}
	}
	return f
}

// reopen возвращает префикс переоткрытия блока кода для следующей части.
func (f fenceState) reopen() string {
	if !f.open {
		return ""
	}
	return fenceMarker + f.lang + "\n"
}

// SplitText режет text на упорядоченные непустые части длиной не более maxLen
// символов (рун). reservedFooter уменьшает бюджет каждой части, оставляя место
// под футер и индикатор частей. Конкатенация частей равна исходному тексту с
// точностью до вставленных пар закрытия/переоткрытия блока кода.
func SplitText(text string, maxLen, reservedFooter int) []string {
	if text == "" {
		return nil
	}

	budget := maxLen - reservedFooter
	if budget < 1 {
		budget = maxLen
	}

	runes := []rune(text)
	if len(runes) <= budget {
		return []string{text}
	}

	var chunks []string
	var fence fenceState

	for len(runes) > 0 {
		prefix := fence.reopen()
		avail := budget - len([]rune(prefix))
		if avail < 1 {
			avail = 1
		}

		if len(runes) <= avail {
			chunks = append(chunks, prefix+string(runes))
			break
		}

		breakAt := chooseBreak(runes, avail)
		chunk := prefix + string(runes[:breakAt])
		next := fence.advance(string(runes[:breakAt]))

		if next.open {
			// Закрытие не помещается — пересчитываем разрез с резервом под "\n```".
			if breakAt > avail-fenceCloseLen {
				breakAt = chooseBreak(runes, maxInt(1, avail-fenceCloseLen))
				chunk = prefix + string(runes[:breakAt])
				next = fence.advance(string(runes[:breakAt]))
			}
			if next.open {
				chunk += "\n" + fenceMarker
			}
		}

		chunks = append(chunks, chunk)
		fence = next
		runes = runes[breakAt:]
	}

	return chunks
}

// chooseBreak выбирает точку разреза в пределах avail рун: последняя граница
// абзаца ("\n\n"), иначе последняя граница строки ("\n"), иначе жёсткий срез.
// Разделитель остаётся в уходящей части, чтобы конкатенация была без потерь.
func chooseBreak(runes []rune, avail int) int {
	window := string(runes[:avail])

	if idx := strings.LastIndex(window, "\n\n"); idx > 0 {
		return len([]rune(window[:idx])) + 2
	}
	if idx := strings.LastIndex(window, "\n"); idx > 0 {
		return len([]rune(window[:idx])) + 1
	}
	return avail
}

// AddChunkMetadata дополняет части постразрезными метаданными:
//   - одна часть: футер (если есть), без индикатора;
//   - несколько: индикатор " (i/N)" у каждой части; футер — у последней,
//     перед её индикатором.
//
// Пустой вход даёт пустой выход.
func AddChunkMetadata(chunks []string, footer string) []string {
	if len(chunks) == 0 {
		return nil
	}
	if len(chunks) == 1 {
		return []string{chunks[0] + footer}
	}

	out := make([]string, len(chunks))
	total := len(chunks)
	for i, chunk := range chunks {
		if i == total-1 {
			chunk += footer
		}
		out[i] = chunk + fmt.Sprintf(" (%d/%d)", i+1, total)
	}
	return out
}

// maxInt — локальный максимум двух int.
func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
