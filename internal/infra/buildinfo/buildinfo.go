// Package buildinfo — метаданные сборки для команды /version и стартового баннера.
// Значения подставляются линкером через -ldflags; при их отсутствии используется
// информация из runtime/debug (модульная версия и vcs-ревизия).
package buildinfo

import (
	"fmt"
	"runtime/debug"
	"strings"
)

// Переменные заполняются на этапе сборки:
//
//	go build -ldflags "-X telegram-relay/internal/infra/buildinfo.Version=v1.2.3 ..."
var (
	Version     = ""
	GitBranch   = ""
	CommitTitle = ""
)

// Info — снимок метаданных сборки.
type Info struct {
	Version     string
	GitBranch   string
	CommitTitle string
}

// Get собирает метаданные сборки, дополняя незаполненные поля данными из
// runtime/debug.ReadBuildInfo. Гарантирует непустой Version ("dev" в крайнем случае).
func Get() Info {
	info := Info{
		Version:     Version,
		GitBranch:   GitBranch,
		CommitTitle: CommitTitle,
	}

	if bi, ok := debug.ReadBuildInfo(); ok {
		if info.Version == "" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
		for _, setting := range bi.Settings {
			if setting.Key == "vcs.revision" && info.CommitTitle == "" {
				info.CommitTitle = shortRevision(setting.Value)
			}
		}
	}

	if info.Version == "" {
		info.Version = "dev"
	}
	return info
}

// String форматирует метаданные в одну строку для /version и логов.
func (i Info) String() string {
	parts := []string{i.Version}
	if i.GitBranch != "" {
		parts = append(parts, fmt.Sprintf("branch %s", i.GitBranch))
	}
	if i.CommitTitle != "" {
		parts = append(parts, i.CommitTitle)
	}
	return strings.Join(parts, ", ")
}

// shortRevision усекает hex-ревизию до привычных 12 символов.
func shortRevision(rev string) string {
	const short = 12
	if len(rev) > short {
		return rev[:short]
	}
	return rev
}
