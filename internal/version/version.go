package version

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Заполняются через -ldflags "-X .../internal/version.version=...".
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const serviceName = "marketplace-order-service"

// Build — метаданные сборки сервиса заказов.
type Build struct {
	Version string
	Commit  string
	Date    string
}

// Current возвращает метаданные текущей сборки.
func Current() Build {
	return Build{Version: version, Commit: commit, Date: date}
}

func (b Build) String() string {
	return fmt.Sprintf("%s %s (commit=%s date=%s)", serviceName, b.Version, b.Commit, b.Date)
}

// Fields — поля для стартового лога.
func (b Build) Fields() log.Fields {
	return log.Fields{"version": b.Version, "commit": b.Commit, "build_date": b.Date}
}

// GetVersion возвращает версию сборки.
func GetVersion() string { return version }

// ClientID — client.id для Kafka: только [A-Za-z0-9._-], остальное заменяется на '_'.
func ClientID() string {
	return sanitizeClientID(serviceName + "." + version)
}

// ClientIDFor — client.id для вспомогательной утилиты сервиса.
func ClientIDFor(tool string) string {
	return sanitizeClientID(serviceName + "-" + tool + "." + version)
}

func sanitizeClientID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, id)
}
