// Package version хранит сведения о сборке, которые проставляются через -ldflags:
//
//	-X github.com/vladislavdragonenkov/paycoord/internal/version.version=1.4.0
package version

import "fmt"

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Info returns version information populated via -ldflags.
func Info() (v, c, d string) { return version, commit, date }

func GetVersion() string { return version }

func String() string {
	return fmt.Sprintf("paycoord version=%s commit=%s date=%s", version, commit, date)
}

// UserAgent подписывает исходящие запросы к платёжному шлюзу.
func UserAgent() string {
	return "paycoord/" + version
}
