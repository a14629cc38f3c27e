package config

import "time"

// ConfigBackend stores the non-secret config keys. The file backend keeps a
// JSON object under XDG_CONFIG_HOME; on macOS the keys live in the
// com.nolang.mcp defaults domain. Durations are typed so poll.* and retry.*
// keys survive a round trip without re-parsing free text.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	GetDuration(key string) (val time.Duration, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	SetDuration(key string, val time.Duration) error
	Delete(key string) error
}
