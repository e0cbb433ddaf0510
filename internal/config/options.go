package config

import (
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type ConfigOption struct {
	Key     string
	Default any
	Comment string
}

// GetConfigOptions returns the default configuration options and their meanings.
// This is the single source of truth for default values and generator output.
func GetConfigOptions() []ConfigOption {
	return []ConfigOption{
		{Key: "data_dir", Default: defaultDataDir(), Comment: "Directory for local state; the journal lives at data_dir/journal.db"},
		{Key: "bus", Default: "session", Comment: "Message bus to join: session, system, none, or a D-Bus address"},
		{Key: "name", Default: "com.example.dbustest", Comment: "Well-known bus name to claim"},
		{Key: "socket", Default: "", Comment: "Local socket path; empty uses $XDG_RUNTIME_DIR/busobj.sock, \"none\" disables"},

		{Key: "name_flags.allow_replacement", Default: false, Comment: "Let another connection take the name over"},
		{Key: "name_flags.replace_existing", Default: true, Comment: "Take the name over from its current owner if allowed"},
		{Key: "name_flags.do_not_queue", Default: false, Comment: "Fail instead of queueing when the name is owned"},

		{Key: "async.enabled", Default: true, Comment: "Run deferred handler work on an executor"},
		{Key: "async.workers", Default: 0, Comment: "Worker count; 0 runs one goroutine per unit of work"},
		{Key: "async.queue", Default: 256, Comment: "Queued units when workers > 0; a full queue rejects calls with LimitsExceeded"},

		{Key: "dispatch.introspection", Default: true, Comment: "Attach org.freedesktop.DBus.Introspectable and Properties to every object"},
		{Key: "dispatch.fatal_duplicate_reply", Default: true, Comment: "Treat a second reply to one call as fatal"},
		{Key: "dispatch.reply_history", Default: 4096, Comment: "Completed call identities remembered for duplicate detection"},

		{Key: "journal.enabled", Default: true, Comment: "Record finished calls"},
		{Key: "journal.dsn", Default: "", Comment: "Journal store: empty for data_dir/journal.db, a sqlite path, or \"memory\""},

		{Key: "admin.addr", Default: "127.0.0.1:7465", Comment: "Admin HTTP listen address; empty disables"},
		{Key: "admin.token", Default: "", Comment: "Bearer token required by the admin routes except /healthz; empty leaves them open"},

		{Key: "log.level", Default: "info", Comment: "Log level: debug, info, warn, error"},
		{Key: "log.format", Default: "console", Comment: "Log format: console or json"},

		{Key: "greeter.enabled", Default: true, Comment: "Serve the Hello example object"},
		{Key: "greeter.path", Default: "/hello", Comment: "Object path of the Hello object"},
		{Key: "greeter.interface", Default: "com.example.dbustest", Comment: "Interface name of the Hello object"},
		{Key: "greeter.delay", Default: 500 * time.Millisecond, Comment: "How long the async Hello waits before replying"},
	}
}

// Settings is the decoded configuration.
type Settings struct {
	DataDir   string    `mapstructure:"data_dir"`
	Bus       string    `mapstructure:"bus"`
	Name      string    `mapstructure:"name"`
	Socket    string    `mapstructure:"socket"`
	NameFlags NameFlags `mapstructure:"name_flags"`
	Async     Async     `mapstructure:"async"`
	Dispatch  Dispatch  `mapstructure:"dispatch"`
	Journal   Journal   `mapstructure:"journal"`
	Admin     Admin     `mapstructure:"admin"`
	Log       Log       `mapstructure:"log"`
	Greeter   Greeter   `mapstructure:"greeter"`
}

type NameFlags struct {
	AllowReplacement bool `mapstructure:"allow_replacement"`
	ReplaceExisting  bool `mapstructure:"replace_existing"`
	DoNotQueue       bool `mapstructure:"do_not_queue"`
}

type Async struct {
	Enabled bool `mapstructure:"enabled"`
	Workers int  `mapstructure:"workers"`
	Queue   int  `mapstructure:"queue"`
}

type Dispatch struct {
	Introspection       bool `mapstructure:"introspection"`
	FatalDuplicateReply bool `mapstructure:"fatal_duplicate_reply"`
	ReplyHistory        int  `mapstructure:"reply_history"`
}

type Journal struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

type Admin struct {
	Addr  string `mapstructure:"addr"`
	Token string `mapstructure:"token"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Greeter struct {
	Enabled   bool          `mapstructure:"enabled"`
	Path      string        `mapstructure:"path"`
	Interface string        `mapstructure:"interface"`
	Delay     time.Duration `mapstructure:"delay"`
}

// Decode reads v into Settings. Durations may be given as strings.
func Decode(v *viper.Viper) (Settings, error) {
	var s Settings
	err := v.Unmarshal(&s, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	return s, err
}
