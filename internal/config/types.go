package config

// Config is the top-level configuration shared by both binaries. cmd/admin
// reads Logging+Admin, cmd/executor reads Logging+Executor; the sections are
// independent so one file can drive a colocated pair.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging  LoggingConfig   `yaml:"logging"`
	Admin    *AdminConfig    `yaml:"admin,omitempty"`
	Executor *ExecutorConfig `yaml:"executor,omitempty"`
}

type LoggingConfig struct {
	Level   string     `yaml:"level,omitempty"`
	Console bool       `yaml:"console,omitempty"`
	File    FileConfig `yaml:"file,omitempty"`
}

type FileConfig struct {
	Enabled bool   `yaml:"enabled,omitempty"`
	Path    string `yaml:"path,omitempty"`
}

type AdminConfig struct {
	Bind        string `yaml:"bind,omitempty"` // default ":7070"
	AccessToken string `yaml:"access_token,omitempty"`

	TriggerPool TriggerPoolConfig `yaml:"trigger_pool,omitempty"`
	Alarm       AlarmConfig       `yaml:"alarm,omitempty"`
	Store       StoreConfig       `yaml:"store,omitempty"`

	// JobsPath points at a YAML file of groups and jobs loaded into the
	// store at startup and on reload. Omit to manage definitions through
	// the store directly.
	JobsPath string `yaml:"jobs_path,omitempty"`

	// LostJobAfter fails running logs whose executor registration has been
	// dead longer than this. Default "10m".
	LostJobAfter string `yaml:"lost_job_after,omitempty"`
}

// TriggerPoolConfig sizes the fast/slow dispatch pools.
//
// Defaults (when fields are omitted/zero):
//   - fast_workers: 32, fast_queue: 2000
//   - slow_workers: 8,  slow_queue: 5000
//   - slow_rpc_threshold: "500ms"
//   - slow_count_threshold: 10 (per job per minute)
type TriggerPoolConfig struct {
	FastWorkers int `yaml:"fast_workers,omitempty"`
	FastQueue   int `yaml:"fast_queue,omitempty"`
	SlowWorkers int `yaml:"slow_workers,omitempty"`
	SlowQueue   int `yaml:"slow_queue,omitempty"`

	SlowRPCThreshold   string `yaml:"slow_rpc_threshold,omitempty"`
	SlowCountThreshold int    `yaml:"slow_count_threshold,omitempty"`

	// RPCTimeout bounds the trigger RPC to the executor. Default "10s".
	RPCTimeout string `yaml:"rpc_timeout,omitempty"`
}

type AlarmConfig struct {
	Email    *EmailAlarmConfig    `yaml:"email,omitempty"`
	Telegram *TelegramAlarmConfig `yaml:"telegram,omitempty"`
}

type EmailAlarmConfig struct {
	Enabled  bool     `yaml:"enabled,omitempty"`
	SMTPAddr string   `yaml:"smtp_addr,omitempty"` // host:port
	Username string   `yaml:"username,omitempty"`
	Password string   `yaml:"password,omitempty"`
	From     string   `yaml:"from,omitempty"`
	To       []string `yaml:"to,omitempty"`
}

type TelegramAlarmConfig struct {
	Enabled    bool   `yaml:"enabled,omitempty"`
	Token      string `yaml:"token,omitempty"`
	ChatID     int64  `yaml:"chat_id,omitempty"`
	RatePerSec int    `yaml:"rate_per_sec,omitempty"` // default 1
}

// StoreConfig selects the persistence backend.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "memory": in-process store (tests, demos)
type StoreConfig struct {
	Driver      string `yaml:"driver,omitempty"`
	Path        string `yaml:"path,omitempty"`
	BusyTimeout string `yaml:"busy_timeout,omitempty"` // sqlite only
}

type ExecutorConfig struct {
	AppName     string   `yaml:"app_name,omitempty"`
	Bind        string   `yaml:"bind,omitempty"`      // default ":9999"
	Advertise   string   `yaml:"advertise,omitempty"` // address registered with admins; default derived from Bind
	AdminAddrs  []string `yaml:"admin_addrs,omitempty"`
	AccessToken string   `yaml:"access_token,omitempty"`

	LogPath          string `yaml:"log_path,omitempty"`           // default "./data/joblog"
	LogRetentionDays int    `yaml:"log_retention_days,omitempty"` // < 3 disables cleanup
	ScriptPath       string `yaml:"script_path,omitempty"`        // default "./data/glue"

	Callback CallbackConfig `yaml:"callback,omitempty"`
}

// CallbackConfig tunes the executor→admin result channel.
//
// Defaults: queue_size 1000, retry_interval "30s"; the backlog lands in the
// sqlite file at backlog_path ("./data/callback.db").
type CallbackConfig struct {
	QueueSize     int    `yaml:"queue_size,omitempty"`
	RetryInterval string `yaml:"retry_interval,omitempty"`
	BacklogPath   string `yaml:"backlog_path,omitempty"`
}
