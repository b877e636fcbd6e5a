package settings

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Settings are the server's runtime knobs. Gameplay tuning lives in
// configs/rtp.yaml and configs/worlds.yaml instead.
type Settings struct {
	Addr       string
	DataDir    string
	ConfigsDir string
	WorldsFile string
	RTPFile    string
	Seed       int64

	LogLevel  string
	LogPretty bool

	BypassToken string

	// IndexBackend is one of sqlite, d1 or none.
	IndexBackend string
	DisableAudit bool
	D1           D1Settings
	ServerID     string

	Metrics MetricsSettings

	Pprof bool
}

// MetricsSettings pick the OTel metrics exporter: none, stdout or otlp.
type MetricsSettings struct {
	Exporter   string
	Endpoint   string
	Insecure   bool
	IntervalMS int
}

type D1Settings struct {
	Endpoint  string
	Token     string
	BatchSize int
	FlushMS   int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8080")
	v.SetDefault("data", "./data")
	v.SetDefault("configs", "./configs")
	v.SetDefault("worlds", "")
	v.SetDefault("rtp", "")
	v.SetDefault("seed", 1337)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("bypass_token", "")

	v.SetDefault("index.backend", "sqlite")
	v.SetDefault("index.d1.endpoint", "")
	v.SetDefault("index.d1.token", "")
	v.SetDefault("index.d1.batch_size", 128)
	v.SetDefault("index.d1.flush_ms", 500)
	v.SetDefault("audit.disable", false)
	v.SetDefault("server_id", "vrtp-1")

	v.SetDefault("metrics.exporter", "none")
	v.SetDefault("metrics.endpoint", "")
	v.SetDefault("metrics.insecure", false)
	v.SetDefault("metrics.interval_ms", 15000)

	v.SetDefault("pprof", false)
}

// Flags registers the command-line overrides. Names match the config keys.
func Flags(fs *pflag.FlagSet) {
	fs.String("config", "", "optional settings file (yaml, json or toml)")
	fs.String("addr", ":8080", "http listen address")
	fs.String("data", "./data", "runtime data directory")
	fs.String("configs", "./configs", "config directory")
	fs.String("worlds", "", "worlds config (default: <configs>/worlds.yaml)")
	fs.String("rtp", "", "random teleport config (default: <configs>/rtp.yaml)")
	fs.Int64("seed", 1337, "base world seed")
	fs.String("log.level", "info", "log level")
	fs.Bool("log.pretty", false, "human readable console logs")
	fs.String("bypass_token", "", "HELLO auth token that grants cooldown bypass")
	fs.String("index.backend", "sqlite", "teleport index backend: sqlite, d1 or none")
	fs.Bool("audit.disable", false, "disable the compressed outcome audit log")
	fs.String("metrics.exporter", "none", "metrics exporter: none, stdout or otlp")
	fs.Bool("pprof", false, "expose /debug/pprof")
}

// Load resolves settings from defaults, an optional file, VRTP_* environment
// variables and flags, in increasing priority.
func Load(fs *pflag.FlagSet) (Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("VRTP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return Settings{}, err
		}
	}
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, fmt.Errorf("read settings %s: %w", path, err)
		}
	}

	s := Settings{
		Addr:         v.GetString("addr"),
		DataDir:      v.GetString("data"),
		ConfigsDir:   v.GetString("configs"),
		WorldsFile:   v.GetString("worlds"),
		RTPFile:      v.GetString("rtp"),
		Seed:         v.GetInt64("seed"),
		LogLevel:     v.GetString("log.level"),
		LogPretty:    v.GetBool("log.pretty"),
		BypassToken:  v.GetString("bypass_token"),
		IndexBackend: strings.ToLower(strings.TrimSpace(v.GetString("index.backend"))),
		DisableAudit: v.GetBool("audit.disable"),
		D1: D1Settings{
			Endpoint:  v.GetString("index.d1.endpoint"),
			Token:     v.GetString("index.d1.token"),
			BatchSize: v.GetInt("index.d1.batch_size"),
			FlushMS:   v.GetInt("index.d1.flush_ms"),
		},
		ServerID: v.GetString("server_id"),
		Metrics: MetricsSettings{
			Exporter:   strings.ToLower(strings.TrimSpace(v.GetString("metrics.exporter"))),
			Endpoint:   v.GetString("metrics.endpoint"),
			Insecure:   v.GetBool("metrics.insecure"),
			IntervalMS: v.GetInt("metrics.interval_ms"),
		},
		Pprof: v.GetBool("pprof"),
	}
	return s, s.Validate()
}

func (s Settings) Validate() error {
	if strings.TrimSpace(s.Addr) == "" {
		return fmt.Errorf("addr is required")
	}
	switch s.IndexBackend {
	case "sqlite", "none":
	case "d1":
		if strings.TrimSpace(s.D1.Endpoint) == "" {
			return fmt.Errorf("index.backend=d1 requires index.d1.endpoint")
		}
	default:
		return fmt.Errorf("unsupported index.backend: %q", s.IndexBackend)
	}
	switch s.Metrics.Exporter {
	case "none", "stdout":
	case "otlp":
		if strings.TrimSpace(s.Metrics.Endpoint) == "" {
			return fmt.Errorf("metrics.exporter=otlp requires metrics.endpoint")
		}
	default:
		return fmt.Errorf("unsupported metrics.exporter: %q", s.Metrics.Exporter)
	}
	return nil
}
