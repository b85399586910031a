package config

import (
	"io/ioutil"
	"os"
	"time"

	"github.com/kfsoftware/kernelbridge/pkg/connfile"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type Database struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type SSH struct {
	Command               string        `yaml:"command"`
	RelayCommand          string        `yaml:"relay_command"`
	StrictHostKeyChecking bool          `yaml:"strict_host_key_checking"`
	ProbeTimeout          time.Duration `yaml:"probe_timeout"`
	ForwardSleep          time.Duration `yaml:"forward_sleep"`
	User                  string        `yaml:"user"`
}

type Config struct {
	Listen      string   `yaml:"listen"`
	RuntimeDir  string   `yaml:"runtime_dir"`
	NotebookDir string   `yaml:"notebook_dir"`
	LogLevel    string   `yaml:"log_level"`
	Database    Database `yaml:"database"`
	SSH         SSH      `yaml:"ssh"`
}

func Default() *Config {
	return &Config{
		Listen:     ":8899",
		RuntimeDir: connfile.RuntimeDir(),
		Database: Database{
			Driver: "sqlite",
			DSN:    "kernelbridge.db",
		},
		SSH: SSH{
			Command:      "ssh",
			RelayCommand: "mrsh",
			ProbeTimeout: 2 * time.Second,
			ForwardSleep: 30 * time.Second,
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config %s", path)
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "mysql", "postgres":
	default:
		return errors.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.SSH.ProbeTimeout <= 0 {
		return errors.New("ssh.probe_timeout must be positive")
	}
	if c.SSH.ForwardSleep < time.Second {
		return errors.New("ssh.forward_sleep must be at least one second")
	}
	return nil
}

// Flags binds the command line overrides of c. Values already loaded
// from a file act as the flag defaults.
type Flags struct {
	cfg *Config
	set *pflag.FlagSet
}

func BindFlags(fs *pflag.FlagSet, cfg *Config) *Flags {
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "Address to listen for attach requests")
	fs.StringVar(&cfg.RuntimeDir, "runtime-dir", cfg.RuntimeDir, "Directory searched for kernel connection files")
	fs.StringVar(&cfg.NotebookDir, "notebook-dir", cfg.NotebookDir, "Directory where new notebooks are created")
	fs.StringVar(&cfg.Database.Driver, "db-driver", cfg.Database.Driver, "Session database driver: sqlite, mysql or postgres")
	fs.StringVar(&cfg.Database.DSN, "db-dsn", cfg.Database.DSN, "Session database connection string")
	fs.StringVar(&cfg.SSH.Command, "ssh-command", cfg.SSH.Command, "Command used to reach kernel hosts")
	fs.StringVar(&cfg.SSH.RelayCommand, "relay-command", cfg.SSH.RelayCommand, "Command used to run ssh on the kernel host when direct ssh is refused")
	fs.StringVar(&cfg.SSH.User, "ssh-user", cfg.SSH.User, "User for ssh logins")
	fs.BoolVar(&cfg.SSH.StrictHostKeyChecking, "strict-host-key-checking", cfg.SSH.StrictHostKeyChecking, "Verify ssh host keys")
	fs.DurationVar(&cfg.SSH.ProbeTimeout, "probe-timeout", cfg.SSH.ProbeTimeout, "Time allowed for each reachability probe")
	fs.DurationVar(&cfg.SSH.ForwardSleep, "forward-sleep", cfg.SSH.ForwardSleep, "Lifetime of idle ssh forwarders")
	return &Flags{cfg: cfg, set: fs}
}

// Reload reads path and reapplies every flag the user set explicitly, so
// the command line wins over the file.
func (f *Flags) Reload(path string) (*Config, error) {
	explicit := map[string]string{}
	f.set.Visit(func(fl *pflag.Flag) {
		explicit[fl.Name] = fl.Value.String()
	})
	loaded, err := Load(path)
	if err != nil {
		return nil, err
	}
	*f.cfg = *loaded
	for name, value := range explicit {
		if f.set.Lookup(name) == nil {
			continue
		}
		if err := f.set.Set(name, value); err != nil {
			return nil, err
		}
	}
	return f.cfg, f.cfg.Validate()
}

// EffectiveLogLevel is log_level from the config, else LOG_LEVEL.
func (c *Config) EffectiveLogLevel() string {
	if c.LogLevel != "" {
		return c.LogLevel
	}
	return os.Getenv("LOG_LEVEL")
}

// ApplyLogLevel re-levels the global logger from EffectiveLogLevel. An
// empty level leaves the logger as main configured it.
func (c *Config) ApplyLogLevel() error {
	level := c.EffectiveLogLevel()
	if level == "" {
		return nil
	}
	zeroLogLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		return errors.Wrapf(err, "log_level %q", level)
	}
	log.Logger = log.Logger.Level(zeroLogLevel)
	return nil
}
