package config

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

// Flags holds the CLI overlay of spec.md §6. A zero-value field means "not
// passed on the command line" so ApplyFlags only overrides what the user
// actually set.
type Flags struct {
	ConfigPath      string
	Debug           bool
	DumpConf        bool
	SocketPath      string
	SplintermailDir string
	LogFile         string
	NoLogFile       bool
	Listen          []string
	CertFile        string
	KeyFile         string
	User            string
	AccountDir      string
	UpstreamAddr    string
	UpstreamTLS     bool
}

// RegisterFlags adds the spec.md §6 flag surface to fs, matching the long
// and short forms of the original CLI (`--config`/`-c`, `--debug`/`-D`,
// etc).
func RegisterFlags(fs *pflag.FlagSet, f *Flags) {
	fs.StringVarP(&f.ConfigPath, "config", "c", "", "path to configuration file")
	fs.BoolVarP(&f.Debug, "debug", "D", false, "enable debug logging")
	fs.BoolVar(&f.DumpConf, "dump-conf", false, "print the merged configuration and exit")
	fs.StringVarP(&f.SocketPath, "socket", "s", "", "status socket path")
	fs.StringVarP(&f.SplintermailDir, "splintermail-dir", "d", "", "splintermail state directory")
	fs.StringVarP(&f.LogFile, "logfile", "l", "", "log file path")
	fs.BoolVarP(&f.NoLogFile, "no-logfile", "L", false, "disable file logging")
	fs.StringArrayVar(&f.Listen, "listen", nil, "listener scheme://host:port (repeatable)")
	fs.StringVar(&f.CertFile, "cert", "", "TLS certificate file")
	fs.StringVar(&f.KeyFile, "key", "", "TLS key file")
	fs.StringVarP(&f.User, "user", "u", "", "account username")
	fs.StringVarP(&f.AccountDir, "account-dir", "a", "", "per-account data directory")
	fs.StringVar(&f.UpstreamAddr, "upstream", "", "real IMAP server to relay to, host:port")
	fs.BoolVar(&f.UpstreamTLS, "upstream-tls", false, "dial the upstream server with implicit TLS")
}

// ApplyFlags merges non-zero flag values into cfg, with flags taking
// precedence over every config file per spec.md §6 ("CLI overrides all").
func ApplyFlags(cfg Config, f *Flags) (Config, error) {
	if f.Debug {
		cfg.Debug = true
	}
	if f.SocketPath != "" {
		cfg.SocketPath = f.SocketPath
	}
	if f.SplintermailDir != "" {
		cfg.SplintermailDir = f.SplintermailDir
	}
	if f.LogFile != "" {
		cfg.LogFile = f.LogFile
	}
	if f.NoLogFile {
		cfg.NoLogFile = true
	}
	if len(f.Listen) > 0 {
		cfg.Listeners = nil
		for _, raw := range f.Listen {
			l, err := ParseListener(raw)
			if err != nil {
				return cfg, fmt.Errorf("invalid listener: %w", err)
			}
			cfg.Listeners = append(cfg.Listeners, l)
		}
	}
	if f.CertFile != "" {
		cfg.CertFile = f.CertFile
	}
	if f.KeyFile != "" {
		cfg.KeyFile = f.KeyFile
	}
	if f.User != "" {
		cfg.User = f.User
	}
	if f.AccountDir != "" {
		cfg.AccountDir = f.AccountDir
	}
	if f.UpstreamAddr != "" {
		cfg.UpstreamAddr = f.UpstreamAddr
	}
	if f.UpstreamTLS {
		cfg.UpstreamTLS = true
	}
	return cfg, nil
}

// Load resolves the final configuration: the explicit --config path if
// given (required to exist), otherwise the layered default search path,
// then the flag overlay.
func Load(f *Flags) (Config, error) {
	var cfg Config
	var err error
	if f.ConfigPath != "" {
		cfg = Default()
		file, openErr := os.Open(f.ConfigPath)
		if openErr != nil {
			return cfg, fmt.Errorf("opening %s: %w", f.ConfigPath, openErr)
		}
		defer file.Close()
		if mergeErr := mergeFile(&cfg, file); mergeErr != nil {
			return cfg, fmt.Errorf("parsing %s: %w", f.ConfigPath, mergeErr)
		}
	} else {
		cfg, err = LoadLayered()
		if err != nil {
			return cfg, err
		}
	}
	return ApplyFlags(cfg, f)
}
