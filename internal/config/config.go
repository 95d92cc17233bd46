// Package config loads the splintermail-style `KEY VALUE` / `KEY` config
// file and CLI flag overlay described in spec.md §6. It is intentionally
// not general-purpose: the grammar is two tokens per line, no sections, no
// quoting, and later sources always override earlier ones.
package config

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// ListenerScheme is one of the three listener transports of spec.md §6.
type ListenerScheme string

const (
	Insecure ListenerScheme = "insecure"
	StartTLS ListenerScheme = "starttls"
	TLS      ListenerScheme = "tls"
)

func parseScheme(s string) (ListenerScheme, bool) {
	switch ListenerScheme(s) {
	case Insecure, StartTLS, TLS:
		return ListenerScheme(s), true
	default:
		return "", false
	}
}

// Listener is one `--listen scheme://host:port` entry.
type Listener struct {
	Scheme  ListenerScheme
	Address string
}

// Config holds the merged configuration consumed by cmd/citm.
type Config struct {
	Hostname       string
	Debug          bool
	SocketPath     string
	SplintermailDir string
	LogFile        string
	NoLogFile      bool
	Listeners      []Listener
	CertFile       string
	KeyFile        string
	User           string
	AccountDir     string
	MaxConnections int
	IdleTimeout    time.Duration
	CommandTimeout time.Duration

	// UpstreamAddr is the real IMAP server CITM dials on behalf of the
	// local mail client (spec.md §4's "Upwards" direction), host:port with
	// no scheme prefix. UpstreamTLS selects an implicit-TLS dial; without
	// it the upwards connection starts in plaintext (STARTTLS upward is
	// not yet attempted — see internal/imapengine/upstream.go).
	UpstreamAddr string
	UpstreamTLS  bool
}

// Default returns the built-in defaults, applied before any config file or
// flag is merged in.
func Default() Config {
	return Config{
		Hostname:        "localhost",
		SocketPath:      defaultSocketPath(),
		SplintermailDir: defaultSplintermailDir(),
		Listeners:       []Listener{{Scheme: StartTLS, Address: "127.0.0.1:1993"}},
		IdleTimeout:     30 * time.Minute,
		CommandTimeout:  1 * time.Minute,
		MaxConnections:  100,
	}
}

func defaultSocketPath() string {
	if runtime.GOOS == "windows" {
		return `\\.\pipe\splintermail-citm`
	}
	return "/var/run/splintermail/citm.sock"
}

func defaultSplintermailDir() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("APPDATA"), "splintermail")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".splintermail")
	}
	return ".splintermail"
}

// ConfigPaths returns the default config-file search order for this OS, in
// the order spec.md §6 says later sources override earlier ones.
func ConfigPaths() []string {
	if runtime.GOOS == "windows" {
		exe, err := os.Executable()
		paths := []string{}
		if xdg := os.Getenv("APPDATA"); xdg != "" {
			paths = append(paths, filepath.Join(xdg, "splintermail", "splintermail.conf"))
		}
		if err == nil {
			paths = append(paths, filepath.Join(filepath.Dir(exe), "..", "splintermail.conf"))
		}
		return paths
	}
	paths := []string{"/etc/splintermail.conf"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".splintermail.conf"))
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, "splintermail.conf"))
	}
	return paths
}

// LoadLayered reads every existing path in ConfigPaths(), in order, merging
// each on top of Default(). A missing file is not an error; an unreadable
// or malformed one is.
func LoadLayered() (Config, error) {
	cfg := Default()
	for _, path := range ConfigPaths() {
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return cfg, fmt.Errorf("opening %s: %w", path, err)
		}
		err = mergeFile(&cfg, f)
		f.Close()
		if err != nil {
			return cfg, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	return cfg, nil
}

// mergeFile parses one `KEY VALUE` / `KEY` file and merges recognized keys
// into cfg. Unrecognized keys are ignored rather than rejected, since the
// shared config file may carry keys belonging to other splintermail
// binaries (smtpd, the API client) that this process doesn't use.
func mergeFile(cfg *Config, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, _ := strings.Cut(line, " ")
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if err := applyKey(cfg, key, value); err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	return scanner.Err()
}

func applyKey(cfg *Config, key, value string) error {
	switch key {
	case "hostname":
		cfg.Hostname = value
	case "debug":
		cfg.Debug = value == "" || value == "yes" || value == "true"
	case "socket":
		cfg.SocketPath = value
	case "splintermail-dir":
		cfg.SplintermailDir = value
	case "logfile":
		cfg.LogFile = value
	case "no-logfile":
		cfg.NoLogFile = true
	case "listen":
		l, err := ParseListener(value)
		if err != nil {
			return err
		}
		cfg.Listeners = append(cfg.Listeners, l)
	case "cert":
		cfg.CertFile = value
	case "key":
		cfg.KeyFile = value
	case "user":
		cfg.User = value
	case "account-dir":
		cfg.AccountDir = value
	case "max-connections":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("max-connections: %w", err)
		}
		cfg.MaxConnections = n
	case "upstream":
		cfg.UpstreamAddr = value
	case "upstream-tls":
		cfg.UpstreamTLS = value == "" || value == "yes" || value == "true"
	}
	return nil
}

// ParseListener parses `scheme://host:port` per spec.md §6.
func ParseListener(raw string) (Listener, error) {
	schemeStr, addr, ok := strings.Cut(raw, "://")
	if !ok {
		return Listener{}, fmt.Errorf("listener %q: missing scheme", raw)
	}
	scheme, ok := parseScheme(schemeStr)
	if !ok {
		return Listener{}, fmt.Errorf("listener %q: unknown scheme %q", raw, schemeStr)
	}
	if addr == "" {
		return Listener{}, fmt.Errorf("listener %q: missing address", raw)
	}
	return Listener{Scheme: scheme, Address: addr}, nil
}

// TLSConfig builds the *tls.Config used by starttls:// and tls:// listeners
// from the configured cert/key pair. Returns nil, nil if no pair is
// configured (insecure-only deployments).
func (c Config) TLSConfig() (*tls.Config, error) {
	if c.CertFile == "" && c.KeyFile == "" {
		return nil, nil
	}
	if c.CertFile == "" || c.KeyFile == "" {
		return nil, fmt.Errorf("cert and key must both be set")
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading tls key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}, nil
}

// NeedsConfiguring reports whether any non-insecure listener lacks a
// cert/key pair, per spec.md §6's `* BYE installation needs configuring`.
func (c Config) NeedsConfiguring() bool {
	hasNonInsecure := false
	for _, l := range c.Listeners {
		if l.Scheme != Insecure {
			hasNonInsecure = true
		}
	}
	return hasNonInsecure && (c.CertFile == "" || c.KeyFile == "")
}
