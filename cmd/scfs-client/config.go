package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/radryc/scfs/internal/cache"
	"github.com/radryc/scfs/internal/client"
	"github.com/radryc/scfs/internal/fuse"
)

// config holds every setting. The YAML keys match the flag names.
type config struct {
	Mount           string        `yaml:"mount"`
	Users           []string      `yaml:"user"`
	Login           string        `yaml:"login"`
	ClientID        string        `yaml:"client-id"`
	MPEGPadding     bool          `yaml:"mpeg-padding"`
	ID3Images       bool          `yaml:"id3-images"`
	ID3ParseStrings bool          `yaml:"id3-parse-strings"`
	AllowOther      bool          `yaml:"allow-other"`
	AutoUnmount     bool          `yaml:"auto-unmount"`
	CacheDir        string        `yaml:"cache"`
	KeepCache       bool          `yaml:"keep-cache"`
	CacheTTL        time.Duration `yaml:"cache-ttl"`
	HTTPTimeout     time.Duration `yaml:"http-timeout"`
	AttrTTL         time.Duration `yaml:"attr-ttl"`
	Debug           bool          `yaml:"debug"`
}

var errUsage = errors.New("usage")

// parseConfig reads flags from args and, when --config names a file, fills
// every setting not given on the command line from it.
func parseConfig(args []string) (*config, error) {
	cfg := &config{}
	var configPath string
	flags := newFlagSet(cfg, &configPath)

	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	if configPath != "" {
		if err := cfg.load(configPath, flags); err != nil {
			return nil, err
		}
	}

	if cfg.Mount == "" || len(cfg.Users) == 0 {
		fmt.Fprintln(os.Stderr, "scfs-client: --mount and at least one --user are required")
		flags.PrintDefaults()
		return nil, errUsage
	}
	return cfg, nil
}

func newFlagSet(cfg *config, configPath *string) *pflag.FlagSet {
	flags := pflag.NewFlagSet("scfs-client", pflag.ContinueOnError)
	flags.StringVar(&cfg.Mount, "mount", "", "mount point (required)")
	flags.StringArrayVar(&cfg.Users, "user", nil, "user permalink to mount (repeatable, required)")
	flags.StringVar(&cfg.Login, "login", "", "log in with user:password")
	flags.StringVar(&cfg.ClientID, "client-id", "", "use this client id instead of scraping one")
	flags.BoolVar(&cfg.MPEGPadding, "mpeg-padding", true, "add a CBR header and silent frames around the audio")
	flags.BoolVar(&cfg.ID3Images, "id3-images", false, "embed artwork in ID3 tags")
	flags.BoolVar(&cfg.ID3ParseStrings, "id3-parse-strings", true,
		`split "A - B" track titles into tag artist A and tag title B (the uploader stays the artist otherwise)`)
	flags.BoolVar(&cfg.AllowOther, "allow-other", true, "allow other users to access the mount")
	flags.BoolVar(&cfg.AutoUnmount, "auto-unmount", true, "unmount when the process exits")
	flags.StringVar(&cfg.CacheDir, "cache", "", "response cache directory (disabled if empty)")
	flags.BoolVar(&cfg.KeepCache, "keep-cache", false, "keep the existing cache on mount (default: clear it)")
	flags.DurationVar(&cfg.CacheTTL, "cache-ttl", cache.DefaultTTL, "response cache TTL")
	flags.DurationVar(&cfg.HTTPTimeout, "http-timeout", client.DefaultTimeout, "catalog request timeout")
	flags.DurationVar(&cfg.AttrTTL, "attr-ttl", fuse.DefaultAttrTTL, "kernel attribute and entry TTL")
	flags.StringVar(configPath, "config", "", "YAML config file")
	flags.BoolVar(&cfg.Debug, "debug", false, "enable debug logging")
	return flags
}

// load overlays the file at path onto cfg. Flags set on the command line
// win over the file.
func (cfg *config) load(path string, flags *pflag.FlagSet) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	file := *cfg
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	keep := map[string]func(){
		"mount":             func() { file.Mount = cfg.Mount },
		"user":              func() { file.Users = cfg.Users },
		"login":             func() { file.Login = cfg.Login },
		"client-id":         func() { file.ClientID = cfg.ClientID },
		"mpeg-padding":      func() { file.MPEGPadding = cfg.MPEGPadding },
		"id3-images":        func() { file.ID3Images = cfg.ID3Images },
		"id3-parse-strings": func() { file.ID3ParseStrings = cfg.ID3ParseStrings },
		"allow-other":       func() { file.AllowOther = cfg.AllowOther },
		"auto-unmount":      func() { file.AutoUnmount = cfg.AutoUnmount },
		"cache":             func() { file.CacheDir = cfg.CacheDir },
		"keep-cache":        func() { file.KeepCache = cfg.KeepCache },
		"cache-ttl":         func() { file.CacheTTL = cfg.CacheTTL },
		"http-timeout":      func() { file.HTTPTimeout = cfg.HTTPTimeout },
		"attr-ttl":          func() { file.AttrTTL = cfg.AttrTTL },
		"debug":             func() { file.Debug = cfg.Debug },
	}
	for name, restore := range keep {
		if flags.Changed(name) {
			restore()
		}
	}
	*cfg = file
	return nil
}
