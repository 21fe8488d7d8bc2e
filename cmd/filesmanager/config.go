package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/honzar/filesmanager/storage"
)

type config struct {
	Primary        string
	SecondaryMount string
	AppDir         string
	Backend        string
	StatePath      string
	Ratio          int64
	DeletePolicy   storage.DeletePolicy
	LogDir         string
	Debug          bool
	Listen         string
	PromptInterval time.Duration
	CheckInterval  time.Duration
	ProbeCacheTTL  time.Duration
	AutoMigrate    bool
}

// bindFlags declares the persistent flags and binds them to viper keys.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) {
	fs.String("primary", "~/.local/share/filesmanager", "primary storage root")
	fs.String("secondary-mount", "", "mount point of the secondary medium")
	fs.String("app-dir", "filesmanager", "directory created inside the secondary mount")
	fs.String("state-backend", "sqlite", "selection store backend: sqlite, bolt, badger or memory")
	fs.String("state-path", "~/.local/state/filesmanager", "directory holding the selection store")
	fs.Int64("ratio", storage.PreferPrimaryRatio, "primary is optimal when its free space >= secondary free space * ratio")
	fs.String("delete-policy", "leak", "what a failed source cleanup means: leak or fail")
	fs.String("log-dir", "", "directory for rotated log files")
	fs.Bool("debug", false, "debug console logging")

	for key, flag := range map[string]string{
		"primary":         "primary",
		"secondary_mount": "secondary-mount",
		"app_dir":         "app-dir",
		"state.backend":   "state-backend",
		"state.path":      "state-path",
		"ratio":           "ratio",
		"delete_policy":   "delete-policy",
		"log_dir":         "log-dir",
		"debug":           "debug",
	} {
		v.BindPFlag(key, fs.Lookup(flag)) //nolint:errcheck
	}

	v.SetDefault("listen", ":8090")
	v.SetDefault("prompt_interval", storage.DefaultPromptInterval)
	v.SetDefault("check_interval", time.Minute)
	v.SetDefault("probe_cache_ttl", storage.DefaultStatusProbeTTL)
	v.SetDefault("auto_migrate", false)

	v.SetEnvPrefix("FILESMANAGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

// readConfigFile loads path, or filesmanager.yaml from the usual places.
// A missing default file is not an error.
func readConfigFile(v *viper.Viper, path string) error {
	if path != "" {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return err
		}
		v.SetConfigFile(expanded)
		return v.ReadInConfig()
	}

	v.SetConfigName("filesmanager")
	v.SetConfigType("yaml")
	if home, err := homedir.Dir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "filesmanager"))
	}
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	return nil
}

func expand(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	return homedir.Expand(p)
}

func loadConfig(v *viper.Viper) (*config, error) {
	policy, err := storage.ParseDeletePolicy(v.GetString("delete_policy"))
	if err != nil {
		return nil, err
	}
	cfg := &config{
		AppDir:         v.GetString("app_dir"),
		Backend:        strings.ToLower(v.GetString("state.backend")),
		Ratio:          v.GetInt64("ratio"),
		DeletePolicy:   policy,
		Debug:          v.GetBool("debug"),
		Listen:         v.GetString("listen"),
		PromptInterval: v.GetDuration("prompt_interval"),
		CheckInterval:  v.GetDuration("check_interval"),
		ProbeCacheTTL:  v.GetDuration("probe_cache_ttl"),
		AutoMigrate:    v.GetBool("auto_migrate"),
	}
	for dst, key := range map[*string]string{
		&cfg.Primary:        "primary",
		&cfg.SecondaryMount: "secondary_mount",
		&cfg.StatePath:      "state.path",
		&cfg.LogDir:         "log_dir",
	} {
		p, err := expand(v.GetString(key))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		*dst = p
	}
	if cfg.Primary == "" {
		return nil, fmt.Errorf("primary root is not configured")
	}
	return cfg, nil
}

func openKV(cfg *config) (storage.KV, error) {
	switch cfg.Backend {
	case "", "sqlite":
		return storage.OpenSQLiteKV(cfg.StatePath)
	case "bolt":
		return storage.OpenBoltKV(filepath.Join(cfg.StatePath, "storage.bolt"))
	case "badger":
		return storage.OpenBadgerKV(storage.BadgerOptions{Dir: filepath.Join(cfg.StatePath, "badger")})
	case "memory":
		return storage.NewMemoryKV(), nil
	}
	return nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
}

// openManager builds the provider, the store and the manager from cfg.
func openManager(ctx context.Context, cfg *config) (*storage.Manager, *storage.DirProvider, error) {
	kv, err := openKV(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open state store: %w", err)
	}
	provider := storage.NewDirProvider(cfg.Primary, cfg.SecondaryMount, cfg.AppDir)
	m, err := storage.NewManager(ctx, storage.Options{
		Provider:       provider,
		KV:             kv,
		Ratio:          cfg.Ratio,
		Policy:         cfg.DeletePolicy,
		StatusProbeTTL: cfg.ProbeCacheTTL,
	})
	if err != nil {
		kv.Close()
		return nil, nil, err
	}
	return m, provider, nil
}
