// Package config loads dispatch settings from the environment and an
// optional YAML config file.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config is the effective runtime configuration.
type Config struct {
	DatabaseURL string `mapstructure:"database_url"`
	DBSchema    string `mapstructure:"db_schema"`

	// Chat routing. Zero means unset.
	RequestsChatID      int64 `mapstructure:"requests_chat_id"`
	EventsChatID        int64 `mapstructure:"events_chat_id"`
	BackupChatID        int64 `mapstructure:"backup_chat_id"`
	FinanceExportChatID int64 `mapstructure:"finance_export_chat_id"`

	BackupDir string `mapstructure:"backup_dir"`

	// SuperAdmin is the single privileged external ID. SysAdminIDs is a
	// comma-separated list.
	SuperAdmin  int64  `mapstructure:"super_admin"`
	SysAdminIDs string `mapstructure:"sys_admin_ids"`

	WebhookSecret string `mapstructure:"webhook_secret"`
	WebhookPort   int    `mapstructure:"webhook_port"`
	PublicBaseURL string `mapstructure:"public_base_url"`

	ClosePhotoLimit int `mapstructure:"close_photo_limit"`
}

// Keys lists every recognized configuration key, in display order.
var Keys = []string{
	"database_url",
	"db_schema",
	"requests_chat_id",
	"events_chat_id",
	"backup_chat_id",
	"backup_dir",
	"finance_export_chat_id",
	"super_admin",
	"sys_admin_ids",
	"webhook_secret",
	"webhook_port",
	"public_base_url",
	"close_photo_limit",
}

// Load reads configuration from the environment (DISPATCH_ prefix) and,
// when configFile is non-empty, the given YAML file. Environment values
// win over file values.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DISPATCH")
	v.AutomaticEnv()
	// Unmarshal only sees keys viper knows about; bind every key so the
	// env vars work without a config file.
	for _, key := range Keys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	v.SetDefault("database_url", "dispatch.db")
	v.SetDefault("db_schema", "public")
	v.SetDefault("webhook_port", 8000)
	v.SetDefault("backup_dir", "backups")
	v.SetDefault("close_photo_limit", 10)

	if configFile != "" {
		v.SetConfigType("yaml")
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.WebhookPort <= 0 || cfg.WebhookPort > 65535 {
		return nil, fmt.Errorf("webhook_port %d out of range", cfg.WebhookPort)
	}
	return &cfg, nil
}

// SysAdminIDList parses the comma-separated sys_admin_ids value. Blank
// and malformed entries are skipped.
func (c *Config) SysAdminIDList() []int64 {
	if c.SysAdminIDs == "" {
		return nil
	}
	parts := strings.Split(c.SysAdminIDs, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// Get returns the display value of one key, and whether the key is
// recognized. Secrets are masked.
func (c *Config) Get(key string) (string, bool) {
	switch key {
	case "database_url":
		return c.DatabaseURL, true
	case "db_schema":
		return c.DBSchema, true
	case "requests_chat_id":
		return strconv.FormatInt(c.RequestsChatID, 10), true
	case "events_chat_id":
		return strconv.FormatInt(c.EventsChatID, 10), true
	case "backup_chat_id":
		return strconv.FormatInt(c.BackupChatID, 10), true
	case "backup_dir":
		return c.BackupDir, true
	case "finance_export_chat_id":
		return strconv.FormatInt(c.FinanceExportChatID, 10), true
	case "super_admin":
		return strconv.FormatInt(c.SuperAdmin, 10), true
	case "sys_admin_ids":
		return c.SysAdminIDs, true
	case "webhook_secret":
		if c.WebhookSecret == "" {
			return "", true
		}
		return "********", true
	case "webhook_port":
		return strconv.Itoa(c.WebhookPort), true
	case "public_base_url":
		return c.PublicBaseURL, true
	case "close_photo_limit":
		return strconv.Itoa(c.ClosePhotoLimit), true
	}
	return "", false
}
