// Package mujmapconfig parses mujmap.toml using spf13/viper, applies the
// documented defaults (spec.md §6), and validates the configuration-error
// conditions spec.md §7 lists (missing required field, mutually exclusive
// fields, unreadable config).
package mujmapconfig

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"mujmap/internal/message"
	"mujmap/internal/tagmap"
)

// ErrInvalid wraps every validation failure this package detects; the
// CLI entrypoint maps it to exit code 2 per spec.md §6.
var ErrInvalid = errors.New("mujmapconfig: invalid configuration")

// Config is the fully-parsed, defaulted, and validated contents of
// mujmap.toml.
type Config struct {
	Username        string
	PasswordCommand string

	FQDN       string
	SessionURL string
	BearerAuth bool

	ConcurrentDownloads    int
	Timeout                time.Duration
	Retries                int
	AutoCreateNewMailboxes bool
	ConvertDOSToUnix       bool

	CacheDir    string
	MailDir     string
	StateDir    string
	SendCommand string

	Tags tagmap.Config
}

// Load reads mujmap.toml from dir via viper, applies defaults, and
// validates the result.
func Load(dir string) (Config, error) {
	v := viper.New()
	v.SetConfigName("mujmap")
	v.SetConfigType("toml")
	v.AddConfigPath(dir)

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, errors.Wrapf(ErrInvalid, "reading mujmap.toml: %v", err)
	}

	cfg := Config{
		Username:               v.GetString("username"),
		PasswordCommand:        v.GetString("password_command"),
		FQDN:                   v.GetString("fqdn"),
		SessionURL:             v.GetString("session_url"),
		BearerAuth:             v.GetBool("bearer_auth"),
		ConcurrentDownloads:    v.GetInt("concurrent_downloads"),
		Timeout:                v.GetDuration("timeout"),
		Retries:                v.GetInt("retries"),
		AutoCreateNewMailboxes: v.GetBool("auto_create_new_mailboxes"),
		ConvertDOSToUnix:       v.GetBool("convert_dos_to_unix"),
		CacheDir:               v.GetString("cache_dir"),
		MailDir:                v.GetString("mail_dir"),
		StateDir:               v.GetString("state_dir"),
		SendCommand:            v.GetString("send_command"),
		Tags:                   parseTags(v),
	}
	if cfg.MailDir == "" {
		cfg.MailDir = dir
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = cfg.MailDir + "/.mujmap-cache"
	}
	if cfg.StateDir == "" {
		cfg.StateDir = cfg.MailDir
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("concurrent_downloads", 8)
	v.SetDefault("timeout", "5s")
	v.SetDefault("retries", 5)
	v.SetDefault("auto_create_new_mailboxes", true)
	v.SetDefault("convert_dos_to_unix", true)
	v.SetDefault("send_command", "sendmail -t")

	defaults := tagmap.DefaultConfig()
	v.SetDefault("tags.lowercase", defaults.Lowercase)
	v.SetDefault("tags.directory_separator", defaults.DirectorySeparator)
	v.SetDefault("tags.inbox", defaults.RoleTag[message.RoleInbox])
	v.SetDefault("tags.sent", defaults.RoleTag[message.RoleSent])
	v.SetDefault("tags.deleted", defaults.RoleTag[message.RoleTrash])
	v.SetDefault("tags.archive", defaults.RoleTag[message.RoleArchive])
	v.SetDefault("tags.drafts", defaults.RoleTag[message.RoleDrafts])
	v.SetDefault("tags.spam", defaults.RoleTag[message.RoleJunk])
	v.SetDefault("tags.important", defaults.RoleTag[message.RoleImportant])
	v.SetDefault("tags.keyword_phishing", defaults.KeywordTag[message.KeywordPhishing])
	v.SetDefault("tags.keyword_important", defaults.KeywordTag[message.KeywordImportant])
	v.SetDefault("tags.keyword_spam", defaults.KeywordTag[message.KeywordJunk])
}

func parseTags(v *viper.Viper) tagmap.Config {
	return tagmap.Config{
		RoleTag: map[message.Role]string{
			message.RoleInbox:     v.GetString("tags.inbox"),
			message.RoleSent:      v.GetString("tags.sent"),
			message.RoleTrash:     v.GetString("tags.deleted"),
			message.RoleArchive:   v.GetString("tags.archive"),
			message.RoleDrafts:    v.GetString("tags.drafts"),
			message.RoleJunk:      v.GetString("tags.spam"),
			message.RoleImportant: v.GetString("tags.important"),
		},
		KeywordTag: map[message.Keyword]string{
			message.KeywordPhishing:  v.GetString("tags.keyword_phishing"),
			message.KeywordImportant: v.GetString("tags.keyword_important"),
			message.KeywordJunk:      v.GetString("tags.keyword_spam"),
		},
		Lowercase:           v.GetBool("tags.lowercase"),
		DirectorySeparator:  v.GetString("tags.directory_separator"),
		AutoCreateMailboxes: v.GetBool("auto_create_new_mailboxes"),
	}
}

func validate(cfg Config) error {
	if cfg.Username == "" {
		return errors.Wrap(ErrInvalid, "username is required")
	}
	if cfg.PasswordCommand == "" {
		return errors.Wrap(ErrInvalid, "password_command is required")
	}
	if cfg.FQDN != "" && cfg.SessionURL != "" {
		return errors.Wrap(ErrInvalid, "fqdn and session_url are mutually exclusive")
	}
	if cfg.Retries < 0 {
		return errors.Wrap(ErrInvalid, "retries must be non-negative")
	}
	if cfg.ConcurrentDownloads <= 0 {
		return errors.Wrap(ErrInvalid, "concurrent_downloads must be positive")
	}
	return nil
}
