package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

const header = `# vktunnel configuration.
# Every key can also be set as VKTUNNEL_<SECTION>_<KEY>, e.g. VKTUNNEL_HEALTH_INTERVAL=45s.
# BOT_TOKEN, CHAT_ID, ALLOWED_USER_ID, API_TOKEN, API_DOMAIN, TUNNEL_PORT,
# HEALTH_CHECK_INTERVAL_SECONDS, CONFIG_PROFILE_UUID and CONFIG_PROFILE_INBOUND_UUID
# are honored as well.

`

// Marshal renders c as a commented TOML document.
func Marshal(c Config) ([]byte, error) {
	b, err := toml.Marshal(c)
	if err != nil {
		return nil, err
	}
	return append([]byte(header), b...), nil
}

// WriteDefault writes the default configuration to path. An existing file is
// kept unless overwrite is set.
func WriteDefault(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	b, err := Marshal(Default())
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
	}
	return os.WriteFile(path, b, 0o600)
}

// Redacted returns a copy of c with credentials masked, for display.
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	c.Telegram.BotToken = mask(c.Telegram.BotToken)
	c.Telegram.WebhookSecret = mask(c.Telegram.WebhookSecret)
	c.API.Token = mask(c.API.Token)
	return c
}
