package config

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g.
// INFERQ_POOL_MAX_CONNECTIONS or INFERQ_STORE_DRIVER.
const EnvPrefix = "INFERQ"

// ApplyEnv overlays INFERQ_* environment variables onto cfg. Every key in
// the file format has an environment form: section and key joined by an
// underscore, upper-cased. Lists are comma separated.
func ApplyEnv(cfg *Config) error {
	// Seed viper with the current values so it knows every key.
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(b)); err != nil {
		return fmt.Errorf("seed env overlay: %w", err)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var out Config
	if err := v.Unmarshal(&out); err != nil {
		return fmt.Errorf("apply environment: %w", err)
	}
	*cfg = out
	return nil
}
