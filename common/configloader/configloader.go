// common/configloader/configloader.go
package configloader

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load загружает конфиг в cfgPtr: defaults → ENV → YAML (если указан) → decode → Validate.
// envPrefix - префикс ENV переменных, например: "ASYNKAF".
// Ключи с точкой маппятся в ENV через "_": consumer.group_id → ASYNKAF_CONSUMER_GROUP_ID.
func Load(path, envPrefix string, cfgPtr interface{}) error {
	v := viper.New()

	// Шаг 1: apply registered defaults
	for key, val := range getDefaults() {
		v.SetDefault(key, val)
	}

	// Шаг 2: environment override
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	// Шаг 3: read file (if provided)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("configloader: read config %q: %w", path, err)
		}
	}

	// Шаг 4: decode
	if err := decode(v.AllSettings(), cfgPtr); err != nil {
		return fmt.Errorf("configloader: decode failed: %w", err)
	}

	// Шаг 5: validate if possible
	if v, ok := cfgPtr.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("configloader: validation failed: %w", err)
		}
	}

	return nil
}

// Decode exposes the loader's mapstructure settings for callers that already
// hold a map of options.
func Decode(input map[string]interface{}, cfgPtr interface{}) error {
	return decode(input, cfgPtr)
}
