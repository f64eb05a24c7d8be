package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/dunamismax/pixelstage/internal/plan"
)

const EnvPrefix = "PIXELSTAGE"

// planKeys are the scalar transform options that can be overridden from the
// environment, e.g. PIXELSTAGE_QUALITY or PIXELSTAGE_WATERMARK_ANCHOR.
var planKeys = []string{
	"quality",
	"progressive",
	"output",
	"width",
	"height",
	"ignoreAspectRatio",
	"keepMetadata",
	"verboseLogging",
	"maxConcurrency",
	"watermark.filePath",
	"watermark.anchor",
	"watermark.margin",
	"watermark.maxSizePercent",
}

// PlanLoader reads transform configuration from a YAML, JSON or TOML file,
// the environment and any flags bound to its viper instance, in increasing
// order of precedence.
type PlanLoader struct {
	v *viper.Viper
}

func NewPlanLoader() (*PlanLoader, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for _, key := range planKeys {
		env := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}
	return &PlanLoader{v: v}, nil
}

// Viper exposes the underlying instance so commands can bind their flags.
func (l *PlanLoader) Viper() *viper.Viper {
	return l.v
}

// Load reads path when it is set and decodes every known option.
func (l *PlanLoader) Load(path string) (*plan.RawConfig, error) {
	if strings.TrimSpace(path) != "" {
		l.v.SetConfigFile(path)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var raw plan.RawConfig
	if err := l.v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &raw, nil
}

// LoadPlanFile reads a transform configuration file with environment
// overrides applied.
func LoadPlanFile(path string) (*plan.RawConfig, error) {
	l, err := NewPlanLoader()
	if err != nil {
		return nil, err
	}
	return l.Load(path)
}
