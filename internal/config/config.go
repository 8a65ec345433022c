// Package config loads the configuration of the attributetwin service.
//
// Settings are read, in increasing precedence, from defaults, an optional
// configuration file, and ATTRIBUTETWIN_-prefixed environment variables (e.g.
// ATTRIBUTETWIN_ENGINE_MAX_CASCADE_HOPS).
package config

import (
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"

	"github.com/go-digitaltwin/go-attributetwin/engine"
	"github.com/go-digitaltwin/go-attributetwin/expression"
)

// EnvPrefix prefixes environment variables overriding configuration keys.
const EnvPrefix = "ATTRIBUTETWIN"

// Config is the complete configuration of the service.
type Config struct {
	Engine     EngineConfig     `mapstructure:"engine"`
	Expression ExpressionConfig `mapstructure:"expression"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Neo4j      Neo4jConfig      `mapstructure:"neo4j"`
	Log        LogConfig        `mapstructure:"log"`
}

type EngineConfig struct {
	MaxAliasDepth        int           `mapstructure:"max_alias_depth"`
	MaxCascadeHops       int           `mapstructure:"max_cascade_hops"`
	EvaluationTimeout    time.Duration `mapstructure:"evaluation_timeout"`
	ValidationTimeout    time.Duration `mapstructure:"validation_timeout"`
	RecomputeConcurrency int           `mapstructure:"recompute_concurrency"`
}

type ExpressionConfig struct {
	MaxLength int  `mapstructure:"max_length"`
	MaxNodes  uint `mapstructure:"max_nodes"`
}

// PubSubConfig locates the attribute.updated topic and subscription, as
// gocloud.dev/pubsub URLs.
type PubSubConfig struct {
	TopicURL        string `mapstructure:"topic_url"`
	SubscriptionURL string `mapstructure:"subscription_url"`
}

// Neo4jConfig selects the Neo4j attribute store. An empty URI selects the
// in-memory catalog instead.
type Neo4jConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type LogConfig struct {
	// Level is one of debug, info, warn or error.
	Level string `mapstructure:"level"`
	// Format is either json or text.
	Format string `mapstructure:"format"`
}

// SetDefaults configures default values for all configuration keys.
func SetDefaults(v *viper.Viper) {
	d := engine.DefaultOptions()
	v.SetDefault("engine.max_alias_depth", d.MaxAliasDepth)
	v.SetDefault("engine.max_cascade_hops", d.MaxCascadeHops)
	v.SetDefault("engine.evaluation_timeout", d.EvaluationTimeout)
	v.SetDefault("engine.validation_timeout", d.ValidationTimeout)
	v.SetDefault("engine.recompute_concurrency", d.RecomputeConcurrency)

	v.SetDefault("expression.max_length", expression.DefaultMaxLength)
	v.SetDefault("expression.max_nodes", expression.DefaultMaxNodes)

	// In-process topic, suitable for a single replica.
	v.SetDefault("pubsub.topic_url", "mem://attribute.updated")
	v.SetDefault("pubsub.subscription_url", "mem://attribute.updated")

	v.SetDefault("neo4j.uri", "")
	v.SetDefault("neo4j.database", "attributetwin")
	v.SetDefault("neo4j.username", "")
	v.SetDefault("neo4j.password", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// New returns a Viper instance with the service defaults, reading environment
// variables.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// ReadFile merges the configuration file at path into v. The format follows the
// file extension (e.g. toml or yaml).
func ReadFile(v *viper.Viper, path string) error {
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "read config file %s", path)
	}
	return nil
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, errors.Wrap(err, "unmarshal config")
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) validate() error {
	if c.PubSub.TopicURL == "" || c.PubSub.SubscriptionURL == "" {
		return errors.New("pubsub.topic_url and pubsub.subscription_url are required")
	}
	if c.Engine.MaxCascadeHops < 0 || c.Engine.MaxAliasDepth < 0 || c.Engine.RecomputeConcurrency < 0 {
		return errors.New("engine limits must not be negative")
	}
	if _, err := c.Log.level(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return errors.Newf("log.format: unknown format %q", c.Log.Format)
	}
	return nil
}

// EngineOptions returns the engine options of c.
func (c Config) EngineOptions() engine.Options {
	return engine.Options{
		MaxAliasDepth:        c.Engine.MaxAliasDepth,
		MaxCascadeHops:       c.Engine.MaxCascadeHops,
		EvaluationTimeout:    c.Engine.EvaluationTimeout,
		ValidationTimeout:    c.Engine.ValidationTimeout,
		RecomputeConcurrency: c.Engine.RecomputeConcurrency,
		MaxExpressionLength:  c.Expression.MaxLength,
	}
}

// Sandbox returns the expression evaluator of c.
func (c Config) Sandbox() expression.Sandbox {
	return expression.Sandbox{MaxNodes: c.Expression.MaxNodes}
}

func (c LogConfig) level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Level)); err != nil {
		return l, errors.Wrap(err, "log.level")
	}
	return l, nil
}

// Handler returns a slog.Handler writing to w, per c.
func (c LogConfig) Handler(w io.Writer) (slog.Handler, error) {
	level, err := c.level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch c.Format {
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	case "text":
		return slog.NewTextHandler(w, opts), nil
	}
	return nil, errors.Newf("log.format: unknown format %q", c.Format)
}
