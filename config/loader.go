package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

const (
	// EnvPrefix prefixes every environment override, e.g.
	// RAGCTX_CACHE__REDIS__ADDRESS -> cache.redis.address
	EnvPrefix = "RAGCTX_"

	maxConfigFileSize = 1024 * 1024
)

// Load reads the YAML file at path (optional), overlays RAGCTX_* environment
// variables and unmarshals the result over Default(). The returned config has
// been validated.
func Load(path string) (*Config, error) {
	var content []byte
	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if info.Size() > maxConfigFileSize {
			return nil, fmt.Errorf("config file %s exceeds %d bytes", path, maxConfigFileSize)
		}
		content, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return LoadBytes(content)
}

// LoadBytes is Load for an in-memory YAML document.
func LoadBytes(content []byte) (*Config, error) {
	k := koanf.New(".")
	if len(content) > 0 {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Pipeline == nil {
		cfg.Pipeline = DefaultPipeline()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps RAGCTX_SECTION__FIELD_NAME to section.field_name.
func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

// Dump renders cfg as YAML with secrets masked.
func Dump(cfg *Config) ([]byte, error) {
	c := *cfg
	c.Embedding.APIKey = mask(c.Embedding.APIKey)
	c.LLM.APIKey = mask(c.LLM.APIKey)
	c.VectorDB.APIKey = mask(c.VectorDB.APIKey)
	c.VectorDB.Password = mask(c.VectorDB.Password)
	c.Keyword.Password = mask(c.Keyword.Password)
	c.Web.APIKey = mask(c.Web.APIKey)
	c.Cache.Redis.Password = mask(c.Cache.Redis.Password)
	if c.Pipeline != nil {
		p := *c.Pipeline
		p.Post.Rerank.APIKey = mask(p.Post.Rerank.APIKey)
		c.Pipeline = &p
	}
	return yamlv3.Marshal(&c)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + "****" + s[len(s)-2:]
}
