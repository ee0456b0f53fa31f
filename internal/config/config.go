package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，例如 CDPBLOCK_DEVTOOLS_URL
const EnvPrefix = "CDPBLOCK"

// Config 配置文件结构体
type Config struct {
	Version string `yaml:"version" mapstructure:"version"`

	Log struct {
		Level  string   `yaml:"level" mapstructure:"level"`
		Writer []string `yaml:"writer" mapstructure:"writer"`
		File   string   `yaml:"file" mapstructure:"file"`
	} `yaml:"log" mapstructure:"log"`

	Devtools struct {
		URL              string `yaml:"url" mapstructure:"url"`
		Scope            string `yaml:"scope" mapstructure:"scope"` // 受控页面的 URL 前缀，空表示所有页面
		Concurrency      int    `yaml:"concurrency" mapstructure:"concurrency"`
		PendingCapacity  int    `yaml:"pendingCapacity" mapstructure:"pendingcapacity"`
		ProcessTimeoutMS int    `yaml:"processTimeoutMS" mapstructure:"processtimeoutms"`
	} `yaml:"devtools" mapstructure:"devtools"`

	Metrics struct {
		Addr string `yaml:"addr" mapstructure:"addr"`
	} `yaml:"metrics" mapstructure:"metrics"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	c := &Config{Version: "1.0.0"}
	c.Log.Level = "info"
	c.Log.Writer = []string{"console"}
	c.Log.File = "logs/cdpblock.log"
	c.Devtools.URL = "http://127.0.0.1:9222"
	c.Devtools.Concurrency = 8
	c.Devtools.PendingCapacity = 256
	c.Devtools.ProcessTimeoutMS = 3000
	return c
}

// SetDefaults 把默认配置写入 viper
func SetDefaults(v *viper.Viper) {
	d := NewConfig()
	v.SetDefault("version", d.Version)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.writer", d.Log.Writer)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("devtools.url", d.Devtools.URL)
	v.SetDefault("devtools.scope", d.Devtools.Scope)
	v.SetDefault("devtools.concurrency", d.Devtools.Concurrency)
	v.SetDefault("devtools.pendingcapacity", d.Devtools.PendingCapacity)
	v.SetDefault("devtools.processtimeoutms", d.Devtools.ProcessTimeoutMS)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
}

// BindEnv 绑定环境变量，键中的点号替换为下划线
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

// Load 读取可选的配置文件并合并默认值与环境变量
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)
	BindEnv(v)
	if file != "" {
		v.SetConfigFile(file)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Devtools.URL == "" {
		return fmt.Errorf("devtools.url is required")
	}
	if c.Devtools.Concurrency < 0 {
		return fmt.Errorf("devtools.concurrency must not be negative: %d", c.Devtools.Concurrency)
	}
	if c.Devtools.PendingCapacity < 0 {
		return fmt.Errorf("devtools.pendingCapacity must not be negative: %d", c.Devtools.PendingCapacity)
	}
	for _, w := range c.Log.Writer {
		if w != "console" && w != "file" {
			return fmt.Errorf("unknown log writer %q", w)
		}
	}
	return nil
}
