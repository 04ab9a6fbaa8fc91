// Package config 加载 trackshield 的运行配置
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvConfigPath 指定配置文件路径的环境变量
const EnvConfigPath = "TRACKSHIELD_CONFIG"

// Config 配置文件结构体
type Config struct {
	Version  string         `mapstructure:"version"`
	Sqlite   SqliteConfig   `mapstructure:"sqlite"`
	Log      LogConfig      `mapstructure:"log"`
	DevTools DevToolsConfig `mapstructure:"devtools"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Core     CoreConfig     `mapstructure:"core"`
	Filter   FilterConfig   `mapstructure:"filter"`
}

// SqliteConfig 数据库配置
type SqliteConfig struct {
	Db     string `mapstructure:"db"`
	Prefix string `mapstructure:"prefix"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string   `mapstructure:"level"`
	Writer []string `mapstructure:"writer"`
	File   string   `mapstructure:"file"`
}

// DevToolsConfig 浏览器连接配置
type DevToolsConfig struct {
	URL         string `mapstructure:"url"`
	Launch      bool   `mapstructure:"launch"`
	ExecPath    string `mapstructure:"exec_path"`
	Headless    bool   `mapstructure:"headless"`
	Concurrency int    `mapstructure:"concurrency"`
}

// HTTPConfig 本地 HTTP 服务配置
type HTTPConfig struct {
	Listen string `mapstructure:"listen"`
}

// CoreConfig 拦截核心的可调参数
type CoreConfig struct {
	InterstitialURL   string        `mapstructure:"interstitial_url"`
	PreviewWindow     time.Duration `mapstructure:"preview_window"`
	EnterOnceTTL      time.Duration `mapstructure:"enter_once_ttl"`
	NotifyThrottle    time.Duration `mapstructure:"notify_throttle"`
	EventCap          int           `mapstructure:"event_cap"`
	BadgeCeiling      int           `mapstructure:"badge_ceiling"`
	LocationCacheSize int           `mapstructure:"location_cache_size"`
	DecisionTimeout   time.Duration `mapstructure:"decision_timeout"`
}

// FilterConfig 追踪器列表配置
type FilterConfig struct {
	Patterns []string `mapstructure:"patterns"`
	ListPath string   `mapstructure:"list_path"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	cfg.finalize()
	return &cfg
}

// Load 从指定路径（为空时读取环境变量）加载配置，文件不存在时使用默认值
func Load(path string) (*Config, *viper.Viper, error) {
	if path == "" {
		path = strings.TrimSpace(os.Getenv(EnvConfigPath))
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("TRACKSHIELD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// Watch 监听配置文件变化，解析成功后回调
func Watch(v *viper.Viper, onChange func(*Config), onError func(error)) {
	if v == nil || v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.finalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("version", "1.0.0")
	v.SetDefault("sqlite.db", "data.db")
	v.SetDefault("sqlite.prefix", "trackshield_")
	v.SetDefault("log.level", "info")
	// file需要在console之前，console 写失败时不影响文件日志
	v.SetDefault("log.writer", []string{"file", "console"})
	v.SetDefault("devtools.url", "http://127.0.0.1:9222")
	v.SetDefault("devtools.launch", false)
	v.SetDefault("devtools.headless", false)
	v.SetDefault("devtools.concurrency", 16)
	v.SetDefault("http.listen", "127.0.0.1:8787")
	v.SetDefault("core.preview_window", "5s")
	v.SetDefault("core.enter_once_ttl", "15s")
	v.SetDefault("core.notify_throttle", "60s")
	v.SetDefault("core.event_cap", 500)
	v.SetDefault("core.badge_ceiling", 999)
	v.SetDefault("core.location_cache_size", 512)
	v.SetDefault("core.decision_timeout", "2s")
	v.SetDefault("filter.list_path", "")
}

// finalize 补全依赖其他字段的默认值
func (c *Config) finalize() {
	if c.Core.InterstitialURL == "" && c.HTTP.Listen != "" {
		c.Core.InterstitialURL = "http://" + c.HTTP.Listen + "/interstitial"
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "disabled":
	default:
		return fmt.Errorf("invalid log level: %s (must be one of: debug, info, warn, error, disabled)", c.Log.Level)
	}
	if _, _, err := net.SplitHostPort(c.HTTP.Listen); err != nil {
		return fmt.Errorf("invalid http.listen %q: %w", c.HTTP.Listen, err)
	}
	if c.Core.PreviewWindow <= 0 {
		return errors.New("core.preview_window must be > 0")
	}
	if c.Core.EnterOnceTTL <= 0 {
		return errors.New("core.enter_once_ttl must be > 0")
	}
	if c.Core.NotifyThrottle < 0 {
		return errors.New("core.notify_throttle must be >= 0")
	}
	if c.Core.EventCap <= 0 {
		return errors.New("core.event_cap must be > 0")
	}
	if c.Core.BadgeCeiling <= 0 {
		return errors.New("core.badge_ceiling must be > 0")
	}
	if c.Core.LocationCacheSize <= 0 {
		return errors.New("core.location_cache_size must be > 0")
	}
	if !strings.HasPrefix(c.Core.InterstitialURL, "http://") && !strings.HasPrefix(c.Core.InterstitialURL, "https://") {
		return fmt.Errorf("invalid core.interstitial_url %q", c.Core.InterstitialURL)
	}
	return nil
}
