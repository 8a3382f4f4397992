package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"content_recommend/internal/breaker"
	"content_recommend/internal/cache"
	"content_recommend/internal/health"
	"content_recommend/internal/logger"
	"content_recommend/internal/ranking"
	"content_recommend/internal/recall"
	"content_recommend/internal/recommend"
	"content_recommend/internal/rerank"
	"content_recommend/internal/scheduler"
	"content_recommend/internal/server"
	"content_recommend/internal/workerpool"
)

// LLMGlobalConfig 对应 configs/llm.yaml
type LLMGlobalConfig struct {
	LLMs map[string]struct {
		ChatEndpoint string        `yaml:"chat_endpoint"` // 完整的 API 地址
		APIKey       string        `yaml:"api_key"`
		Model        string        `yaml:"model"`
		Timeout      time.Duration `yaml:"timeout"`
	} `yaml:"llms"`
}

// SourceConfig 单个召回源的开关、权重和超时
type SourceConfig struct {
	Name    string        `yaml:"name"`
	Weight  float64       `yaml:"weight"`
	Timeout time.Duration `yaml:"timeout"`
	// LLMKey 仅 llm 源使用，对应 llm.yaml 中的 key
	LLMKey string `yaml:"llm_key"`
}

// Config 对应 configs/server.yaml
type Config struct {
	Server server.Config `yaml:"server"`
	Log    logger.Config `yaml:"log"`
	Paths  struct {
		Users     string `yaml:"users"`
		Catalog   string `yaml:"catalog"`
		Pipelines string `yaml:"pipelines"`
		LLM       string `yaml:"llm"`
		History   string `yaml:"history"`
	} `yaml:"paths"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"redis"`
	Cache    cache.TTLConfig `yaml:"cache"`
	Timeouts struct {
		Recall   time.Duration `yaml:"recall"`
		Ranking  time.Duration `yaml:"ranking"`
		Pipeline time.Duration `yaml:"pipeline"`
	} `yaml:"timeouts"`
	Breaker breaker.Config `yaml:"breaker"`
	Health  struct {
		health.MonitorConfig `yaml:",inline"`
		MemoryLimitMB        uint64 `yaml:"memory_limit_mb"`
		AlertWebhook         string `yaml:"alert_webhook"`
	} `yaml:"health"`
	Recall struct {
		Pool             workerpool.Config `yaml:"pool"`
		Sources          []SourceConfig    `yaml:"sources"`
		LookbackDays     int               `yaml:"lookback_days"`
		LLMCandidatePool int               `yaml:"llm_candidate_pool"`
	} `yaml:"recall"`
	Ranking struct {
		Weights  ranking.Weights            `yaml:"weights"`
		HalfLife time.Duration              `yaml:"half_life"`
		Scenes   map[string]ranking.Weights `yaml:"scenes"`
	} `yaml:"ranking"`
	Rerank struct {
		DiversityThreshold float64      `yaml:"diversity_threshold"`
		Rules              rerank.Rules `yaml:"rules"`
	} `yaml:"rerank"`
	Feedback struct {
		BufferSize int `yaml:"buffer_size"`
		Workers    int `yaml:"workers"`
	} `yaml:"feedback"`
	Fallback struct {
		Defaults []string `yaml:"defaults"`
	} `yaml:"fallback"`
	Scheduler scheduler.Config `yaml:"scheduler"`
	Version   string           `yaml:"version"`
}

// defaultConfig 硬编码默认值
func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Server.Addr = ":8080"
	cfg.Log.Level = "info"
	cfg.Paths.Users = "configs/users.yaml"
	cfg.Paths.Catalog = "configs/catalog.yaml"
	cfg.Paths.Pipelines = "configs/pipelines.json"
	cfg.Paths.LLM = "configs/llm.yaml"
	cfg.Paths.History = "data/history.jsonl"
	cfg.Redis.Prefix = "recommend:"
	cfg.Cache = cache.DefaultTTLConfig()
	cfg.Timeouts.Recall = recall.DefaultSourceTimeout
	cfg.Timeouts.Ranking = ranking.DefaultTimeout
	cfg.Timeouts.Pipeline = recommend.DefaultTimeout
	cfg.Breaker = breaker.DefaultConfig()
	cfg.Health.MonitorConfig = health.DefaultMonitorConfig()
	cfg.Health.MemoryLimitMB = 1024
	cfg.Recall.Pool = workerpool.DefaultConfig()
	cfg.Recall.Sources = []SourceConfig{
		{Name: recall.SourceCollaborative, Weight: 1},
		{Name: recall.SourceContentBased, Weight: 1},
		{Name: recall.SourceHot, Weight: 1},
	}
	cfg.Recall.LookbackDays = 30
	cfg.Recall.LLMCandidatePool = 50
	cfg.Ranking.Weights = ranking.DefaultWeights()
	cfg.Ranking.HalfLife = 72 * time.Hour
	cfg.Rerank.DiversityThreshold = rerank.DefaultDiversityThreshold
	cfg.Rerank.Rules.MinQuality = rerank.DefaultMinQuality
	cfg.Feedback.BufferSize = 10000
	cfg.Feedback.Workers = 4
	cfg.Scheduler = scheduler.DefaultConfig()
	cfg.Version = recommend.DefaultVersion
	return cfg
}

func loadLLMConfig(path string) (*LLMGlobalConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg LLMGlobalConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// loadConfig 在默认值之上解析配置文件，文件中未出现的字段保持默认值
func loadConfig(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// InitConfig 初始化配置，优先级：命令行参数 > 配置文件 > 默认值
// 返回的 notice 在日志初始化后输出
func InitConfig(args []string) (*Config, string, error) {
	fs := flag.NewFlagSet("recommend", flag.ContinueOnError)
	configPath := fs.String("config", "configs/server.yaml", "Path to server config file")
	portFlag := fs.String("port", "", "Server port")
	debugFlag := fs.Bool("debug", false, "Enable debug logging")
	usersFlag := fs.String("users", "", "Path to users.yaml")
	catalogFlag := fs.String("catalog", "", "Path to catalog.yaml")
	pipelinesFlag := fs.String("pipelines", "", "Path to pipelines.json")
	llmFlag := fs.String("llm", "", "Path to llm.yaml")
	historyFlag := fs.String("history", "", "Path to history.jsonl")
	redisFlag := fs.String("redis", "", "Redis address, empty disables the shared cache")
	if err := fs.Parse(args); err != nil {
		return nil, "", err
	}

	cfg := defaultConfig()
	var notice string
	if err := loadConfig(*configPath, cfg); err != nil {
		if !os.IsNotExist(err) {
			return nil, "", err
		}
		// 默认文件不存在时直接使用默认值
		notice = fmt.Sprintf("config file %s not found, using defaults and flags", *configPath)
	}

	if *portFlag != "" {
		cfg.Server.Addr = ":" + *portFlag
	}
	if *debugFlag {
		cfg.Server.Debug = true
		cfg.Log.Debug = true
	}
	if *usersFlag != "" {
		cfg.Paths.Users = *usersFlag
	}
	if *catalogFlag != "" {
		cfg.Paths.Catalog = *catalogFlag
	}
	if *pipelinesFlag != "" {
		cfg.Paths.Pipelines = *pipelinesFlag
	}
	if *llmFlag != "" {
		cfg.Paths.LLM = *llmFlag
	}
	if *historyFlag != "" {
		cfg.Paths.History = *historyFlag
	}
	if *redisFlag != "" {
		cfg.Redis.Addr = *redisFlag
	}
	return cfg, notice, nil
}
