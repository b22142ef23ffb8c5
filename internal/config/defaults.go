package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Security: SecurityConfig{
			RateWindowSeconds: 60,
			RateMaxPerWindow:  20,
			BurstLimit:        5,
			MaxTextLength:     8000,
			MaxMediaBytes:     20 << 20,
			HistoryCapacity:   50,
		},
		Context: ContextConfig{
			ProfilingEnabled:  true,
			MaxHistory:        40,
			MaxHistoryAgeHrs:  48,
			CompressThreshold: 3000,
		},
		Routing: RoutingConfig{
			AdaptiveEnabled: true,
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrent:      5,
			CallTimeoutSeconds: 60,
			RoutingCacheSize:   500,
			AdaptiveEnabled:    true,
		},
		Response: ResponseConfig{
			MaxConcurrent:    5,
			MaxMessageLength: 4096,
			CacheSize:        200,
			EmojiEnabled:     false,
		},
		Pipeline: PipelineConfig{
			MaxConcurrentRequests: 10,
			MetricsHistorySize:    100,
		},
		Recovery: RecoveryConfig{
			MaxAttemptsPerKey: 3,
		},
		Memory: MemoryConfig{
			Enabled: true,
			DBPath:  "~/.relaybot/history.db",
		},
		Agent: AgentConfig{
			Model:       "gpt-4o-mini",
			MaxTokens:   4096,
			Temperature: 0.7,
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				Enabled:   false,
				ParseMode: "Markdown",
			},
			CLI: CLIConfig{
				Enabled: true,
			},
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "127.0.0.1:9090",
		},
		Sweep: SweepConfig{
			Enabled:  true,
			Schedule: "@every 1h",
			TTLHours: 72,
		},
	}
}
