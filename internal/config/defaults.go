package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:   "~/.wxgate",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			BasePath:     "/wx",
			MaxBodyBytes: 1 << 20,
			RateLimit: RateLimitConfig{
				Enabled:   true,
				PerSecond: 50,
				Burst:     100,
			},
		},
		Store: StoreConfig{
			Type: "sqlite",
			Path: "~/.wxgate/wxgate.db",
		},
		Tokens: TokensConfig{
			APIBase:             "https://api.weixin.qq.com",
			TimeoutSeconds:      30,
			WarmupMarginSeconds: 600,
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
	}
}
