package config

// ServerConfig holds configuration for the probe control API.
type ServerConfig struct {
	*Config

	BindAddr         string
	PortCandidates   []string
	PortAutoFallback bool
}

// LoadServer reads the probe configuration plus the control API settings.
func LoadServer() (*ServerConfig, error) {
	base, err := Load()
	if err != nil {
		return nil, err
	}
	cfg := &ServerConfig{
		Config:           base,
		BindAddr:         getEnvOrDefault("PROBE_BIND_ADDR", "127.0.0.1:8190"),
		PortCandidates:   getEnvListOrDefault("PROBE_PORT_CANDIDATES", []string{"127.0.0.1:8191", "127.0.0.1:8192"}),
		PortAutoFallback: getEnvBoolOrDefault("PROBE_PORT_AUTO_FALLBACK", true),
	}
	if cfg.LogFile == "logs/tabby_probe.log" {
		cfg.LogFile = getEnvOrDefault("PROBE_SERVER_LOG_FILE", "logs/probe_server.log")
	}
	return cfg, nil
}
