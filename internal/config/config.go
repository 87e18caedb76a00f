package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the full runtime configuration of the defense core.
type Config struct {
	// Transport / surfaces
	NATSURL  string `json:"nats_url"`
	HTTPAddr string `json:"http_addr"`

	// Scan window tracker
	ScanWindow        time.Duration `json:"scan_window"`
	ScanPortThreshold int           `json:"scan_port_threshold"`

	// Connection policy
	ConnAllowList        []string      `json:"conn_allow_list"`
	ConnDenyList         []string      `json:"conn_deny_list"`
	ExpectedServicePorts []int         `json:"expected_service_ports"`
	ConnDedupeWindow     time.Duration `json:"conn_dedupe_window"`
	ConnDedupeCap        int           `json:"conn_dedupe_cap"`

	// Process behavior monitor
	ProcLearningPeriod     time.Duration `json:"proc_learning_period"`
	ProcMinSamples         int           `json:"proc_min_samples"`
	ProcAnomalySensitivity float64       `json:"proc_anomaly_sensitivity"`
	ProcHighCPUPercent     float64       `json:"proc_high_cpu_percent"`
	ProcHighMemoryPercent  float64       `json:"proc_high_memory_percent"`
	ProcHighReadings       int           `json:"proc_high_readings"`

	// Connection policy file (extends the env lists)
	PolicyPath string `json:"policy_path"`

	// File access monitor
	FileRulesPath string   `json:"file_rules_path"`
	WatchPaths    []string `json:"watch_paths"`

	// Decision engine
	BlockBaseDuration       time.Duration `json:"block_base_duration"`
	BlockEscalationCap      time.Duration `json:"block_escalation_cap"`
	BlockViolationThreshold int           `json:"block_violation_threshold"`
	AccountingWindow        time.Duration `json:"accounting_window"`
	RecidivismRetention     time.Duration `json:"recidivism_retention"`

	// Evidence ledger
	LedgerPath string `json:"ledger_path"`

	// Pipeline sizing
	QueueCapacity int `json:"queue_capacity"`
	WorkerCount   int `json:"worker_count"`
	AlertQueueCap int `json:"alert_queue_cap"`

	// Enforcement retry
	EnforceRetries    int           `json:"enforce_retries"`
	EnforceRetryBase  time.Duration `json:"enforce_retry_base"`
	EnforceSubject    string        `json:"enforce_subject"`
	AlertSubject      string        `json:"alert_subject"`
	ObservePrefix     string        `json:"observe_prefix"`
	SweepInterval     time.Duration `json:"sweep_interval"`

	// Logging
	LogLevel   string `json:"log_level"`
	LogFile    string `json:"log_file"`
	LogMaxSize int    `json:"log_max_size_mb"`
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		NATSURL:  getEnv("SOVD_NATS_URL", "nats://localhost:4222"),
		HTTPAddr: getEnv("SOVD_HTTP_ADDR", ":8080"),

		ScanWindow:        getDurationEnv("SOVD_SCAN_WINDOW_SEC", 60*time.Second),
		ScanPortThreshold: getIntEnv("SOVD_SCAN_PORT_THRESHOLD", 15),

		ConnAllowList:        getListEnv("SOVD_CONN_ALLOW_LIST"),
		ConnDenyList:         getListEnv("SOVD_CONN_DENY_LIST"),
		ExpectedServicePorts: getIntListEnv("SOVD_EXPECTED_SERVICE_PORTS", []int{22, 80, 443}),
		ConnDedupeWindow:     getDurationEnv("SOVD_CONN_DEDUPE_WINDOW_SEC", 120*time.Second),
		ConnDedupeCap:        getIntEnv("SOVD_CONN_DEDUPE_CAP", 65536),

		ProcLearningPeriod:     getDurationEnv("SOVD_PROC_LEARNING_PERIOD_SEC", 300*time.Second),
		ProcMinSamples:         getIntEnv("SOVD_PROC_MIN_SAMPLES", 30),
		ProcAnomalySensitivity: getFloat64Env("SOVD_PROC_ANOMALY_SENSITIVITY", 3.0),
		ProcHighCPUPercent:     getFloat64Env("SOVD_PROC_HIGH_CPU_PERCENT", 80.0),
		ProcHighMemoryPercent:  getFloat64Env("SOVD_PROC_HIGH_MEMORY_PERCENT", 80.0),
		ProcHighReadings:       getIntEnv("SOVD_PROC_HIGH_READINGS", 3),

		PolicyPath: getEnv("SOVD_POLICY_PATH", ""),

		FileRulesPath: getEnv("SOVD_FILE_RULES_PATH", ""),
		WatchPaths:    getListEnv("SOVD_WATCH_PATHS"),

		BlockBaseDuration:       getDurationEnv("SOVD_BLOCK_BASE_DURATION_SEC", 15*time.Minute),
		BlockEscalationCap:      getDurationEnv("SOVD_BLOCK_ESCALATION_CAP_SEC", 24*time.Hour),
		BlockViolationThreshold: getIntEnv("SOVD_BLOCK_VIOLATION_THRESHOLD", 3),
		AccountingWindow:        getDurationEnv("SOVD_ACCOUNTING_WINDOW_SEC", 10*time.Minute),
		RecidivismRetention:     getDurationEnv("SOVD_RECIDIVISM_RETENTION_SEC", 7*24*time.Hour),

		LedgerPath: getEnv("SOVD_LEDGER_PATH", "data/evidence.ledger"),

		QueueCapacity: getIntEnv("SOVD_QUEUE_CAPACITY", 1024),
		WorkerCount:   getIntEnv("SOVD_WORKER_COUNT", 4),
		AlertQueueCap: getIntEnv("SOVD_ALERT_QUEUE_CAP", 256),

		EnforceRetries:   getIntEnv("SOVD_ENFORCE_RETRIES", 5),
		EnforceRetryBase: getDurationEnv("SOVD_ENFORCE_RETRY_BASE_MS", 500*time.Millisecond),
		EnforceSubject:   getEnv("SOVD_ENFORCE_SUBJECT", "sovd.enforce"),
		AlertSubject:     getEnv("SOVD_ALERT_SUBJECT", "sovd.alerts"),
		ObservePrefix:    getEnv("SOVD_OBSERVE_PREFIX", "sovd.observe"),
		SweepInterval:    getDurationEnv("SOVD_SWEEP_INTERVAL_SEC", 5*time.Second),

		LogLevel:   getEnv("SOVD_LOG_LEVEL", "info"),
		LogFile:    getEnv("SOVD_LOG_FILE", ""),
		LogMaxSize: getIntEnv("SOVD_LOG_MAX_SIZE_MB", 10),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.ScanWindow <= 0 {
		return fmt.Errorf("scan window must be positive, got %s", c.ScanWindow)
	}
	if c.ScanPortThreshold < 1 {
		return fmt.Errorf("scan port threshold must be >= 1, got %d", c.ScanPortThreshold)
	}
	if c.BlockViolationThreshold < 1 {
		return fmt.Errorf("block violation threshold must be >= 1, got %d", c.BlockViolationThreshold)
	}
	if c.BlockBaseDuration <= 0 {
		return fmt.Errorf("block base duration must be positive, got %s", c.BlockBaseDuration)
	}
	if c.BlockEscalationCap < c.BlockBaseDuration {
		return fmt.Errorf("block escalation cap %s below base duration %s", c.BlockEscalationCap, c.BlockBaseDuration)
	}
	if c.AccountingWindow <= 0 {
		return fmt.Errorf("accounting window must be positive, got %s", c.AccountingWindow)
	}
	if c.ProcAnomalySensitivity <= 0 {
		return fmt.Errorf("process anomaly sensitivity must be positive, got %f", c.ProcAnomalySensitivity)
	}
	if c.QueueCapacity < 1 || c.WorkerCount < 1 {
		return fmt.Errorf("queue capacity and worker count must be >= 1")
	}
	for _, p := range c.ExpectedServicePorts {
		if p < 0 || p > 65535 {
			return fmt.Errorf("expected service port %d out of range", p)
		}
	}
	return nil
}

// getEnv gets an environment variable with a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getIntEnv gets an environment variable as an integer with a default value.
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getFloat64Env gets an environment variable as a float with a default value.
func getFloat64Env(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getDurationEnv reads a numeric environment variable scaled by the unit the
// key name carries (SEC or MS).
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	if strings.HasSuffix(key, "_MS") {
		return time.Duration(n) * time.Millisecond
	}
	return time.Duration(n) * time.Second
}

// getListEnv reads a comma-separated environment variable.
func getListEnv(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// getIntListEnv reads a comma-separated list of integers.
func getIntListEnv(key string, defaultValue []int) []int {
	parts := getListEnv(key)
	if parts == nil {
		return defaultValue
	}
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		if n, err := strconv.Atoi(p); err == nil {
			out = append(out, n)
		}
	}
	return out
}
