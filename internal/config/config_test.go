package config

import (
	"reflect"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("POSTGRES_HOST", "testhost")
	t.Setenv("VERIFICATION_WINDOW", "120s")
	t.Setenv("STORAGE_BACKEND", "Memory")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("Server.Port = %v, want %v", cfg.Server.Port, "9090")
	}

	if cfg.Database.Postgres.Host != "testhost" {
		t.Errorf("Database.Postgres.Host = %v, want %v", cfg.Database.Postgres.Host, "testhost")
	}

	if cfg.Recovery.VerificationWindow != 120*time.Second {
		t.Errorf("Recovery.VerificationWindow = %v, want %v", cfg.Recovery.VerificationWindow, 120*time.Second)
	}

	if cfg.Storage.Backend != BackendMemory {
		t.Errorf("Storage.Backend = %v, want %v", cfg.Storage.Backend, BackendMemory)
	}
}

func TestLoadConfigRecoveryDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	r := cfg.Recovery
	if r.TickInterval != 5*time.Second {
		t.Errorf("TickInterval = %v, want 5s", r.TickInterval)
	}
	if r.OfflineThreshold != 30*time.Second || r.DegradedThreshold != 300*time.Second {
		t.Errorf("thresholds = %v/%v, want 30s/300s", r.OfflineThreshold, r.DegradedThreshold)
	}
	if r.VerificationWindow != 90*time.Second {
		t.Errorf("VerificationWindow = %v, want 90s", r.VerificationWindow)
	}
	if r.MaxRetries != 6 {
		t.Errorf("MaxRetries = %d, want 6", r.MaxRetries)
	}
	if !reflect.DeepEqual(r.FastBackoff, DefaultFastBackoff) {
		t.Errorf("FastBackoff = %v, want %v", r.FastBackoff, DefaultFastBackoff)
	}
	if !reflect.DeepEqual(r.SlowBackoff, DefaultSlowBackoff) {
		t.Errorf("SlowBackoff = %v, want %v", r.SlowBackoff, DefaultSlowBackoff)
	}
	if cfg.Device.CallAttempts != 5 || cfg.Device.CallRetryDelay != 2*time.Second {
		t.Errorf("device retry = %d x %v, want 5 x 2s", cfg.Device.CallAttempts, cfg.Device.CallRetryDelay)
	}
}

func TestLoadConfigRejectsUnknownBackend(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "sqlite")

	if _, err := LoadConfig(); err == nil {
		t.Fatal("LoadConfig() expected error for unknown backend")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Storage: StorageConfig{Backend: BackendMemory},
			Device:  DeviceConfig{CallAttempts: 5},
			Recovery: RecoveryConfig{
				TickInterval:          5 * time.Second,
				DirectorySyncInterval: time.Hour,
				MaxRetries:            6,
				FastBackoff:           DefaultFastBackoff,
				SlowBackoff:           DefaultSlowBackoff,
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}, wantErr: false},
		{name: "zero tick", mutate: func(c *Config) { c.Recovery.TickInterval = 0 }, wantErr: true},
		{name: "empty fast table", mutate: func(c *Config) { c.Recovery.FastBackoff = nil }, wantErr: true},
		{name: "negative concurrency", mutate: func(c *Config) { c.Recovery.MaxConcurrentJobs = -1 }, wantErr: true},
		{name: "no device attempts", mutate: func(c *Config) { c.Device.CallAttempts = 0 }, wantErr: true},
		{name: "reserve within budget", mutate: func(c *Config) { c.Device.CallBudget, c.Device.CallBudgetReserve = 100, 60 }, wantErr: false},
		{name: "reserve over budget", mutate: func(c *Config) { c.Device.CallBudget, c.Device.CallBudgetReserve = 100, 120 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{
			name:         "returns environment variable when set",
			key:          "TEST_KEY",
			defaultValue: "default",
			envValue:     "custom",
			want:         "custom",
		},
		{
			name:         "returns default when environment variable not set",
			key:          "NONEXISTENT_KEY",
			defaultValue: "default",
			envValue:     "",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}

			got := getEnv(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvAsInt(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue int
		envValue     string
		want         int
	}{
		{name: "returns integer when valid", key: "TEST_INT", defaultValue: 100, envValue: "200", want: 200},
		{name: "returns default when invalid", key: "TEST_INT_INVALID", defaultValue: 100, envValue: "invalid", want: 100},
		{name: "returns default when not set", key: "TEST_INT_NOTSET", defaultValue: 100, envValue: "", want: 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}

			got := getEnvAsInt(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnvAsInt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvAsDuration(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue time.Duration
		envValue     string
		want         time.Duration
	}{
		{name: "returns duration when valid", key: "TEST_DURATION", defaultValue: 10 * time.Second, envValue: "30s", want: 30 * time.Second},
		{name: "returns default when invalid", key: "TEST_DURATION_INVALID", defaultValue: 10 * time.Second, envValue: "invalid", want: 10 * time.Second},
		{name: "returns default when not set", key: "TEST_DURATION_NOTSET", defaultValue: 10 * time.Second, envValue: "", want: 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}

			got := getEnvAsDuration(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnvAsDuration() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvAsDurationList(t *testing.T) {
	def := []time.Duration{time.Minute}

	tests := []struct {
		name     string
		envValue string
		want     []time.Duration
	}{
		{name: "parses list", envValue: "1m, 2m,90s", want: []time.Duration{time.Minute, 2 * time.Minute, 90 * time.Second}},
		{name: "malformed entry falls back", envValue: "1m,abc", want: def},
		{name: "only separators falls back", envValue: " , ", want: def},
		{name: "unset falls back", envValue: "", want: def},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv("TEST_DURATION_LIST", tt.envValue)
			}

			got := getEnvAsDurationList("TEST_DURATION_LIST", def)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("getEnvAsDurationList() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvAsBool(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	if !getEnvAsBool("TEST_BOOL", false) {
		t.Error("getEnvAsBool() = false, want true")
	}

	t.Setenv("TEST_BOOL_BAD", "maybe")
	if getEnvAsBool("TEST_BOOL_BAD", false) {
		t.Error("getEnvAsBool() = true, want default false")
	}
}

func TestPostgresDSN(t *testing.T) {
	c := &PostgresConfig{Host: "db", Port: "5432", User: "recovery", Password: "p@ss/word", Database: "stations"}
	want := "postgres://recovery:p%40ss%2Fword@db:5432/stations?sslmode=disable"
	if got := c.PostgresDSN(); got != want {
		t.Errorf("PostgresDSN() = %v, want %v", got, want)
	}
}
