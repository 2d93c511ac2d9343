package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ScheduleEntry is one configured EOD exit trigger.
type ScheduleEntry struct {
	Time  string  `yaml:"time"` // "HH:MM:SS" wall-clock in Timezone
	Pct   float64 `yaml:"pct"`
	Final bool    `yaml:"final"`
}

// ExecutionTuning holds dispatch retry and breaker settings. Durations are in
// seconds in the file.
type ExecutionTuning struct {
	MaxRetries              int     `yaml:"max_retries"`
	InitialRetryDelaySec    float64 `yaml:"initial_retry_delay"`
	MaxRetryDelaySec        float64 `yaml:"max_retry_delay"`
	CircuitBreakerThreshold int     `yaml:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   float64 `yaml:"circuit_breaker_timeout"`
	SimulationMode          bool    `yaml:"simulation_mode"`
}

// RiskFile is the YAML document holding risk limits, the EOD schedule, and
// execution tuning.
type RiskFile struct {
	AccountEquity   float64         `yaml:"account_equity"`
	MaxDailyLoss    float64         `yaml:"max_daily_loss"`
	MaxOpenExposure float64         `yaml:"max_open_exposure"`
	Timezone        string          `yaml:"timezone"`
	EODSchedule     []ScheduleEntry `yaml:"eod_exit_schedule"`
	Execution       ExecutionTuning `yaml:"execution"`
}

// DefaultRiskFile returns the documented defaults.
func DefaultRiskFile() RiskFile {
	return RiskFile{
		AccountEquity:   1_000_000,
		MaxDailyLoss:    0.03,
		MaxOpenExposure: 0.10,
		Timezone:        "Asia/Kolkata",
		Execution: ExecutionTuning{
			MaxRetries:              3,
			InitialRetryDelaySec:    1,
			MaxRetryDelaySec:        30,
			CircuitBreakerThreshold: 5,
			CircuitBreakerTimeout:   300,
		},
	}
}

// LoadRiskFile parses the YAML risk file, layering it over the defaults. A
// missing file returns the defaults; a malformed file is an error.
func LoadRiskFile(path string) (RiskFile, error) {
	rf := DefaultRiskFile()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return rf, nil
		}
		return rf, fmt.Errorf("read risk file: %w", err)
	}
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return rf, fmt.Errorf("parse risk file %s: %w", path, err)
	}
	if err := rf.validate(); err != nil {
		return rf, fmt.Errorf("risk file %s: %w", path, err)
	}
	return rf, nil
}

func (rf RiskFile) validate() error {
	if rf.AccountEquity <= 0 {
		return fmt.Errorf("account_equity must be positive, got %.2f", rf.AccountEquity)
	}
	if rf.MaxDailyLoss <= 0 || rf.MaxDailyLoss >= 1 {
		return fmt.Errorf("max_daily_loss must be a fraction in (0,1), got %.4f", rf.MaxDailyLoss)
	}
	if rf.MaxOpenExposure <= 0 || rf.MaxOpenExposure > 1 {
		return fmt.Errorf("max_open_exposure must be a fraction in (0,1], got %.4f", rf.MaxOpenExposure)
	}
	if _, err := time.LoadLocation(rf.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %v", rf.Timezone, err)
	}
	return nil
}

// Location resolves the configured IANA timezone.
func (rf RiskFile) Location() (*time.Location, error) {
	return time.LoadLocation(rf.Timezone)
}

// InitialRetryDelay returns the tuned initial backoff.
func (t ExecutionTuning) InitialRetryDelay() time.Duration {
	return time.Duration(t.InitialRetryDelaySec * float64(time.Second))
}

// MaxRetryDelay returns the tuned backoff cap.
func (t ExecutionTuning) MaxRetryDelay() time.Duration {
	return time.Duration(t.MaxRetryDelaySec * float64(time.Second))
}

// BreakerTimeout returns the tuned open duration.
func (t ExecutionTuning) BreakerTimeout() time.Duration {
	return time.Duration(t.CircuitBreakerTimeout * float64(time.Second))
}
