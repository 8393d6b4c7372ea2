package config

import "fmt"

// Validator validates configuration comprehensively with clear error messages.
type Validator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast — stops at the
// first error), same ordering discipline as the ground-truth validator:
// infrastructure before tunables.
func (v *Validator) ValidateAll() error {
	if err := v.validateDatabase(); err != nil {
		return fmt.Errorf("database validation failed: %w", err)
	}
	if err := v.validateHTTP(); err != nil {
		return fmt.Errorf("http validation failed: %w", err)
	}
	if err := v.validateStream(); err != nil {
		return fmt.Errorf("stream validation failed: %w", err)
	}
	if err := v.validatePipeline(); err != nil {
		return fmt.Errorf("pipeline validation failed: %w", err)
	}
	return nil
}

func (v *Validator) validateDatabase() error {
	d := v.cfg.Database
	if d.MaxIdleConns > d.MaxOpenConns {
		return fmt.Errorf("DB_MAX_IDLE_CONNS (%d) cannot exceed DB_MAX_OPEN_CONNS (%d)", d.MaxIdleConns, d.MaxOpenConns)
	}
	if d.MaxOpenConns < 1 {
		return fmt.Errorf("DB_MAX_OPEN_CONNS must be at least 1")
	}
	return nil
}

func (v *Validator) validateHTTP() error {
	if v.cfg.HTTP.APISecret == "" {
		return fmt.Errorf("API_SECRET is required")
	}
	return nil
}

func (v *Validator) validateStream() error {
	if v.cfg.Stream.Addr == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if v.cfg.Stream.StreamKey == "" {
		return fmt.Errorf("EVENTS_STREAM_KEY cannot be empty")
	}
	return nil
}

func (v *Validator) validatePipeline() error {
	p := v.cfg.Pipeline
	if p.MaxConcurrent < 0 {
		return fmt.Errorf("PIPELINE_MAX_CONCURRENT cannot be negative")
	}
	if p.MaxDepth < 1 {
		return fmt.Errorf("PIPELINE_MAX_DEPTH must be at least 1")
	}
	return nil
}
