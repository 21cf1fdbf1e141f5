package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/MeKo-Tech/qranno/internal/barcode"
	"github.com/MeKo-Tech/qranno/internal/pipeline"
	"github.com/MeKo-Tech/qranno/internal/report"
	"github.com/MeKo-Tech/qranno/internal/summary"
)

// MaxScale bounds render.scale; larger scales produce impractically large
// page images.
const MaxScale = 10.0

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	bc := barcode.DefaultOptions()
	return Config{
		LogLevel: "info",
		Verbose:  false,
		Render: RenderConfig{
			Scale: pipeline.DefaultScale,
			Pages: "all",
		},
		Barcode: BarcodeConfig{
			TryHarder:     bc.TryHarder,
			UpscaleRetry:  bc.UpscaleRetry,
			MaxUpscaleDim: bc.MaxUpscaleDim,
		},
		Summary: SummaryConfig{
			Enabled: true,
			Title:   summary.DefaultTitle,
		},
		Output: OutputConfig{
			ReportFormat: report.FormatJSON,
		},
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8080,
			CORSOrigin:      "*",
			MaxUploadMB:     50,
			TimeoutSec:      300,
			ShutdownTimeout: 10,
		},
	}
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLogLevels, c.LogLevel) {
		return fmt.Errorf("invalid log level: %s (must be one of: %s)", c.LogLevel, strings.Join(validLogLevels, ", "))
	}

	if c.Render.Scale <= 0 || c.Render.Scale > MaxScale {
		return fmt.Errorf("invalid render scale: %v (must be in (0, %v])", c.Render.Scale, MaxScale)
	}

	if c.Barcode.MaxUpscaleDim < 0 {
		return fmt.Errorf("invalid max upscale dimension: %d (must not be negative)", c.Barcode.MaxUpscaleDim)
	}

	if c.Output.ReportFormat != "" && !slices.Contains(report.Formats(), c.Output.ReportFormat) {
		return fmt.Errorf("invalid report format: %s (must be one of: %s)",
			c.Output.ReportFormat, strings.Join(report.Formats(), ", "))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be between 1 and 65535)", c.Server.Port)
	}
	if c.Server.MaxUploadMB <= 0 {
		return fmt.Errorf("invalid max upload size: %d (must be positive)", c.Server.MaxUploadMB)
	}
	if c.Server.TimeoutSec < 0 {
		return fmt.Errorf("invalid timeout: %d (must not be negative)", c.Server.TimeoutSec)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %d (must be positive)", c.Server.ShutdownTimeout)
	}

	return nil
}

// ToBarcodeOptions converts the barcode section to decoder options.
func (c *Config) ToBarcodeOptions() barcode.Options {
	return barcode.Options{
		TryHarder:     c.Barcode.TryHarder,
		UpscaleRetry:  c.Barcode.UpscaleRetry,
		MaxUpscaleDim: c.Barcode.MaxUpscaleDim,
	}
}

// ToPipelineConfig converts the config to the worker configuration.
func (c *Config) ToPipelineConfig() pipeline.Config {
	cfg := pipeline.DefaultConfig()
	cfg.Barcode = c.ToBarcodeOptions()
	cfg.Summary = c.Summary.Enabled
	if c.Summary.Title != "" {
		cfg.Title = c.Summary.Title
	}
	cfg.Font = c.Summary.Font
	return cfg
}

// RunTimeout returns the per-run timeout of the server; zero means none.
func (c *Config) RunTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutSec) * time.Second
}
