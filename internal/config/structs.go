//nolint:lll
package config

// Config represents the complete configuration for qranno. It covers the
// annotate and serve commands and supports loading from configuration files,
// environment variables, and command-line flags.
type Config struct {
	// Global settings
	LogLevel string `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	Verbose  bool   `mapstructure:"verbose" yaml:"verbose" json:"verbose"`

	// Rendering of source pages
	Render RenderConfig `mapstructure:"render" yaml:"render" json:"render"`

	// QR decoding
	Barcode BarcodeConfig `mapstructure:"barcode" yaml:"barcode" json:"barcode"`

	// Appended summary pages
	Summary SummaryConfig `mapstructure:"summary" yaml:"summary" json:"summary"`

	// Output configuration
	Output OutputConfig `mapstructure:"output" yaml:"output" json:"output"`

	// Server configuration (for serve command)
	Server ServerConfig `mapstructure:"server" yaml:"server" json:"server"`
}

// RenderConfig controls page rasterization.
type RenderConfig struct {
	Scale float64 `mapstructure:"scale" yaml:"scale" json:"scale"`
	Pages string  `mapstructure:"pages" yaml:"pages" json:"pages"`
}

// BarcodeConfig controls the QR decoder.
type BarcodeConfig struct {
	TryHarder     bool `mapstructure:"try_harder" yaml:"try_harder" json:"try_harder"`
	UpscaleRetry  bool `mapstructure:"upscale_retry" yaml:"upscale_retry" json:"upscale_retry"`
	MaxUpscaleDim int  `mapstructure:"max_upscale_dim" yaml:"max_upscale_dim" json:"max_upscale_dim"`
}

// SummaryConfig controls the appended summary pages.
type SummaryConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Title   string `mapstructure:"title" yaml:"title" json:"title"`
	// Font is a TrueType file for entries outside WinAnsiEncoding, such as
	// CJK payloads.
	Font string `mapstructure:"font" yaml:"font" json:"font"`
}

// OutputConfig contains output settings.
type OutputConfig struct {
	File         string `mapstructure:"file" yaml:"file" json:"file"`
	Report       string `mapstructure:"report" yaml:"report" json:"report"`
	ReportFormat string `mapstructure:"report_format" yaml:"report_format" json:"report_format"`
	PreviewDir   string `mapstructure:"preview_dir" yaml:"preview_dir" json:"preview_dir"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host            string `mapstructure:"host" yaml:"host" json:"host"`
	Port            int    `mapstructure:"port" yaml:"port" json:"port"`
	CORSOrigin      string `mapstructure:"cors_origin" yaml:"cors_origin" json:"cors_origin"`
	MaxUploadMB     int    `mapstructure:"max_upload_mb" yaml:"max_upload_mb" json:"max_upload_mb"`
	TimeoutSec      int    `mapstructure:"timeout_sec" yaml:"timeout_sec" json:"timeout_sec"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`
}
