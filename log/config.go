/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package log

// Level defines possible logging levels.
type Level string

// Logging levels.
const (
	LevelError Level = "error"
	LevelWarn  Level = "warn"
	LevelInfo  Level = "info"
	LevelDebug Level = "debug"
)

// IsValid checks if the level is valid.
func (l Level) IsValid() bool {
	switch l {
	case LevelError, LevelWarn, LevelInfo, LevelDebug:
		return true
	}
	return false
}

// Format defines possible log output formats.
type Format string

// Log output formats.
const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Output defines possible log outputs.
type Output string

// Log outputs.
const (
	OutputStdout Output = "stdout"
	OutputStderr Output = "stderr"
	OutputFile   Output = "file"
)

// FileRotationConfig represents rotation settings for the file output.
type FileRotationConfig struct {
	// MaxSize is the maximum size of the log file before it gets rotated.
	// Both integers (bytes) and human-readable values like "100MB" are accepted.
	MaxSize ByteSize `mapstructure:"maxSize"`

	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int `mapstructure:"maxBackups"`

	// Compress determines if the rotated log files should be compressed.
	Compress bool `mapstructure:"compress"`
}

// FileOutputConfig represents settings for the file output.
type FileOutputConfig struct {
	// Path is a path to the log file.
	Path string `mapstructure:"path"`

	// Rotation is a configuration for log file rotation.
	Rotation FileRotationConfig `mapstructure:"rotation"`
}

// Config represents a logger configuration.
type Config struct {
	// Level is a logging level.
	Level Level `mapstructure:"level"`

	// Format is a logging format (json or text).
	Format Format `mapstructure:"format"`

	// Output determines where logs will be written (stdout, stderr or file).
	Output Output `mapstructure:"output"`

	// NoColor disables colors in the text format.
	NoColor bool `mapstructure:"noColor"`

	// File contains settings for the file output.
	File FileOutputConfig `mapstructure:"file"`
}
