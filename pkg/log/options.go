package log

import (
	"fmt"

	"github.com/spf13/pflag"
)

// Options configures the logger.
type Options struct {
	// Name is an optional logger name added to every entry.
	Name string `json:"name,omitempty" mapstructure:"name"`

	// Level is the minimum level to emit: debug, info, warn or error.
	Level string `json:"level,omitempty" mapstructure:"level"`

	// Format is the output encoding: json or console.
	Format string `json:"format,omitempty" mapstructure:"format"`
}

// NewOptions returns options with defaults applied.
func NewOptions() *Options {
	return &Options{
		Level:  "info",
		Format: "console",
	}
}

// Validate checks the option values.
func (o *Options) Validate() []error {
	var errs []error
	switch o.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("invalid log format %q", o.Format))
	}
	return errs
}

// AddFlags binds command-line flags to the option fields.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Name, "log.name", o.Name, "An optional name for the logger.")
	fs.StringVar(&o.Level, "log.level", o.Level, "The minimum log level to output (debug, info, warn, error).")
	fs.StringVar(&o.Format, "log.format", o.Format, "The log output format (json or console).")
}
