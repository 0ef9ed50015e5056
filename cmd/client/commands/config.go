package commands

import (
	"github.com/huddlemesh/huddle/src/config"
)

//CLIConfig contains the headless client configuration
type CLIConfig struct {
	Huddle  config.Config `mapstructure:",squash"`
	Room    string        `mapstructure:"room"`
	UserID  string        `mapstructure:"user"`
	Discard bool          `mapstructure:"discard"`
}

//NewDefaultCLIConfig creates a CLIConfig with default values
func NewDefaultCLIConfig() *CLIConfig {
	return &CLIConfig{
		Huddle: *config.NewDefaultConfig(),
	}
}
