package config

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/robotlink/internal/robotsim"
)

// LoadSimConfig decodes path onto robotsim defaults; keys absent from the file
// keep their default values and unknown keys are rejected.
func LoadSimConfig(path string) (robotsim.Config, error) {
	cfg := robotsim.DefaultConfig()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return robotsim.Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return robotsim.Config{}, fmt.Errorf("config parse failed (%s): unknown keys %v", path, undecoded)
	}
	if err := ValidateSimConfig(cfg); err != nil {
		return robotsim.Config{}, err
	}
	return cfg, nil
}

func ValidateSimConfig(cfg robotsim.Config) error {
	if cfg.Addr == "" {
		return fmt.Errorf("robotsim config missing addr")
	}
	if cfg.ProtocolMajor == 0 {
		return fmt.Errorf("robotsim config protocol_major must be positive")
	}
	if cfg.ReportFrequency.Hz() == 0 {
		return fmt.Errorf("robotsim config report_frequency unknown")
	}
	if cfg.MotorCount < 0 || cfg.ControllerLEDs < 0 {
		return fmt.Errorf("robotsim config motor_count and controller_leds must not be negative")
	}
	return cfg.TLS.ValidateServer()
}
