package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "robotctl":
		return robotctlTemplate, nil
	case "robotsim":
		return robotsimTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

// Validate loads path as kind and checks the result.
func Validate(path, kind string) error {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "robotctl":
		cfg, err := LoadControlConfig(path)
		if err != nil {
			return err
		}
		return cfg.Validate()
	case "robotsim":
		_, err := LoadSimConfig(path)
		return err
	default:
		return fmt.Errorf("unknown config kind: %s", kind)
	}
}

const robotctlTemplate = `host = "127.0.0.1"
port = 8439
connect_timeout = "5s"
handshake_timeout = "5s"
write_timeout = "2s"
protocol_major = 1
min_protocol_minor = 0
control_period = "20ms"
deinit_timeout = "2s"
connect_attempts = 1

[kcp]
window_size_snd = 64
window_size_rcv = 64
interval_ms = 10
no_delay = true
nc = true
resend = 2

[tls]
enabled = false
`

const robotsimTemplate = `id = "robotsim"
addr = "127.0.0.1:8439"
robot_type = "base"
protocol_major = 1
protocol_minor = 0
report_frequency = "50hz"
motor_count = 6
controller_leds = 6
lift_calibrated = true
lift_max_pos = 100000
lift_max_speed = 20000

[tls]
enabled = false
`
