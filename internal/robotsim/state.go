package robotsim

import (
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/robotlink/internal/protocol"
)

// hardware is the physical state shared by every session of one simulated
// robot. Commands from any session apply to it.
type hardware struct {
	mu sync.Mutex

	baseInitialized bool
	odometry        protocol.Odometry

	armInitialized bool
	armCalibrated  bool
	parkingStop    bool
	motors         []protocol.MotorStatus

	lift protocol.LinearLiftStatus

	// leds holds the stripe of each secondary device, keyed by device id.
	leds map[uint32][]uint32
}

func newHardware(cfg Config) *hardware {
	motors := make([]protocol.MotorStatus, cfg.MotorCount)
	for i := range motors {
		motors[i].PulsePerRotation = cfg.PulsePerRotation
		motors[i].Position = cfg.MotorStartPosition
	}
	h := &hardware{
		motors:      motors,
		parkingStop: cfg.ParkingStop,
		lift: protocol.LinearLiftStatus{
			Calibrated:       cfg.LiftCalibrated,
			State:            protocol.LiftStateIdle,
			MaxPos:           cfg.LiftMaxPos,
			MaxSpeed:         cfg.LiftMaxSpeed,
			PulsePerRotation: cfg.PulsePerRotation,
		},
		leds: make(map[uint32][]uint32),
	}
	if cfg.ControllerLEDs > 0 {
		h.leds[protocol.ControllerDeviceID] = make([]uint32, cfg.ControllerLEDs)
	}
	if !cfg.LiftCalibrated {
		h.lift.State = protocol.LiftStateParked
	}
	return h
}

// apply updates the model for one command. Commands the robot would reject in
// its current state are ignored and reported through the returned log line.
func (h *hardware) apply(d protocol.Down) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch p := d.Payload.(type) {
	case *protocol.BaseCommand:
		switch {
		case p.APIControlInitialize != nil:
			h.baseInitialized = *p.APIControlInitialize
			if !h.baseInitialized {
				h.odometry = protocol.Odometry{}
			}
		case p.SimpleMove != nil:
			if !h.baseInitialized {
				return "base: move ignored, api control not initialized"
			}
			h.odometry = protocol.Odometry{SpeedX: p.SimpleMove.SpeedX, SpeedY: p.SimpleMove.SpeedY, SpeedZ: p.SimpleMove.SpeedZ}
		}
	case *protocol.ArmCommand:
		switch {
		case p.ClearParkingStop != nil:
			if *p.ClearParkingStop {
				h.parkingStop = false
			}
		case p.APIControlInitialize != nil:
			h.armInitialized = *p.APIControlInitialize
		case p.Calibrate != nil:
			if h.parkingStop {
				return "arm: calibrate ignored, parking stop active"
			}
			h.armCalibrated = *p.Calibrate || h.armCalibrated
		case p.MotorTargets != nil:
			if !h.armInitialized || h.parkingStop {
				return "arm: motor targets ignored, api control not initialized"
			}
			h.applyTargets(p.MotorTargets.Targets)
		}
	case *protocol.LinearLiftCommand:
		switch {
		case p.Calibrate != nil:
			if *p.Calibrate {
				h.lift.Calibrated = true
				h.lift.State = protocol.LiftStateIdle
				h.lift.CurrentPos = 0
			}
		case p.SetSpeed != nil:
			if *p.SetSpeed > h.lift.MaxSpeed {
				return "lift: speed above max_speed"
			}
		case p.TargetPos != nil:
			if !h.lift.Calibrated {
				return "lift: target ignored, not calibrated"
			}
			h.lift.CurrentPos = clamp(*p.TargetPos, 0, h.lift.MaxPos)
		}
	case *protocol.RotateLiftCommand:
		if p.MotorTargets != nil {
			h.stepTargets(p.MotorTargets.Targets)
		}
	case *protocol.SecondaryDeviceCommand:
		stripe, ok := h.leds[p.DeviceID]
		if !ok {
			return fmt.Sprintf("secondary device %d: not present", p.DeviceID)
		}
		if len(p.RGBStripe) > len(stripe) {
			return fmt.Sprintf("secondary device %d: %d colours for %d leds", p.DeviceID, len(p.RGBStripe), len(stripe))
		}
		copy(stripe, p.RGBStripe)
	}
	return ""
}

// stepTargets moves each motor toward its position target by at most a
// sixteenth of a rotation per command; speed and torque targets apply at once.
func (h *hardware) stepTargets(targets []protocol.MotorTarget) {
	for i, t := range targets {
		if i >= len(h.motors) {
			break
		}
		m := &h.motors[i]
		if t.Position == nil {
			applyTarget(m, t)
			continue
		}
		step := m.PulsePerRotation / 16
		if step <= 0 {
			step = 1
		}
		m.Position = clamp(*t.Position, m.Position-step, m.Position+step)
		m.Speed, m.Torque = 0, 0
	}
}

func (h *hardware) applyTargets(targets []protocol.MotorTarget) {
	for i, t := range targets {
		if i >= len(h.motors) {
			break
		}
		applyTarget(&h.motors[i], t)
	}
}

func applyTarget(m *protocol.MotorStatus, t protocol.MotorTarget) {
	switch {
	case t.Position != nil:
		m.Position = *t.Position
		m.Speed, m.Torque = 0, 0
	case t.Speed != nil:
		m.Speed = *t.Speed
	case t.Torque != nil:
		m.Torque = *t.Torque
		m.Speed = 0
	}
}

// status builds the status payload for the robot type.
func (h *hardware) status(kind protocol.RobotType) protocol.UpStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch kind {
	case protocol.RobotTypeBase:
		odo := h.odometry
		return &protocol.BaseStatus{APIControlInitialized: h.baseInitialized, EstimatedOdometry: &odo}
	case protocol.RobotTypeArm:
		return &protocol.ArmStatus{Calibrated: h.armCalibrated, MotorStatus: h.motorsCopy()}
	case protocol.RobotTypeLinearLift:
		lift := h.lift
		return &lift
	case protocol.RobotTypeRotateLift:
		return &protocol.RotateLiftStatus{MotorStatus: h.motorsCopy()}
	default:
		return nil
	}
}

// secondary reports every accessory, ordered by device id.
func (h *hardware) secondary() []protocol.SecondaryDeviceStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.leds) == 0 {
		return nil
	}
	out := make([]protocol.SecondaryDeviceStatus, 0, len(h.leds))
	for id, stripe := range h.leds {
		out = append(out, protocol.SecondaryDeviceStatus{DeviceID: id, RGBStripe: append([]uint32(nil), stripe...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func (h *hardware) motorsCopy() []protocol.MotorStatus {
	out := make([]protocol.MotorStatus, len(h.motors))
	copy(out, h.motors)
	return out
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if hi > lo && v > hi {
		return hi
	}
	return v
}
