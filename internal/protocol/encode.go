package protocol

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// EncodeDown serializes one command envelope. The payload must be set and
// nested commands must populate exactly one variant.
func EncodeDown(d Down) ([]byte, error) {
	var b []byte
	switch p := d.Payload.(type) {
	case nil:
		return nil, ErrEmptyDown
	case *EnableKcp:
		if p == nil {
			return nil, ErrEmptyDown
		}
		b = appendMessage(b, downEnableKcp, encodeEnableKcp(p))
	case SetReportFrequency:
		b = appendVarintAlways(b, downSetReportFrequency, uint64(p))
	case *BaseCommand:
		body, err := encodeBaseCommand(p)
		if err != nil {
			return nil, err
		}
		b = appendMessage(b, downBaseCommand, body)
	case *ArmCommand:
		body, err := encodeArmCommand(p)
		if err != nil {
			return nil, err
		}
		b = appendMessage(b, downArmCommand, body)
	case *LinearLiftCommand:
		body, err := encodeLinearLiftCommand(p)
		if err != nil {
			return nil, err
		}
		b = appendMessage(b, downLinearLiftCommand, body)
	case *RotateLiftCommand:
		if p == nil || p.MotorTargets == nil {
			return nil, fmt.Errorf("%w: rotate_lift_command", ErrEmptyDown)
		}
		body, err := encodeMotorTargets(p.MotorTargets)
		if err != nil {
			return nil, err
		}
		b = appendMessage(b, downRotateLiftCommand, appendMessage(nil, rotateLiftCommandMotorTargets, body))
	case *SecondaryDeviceCommand:
		if p == nil {
			return nil, ErrEmptyDown
		}
		b = appendMessage(b, downSecondaryDeviceCommand, appendSecondaryDevice(nil, p.DeviceID, p.RGBStripe))
	case PlaceholderMessage:
		b = appendBoolAlways(b, downPlaceholderMessage, bool(p))
	default:
		return nil, fmt.Errorf("protocol: unsupported down payload %T", p)
	}
	return b, nil
}

func encodeEnableKcp(p *EnableKcp) []byte {
	var b []byte
	b = appendVarint(b, enableKcpClientPeerPort, uint64(p.ClientPeerPort))
	if p.KcpConfig != nil {
		c := p.KcpConfig
		var cfg []byte
		cfg = appendVarint(cfg, kcpConfigWindowSizeSnd, uint64(c.WindowSizeSnd))
		cfg = appendVarint(cfg, kcpConfigWindowSizeRcv, uint64(c.WindowSizeRcv))
		cfg = appendVarint(cfg, kcpConfigIntervalMS, uint64(c.IntervalMS))
		cfg = appendBool(cfg, kcpConfigNoDelay, c.NoDelay)
		cfg = appendBool(cfg, kcpConfigNC, c.NC)
		cfg = appendVarint(cfg, kcpConfigResend, uint64(c.Resend))
		b = appendMessage(b, enableKcpConfig, cfg)
	}
	return b
}

func encodeBaseCommand(p *BaseCommand) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: base_command", ErrEmptyDown)
	}
	if err := exactlyOne("base_command", p.APIControlInitialize != nil, p.SimpleMove != nil); err != nil {
		return nil, err
	}
	var b []byte
	switch {
	case p.APIControlInitialize != nil:
		b = appendBoolAlways(b, baseCommandAPIControlInitialize, *p.APIControlInitialize)
	case p.SimpleMove != nil:
		var speed []byte
		speed = appendDouble(speed, xyzSpeedX, p.SimpleMove.SpeedX)
		speed = appendDouble(speed, xyzSpeedY, p.SimpleMove.SpeedY)
		speed = appendDouble(speed, xyzSpeedZ, p.SimpleMove.SpeedZ)
		b = appendMessage(b, baseCommandSimpleMove, speed)
	}
	return b, nil
}

func encodeArmCommand(p *ArmCommand) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: arm_command", ErrEmptyDown)
	}
	err := exactlyOne("arm_command",
		p.ClearParkingStop != nil,
		p.APIControlInitialize != nil,
		p.Calibrate != nil,
		p.MotorTargets != nil,
	)
	if err != nil {
		return nil, err
	}
	var b []byte
	switch {
	case p.ClearParkingStop != nil:
		b = appendBoolAlways(b, armCommandClearParkingStop, *p.ClearParkingStop)
	case p.APIControlInitialize != nil:
		b = appendBoolAlways(b, armCommandAPIControlInitialize, *p.APIControlInitialize)
	case p.Calibrate != nil:
		b = appendBoolAlways(b, armCommandCalibrate, *p.Calibrate)
	case p.MotorTargets != nil:
		body, err := encodeMotorTargets(p.MotorTargets)
		if err != nil {
			return nil, err
		}
		b = appendMessage(b, armCommandMotorTargets, body)
	}
	return b, nil
}

func encodeLinearLiftCommand(p *LinearLiftCommand) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: linear_lift_command", ErrEmptyDown)
	}
	if err := exactlyOne("linear_lift_command", p.Calibrate != nil, p.SetSpeed != nil, p.TargetPos != nil); err != nil {
		return nil, err
	}
	var b []byte
	switch {
	case p.Calibrate != nil:
		b = appendBoolAlways(b, linearLiftCommandCalibrate, *p.Calibrate)
	case p.SetSpeed != nil:
		b = appendVarintAlways(b, linearLiftCommandSetSpeed, uint64(*p.SetSpeed))
	case p.TargetPos != nil:
		b = appendVarintAlways(b, linearLiftCommandTargetPos, uint64(*p.TargetPos))
	}
	return b, nil
}

func encodeMotorTargets(p *MotorTargets) ([]byte, error) {
	var b []byte
	for i, t := range p.Targets {
		if err := exactlyOne(fmt.Sprintf("motor_targets[%d]", i), t.Position != nil, t.Speed != nil, t.Torque != nil); err != nil {
			return nil, err
		}
		var target []byte
		switch {
		case t.Position != nil:
			target = appendVarintAlways(target, motorTargetPosition, uint64(*t.Position))
		case t.Speed != nil:
			target = appendDoubleAlways(target, motorTargetSpeed, *t.Speed)
		case t.Torque != nil:
			target = appendDoubleAlways(target, motorTargetTorque, *t.Torque)
		}
		b = appendMessage(b, motorTargetsTargets, target)
	}
	return b, nil
}

// appendSecondaryDevice writes the body shared by the command and the status.
func appendSecondaryDevice(b []byte, id uint32, rgbs []uint32) []byte {
	b = appendVarint(b, secondaryDeviceID, uint64(id))
	if len(rgbs) > 0 {
		var packed []byte
		for _, rgb := range rgbs {
			packed = protowire.AppendVarint(packed, uint64(rgb))
		}
		b = appendMessage(b, secondaryDeviceRGBStripe, packed)
	}
	return b
}

// EncodeUp serializes one telemetry envelope. It is used by the simulated
// robot and by tests; the operator side only decodes Up.
func EncodeUp(u *Up) ([]byte, error) {
	if u == nil {
		return nil, fmt.Errorf("%w: nil up envelope", ErrDecode)
	}
	var b []byte
	b = appendVarint(b, upProtocolMajorVersion, uint64(u.ProtocolMajorVersion))
	b = appendVarint(b, upProtocolMinorVersion, uint64(u.ProtocolMinorVersion))
	b = appendVarint(b, upSessionID, u.SessionID)
	b = appendVarint(b, upReportFrequency, uint64(u.ReportFrequency))
	b = appendVarint(b, upRobotType, uint64(u.RobotType))
	if u.Log != "" {
		b = protowire.AppendTag(b, upLog, protowire.BytesType)
		b = protowire.AppendString(b, u.Log)
	}
	if u.TimeStamp != nil {
		var ts []byte
		ts = appendVarint(ts, timeStampSeconds, u.TimeStamp.Seconds)
		ts = appendVarint(ts, timeStampNanoseconds, uint64(u.TimeStamp.Nanoseconds))
		b = appendMessage(b, upTimeStamp, ts)
	}
	if u.KcpServerStatus != nil {
		b = appendMessage(b, upKcpServerStatus, appendVarint(nil, kcpServerStatusServerPort, uint64(u.KcpServerStatus.ServerPort)))
	}
	for _, st := range u.SecondaryDeviceStatus {
		b = appendMessage(b, upSecondaryDevice, appendSecondaryDevice(nil, st.DeviceID, st.RGBStripe))
	}
	switch s := u.Status.(type) {
	case nil:
	case *BaseStatus:
		var body []byte
		body = appendBool(body, baseStatusAPIControlInitialized, s.APIControlInitialized)
		if s.EstimatedOdometry != nil {
			var odom []byte
			odom = appendDouble(odom, odometrySpeedX, s.EstimatedOdometry.SpeedX)
			odom = appendDouble(odom, odometrySpeedY, s.EstimatedOdometry.SpeedY)
			odom = appendDouble(odom, odometrySpeedZ, s.EstimatedOdometry.SpeedZ)
			body = appendMessage(body, baseStatusEstimatedOdometry, odom)
		}
		b = appendMessage(b, upBaseStatus, body)
	case *ArmStatus:
		var body []byte
		body = appendBool(body, armStatusCalibrated, s.Calibrated)
		body = appendMotorStatus(body, armStatusMotorStatus, s.MotorStatus)
		b = appendMessage(b, upArmStatus, body)
	case *LinearLiftStatus:
		var body []byte
		body = appendBool(body, linearLiftCalibrated, s.Calibrated)
		body = appendVarint(body, linearLiftState, uint64(s.State))
		body = appendVarint(body, linearLiftCurrentPos, uint64(s.CurrentPos))
		body = appendVarint(body, linearLiftMaxPos, uint64(s.MaxPos))
		body = appendVarint(body, linearLiftMaxSpeed, uint64(s.MaxSpeed))
		body = appendVarint(body, linearLiftPulsePerRotation, uint64(s.PulsePerRotation))
		b = appendMessage(b, upLinearLiftStatus, body)
	case *RotateLiftStatus:
		b = appendMessage(b, upRotateLiftStatus, appendMotorStatus(nil, rotateLiftMotorStatus, s.MotorStatus))
	default:
		return nil, fmt.Errorf("protocol: unsupported up status %T", s)
	}
	return b, nil
}

func appendMotorStatus(b []byte, num protowire.Number, motors []MotorStatus) []byte {
	for _, m := range motors {
		var body []byte
		body = appendVarint(body, motorStatusPosition, uint64(m.Position))
		body = appendDouble(body, motorStatusSpeed, m.Speed)
		body = appendDouble(body, motorStatusTorque, m.Torque)
		body = appendVarint(body, motorStatusPulsePerRotation, uint64(m.PulsePerRotation))
		if len(m.Errors) > 0 {
			var packed []byte
			for _, code := range m.Errors {
				packed = protowire.AppendVarint(packed, uint64(int64(code)))
			}
			body = appendMessage(body, motorStatusErrors, packed)
		}
		b = appendMessage(b, num, body)
	}
	return b
}

func exactlyOne(name string, set ...bool) error {
	n := 0
	for _, ok := range set {
		if ok {
			n++
		}
	}
	switch n {
	case 1:
		return nil
	case 0:
		return fmt.Errorf("%w: %s", ErrEmptyDown, name)
	default:
		return fmt.Errorf("%w: %s", ErrAmbiguousCommand, name)
	}
}

// Scalar fields follow proto3 implicit presence and are skipped when zero.
// The *Always variants are for oneof members, whose presence is the value.

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	return appendVarintAlways(b, num, v)
}

func appendVarintAlways(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendBoolAlways(b, num, v)
}

func appendBoolAlways(b []byte, num protowire.Number, v bool) []byte {
	return appendVarintAlways(b, num, protowire.EncodeBool(v))
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 {
		return b
	}
	return appendDoubleAlways(b, num, v)
}

func appendDoubleAlways(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendMessage(b []byte, num protowire.Number, body []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}
