package control

import (
	"context"

	"github.com/danmuck/robotlink/internal/protocol"
)

// BaseInitialize toggles API control of the base. false is the deinitialize
// command the loop sends on exit.
func BaseInitialize(enable bool) protocol.Down {
	return protocol.Down{Payload: &protocol.BaseCommand{APIControlInitialize: protocol.Bool(enable)}}
}

func ArmInitialize(enable bool) protocol.Down {
	return protocol.Down{Payload: &protocol.ArmCommand{APIControlInitialize: protocol.Bool(enable)}}
}

func BaseMove(x, y, z float64) protocol.Down {
	return protocol.Down{Payload: &protocol.BaseCommand{
		SimpleMove: &protocol.XYZSpeed{SpeedX: x, SpeedY: y, SpeedZ: z},
	}}
}

// ArmTorques sets every one of n motors to the same torque.
func ArmTorques(n int, torque float64) protocol.Down {
	targets := make([]protocol.MotorTarget, n)
	for i := range targets {
		targets[i] = protocol.MotorTarget{Torque: protocol.Float64(torque)}
	}
	return protocol.Down{Payload: &protocol.ArmCommand{
		MotorTargets: &protocol.MotorTargets{Targets: targets},
	}}
}

func LiftTarget(pos int64) protocol.Down {
	return protocol.Down{Payload: &protocol.LinearLiftCommand{TargetPos: protocol.Int64(pos)}}
}

func LiftSpeed(speed uint32) protocol.Down {
	return protocol.Down{Payload: &protocol.LinearLiftCommand{SetSpeed: protocol.Uint32(speed)}}
}

// RotateLiftPositions drives every one of n rotate-lift motors to pos.
func RotateLiftPositions(n int, pos int64) protocol.Down {
	targets := make([]protocol.MotorTarget, n)
	for i := range targets {
		targets[i] = protocol.MotorTarget{Position: protocol.Int64(pos)}
	}
	return protocol.Down{Payload: &protocol.RotateLiftCommand{
		MotorTargets: &protocol.MotorTargets{Targets: targets},
	}}
}

// RotateLiftHold stops every one of n rotate-lift motors where they stand.
func RotateLiftHold(n int) protocol.Down {
	targets := make([]protocol.MotorTarget, n)
	for i := range targets {
		targets[i] = protocol.MotorTarget{Speed: protocol.Float64(0)}
	}
	return protocol.Down{Payload: &protocol.RotateLiftCommand{
		MotorTargets: &protocol.MotorTargets{Targets: targets},
	}}
}

// ControllerLEDs paints n leds of the controller stripe with one colour.
// Every command occupies the robot's CAN bus, so callers keep the rate low.
func ControllerLEDs(n int, rgb uint32) protocol.Down {
	stripe := make([]uint32, n)
	for i := range stripe {
		stripe[i] = rgb
	}
	return protocol.Down{Payload: &protocol.SecondaryDeviceCommand{
		DeviceID:  protocol.ControllerDeviceID,
		RGBStripe: stripe,
	}}
}

func ReportFrequency(f protocol.ReportFrequency) protocol.Down {
	return protocol.Down{Payload: protocol.SetReportFrequency(f)}
}

// SessionSender is the part of a robot session the loop drives.
type SessionSender interface {
	Send(ctx context.Context, d protocol.Down) error
	SendReliable(ctx context.Context, d protocol.Down) error
	Done() <-chan struct{}
}

// ForSession routes ticks to the session's authoritative channel and deinit
// to its reliable channel.
func ForSession(s SessionSender) Channels {
	return Channels{
		Authoritative: SenderFunc(s.Send),
		Reliable:      SenderFunc(s.SendReliable),
		Done:          s.Done(),
	}
}
