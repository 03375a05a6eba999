package robotsim

import (
	"testing"

	"github.com/danmuck/robotlink/internal/control"
	"github.com/danmuck/robotlink/internal/protocol"
	"github.com/danmuck/robotlink/internal/testutil/testlog"
)

func TestBaseIgnoresMoveUntilInitialized(t *testing.T) {
	testlog.Start(t)

	hw := newHardware(DefaultConfig())
	if msg := hw.apply(control.BaseMove(1, 0, 0)); msg == "" {
		t.Fatal("expected move to be refused")
	}
	if msg := hw.apply(control.BaseInitialize(true)); msg != "" {
		t.Fatalf("initialize refused: %s", msg)
	}
	hw.apply(control.BaseMove(0.5, 0, -0.2))
	st := hw.status(protocol.RobotTypeBase).(*protocol.BaseStatus)
	if !st.APIControlInitialized || st.EstimatedOdometry.SpeedX != 0.5 || st.EstimatedOdometry.SpeedZ != -0.2 {
		t.Fatalf("unexpected status %+v %+v", st, st.EstimatedOdometry)
	}

	hw.apply(control.BaseInitialize(false))
	st = hw.status(protocol.RobotTypeBase).(*protocol.BaseStatus)
	if st.APIControlInitialized || st.EstimatedOdometry.SpeedX != 0 {
		t.Fatal("deinitialize must stop the base")
	}
}

func TestArmParkingStopBlocksTargets(t *testing.T) {
	testlog.Start(t)

	cfg := DefaultConfig()
	cfg.ParkingStop = true
	hw := newHardware(cfg)
	hw.apply(control.ArmInitialize(true))
	if msg := hw.apply(control.ArmTorques(6, 0.3)); msg == "" {
		t.Fatal("expected targets to be refused under parking stop")
	}
	hw.apply(protocol.Down{Payload: &protocol.ArmCommand{ClearParkingStop: protocol.Bool(true)}})
	hw.apply(protocol.Down{Payload: &protocol.ArmCommand{Calibrate: protocol.Bool(true)}})
	if msg := hw.apply(control.ArmTorques(6, 0.3)); msg != "" {
		t.Fatalf("targets refused: %s", msg)
	}
	st := hw.status(protocol.RobotTypeArm).(*protocol.ArmStatus)
	if !st.Calibrated || len(st.MotorStatus) != 6 || st.MotorStatus[5].Torque != 0.3 {
		t.Fatalf("unexpected arm status %+v", st)
	}
}

func TestLiftClampsTarget(t *testing.T) {
	testlog.Start(t)

	hw := newHardware(DefaultConfig())
	hw.apply(control.LiftTarget(1 << 40))
	st := hw.status(protocol.RobotTypeLinearLift).(*protocol.LinearLiftStatus)
	if st.CurrentPos != st.MaxPos {
		t.Fatalf("current %d, max %d", st.CurrentPos, st.MaxPos)
	}
	if msg := hw.apply(control.LiftSpeed(st.MaxSpeed + 1)); msg == "" {
		t.Fatal("expected speed above max to be refused")
	}

	cfg := DefaultConfig()
	cfg.LiftCalibrated = false
	hw = newHardware(cfg)
	if msg := hw.apply(control.LiftTarget(10)); msg == "" {
		t.Fatal("uncalibrated lift accepted a target")
	}
	hw.apply(protocol.Down{Payload: &protocol.LinearLiftCommand{Calibrate: protocol.Bool(true)}})
	if msg := hw.apply(control.LiftTarget(10)); msg != "" {
		t.Fatalf("calibrated lift refused target: %s", msg)
	}
}

func TestRotateLiftStepsTowardTarget(t *testing.T) {
	testlog.Start(t)

	cfg := DefaultConfig()
	cfg.MotorCount = 2
	cfg.MotorStartPosition = 1000
	hw := newHardware(cfg)

	st := hw.status(protocol.RobotTypeRotateLift).(*protocol.RotateLiftStatus)
	if st.MotorStatus[0].Position != 1000 || st.MotorStatus[1].Position != 1000 {
		t.Fatalf("start position not honoured: %+v", st.MotorStatus)
	}

	step := cfg.PulsePerRotation / 16
	hw.apply(control.RotateLiftPositions(2, 0))
	st = hw.status(protocol.RobotTypeRotateLift).(*protocol.RotateLiftStatus)
	if st.MotorStatus[0].Position != 1000-step {
		t.Fatalf("position after one step = %d, want %d", st.MotorStatus[0].Position, 1000-step)
	}

	for i := 0; i < 8; i++ {
		hw.apply(control.RotateLiftPositions(2, 0))
	}
	st = hw.status(protocol.RobotTypeRotateLift).(*protocol.RotateLiftStatus)
	for i, m := range st.MotorStatus {
		if m.Position != 0 {
			t.Fatalf("motor %d stopped at %d, want 0", i, m.Position)
		}
	}

	hw.apply(control.RotateLiftHold(2))
	st = hw.status(protocol.RobotTypeRotateLift).(*protocol.RotateLiftStatus)
	if st.MotorStatus[0].Position != 0 || st.MotorStatus[0].Speed != 0 {
		t.Fatalf("hold moved the motor: %+v", st.MotorStatus[0])
	}
}

func TestControllerStripe(t *testing.T) {
	testlog.Start(t)

	hw := newHardware(DefaultConfig())
	green := protocol.RGB(0, 255, 0)
	if msg := hw.apply(control.ControllerLEDs(6, green)); msg != "" {
		t.Fatalf("stripe refused: %s", msg)
	}
	sec := hw.secondary()
	if len(sec) != 1 || sec[0].DeviceID != protocol.ControllerDeviceID || len(sec[0].RGBStripe) != 6 {
		t.Fatalf("unexpected secondary status %+v", sec)
	}
	for _, rgb := range sec[0].RGBStripe {
		if rgb != green {
			t.Fatalf("led = %#x, want %#x", rgb, green)
		}
	}

	// the report is a copy
	sec[0].RGBStripe[0] = 0
	if hw.secondary()[0].RGBStripe[0] != green {
		t.Fatal("secondary status aliases the stripe")
	}

	if msg := hw.apply(control.ControllerLEDs(7, green)); msg == "" {
		t.Fatal("expected an overlong stripe to be refused")
	}
	unknown := protocol.Down{Payload: &protocol.SecondaryDeviceCommand{DeviceID: 9, RGBStripe: []uint32{green}}}
	if msg := hw.apply(unknown); msg == "" {
		t.Fatal("expected an unknown device to be refused")
	}

	cfg := DefaultConfig()
	cfg.ControllerLEDs = 0
	if sec := newHardware(cfg).secondary(); sec != nil {
		t.Fatalf("robot without controller reported %+v", sec)
	}
}
