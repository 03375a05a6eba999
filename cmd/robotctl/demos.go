package main

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/danmuck/robotlink/internal/control"
	"github.com/danmuck/robotlink/internal/protocol"
	"github.com/danmuck/robotlink/internal/protocol/session"
)

// waitLimit bounds how long a demo waits for status it depends on.
const waitLimit = 10 * time.Second

func (a *app) baseMoveCmd() *cobra.Command {
	var (
		duration   time.Duration
		vx, vy, wz float64
	)
	cmd := &cobra.Command{
		Use:   "base-move",
		Short: "Drive the base at a constant speed over KCP",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()
			s, err := a.connect(ctx, a.observer(func(ch session.Channel, u *protocol.Up) {
				if ch == session.ChannelLowLatency {
					a.out.print(ch, u)
				}
			}))
			if err != nil {
				return err
			}
			defer s.Close()

			if err := a.prepareHighRate(ctx, s); err != nil {
				return err
			}
			if err := s.SendReliable(ctx, control.BaseInitialize(true)); err != nil {
				return err
			}

			cfg := a.cfg.Control
			cfg.Duration = duration
			res, err := control.Run(ctx, cfg, control.ForSession(s), control.Constant(control.BaseMove(vx, vy, wz)), control.BaseInitialize(false))
			a.printResult(res)
			return err
		},
	}
	cmd.Flags().DurationVarP(&duration, "duration", "d", 10*time.Second, "how long to drive")
	cmd.Flags().Float64Var(&vx, "vx", 0, "forward speed, m/s")
	cmd.Flags().Float64Var(&vy, "vy", 0, "lateral speed, m/s")
	cmd.Flags().Float64Var(&wz, "wz", 0.1, "yaw rate, rad/s")
	return cmd
}

func (a *app) armZeroTorqueCmd() *cobra.Command {
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "arm-zero-torque",
		Short: "Hold every arm motor at zero torque over KCP",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()

			var motors session.WriteOnce[int]
			s, err := a.connect(ctx, a.observer(func(ch session.Channel, u *protocol.Up) {
				if st, ok := u.Status.(*protocol.ArmStatus); ok && len(st.MotorStatus) > 0 {
					motors.Set(len(st.MotorStatus))
				}
			}))
			if err != nil {
				return err
			}
			defer s.Close()

			// The robot refuses control while a parking stop is latched.
			if err := s.SendReliable(ctx, protocol.Down{Payload: &protocol.ArmCommand{ClearParkingStop: protocol.Bool(true)}}); err != nil {
				return err
			}
			if err := a.prepareHighRate(ctx, s); err != nil {
				return err
			}

			waitCtx, waitCancel := context.WithTimeout(ctx, waitLimit)
			n, err := motors.Wait(waitCtx)
			waitCancel()
			if err != nil {
				return fmt.Errorf("no arm status: %w", err)
			}
			a.log.Info().Int("motors", n).Msg("arm ready")

			if err := s.Send(ctx, control.ArmInitialize(true)); err != nil {
				return err
			}
			if err := s.Send(ctx, protocol.Down{Payload: &protocol.ArmCommand{Calibrate: protocol.Bool(true)}}); err != nil {
				return err
			}

			cfg := a.cfg.Control
			cfg.Duration = duration
			res, err := control.Run(ctx, cfg, control.ForSession(s), control.Constant(control.ArmTorques(n, 0)), control.ArmInitialize(false))
			a.printResult(res)
			return err
		},
	}
	cmd.Flags().DurationVarP(&duration, "duration", "d", 10*time.Second, "how long to hold zero torque")
	return cmd
}

func (a *app) liftMoveCmd() *cobra.Command {
	var (
		duration    time.Duration
		percentage  float64
		speedFactor float64
		recalibrate bool
	)
	cmd := &cobra.Command{
		Use:   "lift-move",
		Short: "Move the linear lift to a fraction of its travel over the websocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			if speedFactor <= 0 || speedFactor > 1 {
				return fmt.Errorf("speed factor must be in (0, 1], got %v", speedFactor)
			}
			if percentage < 0 || percentage > 1 {
				return fmt.Errorf("percentage must be in [0, 1], got %v", percentage)
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()

			var (
				maxPos   session.WriteOnce[int64]
				maxSpeed session.WriteOnce[uint32]
				warned   session.WriteOnce[bool]
			)
			s, err := a.connect(ctx, a.observer(func(ch session.Channel, u *protocol.Up) {
				st, ok := u.Status.(*protocol.LinearLiftStatus)
				if !ok {
					return
				}
				switch {
				case st.Calibrated:
					maxPos.Set(st.MaxPos)
					maxSpeed.Set(st.MaxSpeed)
				case st.State == protocol.LiftStateCalibrating:
				default:
					if warned.Set(true) {
						a.log.Error().Msg("lift is not calibrated; use --re-calibrate")
					}
				}
				a.out.print(ch, u)
			}))
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.Send(ctx, control.ReportFrequency(protocol.ReportFrequency50Hz)); err != nil {
				return err
			}
			if recalibrate {
				if err := s.Send(ctx, protocol.Down{Payload: &protocol.LinearLiftCommand{Calibrate: protocol.Bool(true)}}); err != nil {
					return err
				}
			}

			waitCtx, waitCancel := context.WithTimeout(ctx, waitLimit)
			travel, err := maxPos.Wait(waitCtx)
			if err == nil {
				_, err = maxSpeed.Wait(waitCtx)
			}
			waitCancel()
			if err != nil {
				return fmt.Errorf("lift not calibrated: %w", err)
			}
			top, _ := maxSpeed.Get()

			speed := uint32(float64(top) * speedFactor)
			if err := s.Send(ctx, control.LiftSpeed(speed)); err != nil {
				return err
			}
			target := int64(percentage * float64(travel))
			a.log.Info().Int64("target", target).Int64("max", travel).Uint32("speed", speed).Msg("lift move")

			cfg := a.cfg.Control
			cfg.Duration = duration
			// Zero speed halts the lift wherever it stands.
			res, err := control.Run(ctx, cfg, control.ForSession(s), control.Constant(control.LiftTarget(target)), control.LiftSpeed(0))
			a.printResult(res)
			return err
		},
	}
	cmd.Flags().DurationVarP(&duration, "duration", "d", 5*time.Second, "how long to command the target")
	cmd.Flags().Float64Var(&percentage, "percentage", 0.5, "target as a fraction of max position")
	cmd.Flags().Float64Var(&speedFactor, "speed-factor", 0.9, "fraction of max speed")
	cmd.Flags().BoolVar(&recalibrate, "re-calibrate", false, "send calibrate before moving")
	return cmd
}

// prepareHighRate upgrades to KCP and sets report rates: 1Hz on the websocket,
// 250Hz on KCP. Without KCP the websocket keeps its rate.
func (a *app) prepareHighRate(ctx context.Context, s *session.Session) error {
	if err := a.upgrade(ctx, s); err != nil {
		return err
	}
	if s.ActiveChannel() != session.ChannelLowLatency {
		return nil
	}
	if err := s.SendReliable(ctx, control.ReportFrequency(protocol.ReportFrequency1Hz)); err != nil {
		return err
	}
	return s.SendLowLatency(ctx, control.ReportFrequency(protocol.ReportFrequency250Hz))
}

func (a *app) rotateLiftZeroCmd() *cobra.Command {
	var (
		timeout   time.Duration
		tolerance float64
	)
	cmd := &cobra.Command{
		Use:   "rotate-lift-zero",
		Short: "Drive every rotate-lift motor to position zero over the websocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tolerance <= 0 {
				return fmt.Errorf("tolerance must be positive, got %v", tolerance)
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()

			var (
				motors  session.WriteOnce[int]
				reached session.WriteOnce[bool]
			)
			s, err := a.connect(ctx, a.observer(func(ch session.Channel, u *protocol.Up) {
				st, ok := u.Status.(*protocol.RotateLiftStatus)
				if !ok || len(st.MotorStatus) == 0 {
					return
				}
				a.out.print(ch, u)
				motors.Set(len(st.MotorStatus))
				if withinDegrees(st.MotorStatus, tolerance) {
					reached.Set(true)
				}
			}))
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.SendReliable(ctx, control.ReportFrequency(protocol.ReportFrequency250Hz)); err != nil {
				return err
			}
			waitCtx, waitCancel := context.WithTimeout(ctx, waitLimit)
			n, err := motors.Wait(waitCtx)
			waitCancel()
			if err != nil {
				return fmt.Errorf("no rotate lift status: %w", err)
			}
			a.log.Info().Int("motors", n).Float64("tolerance_deg", tolerance).Msg("rotate lift to zero")

			cfg := a.cfg.Control
			cfg.Duration = timeout
			ch := control.ForSession(s)
			ch.Authoritative = control.SenderFunc(s.SendReliable)
			ch.Reached = reached.Done()
			res, err := control.Run(ctx, cfg, ch, control.Constant(control.RotateLiftPositions(n, 0)), control.RotateLiftHold(n))
			a.printResult(res)
			if err != nil {
				return err
			}
			if res.Reason == control.StopDuration {
				return fmt.Errorf("motors not within %.2f degrees of zero after %s", tolerance, timeout)
			}
			return nil
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "give up after this long")
	cmd.Flags().Float64Var(&tolerance, "tolerance", 0.2, "accepted distance from zero, degrees")
	return cmd
}

// ledPeriod paces stripe updates; each one occupies the robot's CAN bus.
const ledPeriod = 100 * time.Millisecond

func (a *app) controllerLEDCmd() *cobra.Command {
	var (
		duration time.Duration
		color    string
	)
	cmd := &cobra.Command{
		Use:   "controller-led",
		Short: "Light the controller LED stripe over KCP",
		RunE: func(cmd *cobra.Command, args []string) error {
			rgb, err := parseRGB(color)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()

			var leds session.WriteOnce[int]
			s, err := a.connect(ctx, a.observer(func(ch session.Channel, u *protocol.Up) {
				if st, ok := u.SecondaryDevice(protocol.ControllerDeviceID); ok && len(st.RGBStripe) > 0 {
					leds.Set(len(st.RGBStripe))
				}
				if ch == session.ChannelLowLatency {
					a.out.print(ch, u)
				}
			}))
			if err != nil {
				return err
			}
			defer s.Close()

			if s.RobotType() == protocol.RobotTypeArm {
				if err := s.SendReliable(ctx, protocol.Down{Payload: &protocol.ArmCommand{ClearParkingStop: protocol.Bool(true)}}); err != nil {
					return err
				}
			}
			if err := a.prepareHighRate(ctx, s); err != nil {
				return err
			}

			waitCtx, waitCancel := context.WithTimeout(ctx, waitLimit)
			n, err := leds.Wait(waitCtx)
			waitCancel()
			if err != nil {
				return fmt.Errorf("no controller reported: %w", err)
			}
			a.log.Info().Int("leds", n).Str("color", formatRGB(rgb)).Msg("controller stripe")

			cfg := a.cfg.Control
			cfg.Period = ledPeriod
			cfg.Duration = duration
			res, err := control.Run(ctx, cfg, control.ForSession(s), control.Constant(control.ControllerLEDs(n, rgb)), control.ControllerLEDs(n, 0))
			a.printResult(res)
			return err
		},
	}
	cmd.Flags().DurationVarP(&duration, "duration", "d", 5*time.Second, "how long to keep the stripe lit")
	cmd.Flags().StringVar(&color, "color", "00ff00", "stripe colour as RRGGBB hex")
	return cmd
}

func withinDegrees(motors []protocol.MotorStatus, tolerance float64) bool {
	for _, m := range motors {
		if math.Abs(degrees(m)) > tolerance {
			return false
		}
	}
	return true
}

func degrees(m protocol.MotorStatus) float64 {
	if m.PulsePerRotation == 0 {
		return 0
	}
	return float64(m.Position) / float64(m.PulsePerRotation) * 360
}

func parseRGB(s string) (uint32, error) {
	s = strings.TrimPrefix(s, "#")
	if len(s) != 6 {
		return 0, fmt.Errorf("colour %q is not RRGGBB", s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("colour %q: %w", s, err)
	}
	return protocol.RGB(uint8(v>>16), uint8(v>>8), uint8(v)), nil
}

// formatRGB renders a packed stripe colour as RRGGBB.
func formatRGB(v uint32) string {
	return fmt.Sprintf("%02x%02x%02x", v&0xff, v>>8&0xff, v>>16&0xff)
}
