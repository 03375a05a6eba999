package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/danmuck/robotlink/internal/control"
	"github.com/danmuck/robotlink/internal/protocol"
	"github.com/danmuck/robotlink/internal/protocol/session"
)

func (a *app) whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print the robot type and protocol version, then disconnect",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()
			s, err := a.connect(ctx, a.observer(nil))
			if err != nil {
				return err
			}
			defer s.Close()
			major, minor := s.Versions()
			a.out.printf("robot_type=%s protocol=%d.%d session_id=%d\n", s.RobotType(), major, minor, s.SessionID())
			return nil
		},
	}
}

func (a *app) readCmd() *cobra.Command {
	var (
		duration  time.Duration
		useKcp    bool
		frequency string
	)
	cmd := &cobra.Command{
		Use:   "read",
		Short: "Print robot status for a while",
		RunE: func(cmd *cobra.Command, args []string) error {
			freq, ok := protocol.ParseReportFrequency(frequency)
			if !ok {
				return fmt.Errorf("unknown report frequency %q", frequency)
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()

			s, err := a.connect(ctx, a.observer(a.out.print))
			if err != nil {
				return err
			}
			defer s.Close()

			if useKcp {
				if err := a.upgrade(ctx, s); err != nil {
					return err
				}
				if s.ActiveChannel() == session.ChannelLowLatency {
					if err := s.SendReliable(ctx, control.ReportFrequency(protocol.ReportFrequency1Hz)); err != nil {
						return err
					}
				}
			}
			if err := s.Send(ctx, control.ReportFrequency(freq)); err != nil {
				return err
			}

			timer := time.NewTimer(duration)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
			case <-s.Done():
				return fmt.Errorf("robot closed the session")
			}
			return nil
		},
	}
	cmd.Flags().DurationVarP(&duration, "duration", "d", 5*time.Second, "how long to read")
	cmd.Flags().BoolVar(&useKcp, "kcp", false, "read over the low-latency channel")
	cmd.Flags().StringVar(&frequency, "frequency", protocol.ReportFrequency50Hz.String(), "report frequency (1hz..1000hz)")
	return cmd
}

// statusPrinter serializes every line robotctl writes. Pumps for both channels
// call print while the command goroutine writes results.
type statusPrinter struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *statusPrinter) print(ch session.Channel, u *protocol.Up) {
	line := formatUp(u)
	if line == "" {
		return
	}
	p.printf("[%s] %s\n", ch, line)
}

func (p *statusPrinter) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

func formatUp(u *protocol.Up) string {
	line := formatStatus(u)
	if line == "" {
		return ""
	}
	if st, ok := u.SecondaryDevice(protocol.ControllerDeviceID); ok {
		colours := make([]string, len(st.RGBStripe))
		for i, v := range st.RGBStripe {
			colours[i] = formatRGB(v)
		}
		line += " controller_leds=[" + strings.Join(colours, " ") + "]"
	}
	return line
}

func formatStatus(u *protocol.Up) string {
	var ts string
	if u.TimeStamp != nil {
		ts = time.Unix(int64(u.TimeStamp.Seconds), int64(u.TimeStamp.Nanoseconds)).UTC().Format("15:04:05.000000")
	}
	switch st := u.Status.(type) {
	case *protocol.BaseStatus:
		odo := protocol.Odometry{}
		if st.EstimatedOdometry != nil {
			odo = *st.EstimatedOdometry
		}
		return fmt.Sprintf("%s base initialized=%t speed=(%.3f, %.3f, %.3f)", ts, st.APIControlInitialized, odo.SpeedX, odo.SpeedY, odo.SpeedZ)
	case *protocol.ArmStatus:
		pos := make([]int64, len(st.MotorStatus))
		for i, m := range st.MotorStatus {
			pos[i] = m.Position
		}
		return fmt.Sprintf("%s arm calibrated=%t position=%v", ts, st.Calibrated, pos)
	case *protocol.LinearLiftStatus:
		return fmt.Sprintf("%s lift calibrated=%t state=%d current=%d max=%d max_speed=%d", ts, st.Calibrated, st.State, st.CurrentPos, st.MaxPos, st.MaxSpeed)
	case *protocol.RotateLiftStatus:
		deg := make([]string, len(st.MotorStatus))
		for i, m := range st.MotorStatus {
			deg[i] = strconv.FormatFloat(degrees(m), 'f', 2, 64)
		}
		return fmt.Sprintf("%s rotate_lift degrees=[%s]", ts, strings.Join(deg, " "))
	default:
		return ""
	}
}
