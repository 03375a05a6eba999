package protocol

import "fmt"

// ReportFrequency is the rate at which the robot pushes Up envelopes on one channel.
type ReportFrequency int32

const (
	ReportFrequency50Hz   ReportFrequency = 0
	ReportFrequency1000Hz ReportFrequency = 1
	ReportFrequency500Hz  ReportFrequency = 2
	ReportFrequency250Hz  ReportFrequency = 3
	ReportFrequency1Hz    ReportFrequency = 4
	ReportFrequency100Hz  ReportFrequency = 5
	ReportFrequency10Hz   ReportFrequency = 6
)

var reportFrequencyNames = map[ReportFrequency]string{
	ReportFrequency50Hz:   "50hz",
	ReportFrequency1000Hz: "1000hz",
	ReportFrequency500Hz:  "500hz",
	ReportFrequency250Hz:  "250hz",
	ReportFrequency1Hz:    "1hz",
	ReportFrequency100Hz:  "100hz",
	ReportFrequency10Hz:   "10hz",
}

var reportFrequencyHz = map[ReportFrequency]int{
	ReportFrequency50Hz:   50,
	ReportFrequency1000Hz: 1000,
	ReportFrequency500Hz:  500,
	ReportFrequency250Hz:  250,
	ReportFrequency1Hz:    1,
	ReportFrequency100Hz:  100,
	ReportFrequency10Hz:   10,
}

func (f ReportFrequency) String() string {
	if name, ok := reportFrequencyNames[f]; ok {
		return name
	}
	return "unknown"
}

// Hz returns the nominal rate, or 0 for unknown values.
func (f ReportFrequency) Hz() int {
	return reportFrequencyHz[f]
}

// ParseReportFrequency accepts the String form ("250hz").
func ParseReportFrequency(raw string) (ReportFrequency, bool) {
	for f, name := range reportFrequencyNames {
		if name == raw {
			return f, true
		}
	}
	return 0, false
}

// RobotType identifies the hardware family that answered the session.
type RobotType int32

const (
	RobotTypeUnknown    RobotType = 0
	RobotTypeBase       RobotType = 1
	RobotTypeArm        RobotType = 2
	RobotTypeLinearLift RobotType = 3
	RobotTypeRotateLift RobotType = 4
	RobotTypeController RobotType = 5
)

func (t RobotType) String() string {
	switch t {
	case RobotTypeBase:
		return "base"
	case RobotTypeArm:
		return "arm"
	case RobotTypeLinearLift:
		return "linear_lift"
	case RobotTypeRotateLift:
		return "rotate_lift"
	case RobotTypeController:
		return "controller"
	default:
		return "unknown"
	}
}

// ParseRobotType accepts the String form ("linear_lift").
func ParseRobotType(raw string) (RobotType, bool) {
	for t := RobotTypeBase; t <= RobotTypeController; t++ {
		if t.String() == raw {
			return t, true
		}
	}
	return RobotTypeUnknown, raw == RobotTypeUnknown.String()
}

func (t *RobotType) UnmarshalText(b []byte) error {
	v, ok := ParseRobotType(string(b))
	if !ok {
		return fmt.Errorf("protocol: unknown robot type %q", b)
	}
	*t = v
	return nil
}

func (f *ReportFrequency) UnmarshalText(b []byte) error {
	v, ok := ParseReportFrequency(string(b))
	if !ok {
		return fmt.Errorf("protocol: unknown report frequency %q", b)
	}
	*f = v
	return nil
}

// LiftState is the linear lift controller state machine as reported by the robot.
type LiftState int32

const (
	LiftStateIdle        LiftState = 0
	LiftStateCalibrating LiftState = 1
	LiftStateMoving      LiftState = 2
	LiftStateParked      LiftState = 3
	LiftStateError       LiftState = 4
)

// Up is one envelope received from the robot. Values returned by the codec are
// never mutated afterwards.
type Up struct {
	ProtocolMajorVersion uint32
	ProtocolMinorVersion uint32
	SessionID            uint64
	ReportFrequency      ReportFrequency
	RobotType            RobotType
	Log                  string
	TimeStamp            *TimeStamp
	KcpServerStatus      *KcpServerStatus
	Status               UpStatus

	// SecondaryDeviceStatus reports accessories on the robot bus. It rides
	// alongside Status rather than replacing it.
	SecondaryDeviceStatus []SecondaryDeviceStatus
}

// SecondaryDevice returns the status of device id, if reported.
func (u *Up) SecondaryDevice(id uint32) (SecondaryDeviceStatus, bool) {
	for _, st := range u.SecondaryDeviceStatus {
		if st.DeviceID == id {
			return st, true
		}
	}
	return SecondaryDeviceStatus{}, false
}

// TimeStamp is the robot clock at the moment the envelope was produced.
type TimeStamp struct {
	Seconds     uint64
	Nanoseconds uint32
}

type KcpServerStatus struct {
	ServerPort uint16
}

// UpStatus is the sealed oneof of robot status payloads.
type UpStatus interface {
	isUpStatus()
}

type BaseStatus struct {
	APIControlInitialized bool
	EstimatedOdometry     *Odometry
}

type Odometry struct {
	SpeedX float64
	SpeedY float64
	SpeedZ float64
}

type MotorStatus struct {
	Position         int64
	Speed            float64
	Torque           float64
	PulsePerRotation int64
	Errors           []int32
}

type ArmStatus struct {
	Calibrated  bool
	MotorStatus []MotorStatus
}

type LinearLiftStatus struct {
	Calibrated       bool
	State            LiftState
	CurrentPos       int64
	MaxPos           int64
	MaxSpeed         uint32
	PulsePerRotation int64
}

type RotateLiftStatus struct {
	MotorStatus []MotorStatus
}

// SecondaryDeviceStatus is the last state an accessory applied, e.g. the
// colours currently shown on the controller LED stripe.
type SecondaryDeviceStatus struct {
	DeviceID  uint32
	RGBStripe []uint32
}

func (*BaseStatus) isUpStatus()       {}
func (*ArmStatus) isUpStatus()        {}
func (*LinearLiftStatus) isUpStatus() {}
func (*RotateLiftStatus) isUpStatus() {}

// Down is one envelope sent to the robot. Exactly one payload variant is set.
type Down struct {
	Payload DownPayload
}

// DownPayload is the sealed oneof of command variants.
type DownPayload interface {
	isDownPayload()
}

type KcpConfig struct {
	WindowSizeSnd uint32
	WindowSizeRcv uint32
	IntervalMS    uint32
	NoDelay       bool
	NC            bool
	Resend        uint32
}

type EnableKcp struct {
	ClientPeerPort uint16
	KcpConfig      *KcpConfig
}

type SetReportFrequency ReportFrequency

// PlaceholderMessage carries no command. It is used to open the low-latency
// path, which the robot only considers live after first traffic.
type PlaceholderMessage bool

type XYZSpeed struct {
	SpeedX float64
	SpeedY float64
	SpeedZ float64
}

// BaseCommand sets exactly one of its fields.
type BaseCommand struct {
	APIControlInitialize *bool
	SimpleMove           *XYZSpeed
}

// MotorTarget sets exactly one of its fields.
type MotorTarget struct {
	Position *int64
	Speed    *float64
	Torque   *float64
}

type MotorTargets struct {
	Targets []MotorTarget
}

// ArmCommand sets exactly one of its fields.
type ArmCommand struct {
	ClearParkingStop     *bool
	APIControlInitialize *bool
	Calibrate            *bool
	MotorTargets         *MotorTargets
}

// LinearLiftCommand sets exactly one of its fields.
type LinearLiftCommand struct {
	Calibrate *bool
	SetSpeed  *uint32
	TargetPos *int64
}

type RotateLiftCommand struct {
	MotorTargets *MotorTargets
}

// SecondaryDeviceCommand addresses an accessory on the robot bus, e.g. the
// controller LED stripe. RGB values are packed as [R, G, B, ignored] little endian.
type SecondaryDeviceCommand struct {
	DeviceID  uint32
	RGBStripe []uint32
}

// ControllerDeviceID is the bus id of the hand controller and its LED stripe.
const ControllerDeviceID uint32 = 1

// RGB packs one LED colour as little endian [R, G, B, ignored].
func RGB(r, g, b uint8) uint32 {
	return uint32(r) | uint32(g)<<8 | uint32(b)<<16
}

func (*EnableKcp) isDownPayload()              {}
func (SetReportFrequency) isDownPayload()      {}
func (*BaseCommand) isDownPayload()            {}
func (*ArmCommand) isDownPayload()             {}
func (*LinearLiftCommand) isDownPayload()      {}
func (*RotateLiftCommand) isDownPayload()      {}
func (*SecondaryDeviceCommand) isDownPayload() {}
func (PlaceholderMessage) isDownPayload()      {}

// Kind names the populated Down variant for logs and metrics.
func (d Down) Kind() string {
	switch d.Payload.(type) {
	case *EnableKcp:
		return "enable_kcp"
	case SetReportFrequency:
		return "set_report_frequency"
	case *BaseCommand:
		return "base_command"
	case *ArmCommand:
		return "arm_command"
	case *LinearLiftCommand:
		return "linear_lift_command"
	case *RotateLiftCommand:
		return "rotate_lift_command"
	case *SecondaryDeviceCommand:
		return "secondary_device_command"
	case PlaceholderMessage:
		return "placeholder_message"
	default:
		return "empty"
	}
}

// Bool, Int64, Uint32 and Float64 return pointers for oneof fields.
func Bool(v bool) *bool          { return &v }
func Int64(v int64) *int64       { return &v }
func Uint32(v uint32) *uint32    { return &v }
func Float64(v float64) *float64 { return &v }
