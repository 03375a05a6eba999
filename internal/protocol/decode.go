package protocol

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// field is one tag/value pair positioned at the start of its value bytes.
type field struct {
	num protowire.Number
	typ protowire.Type
	b   []byte
}

func (f field) varint() (uint64, int, error) {
	if f.typ != protowire.VarintType {
		return 0, 0, f.wireTypeErr()
	}
	v, n := protowire.ConsumeVarint(f.b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func (f field) double() (float64, int, error) {
	if f.typ != protowire.Fixed64Type {
		return 0, 0, f.wireTypeErr()
	}
	v, n := protowire.ConsumeFixed64(f.b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return math.Float64frombits(v), n, nil
}

func (f field) bytes() ([]byte, int, error) {
	if f.typ != protowire.BytesType {
		return nil, 0, f.wireTypeErr()
	}
	v, n := protowire.ConsumeBytes(f.b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

// repeatedVarint reads either a packed run or one unpacked element.
func (f field) repeatedVarint(dst func(uint64)) (int, error) {
	if f.typ == protowire.VarintType {
		v, n, err := f.varint()
		if err != nil {
			return 0, err
		}
		dst(v)
		return n, nil
	}
	packed, n, err := f.bytes()
	if err != nil {
		return 0, err
	}
	for len(packed) > 0 {
		v, m := protowire.ConsumeVarint(packed)
		if m < 0 {
			return 0, protowire.ParseError(m)
		}
		dst(v)
		packed = packed[m:]
	}
	return n, nil
}

func (f field) wireTypeErr() error {
	return fmt.Errorf("field %d: unexpected wire type %d", f.num, f.typ)
}

// walk visits every field of one message. A visitor returning 0 consumed bytes
// leaves the field to be skipped as unknown.
func walk(b []byte, visit func(f field) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := visit(field{num: num, typ: typ, b: b})
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return protowire.ParseError(m)
			}
		}
		b = b[m:]
	}
	return nil
}

// DecodeUp parses one telemetry envelope. It never blocks and never retries.
func DecodeUp(b []byte) (*Up, error) {
	u := &Up{}
	err := walk(b, func(f field) (int, error) {
		switch f.num {
		case upProtocolMajorVersion:
			v, n, err := f.varint()
			u.ProtocolMajorVersion = uint32(v)
			return n, err
		case upProtocolMinorVersion:
			v, n, err := f.varint()
			u.ProtocolMinorVersion = uint32(v)
			return n, err
		case upSessionID:
			v, n, err := f.varint()
			u.SessionID = v
			return n, err
		case upReportFrequency:
			v, n, err := f.varint()
			u.ReportFrequency = ReportFrequency(v)
			return n, err
		case upRobotType:
			v, n, err := f.varint()
			u.RobotType = RobotType(v)
			return n, err
		case upLog:
			v, n, err := f.bytes()
			u.Log = string(v)
			return n, err
		case upTimeStamp:
			v, n, err := f.bytes()
			if err != nil {
				return 0, err
			}
			ts, err := decodeTimeStamp(v)
			u.TimeStamp = ts
			return n, err
		case upKcpServerStatus:
			v, n, err := f.bytes()
			if err != nil {
				return 0, err
			}
			st, err := decodeKcpServerStatus(v)
			u.KcpServerStatus = st
			return n, err
		case upBaseStatus:
			v, n, err := f.bytes()
			if err != nil {
				return 0, err
			}
			st, err := decodeBaseStatus(v)
			u.Status = st
			return n, err
		case upArmStatus:
			v, n, err := f.bytes()
			if err != nil {
				return 0, err
			}
			st, err := decodeArmStatus(v)
			u.Status = st
			return n, err
		case upLinearLiftStatus:
			v, n, err := f.bytes()
			if err != nil {
				return 0, err
			}
			st, err := decodeLinearLiftStatus(v)
			u.Status = st
			return n, err
		case upSecondaryDevice:
			v, n, err := f.bytes()
			if err != nil {
				return 0, err
			}
			var st SecondaryDeviceStatus
			st.DeviceID, st.RGBStripe, err = decodeSecondaryDevice(v)
			u.SecondaryDeviceStatus = append(u.SecondaryDeviceStatus, st)
			return n, err
		case upRotateLiftStatus:
			v, n, err := f.bytes()
			if err != nil {
				return 0, err
			}
			st := &RotateLiftStatus{}
			err = walk(v, func(f field) (int, error) {
				if f.num != rotateLiftMotorStatus {
					return 0, nil
				}
				return decodeMotorStatusInto(f, &st.MotorStatus)
			})
			u.Status = st
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: up: %v", ErrDecode, err)
	}
	return u, nil
}

func decodeSecondaryDevice(b []byte) (uint32, []uint32, error) {
	var (
		id   uint32
		rgbs []uint32
	)
	err := walk(b, func(f field) (int, error) {
		switch f.num {
		case secondaryDeviceID:
			x, k, err := f.varint()
			id = uint32(x)
			return k, err
		case secondaryDeviceRGBStripe:
			return f.repeatedVarint(func(x uint64) { rgbs = append(rgbs, uint32(x)) })
		}
		return 0, nil
	})
	return id, rgbs, err
}

func decodeTimeStamp(b []byte) (*TimeStamp, error) {
	ts := &TimeStamp{}
	err := walk(b, func(f field) (int, error) {
		switch f.num {
		case timeStampSeconds:
			v, n, err := f.varint()
			ts.Seconds = v
			return n, err
		case timeStampNanoseconds:
			v, n, err := f.varint()
			ts.Nanoseconds = uint32(v)
			return n, err
		}
		return 0, nil
	})
	return ts, err
}

func decodeKcpServerStatus(b []byte) (*KcpServerStatus, error) {
	st := &KcpServerStatus{}
	err := walk(b, func(f field) (int, error) {
		if f.num != kcpServerStatusServerPort {
			return 0, nil
		}
		v, n, err := f.varint()
		if err == nil && v > math.MaxUint16 {
			err = fmt.Errorf("server_port out of range: %d", v)
		}
		st.ServerPort = uint16(v)
		return n, err
	})
	return st, err
}

func decodeBaseStatus(b []byte) (*BaseStatus, error) {
	st := &BaseStatus{}
	err := walk(b, func(f field) (int, error) {
		switch f.num {
		case baseStatusAPIControlInitialized:
			v, n, err := f.varint()
			st.APIControlInitialized = protowire.DecodeBool(v)
			return n, err
		case baseStatusEstimatedOdometry:
			v, n, err := f.bytes()
			if err != nil {
				return 0, err
			}
			odom := &Odometry{}
			err = walk(v, func(f field) (int, error) {
				switch f.num {
				case odometrySpeedX:
					x, m, err := f.double()
					odom.SpeedX = x
					return m, err
				case odometrySpeedY:
					y, m, err := f.double()
					odom.SpeedY = y
					return m, err
				case odometrySpeedZ:
					z, m, err := f.double()
					odom.SpeedZ = z
					return m, err
				}
				return 0, nil
			})
			st.EstimatedOdometry = odom
			return n, err
		}
		return 0, nil
	})
	return st, err
}

func decodeArmStatus(b []byte) (*ArmStatus, error) {
	st := &ArmStatus{}
	err := walk(b, func(f field) (int, error) {
		switch f.num {
		case armStatusCalibrated:
			v, n, err := f.varint()
			st.Calibrated = protowire.DecodeBool(v)
			return n, err
		case armStatusMotorStatus:
			return decodeMotorStatusInto(f, &st.MotorStatus)
		}
		return 0, nil
	})
	return st, err
}

func decodeLinearLiftStatus(b []byte) (*LinearLiftStatus, error) {
	st := &LinearLiftStatus{}
	err := walk(b, func(f field) (int, error) {
		v, n, err := f.varint()
		switch f.num {
		case linearLiftCalibrated:
			st.Calibrated = protowire.DecodeBool(v)
		case linearLiftState:
			st.State = LiftState(v)
		case linearLiftCurrentPos:
			st.CurrentPos = int64(v)
		case linearLiftMaxPos:
			st.MaxPos = int64(v)
		case linearLiftMaxSpeed:
			st.MaxSpeed = uint32(v)
		case linearLiftPulsePerRotation:
			st.PulsePerRotation = int64(v)
		default:
			return 0, nil
		}
		return n, err
	})
	return st, err
}

func decodeMotorStatusInto(f field, dst *[]MotorStatus) (int, error) {
	v, n, err := f.bytes()
	if err != nil {
		return 0, err
	}
	var m MotorStatus
	err = walk(v, func(f field) (int, error) {
		switch f.num {
		case motorStatusPosition:
			x, k, err := f.varint()
			m.Position = int64(x)
			return k, err
		case motorStatusSpeed:
			x, k, err := f.double()
			m.Speed = x
			return k, err
		case motorStatusTorque:
			x, k, err := f.double()
			m.Torque = x
			return k, err
		case motorStatusPulsePerRotation:
			x, k, err := f.varint()
			m.PulsePerRotation = int64(x)
			return k, err
		case motorStatusErrors:
			return f.repeatedVarint(func(x uint64) { m.Errors = append(m.Errors, int32(x)) })
		}
		return 0, nil
	})
	if err != nil {
		return 0, err
	}
	*dst = append(*dst, m)
	return n, nil
}

// DecodeDown parses one command envelope. The simulated robot uses it to
// interpret what the operator sent.
func DecodeDown(b []byte) (Down, error) {
	var d Down
	err := walk(b, func(f field) (int, error) {
		switch f.num {
		case downEnableKcp:
			v, n, err := f.bytes()
			if err != nil {
				return 0, err
			}
			p, err := decodeEnableKcp(v)
			d.Payload = p
			return n, err
		case downSetReportFrequency:
			v, n, err := f.varint()
			d.Payload = SetReportFrequency(v)
			return n, err
		case downBaseCommand:
			v, n, err := f.bytes()
			if err != nil {
				return 0, err
			}
			p, err := decodeBaseCommand(v)
			d.Payload = p
			return n, err
		case downArmCommand:
			v, n, err := f.bytes()
			if err != nil {
				return 0, err
			}
			p, err := decodeArmCommand(v)
			d.Payload = p
			return n, err
		case downLinearLiftCommand:
			v, n, err := f.bytes()
			if err != nil {
				return 0, err
			}
			p, err := decodeLinearLiftCommand(v)
			d.Payload = p
			return n, err
		case downRotateLiftCommand:
			v, n, err := f.bytes()
			if err != nil {
				return 0, err
			}
			p := &RotateLiftCommand{}
			err = walk(v, func(f field) (int, error) {
				if f.num != rotateLiftCommandMotorTargets {
					return 0, nil
				}
				body, k, err := f.bytes()
				if err != nil {
					return 0, err
				}
				p.MotorTargets, err = decodeMotorTargets(body)
				return k, err
			})
			d.Payload = p
			return n, err
		case downSecondaryDeviceCommand:
			v, n, err := f.bytes()
			if err != nil {
				return 0, err
			}
			p := &SecondaryDeviceCommand{}
			p.DeviceID, p.RGBStripe, err = decodeSecondaryDevice(v)
			d.Payload = p
			return n, err
		case downPlaceholderMessage:
			v, n, err := f.varint()
			d.Payload = PlaceholderMessage(protowire.DecodeBool(v))
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return Down{}, fmt.Errorf("%w: down: %v", ErrDecode, err)
	}
	if d.Payload == nil {
		return Down{}, fmt.Errorf("%w: down: no payload", ErrDecode)
	}
	return d, nil
}

func decodeEnableKcp(b []byte) (*EnableKcp, error) {
	p := &EnableKcp{}
	err := walk(b, func(f field) (int, error) {
		switch f.num {
		case enableKcpClientPeerPort:
			v, n, err := f.varint()
			if err == nil && v > math.MaxUint16 {
				err = fmt.Errorf("client_peer_port out of range: %d", v)
			}
			p.ClientPeerPort = uint16(v)
			return n, err
		case enableKcpConfig:
			v, n, err := f.bytes()
			if err != nil {
				return 0, err
			}
			cfg := &KcpConfig{}
			err = walk(v, func(f field) (int, error) {
				x, k, err := f.varint()
				switch f.num {
				case kcpConfigWindowSizeSnd:
					cfg.WindowSizeSnd = uint32(x)
				case kcpConfigWindowSizeRcv:
					cfg.WindowSizeRcv = uint32(x)
				case kcpConfigIntervalMS:
					cfg.IntervalMS = uint32(x)
				case kcpConfigNoDelay:
					cfg.NoDelay = protowire.DecodeBool(x)
				case kcpConfigNC:
					cfg.NC = protowire.DecodeBool(x)
				case kcpConfigResend:
					cfg.Resend = uint32(x)
				default:
					return 0, nil
				}
				return k, err
			})
			p.KcpConfig = cfg
			return n, err
		}
		return 0, nil
	})
	return p, err
}

func decodeBaseCommand(b []byte) (*BaseCommand, error) {
	p := &BaseCommand{}
	err := walk(b, func(f field) (int, error) {
		switch f.num {
		case baseCommandAPIControlInitialize:
			v, n, err := f.varint()
			p.SimpleMove = nil
			p.APIControlInitialize = Bool(protowire.DecodeBool(v))
			return n, err
		case baseCommandSimpleMove:
			v, n, err := f.bytes()
			if err != nil {
				return 0, err
			}
			speed := &XYZSpeed{}
			err = walk(v, func(f field) (int, error) {
				x, k, err := f.double()
				switch f.num {
				case xyzSpeedX:
					speed.SpeedX = x
				case xyzSpeedY:
					speed.SpeedY = x
				case xyzSpeedZ:
					speed.SpeedZ = x
				default:
					return 0, nil
				}
				return k, err
			})
			p.APIControlInitialize = nil
			p.SimpleMove = speed
			return n, err
		}
		return 0, nil
	})
	return p, err
}

func decodeArmCommand(b []byte) (*ArmCommand, error) {
	p := &ArmCommand{}
	err := walk(b, func(f field) (int, error) {
		switch f.num {
		case armCommandClearParkingStop, armCommandAPIControlInitialize, armCommandCalibrate:
			v, n, err := f.varint()
			flag := Bool(protowire.DecodeBool(v))
			*p = ArmCommand{}
			switch f.num {
			case armCommandClearParkingStop:
				p.ClearParkingStop = flag
			case armCommandAPIControlInitialize:
				p.APIControlInitialize = flag
			default:
				p.Calibrate = flag
			}
			return n, err
		case armCommandMotorTargets:
			v, n, err := f.bytes()
			if err != nil {
				return 0, err
			}
			targets, err := decodeMotorTargets(v)
			*p = ArmCommand{MotorTargets: targets}
			return n, err
		}
		return 0, nil
	})
	return p, err
}

func decodeLinearLiftCommand(b []byte) (*LinearLiftCommand, error) {
	p := &LinearLiftCommand{}
	err := walk(b, func(f field) (int, error) {
		v, n, err := f.varint()
		switch f.num {
		case linearLiftCommandCalibrate:
			*p = LinearLiftCommand{Calibrate: Bool(protowire.DecodeBool(v))}
		case linearLiftCommandSetSpeed:
			*p = LinearLiftCommand{SetSpeed: Uint32(uint32(v))}
		case linearLiftCommandTargetPos:
			*p = LinearLiftCommand{TargetPos: Int64(int64(v))}
		default:
			return 0, nil
		}
		return n, err
	})
	return p, err
}

func decodeMotorTargets(b []byte) (*MotorTargets, error) {
	p := &MotorTargets{}
	err := walk(b, func(f field) (int, error) {
		if f.num != motorTargetsTargets {
			return 0, nil
		}
		v, n, err := f.bytes()
		if err != nil {
			return 0, err
		}
		var t MotorTarget
		err = walk(v, func(f field) (int, error) {
			switch f.num {
			case motorTargetPosition:
				x, k, err := f.varint()
				t = MotorTarget{Position: Int64(int64(x))}
				return k, err
			case motorTargetSpeed:
				x, k, err := f.double()
				t = MotorTarget{Speed: Float64(x)}
				return k, err
			case motorTargetTorque:
				x, k, err := f.double()
				t = MotorTarget{Torque: Float64(x)}
				return k, err
			}
			return 0, nil
		})
		p.Targets = append(p.Targets, t)
		return n, err
	})
	return p, err
}
