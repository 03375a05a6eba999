package protocol

import "google.golang.org/protobuf/encoding/protowire"

// Field numbers of the robot public API envelopes. Oneof members share the
// numbering space of their parent message.
const (
	upProtocolMajorVersion protowire.Number = 1
	upProtocolMinorVersion protowire.Number = 2
	upSessionID            protowire.Number = 3
	upReportFrequency      protowire.Number = 4
	upRobotType            protowire.Number = 5
	upLog                  protowire.Number = 6
	upTimeStamp            protowire.Number = 7
	upKcpServerStatus      protowire.Number = 8
	upSecondaryDevice      protowire.Number = 9
	upBaseStatus           protowire.Number = 10
	upArmStatus            protowire.Number = 11
	upLinearLiftStatus     protowire.Number = 12
	upRotateLiftStatus     protowire.Number = 13
)

const (
	timeStampSeconds     protowire.Number = 1
	timeStampNanoseconds protowire.Number = 2

	kcpServerStatusServerPort protowire.Number = 1

	baseStatusAPIControlInitialized protowire.Number = 1
	baseStatusEstimatedOdometry     protowire.Number = 2

	odometrySpeedX protowire.Number = 1
	odometrySpeedY protowire.Number = 2
	odometrySpeedZ protowire.Number = 3

	motorStatusPosition         protowire.Number = 1
	motorStatusSpeed            protowire.Number = 2
	motorStatusTorque           protowire.Number = 3
	motorStatusPulsePerRotation protowire.Number = 4
	motorStatusErrors           protowire.Number = 5

	armStatusCalibrated  protowire.Number = 1
	armStatusMotorStatus protowire.Number = 2

	linearLiftCalibrated       protowire.Number = 1
	linearLiftState            protowire.Number = 2
	linearLiftCurrentPos       protowire.Number = 3
	linearLiftMaxPos           protowire.Number = 4
	linearLiftMaxSpeed         protowire.Number = 5
	linearLiftPulsePerRotation protowire.Number = 6

	rotateLiftMotorStatus protowire.Number = 1
)

const (
	downEnableKcp              protowire.Number = 1
	downSetReportFrequency     protowire.Number = 2
	downBaseCommand            protowire.Number = 3
	downArmCommand             protowire.Number = 4
	downLinearLiftCommand      protowire.Number = 5
	downRotateLiftCommand      protowire.Number = 6
	downSecondaryDeviceCommand protowire.Number = 7
	downPlaceholderMessage     protowire.Number = 8
)

const (
	enableKcpClientPeerPort protowire.Number = 1
	enableKcpConfig         protowire.Number = 2

	kcpConfigWindowSizeSnd protowire.Number = 1
	kcpConfigWindowSizeRcv protowire.Number = 2
	kcpConfigIntervalMS    protowire.Number = 3
	kcpConfigNoDelay       protowire.Number = 4
	kcpConfigNC            protowire.Number = 5
	kcpConfigResend        protowire.Number = 6

	baseCommandAPIControlInitialize protowire.Number = 1
	baseCommandSimpleMove           protowire.Number = 2

	xyzSpeedX protowire.Number = 1
	xyzSpeedY protowire.Number = 2
	xyzSpeedZ protowire.Number = 3

	armCommandClearParkingStop     protowire.Number = 1
	armCommandAPIControlInitialize protowire.Number = 2
	armCommandCalibrate            protowire.Number = 3
	armCommandMotorTargets         protowire.Number = 4

	linearLiftCommandCalibrate protowire.Number = 1
	linearLiftCommandSetSpeed  protowire.Number = 2
	linearLiftCommandTargetPos protowire.Number = 3

	rotateLiftCommandMotorTargets protowire.Number = 1

	secondaryDeviceID        protowire.Number = 1
	secondaryDeviceRGBStripe protowire.Number = 2

	motorTargetsTargets protowire.Number = 1

	motorTargetPosition protowire.Number = 1
	motorTargetSpeed    protowire.Number = 2
	motorTargetTorque   protowire.Number = 3
)
