package ble

import "tinygo.org/x/bluetooth"

// Bluetooth SIG assigned numbers for the services this trainer exposes.
var (
	// Fitness Machine Service (FTMS)
	ServiceUUIDFitnessMachine    = bluetooth.New16BitUUID(0x1826)
	CharUUIDFTMSFeature          = bluetooth.New16BitUUID(0x2ACC)
	CharUUIDInclinationRange     = bluetooth.New16BitUUID(0x2AD5)
	CharUUIDResistanceLevelRange = bluetooth.New16BitUUID(0x2AD6)
	CharUUIDIndoorBikeData       = bluetooth.New16BitUUID(0x2AD2)
	CharUUIDTrainingStatus       = bluetooth.New16BitUUID(0x2AD3)
	CharUUIDFTMSControlPoint     = bluetooth.New16BitUUID(0x2AD9)
	CharUUIDFTMSStatus           = bluetooth.New16BitUUID(0x2ADA)

	// Cycling Speed and Cadence Service (CSC)
	ServiceUUIDCyclingSpeedCadence = bluetooth.New16BitUUID(0x1816)
	CharUUIDCSCMeasurement         = bluetooth.New16BitUUID(0x2A5B)
	CharUUIDCSCFeature             = bluetooth.New16BitUUID(0x2A5C)
)

// FTMS Control Point op codes (write direction)
const (
	FTMSOpCodeRequestControl          byte = 0x00
	FTMSOpCodeReset                   byte = 0x01
	FTMSOpCodeSetTargetInclination    byte = 0x03
	FTMSOpCodeSetTargetResistance     byte = 0x04
	FTMSOpCodeSetTargetPower          byte = 0x05
	FTMSOpCodeStartOrResume           byte = 0x07
	FTMSOpCodeStopOrPause             byte = 0x08
	FTMSOpCodeSetIndoorBikeSimulation byte = 0x11
	FTMSOpCodeResponseCode            byte = 0x80
)

// FTMS Control Point result codes (response direction)
const (
	FTMSResultSuccess            byte = 0x01
	FTMSResultOpCodeNotSupported byte = 0x02
	FTMSResultInvalidParameter   byte = 0x03
	FTMSResultOperationFailed    byte = 0x04
)

// Fitness Machine Status op codes (0x2ADA notifications)
const (
	FTMSStatusReset                   byte = 0x01
	FTMSStatusStoppedOrPausedByUser   byte = 0x02
	FTMSStatusStartedOrResumedByUser  byte = 0x04
	FTMSStatusTargetInclineChanged    byte = 0x06
	FTMSStatusTargetResistanceChanged byte = 0x07
	FTMSStatusTargetPowerChanged      byte = 0x08
	FTMSStatusIndoorBikeSimulationSet byte = 0x12
)

// Training Status values (0x2AD3)
const (
	TrainingStatusIdle       byte = 0x01
	TrainingStatusManualMode byte = 0x0D
)

// FTMS Feature machine-capability bits
const (
	FTMSMachineFeatureCadence          uint32 = 1 << 1
	FTMSMachineFeatureInclination      uint32 = 1 << 3
	FTMSMachineFeatureResistanceLevel  uint32 = 1 << 7
	FTMSMachineFeaturePowerMeasurement uint32 = 1 << 14
)

// FTMS Feature target-setting bits
const (
	FTMSTargetFeatureInclination          uint32 = 1 << 1
	FTMSTargetFeatureResistance           uint32 = 1 << 2
	FTMSTargetFeatureIndoorBikeSimulation uint32 = 1 << 13
)

// CSC Feature bits (0x2A5C)
const (
	CSCFeatureWheelRevolutionData uint16 = 1 << 0
	CSCFeatureCrankRevolutionData uint16 = 1 << 1
)

// Indoor Bike Data flag bits for the fields this trainer broadcasts.
const (
	IndoorBikeFlagInstantaneousCadence uint16 = 1 << 2
	IndoorBikeFlagResistanceLevel      uint16 = 1 << 5
	IndoorBikeFlagInstantaneousPower   uint16 = 1 << 6
)

// CSC Measurement flags: both wheel and crank data present.
const CSCFlagsWheelAndCrank byte = 0x03
