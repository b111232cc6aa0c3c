package ble

import (
	"fmt"
	"math"
)

// IndoorBikeData is one Indoor Bike Data frame in engineering units. This
// trainer always transmits speed, cadence, resistance and power; power is
// fixed at zero because there is no power meter in the drivetrain.
type IndoorBikeData struct {
	SpeedKmh        float64
	CadenceRPM      float64
	ResistanceLevel float64
	PowerWatts      int16
}

// EncodeIndoorBikeData packs a frame for the 0x2AD2 characteristic:
// flags:u16, speed:u16 (0.01 km/h), cadence:u16 (0.5 rpm),
// resistance:i16 (0.1 units), power:i16 (watts), all little-endian.
func EncodeIndoorBikeData(d IndoorBikeData) []byte {
	flags := IndoorBikeFlagInstantaneousCadence | IndoorBikeFlagResistanceLevel | IndoorBikeFlagInstantaneousPower

	speed := uint16(clampRound(d.SpeedKmh*100, 0, 65535))
	cadence := uint16(clampRound(d.CadenceRPM*2, 0, 65535))
	resistance := int16(clampRound(d.ResistanceLevel*10, -32768, 32767))

	buf := make([]byte, 0, 10)
	buf = appendUint16(buf, flags)
	buf = appendUint16(buf, speed)
	buf = appendUint16(buf, cadence)
	buf = appendUint16(buf, uint16(resistance))
	buf = appendUint16(buf, uint16(d.PowerWatts))
	return buf
}

// DecodeIndoorBikeData parses a frame produced by this trainer. The flag
// word is honored, so frames carrying only a subset of the fields decode
// too; unknown flag bits past the fields we understand are rejected since
// the remaining offsets would be wrong.
func DecodeIndoorBikeData(buf []byte) (IndoorBikeData, error) {
	var d IndoorBikeData
	if len(buf) < 2 {
		return d, fmt.Errorf("indoor bike data too short: %d bytes", len(buf))
	}

	flags := uint16(buf[0]) | uint16(buf[1])<<8
	known := IndoorBikeFlagInstantaneousCadence | IndoorBikeFlagResistanceLevel | IndoorBikeFlagInstantaneousPower
	if flags&^known != 0 {
		return d, fmt.Errorf("indoor bike data has unsupported flags %#04x", flags)
	}
	offset := 2

	// Bit 0 (More Data) clear means instantaneous speed is present; this
	// trainer never sets it.
	raw, offset, err := takeUint16(buf, offset, "speed")
	if err != nil {
		return d, err
	}
	d.SpeedKmh = float64(raw) * 0.01

	if flags&IndoorBikeFlagInstantaneousCadence != 0 {
		raw, offset, err = takeUint16(buf, offset, "cadence")
		if err != nil {
			return d, err
		}
		d.CadenceRPM = float64(raw) * 0.5
	}
	if flags&IndoorBikeFlagResistanceLevel != 0 {
		raw, offset, err = takeUint16(buf, offset, "resistance")
		if err != nil {
			return d, err
		}
		d.ResistanceLevel = float64(int16(raw)) * 0.1
	}
	if flags&IndoorBikeFlagInstantaneousPower != 0 {
		raw, _, err = takeUint16(buf, offset, "power")
		if err != nil {
			return d, err
		}
		d.PowerWatts = int16(raw)
	}
	return d, nil
}

// CSCMeasurement is one CSC Measurement frame (0x2A5B). Revolution counters
// are cumulative; event times are in 1/1024 s and wrap at the field width.
type CSCMeasurement struct {
	WheelRevolutions uint32
	WheelEventTime   uint16
	CrankRevolutions uint16
	CrankEventTime   uint16
}

// EncodeCSCMeasurement packs both wheel and crank data, 11 bytes.
func EncodeCSCMeasurement(m CSCMeasurement) []byte {
	buf := make([]byte, 0, 11)
	buf = append(buf, CSCFlagsWheelAndCrank)
	buf = appendUint32(buf, m.WheelRevolutions)
	buf = appendUint16(buf, m.WheelEventTime)
	buf = appendUint16(buf, m.CrankRevolutions)
	buf = appendUint16(buf, m.CrankEventTime)
	return buf
}

// DecodeCSCMeasurement parses a frame with wheel and/or crank data present.
func DecodeCSCMeasurement(buf []byte) (CSCMeasurement, error) {
	var m CSCMeasurement
	if len(buf) < 1 {
		return m, fmt.Errorf("csc measurement is empty")
	}
	flags := buf[0]
	offset := 1

	if flags&0x01 != 0 {
		if offset+6 > len(buf) {
			return m, fmt.Errorf("buffer too short for wheel data at offset %d", offset)
		}
		m.WheelRevolutions = uint32(buf[offset]) | uint32(buf[offset+1])<<8 |
			uint32(buf[offset+2])<<16 | uint32(buf[offset+3])<<24
		offset += 4
		m.WheelEventTime = uint16(buf[offset]) | uint16(buf[offset+1])<<8
		offset += 2
	}
	if flags&0x02 != 0 {
		if offset+4 > len(buf) {
			return m, fmt.Errorf("buffer too short for crank data at offset %d", offset)
		}
		m.CrankRevolutions = uint16(buf[offset]) | uint16(buf[offset+1])<<8
		offset += 2
		m.CrankEventTime = uint16(buf[offset]) | uint16(buf[offset+1])<<8
	}
	return m, nil
}

// ControlPointResponse is the fixed [0x80, op, result] indication frame.
func ControlPointResponse(opCode, result byte) []byte {
	return []byte{FTMSOpCodeResponseCode, opCode, result}
}

// FTMSFeaturePayload is the static 0x2ACC value: machine features then
// target features, both u32 little-endian.
func FTMSFeaturePayload() []byte {
	machine := FTMSMachineFeatureCadence | FTMSMachineFeatureInclination |
		FTMSMachineFeatureResistanceLevel | FTMSMachineFeaturePowerMeasurement
	target := FTMSTargetFeatureInclination | FTMSTargetFeatureResistance |
		FTMSTargetFeatureIndoorBikeSimulation

	buf := make([]byte, 0, 8)
	buf = appendUint32(buf, machine)
	buf = appendUint32(buf, target)
	return buf
}

// ResistanceLevelRangePayload is the static 0x2AD6 value: 1.0 to 100.0 in
// steps of 1.0, as int16 0.1-unit triplets.
func ResistanceLevelRangePayload() []byte {
	return encodeInt16Triplet(10, 1000, 10)
}

// InclinationRangePayload is the static 0x2AD5 value: -20.0% to +20.0% in
// steps of 0.1%.
func InclinationRangePayload() []byte {
	return encodeInt16Triplet(-200, 200, 1)
}

// CSCFeaturePayload is the static 0x2A5C value.
func CSCFeaturePayload() []byte {
	return appendUint16(nil, CSCFeatureWheelRevolutionData|CSCFeatureCrankRevolutionData)
}

// TrainingStatusPayload is a 0x2AD3 value with no status string.
func TrainingStatusPayload(status byte) []byte {
	return []byte{0x00, status}
}

func encodeInt16Triplet(min, max, step int16) []byte {
	buf := make([]byte, 0, 6)
	buf = appendUint16(buf, uint16(min))
	buf = appendUint16(buf, uint16(max))
	buf = appendUint16(buf, uint16(step))
	return buf
}

func appendUint16(buf []byte, v uint16) []byte {
	return append(buf, byte(v), byte(v>>8))
}

func appendUint32(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func takeUint16(buf []byte, offset int, field string) (uint16, int, error) {
	if offset+2 > len(buf) {
		return 0, offset, fmt.Errorf("buffer too short for %s at offset %d", field, offset)
	}
	return uint16(buf[offset]) | uint16(buf[offset+1])<<8, offset + 2, nil
}

func clampRound(v, lo, hi float64) float64 {
	v = math.Round(v)
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
