package bxcan

import "fmt"

const (
	maxBS1                 = 16
	maxBS2                 = 8
	maxPrescaler           = 1024
	maxSamplePointPermill  = 900
	highSpeedBitrate       = 1000000
	highSpeedMaxQuanta     = 10
	defaultMaxQuantaPerBit = 17
)

// Timings holds bit-timing register fields. All values are zero-based as the
// hardware expects them: Prescaler 0 divides by 1, BS1 0 is one quantum.
type Timings struct {
	Prescaler uint16
	SJW       uint8
	BS1       uint8
	BS2       uint8
}

// QuantaPerBit is 1 (sync segment) + BS1 + BS2 in time quanta.
func (t Timings) QuantaPerBit() uint32 { return 1 + uint32(t.BS1) + 1 + uint32(t.BS2) + 1 }

// SamplePointPermill is the share of the bit time before the sample edge.
func (t Timings) SamplePointPermill() uint32 {
	return 1000 * (1 + uint32(t.BS1) + 1) / t.QuantaPerBit()
}

// Bitrate reconstructs the bus bitrate for the given peripheral clock.
func (t Timings) Bitrate(pclk uint32) uint32 {
	return pclk / ((uint32(t.Prescaler) + 1) * t.QuantaPerBit())
}

// BTR encodes the timings into the bit timing register layout.
func (t Timings) BTR(silent bool) uint32 {
	v := (uint32(t.SJW)&3)<<BTR_SJW_Shift |
		(uint32(t.BS1)&15)<<BTR_TS1_Shift |
		(uint32(t.BS2)&7)<<BTR_TS2_Shift |
		uint32(t.Prescaler)&BTR_BRP
	if silent {
		v |= BTR_SILM
	}
	return v
}

// ComputeTimings finds register values that reproduce bitrate exactly from
// the peripheral clock pclk, with as many quanta per bit as the optimal range
// allows and the sample point near 87.5%.
//
// Optimal quanta per bit follow U. Koppe, "Automatic Baudrate Detection in
// CANopen Networks" (CiA 2003): 8..10 at 1 Mbit/s, 16..17 below.
func ComputeTimings(bitrate, pclk uint32) (Timings, error) {
	if bitrate == 0 {
		return Timings{}, fmt.Errorf("%w: zero bitrate", ErrInvalidBitrate)
	}
	maxQuanta := uint32(defaultMaxQuantaPerBit)
	if bitrate >= highSpeedBitrate {
		maxQuanta = highSpeedMaxQuanta
	}

	// BITRATE = PCLK / (PRESCALER * (1 + BS1 + BS2)), so PRESCALER * BS is
	// PCLK / BITRATE and must divide evenly for an exact rate.
	if pclk%bitrate != 0 {
		return Timings{}, fmt.Errorf("%w: %d Hz clock does not divide to %d bit/s", ErrInvalidBitrate, pclk, bitrate)
	}
	prescalerBS := pclk / bitrate

	// Largest BS1+BS2 that divides PRESCALER * BS.
	sum := maxQuanta - 1
	for prescalerBS%(1+sum) != 0 {
		if sum <= 2 {
			return Timings{}, fmt.Errorf("%w: no segment split for %d bit/s", ErrInvalidBitrate, bitrate)
		}
		sum--
	}

	prescaler := prescalerBS / (1 + sum)
	if prescaler < 1 || prescaler > maxPrescaler {
		return Timings{}, fmt.Errorf("%w: prescaler %d out of range for %d bit/s", ErrInvalidBitrate, prescaler, bitrate)
	}

	// (1 + bs1) / (1 + bs1 + bs2) == 7/8 gives bs1 = (7*sum - 1) / 8.
	// Round to nearest first; fall back to rounding toward zero when that
	// pushes the sample point past 90%.
	bs1 := ((7*sum - 1) + 4) / 8
	if samplePoint(sum, bs1) > maxSamplePointPermill {
		bs1 = (7*sum - 1) / 8
	}
	bs2 := sum - bs1

	if bs1 < 1 || bs1 > maxBS1 || bs2 < 1 || bs2 > maxBS2 || pclk/(prescaler*(1+bs1+bs2)) != bitrate {
		panic(fmt.Sprintf("bxcan: bit timing logic error: bitrate=%d pclk=%d prescaler=%d bs1=%d bs2=%d",
			bitrate, pclk, prescaler, bs1, bs2))
	}

	return Timings{
		Prescaler: uint16(prescaler - 1),
		SJW:       0, // one quantum
		BS1:       uint8(bs1 - 1),
		BS2:       uint8(bs2 - 1),
	}, nil
}

func samplePoint(sum, bs1 uint32) uint32 { return 1000 * (1 + bs1) / (1 + sum) }
