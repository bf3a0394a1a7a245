// Copyright hostmon authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package netiface

import (
	"encoding/binary"
	"math"
)

// sff8472DiagOffset is where the A2h diagnostics page begins in the
// two-page (A0h + A2h) module map ETHTOOL_GMODULEEEPROM returns for
// SFF-8472 modules.
const sff8472DiagOffset = 256

// decodeSFF8472 decodes an SFP (single-lane) diagnostic monitoring
// block. eeprom is the full module map: the A0h identification page
// followed by the A2h diagnostics page, whose real-time monitoring
// values live at A2h bytes 96-105. Bit 0x10 of A0h byte 92 selects
// external calibration, in which case the A/D values are corrected with
// the slope/offset constants (and the RX-power polynomial) stored at
// A2h bytes 56-91 before scaling.
func decodeSFF8472(eeprom []byte) (OpticsReading, bool) {
	if len(eeprom) < sff8472DiagOffset+128 {
		return OpticsReading{}, false
	}
	diag := eeprom[sff8472DiagOffset:]

	temp := float64(int16(binary.BigEndian.Uint16(diag[96:98])))
	volt := float64(binary.BigEndian.Uint16(diag[98:100]))
	bias := float64(binary.BigEndian.Uint16(diag[100:102]))
	txPower := float64(binary.BigEndian.Uint16(diag[102:104]))
	rxPower := float64(binary.BigEndian.Uint16(diag[104:106]))

	if eeprom[92]&0x10 != 0 {
		rx4 := calFloat(diag[56:60])
		rx3 := calFloat(diag[60:64])
		rx2 := calFloat(diag[64:68])
		rx1 := calFloat(diag[68:72])
		rx0 := calFloat(diag[72:76])
		rxPower = rx4*math.Pow(rxPower, 4) + rx3*math.Pow(rxPower, 3) + rx2*rxPower*rxPower + rx1*rxPower + rx0

		bias = calSlope(diag[76:78])*bias + calOffset(diag[78:80])
		txPower = calSlope(diag[80:82])*txPower + calOffset(diag[82:84])
		temp = calSlope(diag[84:86])*temp + calOffset(diag[86:88])
		volt = calSlope(diag[88:90])*volt + calOffset(diag[90:92])
	}

	return OpticsReading{
		TemperatureC:  temp / 256.0,
		VoltageV:      volt * 0.0001,
		BiasCurrentMA: []float64{bias * 0.002},
		TxPowerMW:     []float64{txPower * 0.0001},
		RxPowerMW:     []float64{rxPower * 0.0001},
		WavelengthNM:  float64(binary.BigEndian.Uint16(eeprom[60:62])),
	}, true
}

// calSlope decodes an unsigned fixed-point 8.8 calibration slope.
func calSlope(b []byte) float64 {
	return float64(b[0]) + float64(b[1])/256.0
}

// calOffset decodes a signed two's-complement calibration offset.
func calOffset(b []byte) float64 {
	return float64(int16(binary.BigEndian.Uint16(b[0:2])))
}

// calFloat decodes an IEEE 754 single-precision RX-power polynomial
// coefficient.
func calFloat(b []byte) float64 {
	return float64(math.Float32frombits(binary.BigEndian.Uint32(b[0:4])))
}

// decodeSFF8436 decodes a QSFP (four-lane) diagnostic block. Per-lane
// bias/tx/rx values live at fixed 2-byte strides starting at offset
// 0x22 (bias), 0x2A (tx power), 0x32 (rx power); temperature and
// voltage are single values at 0x16 and 0x1A. Wavelength is derived
// from the device-technology nibble at offset 0x93 rather than a
// direct wavelength field, since SFF-8436 only tabulates the optical
// technology code there.
func decodeSFF8436(eeprom []byte) (OpticsReading, bool) {
	if len(eeprom) < 0x94 {
		return OpticsReading{}, false
	}

	temp := float64(int16(binary.BigEndian.Uint16(eeprom[0x16:0x18]))) / 256.0
	volt := float64(binary.BigEndian.Uint16(eeprom[0x1A:0x1C])) * 0.0001

	const lanes = 4
	bias := make([]float64, lanes)
	tx := make([]float64, lanes)
	rx := make([]float64, lanes)
	for i := 0; i < lanes; i++ {
		biasOff := 0x22 + i*2
		txOff := 0x2A + i*2
		rxOff := 0x32 + i*2
		bias[i] = float64(binary.BigEndian.Uint16(eeprom[biasOff:biasOff+2])) * 0.002
		tx[i] = float64(binary.BigEndian.Uint16(eeprom[txOff:txOff+2])) * 0.0001
		rx[i] = float64(binary.BigEndian.Uint16(eeprom[rxOff:rxOff+2])) * 0.0001
	}

	wavelength := wavelengthFromTechnology(eeprom[0x93])

	return OpticsReading{
		TemperatureC:  temp,
		VoltageV:      volt,
		BiasCurrentMA: bias,
		TxPowerMW:     tx,
		RxPowerMW:     rx,
		WavelengthNM:  wavelength,
	}, true
}

// wavelengthFromTechnology maps the SFF-8436 device-technology nibble
// (high 4 bits of byte 0x93) to a nominal wavelength. Only the common
// fixed-wavelength laser types are covered; unrecognized codes (AOC,
// copper, tunable) return 0.
func wavelengthFromTechnology(techByte byte) float64 {
	switch techByte >> 4 {
	case 0x0: // 850nm VCSEL
		return 850
	case 0x1: // 1310nm VCSEL
		return 1310
	case 0x2: // 1550nm VCSEL
		return 1550
	case 0x3: // 1310nm FP
		return 1310
	case 0x4: // 1310nm DFB
		return 1310
	case 0x5: // 1550nm DFB
		return 1550
	case 0x6: // 1310nm EML
		return 1310
	case 0x7: // 1550nm EML
		return 1550
	default:
		return 0
	}
}
