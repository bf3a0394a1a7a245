// Copyright hostmon authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package netiface

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSFF8472(t *testing.T) {
	eeprom := make([]byte, 512)
	binary.BigEndian.PutUint16(eeprom[60:62], 1310) // wavelength, A0h page

	diag := eeprom[sff8472DiagOffset:]
	binary.BigEndian.PutUint16(diag[96:98], uint16(int16(25*256)))
	binary.BigEndian.PutUint16(diag[98:100], 33000) // 3.3000V
	binary.BigEndian.PutUint16(diag[100:102], 5000) // 10mA
	binary.BigEndian.PutUint16(diag[102:104], 5000)
	binary.BigEndian.PutUint16(diag[104:106], 5000)

	reading, ok := decodeSFF8472(eeprom)
	require.True(t, ok)
	assert.InDelta(t, 25.0, reading.TemperatureC, 0.01)
	assert.InDelta(t, 3.3, reading.VoltageV, 0.01)
	assert.InDelta(t, 1310, reading.WavelengthNM, 0.01)
	require.Len(t, reading.BiasCurrentMA, 1)
	assert.InDelta(t, 10.0, reading.BiasCurrentMA[0], 0.01)
}

func TestDecodeSFF8472AppliesExternalCalibration(t *testing.T) {
	eeprom := make([]byte, 512)
	eeprom[92] = 0x10 // externally calibrated

	diag := eeprom[sff8472DiagOffset:]
	// Raw A/D readings.
	binary.BigEndian.PutUint16(diag[96:98], 1000)   // temperature
	binary.BigEndian.PutUint16(diag[100:102], 2000) // tx bias
	binary.BigEndian.PutUint16(diag[104:106], 300)  // rx power

	// Bias slope 2.0, offset +100: calibrated bias = 2*2000+100 = 4100.
	diag[76] = 2
	binary.BigEndian.PutUint16(diag[78:80], 100)
	// Temperature slope 1.5, offset -200: 1.5*1000-200 = 1300.
	diag[84], diag[85] = 1, 0x80
	tempOffset := int16(-200)
	binary.BigEndian.PutUint16(diag[86:88], uint16(tempOffset))
	// RX power polynomial reduced to identity: Rx_PWR(1) = 1.0.
	binary.BigEndian.PutUint32(diag[68:72], math.Float32bits(1.0))

	reading, ok := decodeSFF8472(eeprom)
	require.True(t, ok)
	assert.InDelta(t, 4100*0.002, reading.BiasCurrentMA[0], 0.01)
	assert.InDelta(t, 1300.0/256.0, reading.TemperatureC, 0.01)
	assert.InDelta(t, 300*0.0001, reading.RxPowerMW[0], 0.0001)
}

func TestDecodeSFF8472TooShort(t *testing.T) {
	// A lone A0h page (no A2h diagnostics) cannot be decoded.
	_, ok := decodeSFF8472(make([]byte, 256))
	assert.False(t, ok)
}

func TestDecodeSFF8436(t *testing.T) {
	eeprom := make([]byte, 0x100)
	eeprom[0x93] = 0x50 // technology nibble 5 => 1550nm DFB
	binary.BigEndian.PutUint16(eeprom[0x16:0x18], uint16(int16(40*256)))
	binary.BigEndian.PutUint16(eeprom[0x1A:0x1C], 33000)

	reading, ok := decodeSFF8436(eeprom)
	require.True(t, ok)
	assert.InDelta(t, 40.0, reading.TemperatureC, 0.01)
	assert.Equal(t, float64(1550), reading.WavelengthNM)
	assert.Len(t, reading.BiasCurrentMA, 4)
	assert.Len(t, reading.TxPowerMW, 4)
	assert.Len(t, reading.RxPowerMW, 4)
}

func TestWavelengthFromTechnologyUnknownReturnsZero(t *testing.T) {
	assert.Equal(t, float64(0), wavelengthFromTechnology(0xF0))
}
