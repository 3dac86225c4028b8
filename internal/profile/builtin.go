package profile

import (
	mb "github.com/berfenger/soc2mqtt/pkg/modbustcp"
)

func holding(addr uint16, dt mb.DataType, scale float64) mb.ReadSpec {
	return mb.NewReadSpec(mb.Explicit(mb.HoldingRegister, addr), dt, mb.HiLo, scale)
}

func input(addr uint16, dt mb.DataType, scale float64) mb.ReadSpec {
	return mb.NewReadSpec(mb.Explicit(mb.InputRegister, addr), dt, mb.HiLo, scale)
}

var FoxESS = DeviceProfile{
	Name:        "foxess",
	Description: "FoxESS hybrid inverter (H3 series)",
	Points: []Point{
		{Label: "soc", Spec: holding(37612, mb.U16, 1), Unit: "%", DeviceClass: "battery"},
		{Label: "model", Spec: holding(30000, mb.U32, 1), Format: FormatHex},
		{Label: "serial", Spec: holding(30016, mb.U32, 1), Format: FormatHex},
	},
}

var VictronGX = DeviceProfile{
	Name:          "victron-gx",
	Description:   "Victron GX system battery (com.victronenergy.system)",
	DefaultUnitId: 100,
	Points: []Point{
		{Label: "battery_voltage", Spec: holding(840, mb.U16, 0.1), Unit: "V", DeviceClass: "voltage", Precision: 1},
		{Label: "battery_current", Spec: holding(841, mb.S16, 0.1), Unit: "A", DeviceClass: "current", Precision: 1},
		{Label: "battery_power", Spec: holding(842, mb.S16, 1), Unit: "W", DeviceClass: "power"},
		{Label: "soc", Spec: holding(843, mb.U16, 1), Unit: "%", DeviceClass: "battery"},
		{Label: "battery_state", Spec: holding(844, mb.U16, 1)},
	},
}

var Solis = DeviceProfile{
	Name:        "solis",
	Description: "Solis hybrid inverter",
	Points: []Point{
		{Label: "soc", Spec: input(33139, mb.U16, 1), Unit: "%", DeviceClass: "battery"},
		{Label: "battery_charge_current", Spec: input(33143, mb.U16, 0.1), Unit: "A", DeviceClass: "current", Precision: 1},
		{Label: "battery_discharge_current", Spec: input(33144, mb.U16, 0.1), Unit: "A", DeviceClass: "current", Precision: 1},
		{Label: "inverter_temperature", Spec: input(33093, mb.S16, 0.1), Unit: "°C", DeviceClass: "temperature", Precision: 1},
	},
}

var Sigenergy = DeviceProfile{
	Name:          "sigenergy",
	Description:   "Sigenergy SigenStor plant",
	DefaultUnitId: 247,
	Points: []Point{
		{Label: "soc", Spec: input(30014, mb.U16, 0.1), Unit: "%", DeviceClass: "battery", Precision: 1},
		{Label: "grid_power", Spec: input(30005, mb.S32, 0.001), Unit: "kW", DeviceClass: "power", Precision: 3},
		{Label: "battery_power", Spec: input(30037, mb.S32, 0.001), Unit: "kW", DeviceClass: "power", Precision: 3},
		{Label: "max_charge_power", Spec: input(30064, mb.U32, 0.01), Unit: "kW", DeviceClass: "power", Precision: 2},
		{Label: "max_discharge_power", Spec: input(30066, mb.U32, 0.01), Unit: "kW", DeviceClass: "power", Precision: 2},
		{Label: "charged_energy", Spec: input(30200, mb.U64, 0.01), Unit: "kWh", DeviceClass: "energy", Precision: 2},
		{Label: "discharged_energy", Spec: input(30204, mb.U64, 0.01), Unit: "kWh", DeviceClass: "energy", Precision: 2},
	},
}

// Builtin returns a registry holding the profiles shipped with the binary.
func Builtin() *Registry {
	r, err := NewRegistry(FoxESS, VictronGX, Solis, Sigenergy)
	if err != nil {
		panic(err)
	}
	return r
}
