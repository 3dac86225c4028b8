package domain

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"github.com/berfenger/soc2mqtt/internal/profile"

	"github.com/carlmjohnson/versioninfo"
)

const (
	SENSOR_ID_BRIDGE_STATE       = "bridge"
	SENSOR_SUFFIX_ONLINE         = "online"
	SENSOR_SUFFIX_FAILED_READS   = "failed_reads"
	STATE_CLASS_MEASUREMENT      = "measurement"
	STATE_CLASS_TOTAL_INCREASING = "total_increasing"
	DEVICE_CLASS_ENERGY          = "energy"
	DEVICE_CLASS_CONNECTIVITY    = "connectivity"
	ENTITY_CLASS_DIAGNOSTIC      = "diagnostic"
	SENSOR_TYPE_SENSOR           = "sensor"
	SENSOR_TYPE_BINARY           = "binary_sensor"
)

func BridgeDevice(baseTopic string) Device {
	return Device{
		Id:           fmt.Sprintf("soc2mqtt_bridge_%s", md5HashShort(baseTopic)),
		Manufacturer: "soc2mqtt",
		Model:        "Modbus TCP bridge",
		Version:      versioninfo.Short(),
		Name:         fmt.Sprintf("soc2mqtt %s", md5HashShort(baseTopic)),
	}
}

func BridgeSensors(bridgeDevice Device) []GenericSensor {
	return []GenericSensor{{
		Device:         bridgeDevice,
		Id:             SENSOR_ID_BRIDGE_STATE,
		SensorType:     SENSOR_TYPE_BINARY,
		Name:           "Connection state",
		DeviceClass:    DEVICE_CLASS_CONNECTIVITY,
		EntityCategory: ENTITY_CLASS_DIAGNOSTIC,
		UniqueId:       uniqueId(bridgeDevice.Id, SENSOR_ID_BRIDGE_STATE),
	}}
}

// ProfileDevice is the Home Assistant device of a polled target.
func ProfileDevice(baseTopic, name string, p profile.DeviceProfile) Device {
	return Device{
		Id:    fmt.Sprintf("soc_%s_%s", name, md5HashShort(baseTopic+"/"+name)),
		Model: p.Description,
		Name:  name,
	}
}

func IdDevice(device Device) Device {
	return Device{
		Id:   device.Id,
		Name: device.Name,
	}
}

func SensorId(deviceName, label string) string {
	return fmt.Sprintf("%s_%s", deviceName, label)
}

// ProfileSensors describes one sensor per profile point plus the
// diagnostic sensors of the device.
func ProfileSensors(device Device, deviceName string, p profile.DeviceProfile) []GenericSensor {
	var sensors []GenericSensor

	for _, pt := range p.Points {
		id := SensorId(deviceName, pt.Label)
		sensor := GenericSensor{
			Device:            device,
			Id:                id,
			SensorType:        SENSOR_TYPE_SENSOR,
			Name:              pt.DisplayName(),
			UnitOfMeasurement: pt.Unit,
			DeviceClass:       pt.DeviceClass,
			UniqueId:          uniqueId(device.Id, id),
		}
		switch {
		case pt.Format == profile.FormatHex:
			sensor.EntityCategory = ENTITY_CLASS_DIAGNOSTIC
		case pt.DeviceClass == DEVICE_CLASS_ENERGY:
			sensor.StateClass = STATE_CLASS_TOTAL_INCREASING
		default:
			sensor.StateClass = STATE_CLASS_MEASUREMENT
		}
		sensors = append(sensors, sensor)
	}

	onlineId := SensorId(deviceName, SENSOR_SUFFIX_ONLINE)
	sensors = append(sensors, GenericSensor{
		Device:         device,
		Id:             onlineId,
		SensorType:     SENSOR_TYPE_BINARY,
		Name:           "Modbus connection",
		DeviceClass:    DEVICE_CLASS_CONNECTIVITY,
		EntityCategory: ENTITY_CLASS_DIAGNOSTIC,
		UniqueId:       uniqueId(device.Id, onlineId),
	})

	failedId := SensorId(deviceName, SENSOR_SUFFIX_FAILED_READS)
	sensors = append(sensors, GenericSensor{
		Device:           device,
		Id:               failedId,
		SensorType:       SENSOR_TYPE_SENSOR,
		Name:             "Failed reads",
		StateClass:       STATE_CLASS_MEASUREMENT,
		EntityCategory:   ENTITY_CLASS_DIAGNOSTIC,
		EnabledByDefault: optionalBool(false),
		UniqueId:         uniqueId(device.Id, failedId),
		Icon:             "mdi:alert-circle-outline",
	})

	return sensors
}

// ReadingEvents turns a poll into sensor updates. Failed entries publish
// nothing so the last good value stays on the broker.
func ReadingEvents(reading DeviceReading, p profile.DeviceProfile) []SensorUpdateEvent {
	var events []SensorUpdateEvent

	for _, e := range reading.Entries {
		if e.Value == nil {
			continue
		}
		id := SensorId(reading.Device, e.Label)
		pt, _ := p.Point(e.Label)
		if pt.Format == profile.FormatHex {
			events = append(events, TextSensorUpdateEvent{
				SensorUpdateEventMixIn: SensorUpdateEventMixIn{Id: id},
				Value:                  e.Display,
			})
			continue
		}
		events = append(events, FloatSensorUpdateEvent{
			SensorUpdateEventMixIn: SensorUpdateEventMixIn{Id: id},
			Value:                  *e.Value,
			Decimals:               uint(max(pt.Precision, 0)),
		})
	}

	events = append(events, BinarySensorUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{Id: SensorId(reading.Device, SENSOR_SUFFIX_ONLINE)},
		Value:                  reading.Online(),
	})
	events = append(events, FloatSensorUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{Id: SensorId(reading.Device, SENSOR_SUFFIX_FAILED_READS)},
		Value:                  float64(reading.Failed()),
	})

	return events
}

func uniqueId(baseId, id string) string {
	return fmt.Sprintf("uid_%s_%s", baseId, id)
}

func md5Hash(text string) string {
	hash := md5.Sum([]byte(text))
	return hex.EncodeToString(hash[:])
}

func md5HashShort(text string) string {
	hash := md5Hash(text)
	return hash[0:8]
}

func optionalBool(value bool) *bool {
	return &value
}
