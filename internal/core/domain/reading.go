package domain

import (
	"errors"
	"time"

	"github.com/berfenger/soc2mqtt/internal/profile"
	mb "github.com/berfenger/soc2mqtt/pkg/modbustcp"
)

// DeviceReading is the outcome of one poll of a configured device.
type DeviceReading struct {
	Device         string         `json:"device"`
	Profile        string         `json:"profile"`
	Endpoint       string         `json:"endpoint"`
	UnitId         uint8          `json:"unit_id"`
	Time           time.Time      `json:"time"`
	DurationMillis int64          `json:"duration_ms"`
	Error          string         `json:"error,omitempty"`
	Entries        []EntryReading `json:"entries"`
}

type EntryReading struct {
	Label     string   `json:"label"`
	Value     *float64 `json:"value,omitempty"`
	Display   string   `json:"display,omitempty"`
	Raw       []uint16 `json:"raw,omitempty"`
	Error     string   `json:"error,omitempty"`
	ErrorKind string   `json:"error_kind,omitempty"`
}

func (r DeviceReading) Online() bool {
	return r.Error == ""
}

// Failed counts failed entries; a device that could not be reached at all
// fails every point of its profile.
func (r DeviceReading) Failed() int {
	n := 0
	for _, e := range r.Entries {
		if e.Error != "" {
			n++
		}
	}
	return n
}

func (r DeviceReading) OK() bool {
	return r.Online() && r.Failed() == 0
}

// NewDeviceReading converts a session outcome. err is the session-level
// error (configuration or connection); result may be nil when it is set.
func NewDeviceReading(name string, p profile.DeviceProfile, addr mb.DeviceAddress, start time.Time, result *mb.Result, err error) DeviceReading {
	reading := DeviceReading{
		Device:   name,
		Profile:  p.Name,
		Endpoint: addr.Endpoint(),
		UnitId:   addr.UnitId,
		Time:     start,
	}
	if err != nil {
		reading.Error = err.Error()
		reading.DurationMillis = time.Since(start).Milliseconds()
		for _, pt := range p.Points {
			reading.Entries = append(reading.Entries, EntryReading{
				Label: pt.Label,
				Error: err.Error(),
			})
		}
		return reading
	}
	if result == nil {
		return reading
	}

	reading.Time = result.StartTime
	reading.DurationMillis = result.Duration.Milliseconds()
	for _, e := range result.Entries {
		entry := EntryReading{Label: e.Label}
		if e.OK() {
			v := e.Value.Value
			entry.Value = &v
			entry.Raw = e.Value.Raw
			if pt, ok := p.Point(e.Label); ok {
				entry.Display = pt.Render(*e.Value)
			}
		} else if e.Err != nil {
			entry.Error = e.Err.Error()
			var readErr *mb.ReadError
			if errors.As(e.Err, &readErr) {
				entry.ErrorKind = readErr.Kind.String()
			}
		}
		reading.Entries = append(reading.Entries, entry)
	}
	return reading
}
