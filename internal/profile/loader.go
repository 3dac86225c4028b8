package profile

import (
	"fmt"
	"io"
	"os"

	mb "github.com/berfenger/soc2mqtt/pkg/modbustcp"
	"gopkg.in/yaml.v3"
)

type fileDocument struct {
	Profiles []fileProfile `yaml:"profiles"`
}

type fileProfile struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	UnitId      uint8       `yaml:"unit_id"`
	Points      []filePoint `yaml:"points"`
}

// filePoint uses either a conventional register number or an explicit
// zero-based address plus type.
type filePoint struct {
	Label       string  `yaml:"label"`
	Register    int     `yaml:"register"`
	Address     *uint16 `yaml:"address"`
	Type        string  `yaml:"type"`
	DataType    string  `yaml:"dtype"`
	WordOrder   string  `yaml:"word_order"`
	Scale       *float64 `yaml:"scale"`
	Unit        string  `yaml:"unit"`
	DeviceClass string  `yaml:"device_class"`
	Format      string  `yaml:"format"`
	Precision   int     `yaml:"precision"`
}

// LoadFile reads profiles from a YAML file.
func LoadFile(path string) ([]DeviceProfile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	profiles, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return profiles, nil
}

func Load(r io.Reader) ([]DeviceProfile, error) {
	var doc fileDocument
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, err
	}

	profiles := make([]DeviceProfile, 0, len(doc.Profiles))
	for _, fp := range doc.Profiles {
		p, err := fp.toProfile()
		if err != nil {
			return nil, err
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

func (fp fileProfile) toProfile() (DeviceProfile, error) {
	p := DeviceProfile{
		Name:          fp.Name,
		Description:   fp.Description,
		DefaultUnitId: fp.UnitId,
		Points:        make([]Point, 0, len(fp.Points)),
	}
	for _, pt := range fp.Points {
		point, err := pt.toPoint()
		if err != nil {
			return DeviceProfile{}, fmt.Errorf("profile %s, point %s: %w", fp.Name, pt.Label, err)
		}
		p.Points = append(p.Points, point)
	}
	return p, nil
}

func (fp filePoint) toPoint() (Point, error) {
	var regType mb.RegisterType
	if fp.Type != "" {
		t, err := mb.ParseRegisterType(fp.Type)
		if err != nil {
			return Point{}, err
		}
		regType = t
	}

	var ref mb.RegisterRef
	switch {
	case fp.Address != nil && fp.Register != 0:
		return Point{}, fmt.Errorf("register and address are mutually exclusive")
	case fp.Address != nil:
		if regType == 0 {
			return Point{}, fmt.Errorf("explicit address needs a register type")
		}
		ref = mb.Explicit(regType, *fp.Address)
	default:
		ref = mb.Conventional(fp.Register, regType)
	}

	dataType := mb.U16
	if fp.DataType != "" {
		dt, err := mb.ParseDataType(fp.DataType)
		if err != nil {
			return Point{}, err
		}
		dataType = dt
	}
	order, err := mb.ParseWordOrder(fp.WordOrder)
	if err != nil {
		return Point{}, err
	}
	format, err := ParseFormat(fp.Format)
	if err != nil {
		return Point{}, err
	}
	scale := 1.0
	if fp.Scale != nil {
		scale = *fp.Scale
	}

	return Point{
		Label:       fp.Label,
		Spec:        mb.NewReadSpec(ref, dataType, order, scale),
		Unit:        fp.Unit,
		DeviceClass: fp.DeviceClass,
		Format:      format,
		Precision:   fp.Precision,
	}, nil
}

// LoadRegistry returns the builtin profiles, extended or overridden by the
// profiles of path when it is not empty.
func LoadRegistry(path string) (*Registry, error) {
	registry := Builtin()
	if path == "" {
		return registry, nil
	}
	profiles, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return registry.Merge(profiles...)
}
