package profile

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/berfenger/soc2mqtt/pkg/modbustcp"
)

type Format uint8

const (
	FormatNumber Format = iota
	// FormatHex renders the raw words, used for model and serial registers
	FormatHex
)

func (f Format) String() string {
	if f == FormatHex {
		return "hex"
	}
	return "number"
}

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "number", "numeric":
		return FormatNumber, nil
	case "hex":
		return FormatHex, nil
	}
	return FormatNumber, fmt.Errorf("unknown format %q (valid: number, hex)", s)
}

// Point is one telemetry point of a device profile.
type Point struct {
	Label       string
	Spec        modbustcp.ReadSpec
	Unit        string
	DeviceClass string
	Format      Format
	Precision   int
}

// Render formats a decoded value the way the point is meant to be displayed.
func (p Point) Render(v modbustcp.DecodedValue) string {
	if p.Format == FormatHex {
		return v.Hex()
	}
	s := fmt.Sprintf("%.*f", p.Precision, v.Value)
	if p.Unit != "" {
		s += " " + p.Unit
	}
	return s
}

// DisplayName turns a snake_case label into a title ("battery_charge_current"
// becomes "Battery Charge Current").
func (p Point) DisplayName() string {
	words := strings.FieldsFunc(p.Label, func(r rune) bool { return r == '_' || r == '-' })
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// DeviceProfile is a named, ordered set of telemetry points for one device kind.
type DeviceProfile struct {
	Name        string
	Description string
	// DefaultUnitId is used when the caller does not give one; 0 means 1.
	DefaultUnitId uint8
	Points        []Point
}

func (p DeviceProfile) UnitId() uint8 {
	if p.DefaultUnitId == 0 {
		return 1
	}
	return p.DefaultUnitId
}

// Plan returns the reads a Session performs for this profile.
func (p DeviceProfile) Plan() []modbustcp.Point {
	plan := make([]modbustcp.Point, len(p.Points))
	for i, pt := range p.Points {
		plan[i] = modbustcp.Point{Label: pt.Label, Spec: pt.Spec}
	}
	return plan
}

func (p DeviceProfile) Point(label string) (Point, bool) {
	for _, pt := range p.Points {
		if pt.Label == label {
			return pt, true
		}
	}
	return Point{}, false
}

// Validate checks labels and read specs without any I/O.
func (p DeviceProfile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("profile without name")
	}
	if len(p.Points) == 0 {
		return fmt.Errorf("profile %s: no points", p.Name)
	}
	seen := make(map[string]bool, len(p.Points))
	for _, pt := range p.Points {
		if pt.Label == "" {
			return fmt.Errorf("profile %s: point without label", p.Name)
		}
		if seen[pt.Label] {
			return fmt.Errorf("profile %s: duplicated label %q", p.Name, pt.Label)
		}
		seen[pt.Label] = true
		spec := pt.Spec
		ref, err := modbustcp.ResolveRef(spec.Register)
		if err != nil {
			return fmt.Errorf("profile %s, point %s: %w", p.Name, pt.Label, err)
		}
		spec.Register = ref
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("profile %s, point %s: %w", p.Name, pt.Label, err)
		}
	}
	return nil
}

func (p DeviceProfile) clone() DeviceProfile {
	p.Points = slices.Clone(p.Points)
	return p
}

type UnknownProfileError struct {
	Name  string
	Known []string
}

func (e *UnknownProfileError) Error() string {
	return fmt.Sprintf("unknown device profile %q (known: %s)", e.Name, strings.Join(e.Known, ", "))
}

// Registry maps profile names to profiles. It is never mutated once built.
type Registry struct {
	profiles map[string]DeviceProfile
}

func NewRegistry(profiles ...DeviceProfile) (*Registry, error) {
	return (&Registry{}).Merge(profiles...)
}

// Merge returns a new registry with profiles added; a profile replaces a
// previous one with the same name.
func (r *Registry) Merge(profiles ...DeviceProfile) (*Registry, error) {
	merged := &Registry{profiles: make(map[string]DeviceProfile, len(r.profiles)+len(profiles))}
	for name, p := range r.profiles {
		merged.profiles[name] = p
	}
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		merged.profiles[strings.ToLower(p.Name)] = p.clone()
	}
	return merged, nil
}

func (r *Registry) Lookup(name string) (DeviceProfile, error) {
	p, ok := r.profiles[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return DeviceProfile{}, &UnknownProfileError{Name: name, Known: r.Names()}
	}
	return p.clone(), nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Profiles() []DeviceProfile {
	out := make([]DeviceProfile, 0, len(r.profiles))
	for _, name := range r.Names() {
		out = append(out, r.profiles[name].clone())
	}
	return out
}
