package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/berfenger/soc2mqtt/internal/profile"
	mb "github.com/berfenger/soc2mqtt/pkg/modbustcp"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	ENV_PREFIX   = "socread"
	ADHOC_PREFIX = "reg"

	DEFAULT_TIMEOUT     = 5 * time.Second
	DEFAULT_ATTEMPTS    = 3
	DEFAULT_RETRY_DELAY = 200 * time.Millisecond
	DEFAULT_DEADLINE    = 30 * time.Second

	// GX devices answer fast or not at all
	VICTRON_TIMEOUT  = 2 * time.Second
	VICTRON_ATTEMPTS = 2
)

// Options is one socread invocation.
type Options struct {
	Host         string
	Port         uint
	Unit         uint
	UnitSet      bool
	Profile      string
	Register     int
	Type         string
	Address      int
	Count        int
	DataType     string
	WordOrder    string
	Scale        float64
	Timeout      time.Duration
	Retries      int
	RetryDelay   time.Duration
	Deadline     time.Duration
	Driver       string
	ProfilesFile string
	ListProfiles bool
	JSON         bool
	Debug        bool
	Version      bool

	// flags given explicitly; profile defaults never override them
	changed map[string]bool
}

func NewFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("socread", pflag.ContinueOnError)
	fs.SortFlags = false
	fs.String("host", "127.0.0.1", "Modbus TCP host")
	fs.Uint("port", mb.DEFAULT_PORT, "Modbus TCP port")
	fs.Uint("unit", 1, "unit (slave) id, 0..255; defaults to the profile unit id")
	fs.String("profile", "", "named device profile")
	fs.Int("register", 0, "conventional register number (e.g. 40001, 30001)")
	fs.String("type", "", "register type override: coil|discrete|input|holding")
	fs.Int("address", -1, "explicit zero-based address, read from --type (default holding)")
	fs.Int("count", 1, "number of consecutive values to read")
	fs.String("dtype", "u16", "data type: u16|s16|u32|s32|u64|s64|f32|f64")
	fs.String("word-order", "hilo", "word order of multi-register values: hilo|lohi")
	fs.Float64("scale", 1.0, "non-zero scale applied to the raw value")
	fs.Duration("timeout", DEFAULT_TIMEOUT, "per-request timeout")
	fs.Int("retries", DEFAULT_ATTEMPTS, "attempts per read, including the first one")
	fs.Duration("retry-delay", DEFAULT_RETRY_DELAY, "wait between attempts")
	fs.Duration("deadline", DEFAULT_DEADLINE, "overall deadline of the run")
	fs.String("driver", mb.DRIVER_NATIVE, "modbus client: "+strings.Join(mb.Drivers, "|"))
	fs.String("profiles-file", "", "YAML file with extra device profiles")
	fs.Bool("list-profiles", false, "list known profiles and exit")
	fs.Bool("json", false, "print the reading as JSON")
	fs.Bool("debug", false, "debug logging and raw register output")
	fs.Bool("version", false, "print version and exit")
	return fs
}

// ParseOptions parses args and binds the flags into a dedicated viper
// instance, so SOCREAD_* environment variables work as defaults.
func ParseOptions(args []string) (*Options, error) {
	fs := NewFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(ENV_PREFIX)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}

	o := &Options{
		Host:         v.GetString("host"),
		Port:         v.GetUint("port"),
		Unit:         v.GetUint("unit"),
		Profile:      v.GetString("profile"),
		Register:     v.GetInt("register"),
		Type:         v.GetString("type"),
		Address:      v.GetInt("address"),
		Count:        v.GetInt("count"),
		DataType:     v.GetString("dtype"),
		WordOrder:    v.GetString("word-order"),
		Scale:        v.GetFloat64("scale"),
		Timeout:      v.GetDuration("timeout"),
		Retries:      v.GetInt("retries"),
		RetryDelay:   v.GetDuration("retry-delay"),
		Deadline:     v.GetDuration("deadline"),
		Driver:       v.GetString("driver"),
		ProfilesFile: v.GetString("profiles-file"),
		ListProfiles: v.GetBool("list-profiles"),
		JSON:         v.GetBool("json"),
		Debug:        v.GetBool("debug"),
		Version:      v.GetBool("version"),
		changed:      map[string]bool{},
	}
	for _, name := range []string{"unit", "timeout", "retries", "retry-delay"} {
		_, inEnv := os.LookupEnv(envName(name))
		o.changed[name] = fs.Changed(name) || inEnv
	}
	o.UnitSet = o.changed["unit"]
	return o, nil
}

func envName(flag string) string {
	return strings.ToUpper(ENV_PREFIX + "_" + strings.ReplaceAll(flag, "-", "_"))
}

// Plan is what a run needs once flags and profile defaults are merged.
type Plan struct {
	Address mb.DeviceAddress
	Profile profile.DeviceProfile
	Policy  mb.RetryPolicy
	Timeout time.Duration
}

// Plan resolves the device address, the points to read and the retry
// policy. It never does network I/O.
func (o *Options) Plan(registry *profile.Registry) (*Plan, error) {
	if o.Port == 0 || o.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", o.Port)
	}
	if o.Unit > 255 {
		return nil, fmt.Errorf("invalid unit id %d, must be 0..255", o.Unit)
	}

	var p profile.DeviceProfile
	var err error
	if o.Profile != "" {
		if o.Register != 0 || o.Address >= 0 {
			return nil, errors.New("--profile cannot be combined with --register or --address")
		}
		p, err = registry.Lookup(o.Profile)
	} else {
		p, err = o.adHocProfile()
	}
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		Address: mb.DeviceAddress{Host: o.Host, Port: o.Port, UnitId: p.UnitId()},
		Profile: p,
		Timeout: o.Timeout,
		Policy:  mb.RetryPolicy{MaxAttempts: o.Retries, Backoff: []time.Duration{o.RetryDelay}},
	}
	if o.UnitSet || o.Profile == "" {
		plan.Address.UnitId = uint8(o.Unit)
	}
	if p.Name == profile.VictronGX.Name {
		if !o.changed["timeout"] {
			plan.Timeout = VICTRON_TIMEOUT
		}
		if !o.changed["retries"] {
			plan.Policy.MaxAttempts = VICTRON_ATTEMPTS
		}
	}
	if err := plan.Policy.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

// adHocProfile turns the register flags into a one-off profile with count
// consecutive values.
func (o *Options) adHocProfile() (profile.DeviceProfile, error) {
	p := profile.DeviceProfile{Name: "adhoc", Description: "ad-hoc read"}

	dataType, err := mb.ParseDataType(o.DataType)
	if err != nil {
		return p, err
	}
	order, err := mb.ParseWordOrder(o.WordOrder)
	if err != nil {
		return p, err
	}
	var override mb.RegisterType
	if o.Type != "" {
		if override, err = mb.ParseRegisterType(o.Type); err != nil {
			return p, err
		}
	}
	if o.Count < 1 {
		return p, fmt.Errorf("invalid count %d", o.Count)
	}

	words := int(dataType.Words())
	for i := 0; i < o.Count; i++ {
		var ref mb.RegisterRef
		var label string
		switch {
		case o.Address >= 0:
			regType := override
			if regType == 0 {
				regType = mb.HoldingRegister
			}
			address := o.Address + i*words
			if address > 0xFFFF {
				return p, &mb.AddressRangeError{Address: address}
			}
			ref = mb.Explicit(regType, uint16(address))
			label = fmt.Sprintf("%s_%s_%d", ADHOC_PREFIX, regType, address)
		case o.Register != 0:
			number := o.Register + i*words
			ref = mb.Conventional(number, override)
			label = fmt.Sprintf("%s_%d", ADHOC_PREFIX, number)
		default:
			return p, errors.New("one of --profile, --register or --address is required")
		}
		p.Points = append(p.Points, profile.Point{
			Label:     label,
			Spec:      mb.NewReadSpec(ref, dataType, order, o.Scale),
			Precision: precision(o.Scale),
		})
	}
	return p, p.Validate()
}

// precision shows as many decimals as the scale introduces.
func precision(scale float64) int {
	n := 0
	for s := scale; n < 6 && s != float64(int64(s)); s *= 10 {
		n++
	}
	return n
}
