package modbustcp

type addressRange struct {
	first, last int
	regType     RegisterType
}

// conventional 5-digit addressing: the leading digit selects the table,
// the remaining four are a 1-based offset
var conventionalRanges = []addressRange{
	{first: 1, last: 9999, regType: Coil},
	{first: 10001, last: 19999, regType: DiscreteInput},
	{first: 30001, last: 39999, regType: InputRegister},
	{first: 40001, last: 49999, regType: HoldingRegister},
}

// Resolve translates a conventional register number (e.g. 40001) into its
// register type and zero-based address.
func Resolve(conventional int) (RegisterRef, error) {
	for _, r := range conventionalRanges {
		if conventional >= r.first && conventional <= r.last {
			return RegisterRef{
				Conventional: conventional,
				Type:         r.regType,
				Address:      uint16(conventional - r.first),
			}, nil
		}
	}
	return RegisterRef{}, &AddressRangeError{Address: conventional}
}

// Explicit builds a reference for vendors that document zero-based addresses
// directly, including the extended 5/6-digit ranges.
func Explicit(regType RegisterType, address uint16) RegisterRef {
	return RegisterRef{
		Type:     regType,
		Address:  address,
		Explicit: true,
	}
}

// ResolveRef passes explicit references through unchanged and resolves
// conventional ones.
func ResolveRef(ref RegisterRef) (RegisterRef, error) {
	if ref.Explicit {
		return ref, nil
	}
	resolved, err := Resolve(ref.Conventional)
	if err != nil {
		return RegisterRef{}, err
	}
	if ref.Type != 0 && ref.Type != resolved.Type {
		// type override: keep the 4-digit offset, switch the table
		resolved.Type = ref.Type
	}
	return resolved, nil
}

// Conventional returns a not-yet-resolved reference for a conventional number.
// An optional type override keeps the offset but reads another table.
func Conventional(number int, override RegisterType) RegisterRef {
	return RegisterRef{Conventional: number, Type: override}
}
