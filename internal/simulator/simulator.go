package simulator

import (
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/berfenger/soc2mqtt/internal/profile"
	mb "github.com/berfenger/soc2mqtt/pkg/modbustcp"
	"github.com/simonvetter/modbus"
	"go.uber.org/zap"
)

// Simulator is an in-memory Modbus TCP device. It answers read requests
// from its register tables and rejects every write.
type Simulator struct {
	logger *zap.Logger
	// UnitId restricts answers to one unit; 0 answers every unit
	UnitId uint8

	mu         sync.RWMutex
	tables     map[mb.RegisterType]map[uint16]uint16
	exceptions map[mb.RegisterType]map[uint16]uint8
	delay      time.Duration
	requests   int

	server *modbus.ModbusServer
	addr   mb.DeviceAddress
}

func New(logger *zap.Logger) *Simulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Simulator{
		logger:     logger,
		tables:     map[mb.RegisterType]map[uint16]uint16{},
		exceptions: map[mb.RegisterType]map[uint16]uint8{},
	}
}

func (s *Simulator) SetWords(regType mb.RegisterType, address uint16, words ...uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tables[regType] == nil {
		s.tables[regType] = map[uint16]uint16{}
	}
	for i, w := range words {
		s.tables[regType][address+uint16(i)] = w
	}
}

// SetValue stores value so that reading spec decodes back to it.
func (s *Simulator) SetValue(spec mb.ReadSpec, value float64) error {
	ref, err := mb.ResolveRef(spec.Register)
	if err != nil {
		return err
	}
	spec.Register = ref
	if err := spec.Validate(); err != nil {
		return err
	}
	raw := value / spec.Scale

	var bits uint64
	switch spec.DataType {
	case mb.F32:
		bits = uint64(math.Float32bits(float32(raw)))
	case mb.F64:
		bits = math.Float64bits(raw)
	case mb.S16, mb.S32, mb.S64:
		bits = uint64(int64(math.Round(raw)))
	default:
		if raw < 0 {
			return fmt.Errorf("negative value %v for unsigned %s", value, spec.DataType)
		}
		bits = uint64(math.Round(raw))
	}
	words := mb.EncodeWords(bits, spec.DataType, spec.WordOrder)
	if ref.Type.IsBit() && words[0] > 1 {
		words[0] = 1
	}
	s.SetWords(ref.Type, ref.Address, words...)
	return nil
}

// Seed stores values by label for the points of p. Points without a value
// are left unset and answer with an illegal data address exception.
func (s *Simulator) Seed(p profile.DeviceProfile, values map[string]float64) error {
	for label, v := range values {
		pt, ok := p.Point(label)
		if !ok {
			return fmt.Errorf("profile %s has no point %q", p.Name, label)
		}
		if err := s.SetValue(pt.Spec, v); err != nil {
			return fmt.Errorf("point %s: %w", label, err)
		}
	}
	return nil
}

// Fail makes reads touching address answer with an exception code.
func (s *Simulator) Fail(regType mb.RegisterType, address uint16, code uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exceptions[regType] == nil {
		s.exceptions[regType] = map[uint16]uint8{}
	}
	s.exceptions[regType][address] = code
}

func (s *Simulator) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exceptions = map[mb.RegisterType]map[uint16]uint8{}
}

// SetDelay holds every answer back, to provoke client timeouts.
func (s *Simulator) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

func (s *Simulator) Requests() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.requests
}

// Start serves on listen ("host:port"); port 0 picks a free port.
func (s *Simulator) Start(listen string) error {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return err
	}
	if port == "" || port == "0" {
		free, err := freePort(host)
		if err != nil {
			return err
		}
		port = strconv.Itoa(free)
	}
	endpoint := net.JoinHostPort(host, port)

	server, err := modbus.NewServer(&modbus.ServerConfiguration{
		URL:        "tcp://" + endpoint,
		Timeout:    30 * time.Second,
		MaxClients: 8,
	}, s)
	if err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		return err
	}
	p, _ := strconv.Atoi(port)
	s.server = server
	s.addr = mb.DeviceAddress{Host: host, Port: uint(p), UnitId: s.UnitId}
	s.logger.Info("simulator listening", zap.String("endpoint", endpoint), zap.Uint8("unit_id", s.UnitId))
	return nil
}

// Addr is the address clients use to reach the simulator.
func (s *Simulator) Addr() mb.DeviceAddress {
	return s.addr
}

func (s *Simulator) Stop() error {
	if s.server == nil {
		return nil
	}
	err := s.server.Stop()
	s.server = nil
	return err
}

func (s *Simulator) HandleCoils(req *modbus.CoilsRequest) ([]bool, error) {
	if req.IsWrite {
		return nil, modbus.ErrIllegalFunction
	}
	words, err := s.read(req.UnitId, mb.Coil, req.Addr, req.Quantity)
	if err != nil {
		return nil, err
	}
	return toBools(words), nil
}

func (s *Simulator) HandleDiscreteInputs(req *modbus.DiscreteInputsRequest) ([]bool, error) {
	words, err := s.read(req.UnitId, mb.DiscreteInput, req.Addr, req.Quantity)
	if err != nil {
		return nil, err
	}
	return toBools(words), nil
}

func (s *Simulator) HandleHoldingRegisters(req *modbus.HoldingRegistersRequest) ([]uint16, error) {
	if req.IsWrite {
		return nil, modbus.ErrIllegalFunction
	}
	return s.read(req.UnitId, mb.HoldingRegister, req.Addr, req.Quantity)
}

func (s *Simulator) HandleInputRegisters(req *modbus.InputRegistersRequest) ([]uint16, error) {
	return s.read(req.UnitId, mb.InputRegister, req.Addr, req.Quantity)
}

func (s *Simulator) read(unitId uint8, regType mb.RegisterType, address uint16, quantity uint16) ([]uint16, error) {
	s.mu.Lock()
	s.requests++
	delay := s.delay
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.UnitId != 0 && unitId != s.UnitId {
		return nil, modbus.ErrGWTargetFailedToRespond
	}
	out := make([]uint16, quantity)
	for i := range out {
		addr := address + uint16(i)
		if code, ok := s.exceptions[regType][addr]; ok {
			s.logger.Debug("simulator exception", zap.Stringer("type", regType), zap.Uint16("address", addr), zap.Uint8("code", code))
			return nil, exceptionError(code)
		}
		w, ok := s.tables[regType][addr]
		if !ok {
			return nil, modbus.ErrIllegalDataAddress
		}
		out[i] = w
	}
	return out, nil
}

func toBools(words []uint16) []bool {
	out := make([]bool, len(words))
	for i, w := range words {
		out[i] = w != 0
	}
	return out
}

func exceptionError(code uint8) error {
	switch code {
	case mb.EX_ILLEGAL_FUNCTION:
		return modbus.ErrIllegalFunction
	case mb.EX_ILLEGAL_DATA_ADDRESS:
		return modbus.ErrIllegalDataAddress
	case mb.EX_ILLEGAL_DATA_VALUE:
		return modbus.ErrIllegalDataValue
	case mb.EX_SERVER_DEVICE_FAILURE:
		return modbus.ErrServerDeviceFailure
	case mb.EX_ACKNOWLEDGE:
		return modbus.ErrAcknowledge
	case mb.EX_SERVER_DEVICE_BUSY:
		return modbus.ErrServerDeviceBusy
	case mb.EX_MEMORY_PARITY_ERROR:
		return modbus.ErrMemoryParityError
	case mb.EX_GW_PATH_UNAVAILABLE:
		return modbus.ErrGWPathUnavailable
	case mb.EX_GW_TARGET_FAILED_TO_RESPOND:
		return modbus.ErrGWTargetFailedToRespond
	}
	return modbus.ErrServerDeviceFailure
}

func freePort(host string) (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	addr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		return 0, errors.New("not a tcp listener")
	}
	return addr.Port, nil
}
