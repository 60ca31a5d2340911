package stservo

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// Register represents a servo control table register.
type Register struct {
	Address  byte
	Size     int // 1, 2 or 4 bytes
	ReadOnly bool
	// SignBit indicates which bit is the sign bit for sign-magnitude encoding.
	// 0 means no sign-magnitude encoding.
	SignBit int
}

// STS series control table.
var (
	RegFirmwareMajor   = Register{Address: 0, Size: 1, ReadOnly: true}
	RegFirmwareMinor   = Register{Address: 1, Size: 1, ReadOnly: true}
	RegModelNumber     = Register{Address: 3, Size: 2, ReadOnly: true}
	RegID              = Register{Address: 5, Size: 1}
	RegBaudRate        = Register{Address: 6, Size: 1}
	RegReturnDelay     = Register{Address: 7, Size: 1}
	RegMinAngleLimit   = Register{Address: 9, Size: 2}
	RegMaxAngleLimit   = Register{Address: 11, Size: 2}
	RegCWDeadband      = Register{Address: 26, Size: 1}
	RegCCWDeadband     = Register{Address: 27, Size: 1}
	RegPositionOffset  = Register{Address: 31, Size: 2, SignBit: 11}
	RegOperatingMode   = Register{Address: 33, Size: 1}

	// SRAM
	RegTorqueEnable = Register{Address: 40, Size: 1}
	RegAcceleration = Register{Address: 41, Size: 1}
	RegGoalPosition = Register{Address: 42, Size: 2}
	RegGoalTime     = Register{Address: 44, Size: 2}
	RegGoalSpeed    = Register{Address: 46, Size: 2, SignBit: 15}
	RegTorqueLimit  = Register{Address: 48, Size: 2}
	RegLock         = Register{Address: 55, Size: 1}

	// Feedback
	RegPresentPosition    = Register{Address: 56, Size: 2, ReadOnly: true}
	RegPresentSpeed       = Register{Address: 58, Size: 2, ReadOnly: true, SignBit: 15}
	RegPresentLoad        = Register{Address: 60, Size: 2, ReadOnly: true, SignBit: 10}
	RegPresentVoltage     = Register{Address: 62, Size: 1, ReadOnly: true}
	RegPresentTemperature = Register{Address: 63, Size: 1, ReadOnly: true}
	RegMoving             = Register{Address: 66, Size: 1, ReadOnly: true}
	RegPresentCurrent     = Register{Address: 69, Size: 2, ReadOnly: true, SignBit: 15}
)

// Operating modes.
const (
	ModePosition = 0
	ModeWheel    = 1
	ModePWM      = 2
	ModeStep     = 3
)

// Position limits for position mode.
const (
	MinPosition = 0
	MaxPosition = 4095
)

// RegisterMap maps register names to their definitions.
type RegisterMap map[string]Register

// DefaultRegisterMap returns the STS control table keyed by name.
func DefaultRegisterMap() RegisterMap {
	return RegisterMap{
		"firmware_major":   RegFirmwareMajor,
		"firmware_minor":   RegFirmwareMinor,
		"model_number":     RegModelNumber,
		"id":               RegID,
		"baud_rate":        RegBaudRate,
		"return_delay":     RegReturnDelay,
		"min_angle_limit":  RegMinAngleLimit,
		"max_angle_limit":  RegMaxAngleLimit,
		"cw_deadband":      RegCWDeadband,
		"ccw_deadband":     RegCCWDeadband,
		"position_offset":  RegPositionOffset,
		"mode":             RegOperatingMode,
		"torque_enable":    RegTorqueEnable,
		"acceleration":     RegAcceleration,
		"goal_position":    RegGoalPosition,
		"goal_time":        RegGoalTime,
		"goal_speed":       RegGoalSpeed,
		"torque_limit":     RegTorqueLimit,
		"lock":             RegLock,
		"present_position": RegPresentPosition,
		"present_speed":    RegPresentSpeed,
		"present_load":     RegPresentLoad,
		"voltage":          RegPresentVoltage,
		"temperature":      RegPresentTemperature,
		"moving":           RegMoving,
		"current":          RegPresentCurrent,
	}
}

// Lookup returns the register for name.
func (m RegisterMap) Lookup(name string) (Register, bool) {
	reg, ok := m[name]
	return reg, ok
}

// Names returns the register names in address order.
func (m RegisterMap) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := m[names[i]], m[names[j]]
		if a.Address != b.Address {
			return a.Address < b.Address
		}
		return names[i] < names[j]
	})
	return names
}

type yamlRegister struct {
	Address  *int `yaml:"address"`
	Size     int  `yaml:"size"`
	ReadOnly bool `yaml:"read_only"`
	SignBit  int  `yaml:"sign_bit"`
}

// ParseRegisterMap decodes a YAML register table of the form
//
//	present_position: {address: 56, size: 2, read_only: true}
//
// The result holds only the registers the document names.
func ParseRegisterMap(data []byte) (RegisterMap, error) {
	var raw map[string]yamlRegister
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse register map: %w", err)
	}

	m := make(RegisterMap, len(raw))
	for name, r := range raw {
		if r.Address == nil {
			return nil, fmt.Errorf("register %q: address is required", name)
		}
		if *r.Address < 0 || *r.Address+r.Size > 256 {
			return nil, fmt.Errorf("register %q: address %d out of range", name, *r.Address)
		}
		if r.Size != 1 && r.Size != 2 && r.Size != 4 {
			return nil, fmt.Errorf("register %q: %w: %d", name, ErrInvalidWidth, r.Size)
		}
		if r.SignBit < 0 || r.SignBit >= r.Size*8 {
			return nil, fmt.Errorf("register %q: sign bit %d outside %d-byte value", name, r.SignBit, r.Size)
		}
		m[name] = Register{
			Address:  byte(*r.Address),
			Size:     r.Size,
			ReadOnly: r.ReadOnly,
			SignBit:  r.SignBit,
		}
	}
	return m, nil
}

// Model represents a servo model specification.
type Model struct {
	Name        string
	Number      int // Model number returned by ping
	Protocol    int // ProtocolSTS or ProtocolSCS
	Resolution  int // Position resolution in steps
	MaxPosition int

	// BaudRates lists supported baud rates in register index order.
	BaudRates []int
}

// DefaultBaudRates for most Feetech servos.
var DefaultBaudRates = []int{
	1000000, // 0
	500000,  // 1
	250000,  // 2
	128000,  // 3
	115200,  // 4
	76800,   // 5
	57600,   // 6
	38400,   // 7
}

// Predefined servo models.
var (
	ModelSTS3215 = Model{
		Name:        "sts3215",
		Number:      777,
		Protocol:    ProtocolSTS,
		Resolution:  4096,
		MaxPosition: 4095,
		BaudRates:   DefaultBaudRates,
	}

	ModelSTS3250 = Model{
		Name:        "sts3250",
		Number:      1540,
		Protocol:    ProtocolSTS,
		Resolution:  4096,
		MaxPosition: 4095,
		BaudRates:   DefaultBaudRates,
	}

	ModelSCS0009 = Model{
		Name:        "scs0009",
		Number:      9,
		Protocol:    ProtocolSCS,
		Resolution:  1024,
		MaxPosition: 1023,
		BaudRates:   DefaultBaudRates,
	}
)

var modelsByNumber = map[int]*Model{
	ModelSTS3215.Number: &ModelSTS3215,
	ModelSTS3250.Number: &ModelSTS3250,
	ModelSCS0009.Number: &ModelSCS0009,
}

// ModelByNumber returns a model by its hardware model number.
func ModelByNumber(number int) (*Model, bool) {
	m, ok := modelsByNumber[number]
	return m, ok
}

// BaudRateIndex returns the register index for a baud rate, or -1 if not supported.
// A nil model or one without its own table uses DefaultBaudRates.
func (m *Model) BaudRateIndex(baudRate int) int {
	rates := DefaultBaudRates
	if m != nil && len(m.BaudRates) > 0 {
		rates = m.BaudRates
	}
	for i, rate := range rates {
		if rate == baudRate {
			return i
		}
	}
	return -1
}
