// Package peripherals maps configured peripheral types to builders. Each
// peripheral package registers its builder from init; entry points import
// the packages they support.
package peripherals

import (
	"fmt"
	"sort"
	"sync"

	"tinygo.org/x/drivers"

	"fieldlogger/component"
	"fieldlogger/errcode"
	"fieldlogger/serialreader"
	"fieldlogger/services/config"
)

// BuildInput carries one configured peripheral and the transports the board
// offers. Transports are nil when absent.
type BuildInput struct {
	ID      string
	Type    string
	Options map[string]any

	I2C    drivers.I2C
	Serial serialreader.Port
}

// Decode converts the options into a builder's parameter struct.
func (in BuildInput) Decode(out any) error {
	if len(in.Options) == 0 {
		return nil
	}
	return config.Decode(in.Options, out)
}

type Builder interface {
	Build(in BuildInput) (component.Peripheral, error)
}

// BuilderFunc adapts a function to Builder.
type BuilderFunc func(in BuildInput) (component.Peripheral, error)

func (f BuilderFunc) Build(in BuildInput) (component.Peripheral, error) { return f(in) }

var (
	mu       sync.RWMutex
	builders = map[string]Builder{}
)

func RegisterBuilder(peripheralType string, b Builder) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := builders[peripheralType]; exists {
		panic(fmt.Sprintf("peripheral builder already registered for type %q", peripheralType))
	}
	builders[peripheralType] = b
}

func Lookup(peripheralType string) (Builder, bool) {
	mu.RLock()
	defer mu.RUnlock()
	b, ok := builders[peripheralType]
	return b, ok
}

// Types lists the registered peripheral types.
func Types() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(builders))
	for t := range builders {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Build constructs every configured peripheral in order. The id defaults to
// the type.
func Build(list []config.Peripheral, i2c drivers.I2C, serial serialreader.Port) ([]component.Peripheral, error) {
	out := make([]component.Peripheral, 0, len(list))
	for _, p := range list {
		b, ok := Lookup(p.Type)
		if !ok {
			return nil, &errcode.E{C: errcode.InvalidValue, Op: "peripherals.build", Msg: "unknown type " + p.Type}
		}
		id := p.ID
		if id == "" {
			id = p.Type
		}
		c, err := b.Build(BuildInput{ID: id, Type: p.Type, Options: p.Options, I2C: i2c, Serial: serial})
		if err != nil {
			return nil, fmt.Errorf("peripheral %s: %w", id, err)
		}
		out = append(out, c)
	}
	return out, nil
}
