package ccsweep

// selector.go resolves a congestion-control variant name to the token every
// iteration of a sweep hands the run engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/iti/ccsweep/netsim"
)

// Variant enumerates the built-in congestion-control variants
type Variant int

const (
	UnknownVariant Variant = iota
	Westwood
	WestwoodPlus
	Vegas
	Veno
)

var variantNames = map[Variant]string{Westwood: "Westwood", WestwoodPlus: "WestwoodPlus",
	Vegas: "Vegas", Veno: "Veno"}

func (v Variant) String() string {
	name, present := variantNames[v]
	if !present {
		return "Unknown"
	}
	return name
}

// VariantFromStr maps a name, or its "Tcp" or "ns3::Tcp" prefixed form, to a built-in variant
func VariantFromStr(name string) Variant {
	name = strings.TrimPrefix(name, "ns3::")
	name = strings.TrimPrefix(name, "Tcp")
	for v, vName := range variantNames {
		if vName == name {
			return v
		}
	}
	return UnknownVariant
}

// token gives the engine configuration of a built-in variant. Westwood and
// WestwoodPlus are one engine type told apart by the sub-mode.
func (v Variant) token() netsim.Congestion {
	switch v {
	case Westwood, WestwoodPlus:
		subMode := "WESTWOOD"
		if v == WestwoodPlus {
			subMode = "WESTWOODPLUS"
		}
		return netsim.Congestion{Name: v.String(), TypeID: "ns3::TcpWestwood", SubMode: subMode,
			Window: netsim.WindowProfile{InitialWindow: 10, Beta: 0.5, RateBackoff: true}}
	case Vegas:
		return netsim.Congestion{Name: v.String(), TypeID: "ns3::TcpVegas",
			Window: netsim.WindowProfile{InitialWindow: 10, Beta: 0.5, DelayThreshold: 0.1}}
	case Veno:
		return netsim.Congestion{Name: v.String(), TypeID: "ns3::TcpVeno",
			Window: netsim.WindowProfile{InitialWindow: 10, Beta: 0.8}}
	}
	return netsim.Congestion{}
}

// Factory produces the token of a registered variant
type Factory func() netsim.Congestion

// Registry resolves variant names: the built-in set first, then the variants
// registered on it. Each Sweep may carry its own.
type Registry struct {
	extensions map[string]Factory
}

// NewRegistry returns a registry holding only the built-in variants
func NewRegistry() *Registry {
	return &Registry{extensions: make(map[string]Factory)}
}

// Register adds a variant under the given name. Names of built-ins, in any of
// their accepted forms, cannot be registered, nor can a name be registered twice.
func (reg *Registry) Register(name string, factory Factory) error {
	if len(name) == 0 {
		return fmt.Errorf("registering a variant needs a name")
	}
	if factory == nil {
		return fmt.Errorf("variant %s registered without a factory", name)
	}
	if VariantFromStr(name) != UnknownVariant {
		return fmt.Errorf("variant %s is built in", name)
	}
	if _, present := reg.extensions[name]; present {
		return fmt.Errorf("variant %s already registered", name)
	}
	reg.extensions[name] = factory
	return nil
}

// Resolve returns the token for the named variant, or a *ConfigurationError
// naming the identifier when neither a built-in nor a registered variant matches
func (reg *Registry) Resolve(name string) (netsim.Congestion, error) {
	var cc netsim.Congestion
	if v := VariantFromStr(name); v != UnknownVariant {
		cc = v.token()
	} else if factory, present := reg.extensions[name]; present {
		cc = factory()
		if len(cc.Name) == 0 {
			cc.Name = name
		}
	} else {
		return netsim.Congestion{}, &ConfigurationError{Field: "variant", Value: name}
	}

	if err := cc.Validate(); err != nil {
		return netsim.Congestion{}, &ConfigurationError{Field: "variant", Value: name, Err: err}
	}
	return cc, nil
}

// Names lists the built-in variants followed by the registered ones, each group sorted
func (reg *Registry) Names() []string {
	builtins := make([]string, 0, len(variantNames))
	for _, name := range variantNames {
		builtins = append(builtins, name)
	}
	sort.Strings(builtins)

	exts := make([]string, 0, len(reg.extensions))
	for name := range reg.extensions {
		exts = append(exts, name)
	}
	sort.Strings(exts)
	return append(builtins, exts...)
}
