// Package policy defines the per-module capability policy: an allow-set
// over sandboxed resource categories. Categories absent from the allow-set
// are denied, so the zero value denies everything.
package policy

import (
	"encoding/json"
	"os"

	"github.com/go-playground/validator/v10"

	bridgeerrors "github.com/hostbridge/wasmbridge/errors"
)

// Category identifies one sandboxed resource class a module may request.
type Category string

const (
	Filesystem Category = "filesystem"
	Network    Category = "network"
	Clock      Category = "clock"
	Random     Category = "random"
	Environ    Category = "environ"
)

// Categories lists every known category in stable order.
func Categories() []Category {
	return []Category{Filesystem, Network, Clock, Random, Environ}
}

// Policy is the capability configuration fixed at instantiation.
type Policy struct {
	// Allow lists the categories the module may use. Everything else is
	// denied.
	Allow []Category `json:"allow,omitempty" validate:"dive,oneof=filesystem network clock random environ"`

	// FilesystemRoot is the host directory exposed as the module's root
	// when Filesystem is allowed. Ignored otherwise.
	FilesystemRoot string `json:"filesystem_root,omitempty"`

	// MaxMemoryPages caps the module's linear memory in 64 KiB pages.
	// Zero means uncapped.
	MaxMemoryPages uint32 `json:"max_memory_pages,omitempty"`
}

// Default returns the deny-everything policy.
func Default() Policy {
	return Policy{}
}

// Allows reports whether the policy grants the category.
func (p Policy) Allows(c Category) bool {
	for _, a := range p.Allow {
		if a == c {
			return true
		}
	}
	return false
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Parse decodes and validates a JSON policy document.
func Parse(data []byte) (Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return Policy{}, bridgeerrors.Wrap(bridgeerrors.PhaseInstantiate,
			bridgeerrors.KindInvalidInput, err, "decode policy")
	}
	if err := validate.Struct(p); err != nil {
		return Policy{}, bridgeerrors.Wrap(bridgeerrors.PhaseInstantiate,
			bridgeerrors.KindInvalidInput, err, "validate policy")
	}
	return p, nil
}

// Load reads a policy document from disk.
func Load(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, bridgeerrors.Wrap(bridgeerrors.PhaseInstantiate,
			bridgeerrors.KindInvalidInput, err, "read policy file")
	}
	return Parse(data)
}
