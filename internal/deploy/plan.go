package deploy

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/Bidon15/popdeploy/internal/ledger"
	"github.com/Bidon15/popdeploy/internal/pkg/units"
)

const (
	refPrefix = "ref:"
	// SignerRef resolves to the deploying account.
	SignerRef = "@signer"
)

// Plan is an ordered list of steps executed by one signer.
type Plan struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps" validate:"required,min=1,dive"`
}

// Step is one planned transaction. Args hold literals or "ref:<Step>"
// references to the address recorded by an earlier step.
type Step struct {
	Name       string         `yaml:"name" validate:"required,excludesall=:"`
	Kind       ledger.Kind    `yaml:"kind" validate:"omitempty,oneof=deploy call"`
	Artifact   string         `yaml:"artifact" validate:"required"`
	Target     string         `yaml:"target" validate:"required_if=Kind call"`
	Method     string         `yaml:"method" validate:"required_if=Kind call"`
	Args       []any          `yaml:"args"`
	Value      string         `yaml:"value"`
	DelayAfter *time.Duration `yaml:"delay_after"`
}

// IsCall reports whether the step calls an existing contract.
func (s *Step) IsCall() bool {
	return s.Kind == ledger.KindCall
}

// ValueWei parses Value. An empty value is zero.
func (s *Step) ValueWei() (*big.Int, error) {
	if s.Value == "" {
		return new(big.Int), nil
	}
	v, err := units.ParseWei(s.Value)
	if err != nil {
		return nil, fmt.Errorf("value of step %s: %w", s.Name, err)
	}
	return v, nil
}

// LoadPlan reads and validates a YAML plan file.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	return ParsePlan(data)
}

// ParsePlan decodes and validates a YAML plan.
func ParsePlan(data []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks step fields, name uniqueness and that every reference
// points to an earlier step. It fills in the default kind.
func (p *Plan) Validate() error {
	for i := range p.Steps {
		if p.Steps[i].Kind == "" {
			p.Steps[i].Kind = ledger.KindDeploy
		}
	}
	if err := validator.New().Struct(p); err != nil {
		return fmt.Errorf("invalid plan: %w", err)
	}

	seen := make(map[string]bool, len(p.Steps))
	var errs []error
	for _, s := range p.Steps {
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("duplicate step name %s", s.Name))
		}

		check := func(ref string) {
			if ref != SignerRef && !seen[ref] {
				errs = append(errs, fmt.Errorf("step %s references %s, which is not an earlier step", s.Name, ref))
			}
		}
		for _, ref := range collectRefs(s.Args) {
			check(ref)
		}
		if s.IsCall() {
			if ref, ok := ParseRef(s.Target); ok {
				check(ref)
			} else if !common.IsHexAddress(s.Target) {
				errs = append(errs, fmt.Errorf("step %s: target %q is neither an address nor a reference", s.Name, s.Target))
			}
		}
		if _, err := s.ValueWei(); err != nil {
			errs = append(errs, err)
		}

		seen[s.Name] = true
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid plan: %w", errors.Join(errs...))
	}
	return nil
}

// ParseRef extracts the step name from "ref:Name" or "ref:Name.address".
func ParseRef(v any) (string, bool) {
	s, ok := v.(string)
	if !ok || !strings.HasPrefix(s, refPrefix) {
		return "", false
	}
	name := strings.TrimSuffix(strings.TrimPrefix(s, refPrefix), ".address")
	return name, name != ""
}

func collectRefs(args []any) []string {
	var refs []string
	for _, a := range args {
		switch x := a.(type) {
		case []any:
			refs = append(refs, collectRefs(x)...)
		default:
			if ref, ok := ParseRef(x); ok {
				refs = append(refs, ref)
			}
		}
	}
	return refs
}

// resolveArgs replaces references with addresses returned by lookup.
func resolveArgs(args []any, lookup func(string) (common.Address, error)) ([]any, error) {
	out := make([]any, len(args))
	for i, a := range args {
		switch x := a.(type) {
		case []any:
			inner, err := resolveArgs(x, lookup)
			if err != nil {
				return nil, err
			}
			out[i] = inner
		default:
			ref, ok := ParseRef(x)
			if !ok {
				out[i] = a
				continue
			}
			addr, err := lookup(ref)
			if err != nil {
				return nil, err
			}
			out[i] = addr
		}
	}
	return out, nil
}
