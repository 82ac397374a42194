// Package artifacts loads compiled contracts and builds deployment
// transactions from them.
package artifacts

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// ErrArtifactNotFound is returned when no artifact matches a name.
var ErrArtifactNotFound = errors.New("artifact not found")

// ContractArtifact is a compiled Solidity contract in Hardhat or Foundry
// output format.
type ContractArtifact struct {
	ABI              json.RawMessage `json:"abi"`
	Bytecode         Bytecode        `json:"bytecode"`
	DeployedBytecode Bytecode        `json:"deployedBytecode,omitempty"`
	ContractName     string          `json:"contractName,omitempty"`
	SourceName       string          `json:"sourceName,omitempty"`

	parseOnce sync.Once
	parsed    abi.ABI
	parseErr  error
}

// Bytecode accepts both the plain string form ("0x6080...") and the object
// form ({"object": "0x6080..."}).
type Bytecode struct {
	hex string
}

// UnmarshalJSON handles both string and object bytecode formats.
func (b *Bytecode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		b.hex = s
		return nil
	}

	var obj struct {
		Object string `json:"object"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		b.hex = obj.Object
		return nil
	}

	return fmt.Errorf("bytecode must be a string or object with 'object' field")
}

// MarshalJSON marshals the bytecode as a string.
func (b Bytecode) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.hex)
}

// String returns the bytecode hex string.
func (b Bytecode) String() string {
	return b.hex
}

// Bytes decodes the bytecode. Unlinked library placeholders are rejected.
func (b Bytecode) Bytes() ([]byte, error) {
	h := strings.TrimPrefix(b.hex, "0x")
	if h == "" {
		return nil, fmt.Errorf("empty bytecode")
	}
	if strings.Contains(h, "__") {
		return nil, fmt.Errorf("bytecode has unlinked library references")
	}
	out, err := hex.DecodeString(h)
	if err != nil {
		return nil, fmt.Errorf("invalid bytecode hex: %w", err)
	}
	return out, nil
}

// ParsedABI parses and caches the artifact's ABI.
func (a *ContractArtifact) ParsedABI() (abi.ABI, error) {
	a.parseOnce.Do(func() {
		if len(a.ABI) == 0 {
			a.parseErr = fmt.Errorf("artifact %s has no ABI", a.ContractName)
			return
		}
		a.parsed, a.parseErr = abi.JSON(strings.NewReader(string(a.ABI)))
	})
	return a.parsed, a.parseErr
}

// ParseArtifact decodes a single artifact JSON document.
func ParseArtifact(data []byte) (*ContractArtifact, error) {
	var a ContractArtifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("unmarshal artifact: %w", err)
	}
	return &a, nil
}
