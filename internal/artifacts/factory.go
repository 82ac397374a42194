package artifacts

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// UnsignedTx is the payload of a transaction before fees, nonce and
// signature are attached. To is nil for contract creation.
type UnsignedTx struct {
	To    *common.Address
	Data  []byte
	Value *big.Int
}

// IsCreation reports whether the transaction creates a contract.
func (u *UnsignedTx) IsCreation() bool {
	return u.To == nil
}

// CallMsg returns the message used to simulate the transaction.
func (u *UnsignedTx) CallMsg(from common.Address, gasPrice *big.Int) ethereum.CallMsg {
	return ethereum.CallMsg{
		From:     from,
		To:       u.To,
		GasPrice: gasPrice,
		Value:    u.Value,
		Data:     u.Data,
	}
}

// Factory builds transactions from artifacts.
type Factory struct {
	loader Loader
}

// NewFactory creates a Factory backed by loader.
func NewFactory(loader Loader) *Factory {
	return &Factory{loader: loader}
}

// BuildCreationTx returns a contract-creation payload: the artifact's
// bytecode followed by the ABI-encoded constructor arguments.
func (f *Factory) BuildCreationTx(name string, args []any) (*UnsignedTx, error) {
	artifact, err := f.loader.Load(name)
	if err != nil {
		return nil, err
	}

	bytecode, err := artifact.Bytecode.Bytes()
	if err != nil {
		return nil, fmt.Errorf("artifact %s: %w", name, err)
	}

	parsed, err := artifact.ParsedABI()
	if err != nil {
		return nil, fmt.Errorf("parse ABI for %s: %w", name, err)
	}

	coerced, err := CoerceArgs(parsed.Constructor.Inputs, args)
	if err != nil {
		return nil, fmt.Errorf("constructor of %s: %w", name, err)
	}

	encoded, err := parsed.Constructor.Inputs.Pack(coerced...)
	if err != nil {
		return nil, fmt.Errorf("encode constructor args for %s: %w", name, err)
	}

	data := make([]byte, 0, len(bytecode)+len(encoded))
	data = append(data, bytecode...)
	data = append(data, encoded...)

	return &UnsignedTx{Data: data, Value: new(big.Int)}, nil
}

// BuildCallTx returns a payload calling method on the contract at address,
// using artifact's ABI. method is either a bare name or a full signature
// such as "createPair(address,address)" for overloaded functions.
func (f *Factory) BuildCallTx(address common.Address, artifactName, method string, args []any, value *big.Int) (*UnsignedTx, error) {
	artifact, err := f.loader.Load(artifactName)
	if err != nil {
		return nil, err
	}

	parsed, err := artifact.ParsedABI()
	if err != nil {
		return nil, fmt.Errorf("parse ABI for %s: %w", artifactName, err)
	}

	m, err := findMethod(parsed, method)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", artifactName, err)
	}

	coerced, err := CoerceArgs(m.Inputs, args)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", artifactName, m.Name, err)
	}

	encoded, err := m.Inputs.Pack(coerced...)
	if err != nil {
		return nil, fmt.Errorf("encode %s.%s: %w", artifactName, m.Name, err)
	}

	if value == nil {
		value = new(big.Int)
	}
	if value.Sign() > 0 && !m.IsPayable() {
		return nil, fmt.Errorf("%s.%s is not payable but a value of %s wei was given", artifactName, m.Name, value)
	}

	to := address
	data := append(append([]byte{}, m.ID...), encoded...)
	return &UnsignedTx{To: &to, Data: data, Value: new(big.Int).Set(value)}, nil
}

func findMethod(parsed abi.ABI, method string) (abi.Method, error) {
	if strings.Contains(method, "(") {
		for _, m := range parsed.Methods {
			if m.Sig == method {
				return m, nil
			}
		}
		return abi.Method{}, fmt.Errorf("no method with signature %s", method)
	}

	if m, ok := parsed.Methods[method]; ok {
		if _, overloaded := parsed.Methods[method+"0"]; overloaded {
			return abi.Method{}, fmt.Errorf("method %s is overloaded, use its full signature", method)
		}
		return m, nil
	}
	return abi.Method{}, fmt.Errorf("no method named %s", method)
}
