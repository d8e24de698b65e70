package fsm

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	sc "github.com/goliatone/go-statecontract"
)

// ParseContract decodes a JSON or YAML contract document. The result is not
// validated; pass it to Compile or NewEngine.
func ParseContract(data []byte) (*MachineDefinition, error) {
	var def MachineDefinition
	// yaml handles JSON input as well
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, sc.NewError(sc.ErrContractInvalid, fmt.Sprintf("decode contract: %v", err), err, nil)
	}
	return &def, nil
}

// LoadContract reads and decodes a contract file.
func LoadContract(path string) (*MachineDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read contract %s: %w", path, err)
	}
	def, err := ParseContract(data)
	if err != nil {
		return nil, fmt.Errorf("contract %s: %w", path, err)
	}
	return def, nil
}

// CompileContract parses and compiles a contract document in one step.
func CompileContract(data []byte) (*Machine, error) {
	def, err := ParseContract(data)
	if err != nil {
		return nil, err
	}
	return Compile(def)
}
