package scenario

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk shape of a test suite.
//
//	tests:
//	  - phone_number: "+15551234567"
//	    agent: {name: jessica, prompt: "..."}
//	    scenario:
//	      name: order_donut
//	      prompt: "..."
//	      evaluations:
//	        - {name: order_success, prompt: "the order was successful"}
type File struct {
	Tests []Test `yaml:"tests"`
}

// LoadFile reads and validates a YAML suite.
func LoadFile(path string) ([]Test, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scenario: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML suite.
func Parse(data []byte) ([]Test, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("scenario: decode: %w", err)
	}
	if len(f.Tests) == 0 {
		return nil, invalid("tests", "at least one test is required")
	}
	for i, t := range f.Tests {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("scenario: tests[%d] (%s): %w", i, t.Name(), err)
		}
	}
	return f.Tests, nil
}
