package shell

import (
	"github.com/stretchr/testify/mock"
)

// MockRunner is a testify mock of Runner. Expectations are registered with
// the command name followed by each argument.
type MockRunner struct {
	mock.Mock
}

func callArgs(name string, args []string) []interface{} {
	out := make([]interface{}, 0, len(args)+1)
	out = append(out, name)
	for _, a := range args {
		out = append(out, a)
	}
	return out
}

func (m *MockRunner) Run(name string, args ...string) error {
	result := m.Called(callArgs(name, args)...)
	return result.Error(0)
}

func (m *MockRunner) Output(name string, args ...string) ([]string, error) {
	result := m.Called(callArgs(name, args)...)
	if result.Get(0) == nil {
		return nil, result.Error(1)
	}
	return result.Get(0).([]string), result.Error(1)
}
