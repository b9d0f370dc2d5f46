package services

import (
	"github.com/stretchr/testify/mock"
)

// MockServiceManager is a mock implementation of the Manager interface.
type MockServiceManager struct {
	mock.Mock
}

func (m *MockServiceManager) Start(name string) error {
	return m.Called(name).Error(0)
}
func (m *MockServiceManager) Stop(name string) error {
	return m.Called(name).Error(0)
}
func (m *MockServiceManager) Restart(name string) error {
	return m.Called(name).Error(0)
}
func (m *MockServiceManager) Reload(name string) error {
	return m.Called(name).Error(0)
}
func (m *MockServiceManager) IsActive(name string) bool {
	return m.Called(name).Bool(0)
}
