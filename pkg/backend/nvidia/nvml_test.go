// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package nvidia

import (
	"math"
	"testing"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/SerhiiYahdzhyiev/EMA/pkg/device"
)

// mockNvmlLib is a mock implementation of nvmlLib for testing
type mockNvmlLib struct {
	mock.Mock
}

func (m *mockNvmlLib) Init() nvml.Return {
	args := m.Called()
	return args.Get(0).(nvml.Return)
}

func (m *mockNvmlLib) Shutdown() nvml.Return {
	args := m.Called()
	return args.Get(0).(nvml.Return)
}

func (m *mockNvmlLib) DeviceGetCount() (int, nvml.Return) {
	args := m.Called()
	return args.Int(0), args.Get(1).(nvml.Return)
}

func (m *mockNvmlLib) DeviceGetHandleByIndex(index int) (nvmlDeviceHandle, nvml.Return) {
	args := m.Called(index)
	handle := args.Get(0)
	if handle == nil {
		return nil, args.Get(1).(nvml.Return)
	}
	return handle.(nvmlDeviceHandle), args.Get(1).(nvml.Return)
}

func (m *mockNvmlLib) ErrorString(ret nvml.Return) string {
	args := m.Called(ret)
	return args.String(0)
}

// mockDeviceHandle is a mock implementation of nvmlDeviceHandle for testing
type mockDeviceHandle struct {
	mock.Mock
}

func (m *mockDeviceHandle) GetUUID() (string, nvml.Return) {
	args := m.Called()
	return args.String(0), args.Get(1).(nvml.Return)
}

func (m *mockDeviceHandle) GetName() (string, nvml.Return) {
	args := m.Called()
	return args.String(0), args.Get(1).(nvml.Return)
}

func (m *mockDeviceHandle) GetTotalEnergyConsumption() (uint64, nvml.Return) {
	args := m.Called()
	return args.Get(0).(uint64), args.Get(1).(nvml.Return)
}

func newHandle(name, uuid string) *mockDeviceHandle {
	h := new(mockDeviceHandle)
	h.On("GetName").Return(name, nvml.SUCCESS)
	h.On("GetUUID").Return(uuid, nvml.SUCCESS)
	return h
}

func TestInit(t *testing.T) {
	t.Run("discovers devices", func(t *testing.T) {
		lib := new(mockNvmlLib)
		h := newHandle("NVIDIA A100", "GPU-1234")
		h.On("GetTotalEnergyConsumption").Return(uint64(1500), nvml.SUCCESS)

		lib.On("Init").Return(nvml.SUCCESS)
		lib.On("DeviceGetCount").Return(1, nvml.SUCCESS)
		lib.On("DeviceGetHandleByIndex", 0).Return(h, nvml.SUCCESS)

		b := newWithLib(lib)
		require.NoError(t, b.Init())

		devices := b.Devices()
		require.Len(t, devices, 1)
		d := devices[0]
		assert.Equal(t, "NVIDIA A100", d.Name())
		assert.Equal(t, "GPU-1234", d.UID())
		assert.Equal(t, device.TypeGPU, d.Type())
		assert.Equal(t, Name, d.BackendName())
		assert.Zero(t, d.Interval())
		assert.Equal(t, device.Energy(math.MaxUint64), d.MaxEnergy())

		e, err := d.RawEnergy()
		require.NoError(t, err)
		assert.Equal(t, 1500*device.MilliJoule, e)

		// second init is a no-op
		require.NoError(t, b.Init())
		lib.AssertNumberOfCalls(t, "Init", 1)
		lib.AssertExpectations(t)
	})

	t.Run("init failure", func(t *testing.T) {
		lib := new(mockNvmlLib)
		lib.On("Init").Return(nvml.ERROR_LIBRARY_NOT_FOUND)
		lib.On("ErrorString", nvml.ERROR_LIBRARY_NOT_FOUND).Return("library not found")

		b := newWithLib(lib)
		err := b.Init()
		assert.ErrorIs(t, err, device.ErrNotSupported)
		assert.Contains(t, err.Error(), "library not found")
		assert.Empty(t, b.Devices())
	})

	t.Run("count failure shuts down", func(t *testing.T) {
		lib := new(mockNvmlLib)
		lib.On("Init").Return(nvml.SUCCESS)
		lib.On("DeviceGetCount").Return(0, nvml.ERROR_UNKNOWN)
		lib.On("Shutdown").Return(nvml.SUCCESS)
		lib.On("ErrorString", nvml.ERROR_UNKNOWN).Return("Unknown error")

		b := newWithLib(lib)
		assert.ErrorIs(t, b.Init(), device.ErrIO)
		lib.AssertExpectations(t)
	})

	t.Run("skips broken handles", func(t *testing.T) {
		lib := new(mockNvmlLib)
		broken := new(mockDeviceHandle)
		broken.On("GetName").Return("", nvml.ERROR_UNKNOWN)

		lib.On("Init").Return(nvml.SUCCESS)
		lib.On("DeviceGetCount").Return(3, nvml.SUCCESS)
		lib.On("DeviceGetHandleByIndex", 0).Return(nil, nvml.ERROR_UNKNOWN)
		lib.On("DeviceGetHandleByIndex", 1).Return(broken, nvml.SUCCESS)
		lib.On("DeviceGetHandleByIndex", 2).Return(newHandle("NVIDIA T4", "GPU-2"), nvml.SUCCESS)
		lib.On("ErrorString", nvml.ERROR_UNKNOWN).Return("Unknown error")

		b := newWithLib(lib)
		require.NoError(t, b.Init())
		require.Len(t, b.Devices(), 1)
		assert.Equal(t, "GPU-2", b.Devices()[0].UID())
	})

	t.Run("no devices", func(t *testing.T) {
		lib := new(mockNvmlLib)
		lib.On("Init").Return(nvml.SUCCESS)
		lib.On("DeviceGetCount").Return(0, nvml.SUCCESS)
		lib.On("Shutdown").Return(nvml.SUCCESS)

		b := newWithLib(lib)
		assert.ErrorIs(t, b.Init(), device.ErrNotSupported)
		lib.AssertCalled(t, "Shutdown")
	})
}

func TestEnergyReadFailure(t *testing.T) {
	lib := new(mockNvmlLib)
	h := newHandle("NVIDIA A100", "GPU-1")
	h.On("GetTotalEnergyConsumption").Return(uint64(0), nvml.ERROR_GPU_IS_LOST)

	lib.On("Init").Return(nvml.SUCCESS)
	lib.On("DeviceGetCount").Return(1, nvml.SUCCESS)
	lib.On("DeviceGetHandleByIndex", 0).Return(h, nvml.SUCCESS)
	lib.On("ErrorString", nvml.ERROR_GPU_IS_LOST).Return("GPU is lost")

	b := newWithLib(lib)
	require.NoError(t, b.Init())

	_, err := b.Devices()[0].RawEnergy()
	assert.ErrorIs(t, err, device.ErrIO)
	assert.Contains(t, err.Error(), "GPU is lost")
}

func TestFinalize(t *testing.T) {
	tt := []struct {
		name    string
		ret     nvml.Return
		wantErr bool
	}{
		{"clean shutdown", nvml.SUCCESS, false},
		{"shutdown failure", nvml.ERROR_UNKNOWN, true},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			lib := new(mockNvmlLib)
			lib.On("Init").Return(nvml.SUCCESS)
			lib.On("DeviceGetCount").Return(1, nvml.SUCCESS)
			lib.On("DeviceGetHandleByIndex", 0).Return(newHandle("NVIDIA A100", "GPU-1"), nvml.SUCCESS)
			lib.On("Shutdown").Return(tc.ret)
			lib.On("ErrorString", tc.ret).Return("error")

			b := newWithLib(lib)
			require.NoError(t, b.Init())

			err := b.Finalize()
			if tc.wantErr {
				assert.ErrorIs(t, err, device.ErrIO)
			} else {
				assert.NoError(t, err)
			}
			assert.Empty(t, b.Devices())

			// finalizing twice does not shut down again
			require.NoError(t, b.Finalize())
			lib.AssertNumberOfCalls(t, "Shutdown", 1)
		})
	}
}
