package happy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectDevice(t *testing.T) {
	tests := []struct {
		requested string
		visible   string
		want      string
	}{
		{DeviceCPU, "0", DeviceCPU},
		{DeviceCUDA, "", DeviceCUDA},
		{DeviceAuto, "", DeviceCPU},
		{DeviceAuto, "-1", DeviceCPU},
		{DeviceAuto, "0,1", DeviceCUDA},
		{"", " 0 ", DeviceCUDA},
	}
	for _, tt := range tests {
		info := detectDevice(tt.requested, tt.visible)
		assert.Equal(t, tt.want, info.Name, "requested %q visible %q", tt.requested, tt.visible)
		assert.GreaterOrEqual(t, info.Cores, 1)
	}
}

func TestSelectDeviceIsSticky(t *testing.T) {
	first := SelectDevice(DeviceCPU, newDiscardLogger())
	second := SelectDevice(DeviceCUDA, newDiscardLogger())
	assert.Equal(t, first, second)
}
