package devicemux

import (
	"context"
	"strings"

	"github.com/banshee-data/telemetrix/internal/monitoring"
)

const (
	PayloadFrame   = "frame"
	PayloadDevice  = "device"
	PayloadUnknown = "unknown"
)

// ClassifyPayload sorts a device line into a telemetry frame, a device
// status message, or noise such as boot logs.
func ClassifyPayload(payload string) string {
	payload = strings.TrimSpace(payload)
	if !strings.HasPrefix(payload, "{") {
		return PayloadUnknown
	}
	if strings.Contains(payload, `"speed"`) {
		return PayloadFrame
	}
	return PayloadDevice
}

// FrameHandler consumes one telemetry frame line.
type FrameHandler func(line []byte)

// Forward subscribes to m and passes every frame line to handle, in order,
// until ctx is done or the mux closes. Other lines are logged.
func Forward(ctx context.Context, m *Mux, handle FrameHandler) {
	id, ch := m.Subscribe()
	defer m.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-ch:
			if !ok {
				return
			}
			switch ClassifyPayload(line) {
			case PayloadFrame:
				handle([]byte(line))
			case PayloadDevice:
				monitoring.Logf("device: %s", line)
			default:
				monitoring.Debugf("ignoring device output %q", line)
			}
		}
	}
}
