// Package testutil provides shared test utilities and telemetry fixtures.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"testing"
)

// FrameLine returns one device frame as the ESP32 sends it.
func FrameLine(speed, ax, ay, az, gz float64) string {
	return fmt.Sprintf(`{"speed":%g,"accel":{"x":%g,"y":%g,"z":%g},"gyro":{"x":0,"y":0,"z":%g},"lat":6.9271,"lon":79.8612}`,
		speed, ax, ay, az, gz)
}

// Drive is a short fixture drive: a calm start, one high-speed frame, one
// sharp turn, and a harsh-braking frame.
var Drive = []string{
	FrameLine(42, 0.2, 0.1, 9.81, 0.05),
	FrameLine(58.5, 0.4, 0.3, 9.81, 0.1),
	FrameLine(104.2, 1.1, 0.4, 9.81, 0.2),
	FrameLine(72, 2.5, 3.1, 9.81, -1.4),
	FrameLine(35, 9.2, 6.3, 9.81, 0.3),
}

// AssertStatusCode checks the recorder's status code.
func AssertStatusCode(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Errorf("status code = %d, want %d (body %s)", rec.Code, want, rec.Body.String())
	}
}

// DecodeBody decodes the recorder's JSON body into v.
func DecodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
}
