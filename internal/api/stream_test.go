package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/telemetrix/internal/telemetry"
)

func TestHub_PublishFansOut(t *testing.T) {
	h := NewHub()
	idA, a := h.Register()
	_, b := h.Register()
	assert.Equal(t, 2, h.Clients())

	h.Publish(telemetry.Update{Speed: 42, Message: telemetry.SmoothDrivingMessage})

	for _, ch := range []<-chan []byte{a, b} {
		select {
		case payload := <-ch:
			var got map[string]interface{}
			require.NoError(t, json.Unmarshal(payload, &got))
			assert.Equal(t, 42.0, got["speed"])
			assert.NotContains(t, got, "SessionID")
		case <-time.After(time.Second):
			t.Fatal("no update delivered")
		}
	}

	h.Unregister(idA)
	_, ok := <-a
	assert.False(t, ok, "unregistered channel should be closed")
	assert.Equal(t, 1, h.Clients())
}

func TestHub_SlowClientDoesNotBlock(t *testing.T) {
	h := NewHub()
	_, ch := h.Register()

	done := make(chan struct{})
	go func() {
		for i := 0; i < hubBuffer*3; i++ {
			h.Broadcast([]byte("x"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a full client")
	}
	assert.Len(t, ch, hubBuffer)
}

func TestHub_Close(t *testing.T) {
	h := NewHub()
	_, ch := h.Register()
	h.Close()

	_, ok := <-ch
	assert.False(t, ok)

	_, late := h.Register()
	_, ok = <-late
	assert.False(t, ok, "register after close returns a closed channel")
	h.Broadcast([]byte("ignored"))
}

func readEvent(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}
}

func TestStreamUpdates(t *testing.T) {
	env := setupTestServer(t)
	env.device.Attach(env.port)

	srv := httptest.NewServer(env.mux)
	defer srv.Close()

	_, err := env.ctrl.Start()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)

	// The latest state is replayed on connect.
	var first telemetry.Update
	require.NoError(t, json.Unmarshal([]byte(readEvent(t, r)), &first))
	assert.True(t, first.Active)
	assert.Equal(t, telemetry.ActiveMessage, first.Message)

	require.Eventually(t, func() bool { return env.hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	env.clock.Advance(100 * time.Millisecond)
	_, err = env.ctrl.HandleFrame([]byte(`{"speed":120,"accel":{"x":0,"y":0,"z":9.81},"gyro":{"x":0,"y":0,"z":0},"lat":6.9,"lon":79.8}`))
	require.NoError(t, err)

	var got struct {
		Speed   float64 `json:"speed"`
		Message string  `json:"message"`
		Alert   struct {
			Kind   string `json:"kind"`
			Active bool   `json:"active"`
		} `json:"alert"`
	}
	require.NoError(t, json.Unmarshal([]byte(readEvent(t, r)), &got))
	assert.Equal(t, 120.0, got.Speed)
	assert.Equal(t, "high_speed", got.Alert.Kind)
	assert.True(t, got.Alert.Active)
	assert.Equal(t, "EXCESSIVE SPEED: 120.0 km/h! SLOW DOWN.", got.Message)
}
