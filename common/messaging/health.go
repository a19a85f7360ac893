package messaging

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNoClient     = errors.New("messaging: no client")
	ErrDisconnected = errors.New("messaging: not connected to broker")
)

// Ping verifies the connection and returns the broker round trip.
func Ping(client Client) (time.Duration, error) {
	if client == nil {
		return 0, ErrNoClient
	}
	if !client.IsConnected() {
		return 0, ErrDisconnected
	}
	rtt, err := client.RTT()
	if err != nil {
		return 0, fmt.Errorf("messaging: ping: %w", err)
	}
	return rtt, nil
}
