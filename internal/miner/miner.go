package miner

import (
	"context"
	"errors"
	"time"
)

// Protocol selects the adapter implementation for a configured device.
const (
	ProtocolAntminer = "antminer"
	ProtocolVnish    = "vnish"
	ProtocolSim      = "sim"
)

var (
	// ErrConnectivity marks an unreachable or unresponsive device.
	ErrConnectivity = errors.New("miner unreachable")
	// ErrInvalidArgument marks a rejected command input; device state is untouched.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotFound marks an unknown miner id.
	ErrNotFound = errors.New("miner not found")
)

// Config describes one device as loaded from the fleet config source.
// Read-only to the orchestration core.
type Config struct {
	ID       string `json:"id"`
	Model    string `json:"model"`
	Address  string `json:"address"`
	Protocol string `json:"protocol"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// State is produced by an adapter on each read. Not persisted by the core.
type State struct {
	ID          string    `json:"id"`
	Model       string    `json:"model"`
	Address     string    `json:"address"`
	Online      bool      `json:"online"`
	HashrateTHS float64   `json:"hashrate_ths"`
	TempC       float64   `json:"temp_c"`
	FansRPM     []int     `json:"fans_rpm,omitempty"`
	PowerW      float64   `json:"power_w"`
	PowerLimit  float64   `json:"power_limit"`
	LastSeen    time.Time `json:"last_seen"`
}

// Adapter is the capability contract every device implementation hides its
// protocol behind. Implementations must be safe for concurrent use.
type Adapter interface {
	// ReadState polls the device. Fails with ErrConnectivity when unreachable.
	ReadState(ctx context.Context) (State, error)

	// SetPowerLimit caps the device at fraction [0,1] of nameplate power.
	// Out-of-range fractions fail with ErrInvalidArgument and must not
	// mutate device state.
	SetPowerLimit(ctx context.Context, fraction float64) error

	// PowerLimit reports the current effective limit. Snapshot source for
	// curtailment rollback.
	PowerLimit(ctx context.Context) (float64, error)

	// Reboot returns once the command is acknowledged; the device stays
	// offline for its recovery window and comes back on its own.
	Reboot(ctx context.Context) error
}

// ValidateFraction is shared by all adapters so the contract check cannot
// drift per vendor.
func ValidateFraction(fraction float64) error {
	if fraction < 0 || fraction > 1 {
		return ErrInvalidArgument
	}
	return nil
}
