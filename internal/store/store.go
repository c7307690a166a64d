package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface. Writes from the control hot path
// are fire-and-forget: callers log failures and keep going.
type Store interface {
	// Parameter cache
	SaveParameter(p *Parameter) error
	GetParameter(deviceID, name string) (*Parameter, error)
	ListParameters(deviceID string) ([]*Parameter, error)

	// UpdateConnectionState atomically reads, modifies, and saves a device's
	// connection state in a single transaction. A missing row starts zeroed.
	UpdateConnectionState(deviceID string, fn func(cs *ConnectionState) error) error
	GetConnectionState(deviceID string) (*ConnectionState, error)
	ListConnectionStates() ([]*ConnectionState, error)

	// AppendMeterReading persists one sample, retaining at most keep recent
	// samples per (device, category, index) key.
	AppendMeterReading(r *MeterReading, keep int) error
	RecentMeterReadings(deviceID, category string, index, limit int) ([]*MeterReading, error)

	Close() error
}
