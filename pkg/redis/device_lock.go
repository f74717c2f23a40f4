package redis

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// Redis key prefixes
	KeyPrefixDeviceLock     = "device:lock:"
	KeyPrefixDeviceActivity = "device:activity:"

	// Lock TTL guards against a crashed holder; the lock spans one request
	DefaultLockTTL = 30 * time.Second

	// DefaultActivityTTL is how long a device counts as recently active
	DefaultActivityTTL = 24 * time.Hour
)

// DeviceActivity records the last protocol contact for a device
type DeviceActivity struct {
	SerialNumber string `json:"serial_number"`
	Protocol     string `json:"protocol"` // "cwmp" or "usp"
	Transport    string `json:"transport,omitempty"`
	LastContact  int64  `json:"last_contact"` // Unix timestamp
}

// AcquireDeviceLock takes the per-device serialization lock. Two concurrent
// Informs for the same serial must not both claim pending work; the database
// claim transaction is the correctness guarantee, this lock keeps concurrent
// sessions from superseding each other mid-exchange.
func (c *Client) AcquireDeviceLock(serialNumber string) (string, error) {
	token := uuid.New().String()
	key := KeyPrefixDeviceLock + serialNumber

	ok, err := c.SetNX(key, token, DefaultLockTTL)
	if err != nil {
		return "", fmt.Errorf("failed to acquire device lock: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("device %s is locked by another session", serialNumber)
	}

	return token, nil
}

// ReleaseDeviceLock releases the per-device lock
func (c *Client) ReleaseDeviceLock(serialNumber string) error {
	return c.Delete(KeyPrefixDeviceLock + serialNumber)
}

// TouchDeviceActivity records the latest contact for a device
func (c *Client) TouchDeviceActivity(activity *DeviceActivity) error {
	if activity == nil {
		return fmt.Errorf("activity is nil")
	}

	activity.LastContact = time.Now().Unix()
	key := KeyPrefixDeviceActivity + activity.SerialNumber

	if err := c.Set(key, activity, DefaultActivityTTL); err != nil {
		return fmt.Errorf("failed to store device activity: %w", err)
	}

	return nil
}

// GetDeviceActivity retrieves the last recorded contact for a device
func (c *Client) GetDeviceActivity(serialNumber string) (*DeviceActivity, error) {
	var activity DeviceActivity
	if err := c.Get(KeyPrefixDeviceActivity+serialNumber, &activity); err != nil {
		return nil, err
	}
	return &activity, nil
}
