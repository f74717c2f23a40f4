package cwmp

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/dexter939/EvoAcsss-sub001/internal/database"
)

// ConnectionRequester wakes CWMP devices with an ACS-initiated HTTP GET to
// the connection request URL the device reported in its Inform. Failures are
// expected (NAT, firewalls); callers fall back to the pending-command queue.
type ConnectionRequester struct {
	client  *http.Client
	timeout time.Duration
}

func NewConnectionRequester(timeout time.Duration) *ConnectionRequester {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ConnectionRequester{
		client: &http.Client{
			Timeout: timeout,
			// A connection request answer carries no body worth following
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout: timeout,
	}
}

// Wake sends the connection request. Any 2xx counts as delivered; anything
// else reports an error so the caller can queue a pending command instead.
func (c *ConnectionRequester) Wake(ctx context.Context, device *database.Device) error {
	if device.ConnectionRequestURL == "" {
		return fmt.Errorf("device %s has no connection request URL", device.SerialNumber)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, device.ConnectionRequestURL, nil)
	if err != nil {
		return fmt.Errorf("invalid connection request URL for device %s: %w", device.SerialNumber, err)
	}
	if device.ConnectionRequestUsername != "" {
		req.SetBasicAuth(device.ConnectionRequestUsername, device.ConnectionRequestPassword)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("connection request to %s failed: %w", device.SerialNumber, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		log.Printf("📞 Connection request delivered to device %s", device.SerialNumber)
		return nil
	}
	return fmt.Errorf("connection request to %s rejected with status %d", device.SerialNumber, resp.StatusCode)
}
