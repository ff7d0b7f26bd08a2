package acquire

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// SnapshotDevice is a network camera that serves still frames over HTTP,
// such as the snapshot endpoint most IP cameras expose.
type SnapshotDevice struct {
	url      string
	username string
	password string
	client   *http.Client
}

// NewSnapshotDevice creates a SnapshotDevice for the given snapshot URL.
// username and password are optional basic auth credentials.
func NewSnapshotDevice(url, username, password string) (*SnapshotDevice, error) {
	if url == "" {
		return nil, fmt.Errorf("snapshot url is required")
	}

	return &SnapshotDevice{
		url:      url,
		username: username,
		password: password,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}, nil
}

// Open probes the camera so that authorization and connectivity problems
// surface before the user tries to capture.
func (d *SnapshotDevice) Open(ctx context.Context) (Stream, error) {
	if _, _, err := d.fetch(ctx); err != nil {
		return nil, err
	}
	return &snapshotStream{device: d}, nil
}

func (d *SnapshotDevice) fetch(ctx context.Context) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: creating request: %w", ErrCameraUnavailable, err)
	}
	if d.username != "" || d.password != "" {
		req.SetBasicAuth(d.username, d.password)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", fmt.Errorf("%w: calling camera: %w", ErrCameraUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, "", fmt.Errorf("%w: %w (status %d)", ErrCameraUnavailable, ErrPermissionDenied, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, "", fmt.Errorf("%w: camera returned status %d", ErrCameraUnavailable, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, DefaultMaxFileSize))
	if err != nil {
		return nil, "", fmt.Errorf("%w: reading frame: %w", ErrCameraUnavailable, err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

type snapshotStream struct {
	device *SnapshotDevice
	closed atomic.Bool
}

func (s *snapshotStream) Frame(ctx context.Context) ([]byte, string, error) {
	if s.closed.Load() {
		return nil, "", fmt.Errorf("%w: stream closed", ErrCameraUnavailable)
	}
	return s.device.fetch(ctx)
}

func (s *snapshotStream) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.device.client.CloseIdleConnections()
	}
	return nil
}
