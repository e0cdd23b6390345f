package clients

import (
	"context"
	"fmt"
	"net/url"

	"healthsense/backend/services/vitals-viewer/internal/models"
)

// RosterClient fetches the device roster with latest vitals.
type RosterClient struct {
	base *BaseClient
}

// NewRosterClient returns client.
func NewRosterClient(baseURL string, httpClient HTTPDoer) *RosterClient {
	return &RosterClient{base: NewBaseClient(baseURL, httpClient)}
}

// ListDevices calls GET /devices?tenant_id=<id>.
func (c *RosterClient) ListDevices(ctx context.Context, tenantID string) ([]models.DeviceReading, error) {
	query := url.Values{}
	query.Set("tenant_id", tenantID)

	var resp models.RosterResponse
	if err := c.base.GetJSON(ctx, "/devices", query, &resp); err != nil {
		return nil, fmt.Errorf("roster request: %w", err)
	}
	if resp.Devices == nil {
		return []models.DeviceReading{}, nil
	}
	return resp.Devices, nil
}
