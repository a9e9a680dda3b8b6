package influxx

import (
	"context"
	"errors"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"

	"multitenant-template/shared/config"
)

type Client struct {
	client influxdb2.Client
	org    string
	bucket string
}

// Configured reports whether every Influx setting is present. Services treat
// Influx as optional and skip it otherwise.
func Configured(cfg config.Config) bool {
	for _, v := range []string{cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket} {
		if strings.TrimSpace(v) == "" {
			return false
		}
	}
	return true
}

func New(cfg config.Config) (*Client, error) {
	if !Configured(cfg) {
		return nil, errors.New("INFLUX_URL/INFLUX_TOKEN/INFLUX_ORG/INFLUX_BUCKET are required")
	}
	opts := influxdb2.DefaultOptions().
		SetHTTPRequestTimeout(uint(cfg.InfluxTimeoutMS))
	client := influxdb2.NewClientWithOptions(cfg.InfluxURL, cfg.InfluxToken, opts)
	return &Client{client: client, org: cfg.InfluxOrg, bucket: cfg.InfluxBucket}, nil
}

func (c *Client) WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]any, ts time.Time) error {
	if c == nil || c.client == nil {
		return errors.New("influx client not initialized")
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	p := influxdb2.NewPoint(measurement, tags, fields, ts)
	return c.client.WriteAPIBlocking(c.org, c.bucket).WritePoint(ctx, p)
}

func (c *Client) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Close()
}
