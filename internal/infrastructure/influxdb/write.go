package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteState records one numeric entity state. The measurement is the
// entity's domain, so each domain becomes its own series family
// ("sensor", "light", ...), tagged by entity for per-entity queries.
func (c *Client) WriteState(domain, entityID string, value float64, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(
		domain,
		map[string]string{
			"entity_id": entityID,
			"domain":    domain,
		},
		map[string]interface{}{
			"value": value,
		},
		ts,
	))
}

// WriteAttribute records one numeric attribute alongside the state
// series, distinguished by the attribute tag.
func (c *Client) WriteAttribute(domain, entityID, attribute string, value float64, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(
		domain,
		map[string]string{
			"entity_id": entityID,
			"domain":    domain,
			"attribute": attribute,
		},
		map[string]interface{}{
			"value": value,
		},
		ts,
	))
}

// WritePoint writes a custom point for callers outside the state
// mirror.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, ts))
}
