package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteChannelStatus writes a device channel status sample to InfluxDB.
//
// This is the primary method for recording bus state history. Each sample
// is tagged with the channel's bus address and category so dashboards can
// group by device or by kind.
//
// The write is non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - subnet, device: Bus address of the device
//   - channel: Channel number within the device (1-based)
//   - category: Device category (e.g., "light", "climate", "sensor")
//   - fields: Decoded status values (e.g., {"on": true, "brightness": 80})
//
// Example:
//
//	client.WriteChannelStatus(1, 5, 2, "light",
//	    map[string]interface{}{"on": true, "brightness": 80.0})
func (c *Client) WriteChannelStatus(subnet, device uint8, channel int, category string, fields map[string]interface{}) {
	if !c.IsConnected() || len(fields) == 0 {
		return
	}

	point := write.NewPoint(
		"device_status",
		map[string]string{
			"subnet":   strconv.Itoa(int(subnet)),
			"device":   strconv.Itoa(int(device)),
			"channel":  strconv.Itoa(channel),
			"category": category,
		},
		fields,
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteSensorReading writes a single sensor value sample.
//
// Used for temperature broadcasts and polled sensor channels where the
// reading is a single number.
//
// Parameters:
//   - subnet, device: Bus address of the sensor
//   - channel: Sensor channel number
//   - value: The reading
func (c *Client) WriteSensorReading(subnet, device uint8, channel int, value float64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"sensor",
		map[string]string{
			"subnet":  strconv.Itoa(int(subnet)),
			"device":  strconv.Itoa(int(device)),
			"channel": strconv.Itoa(channel),
		},
		map[string]interface{}{
			"value": value,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteGatewayStats writes a snapshot of gateway counters.
//
// Called periodically so bus traffic and error rates can be graphed.
//
// Parameters:
//   - fields: Counter values (e.g., {"frames_received": 1042, "decode_errors": 3})
func (c *Client) WriteGatewayStats(fields map[string]interface{}) {
	if !c.IsConnected() || len(fields) == 0 {
		return
	}

	point := write.NewPoint(
		"gateway_stats",
		map[string]string{},
		fields,
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for custom measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Use this when the timestamp is not "now" (e.g., replayed data).
//
// Parameters:
//   - measurement: The measurement name
//   - tags: Key-value pairs for indexing
//   - fields: Key-value pairs for the data
//   - timestamp: The exact time for this data point
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
