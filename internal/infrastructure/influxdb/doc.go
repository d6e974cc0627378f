// Package influxdb provides InfluxDB connectivity for the Buspro gateway.
//
// It wraps the official influxdb-client-go v2 library with gateway-specific
// patterns for connection management, status recording, and health monitoring.
//
// # Purpose
//
// This package handles time-series data storage for:
//   - Channel status history (lights, covers, climate, switches)
//   - Sensor readings and temperature broadcasts
//   - Gateway traffic and error counters
//
// # Usage
//
//	cfg := config.InfluxDBConfig{
//	    URL:    "http://localhost:8086",
//	    Token:  "your-token",
//	    Org:    "home",
//	    Bucket: "buspro",
//	}
//
//	client, err := influxdb.Connect(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Record a channel status sample
//	client.WriteChannelStatus(1, 5, 2, "light",
//	    map[string]interface{}{"on": true, "brightness": 80.0})
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are delivered via a
// callback. Connection and health check errors are returned directly.
//
// # Performance
//
// Writes are batched according to config.yaml settings (batch_size,
// flush_interval). This reduces network overhead during busy polling sweeps.
package influxdb
