// busprod - HDL Buspro gateway daemon
//
// busprod connects to an HDL Buspro Ethernet gateway over UDP and exposes
// the bus to the rest of the home:
//   - MQTT state topics and channel commands
//   - A read-only HTTP API for the device catalog and cached status
//   - Optional status history recording to InfluxDB
//
// Device discovery and status polling run continuously so consumers see
// the bus without speaking the binary protocol themselves.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/gray-logic-buspro/internal/api"
	"github.com/nerrad567/gray-logic-buspro/internal/bridge"
	"github.com/nerrad567/gray-logic-buspro/internal/buspro"
	"github.com/nerrad567/gray-logic-buspro/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-buspro/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-buspro/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-buspro/internal/infrastructure/mqtt"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// statsInterval is how often gateway counters are recorded to InfluxDB.
const statsInterval = 60 * time.Second

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting busprod",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Create and start the bus gateway
	gateway, err := buspro.NewGateway(buspro.Options{
		Host:            cfg.Buspro.Gateway.Host,
		Port:            cfg.Buspro.Gateway.Port,
		Format:          buspro.FrameFormat(cfg.Buspro.Gateway.Format),
		SourceSubnet:    cfg.Buspro.SourceSubnet,
		SourceDevice:    cfg.Buspro.SourceDevice,
		Timeout:         cfg.RequestTimeout(),
		MaxRetries:      cfg.Buspro.MaxRetries,
		PollInterval:    cfg.PollInterval(),
		DiscoveryWindow: cfg.DiscoveryWindow(),
		Logger:          log,
	})
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	if err := gateway.Start(ctx); err != nil {
		return fmt.Errorf("starting gateway: %w", err)
	}
	defer func() {
		log.Info("stopping gateway")
		gateway.Stop()
	}()
	log.Info("gateway started",
		"host", cfg.Buspro.Gateway.Host,
		"port", cfg.Buspro.Gateway.Port,
	)

	// Initial bus scan so the catalog is populated before consumers attach
	if cfg.Buspro.DiscoverOnStart {
		devices, scanErr := gateway.Discover(ctx, cfg.Buspro.Subnets)
		if scanErr != nil {
			log.Warn("initial discovery failed", "error", scanErr)
		} else {
			log.Info("initial discovery complete", "devices", len(devices))
		}
	}

	// Connect to MQTT broker (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
	} else {
		log.Info("MQTT disabled")
	}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})

		// Record gateway counters periodically
		go statsLoop(ctx, gateway, influxClient)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Start the MQTT bridge (requires MQTT)
	if mqttClient != nil {
		var recorder bridge.StatusRecorder
		if influxClient != nil {
			recorder = influxClient
		}

		br, bridgeErr := bridge.New(bridge.Options{
			Gateway:  gateway,
			MQTT:     mqttClient,
			Recorder: recorder,
			Logger:   log,
		})
		if bridgeErr != nil {
			return fmt.Errorf("creating bridge: %w", bridgeErr)
		}
		if bridgeErr = br.Start(); bridgeErr != nil {
			return fmt.Errorf("starting bridge: %w", bridgeErr)
		}
		defer func() {
			log.Info("stopping bridge")
			br.Stop()
		}()
		log.Info("MQTT bridge started")
	}

	// Start the HTTP API (optional)
	if cfg.API.Enabled {
		apiServer, apiErr := api.New(api.Deps{
			Config:  cfg.API,
			Logger:  log,
			Gateway: gateway,
			Version: version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if apiErr = apiServer.Start(ctx); apiErr != nil {
			return fmt.Errorf("starting API server: %w", apiErr)
		}
		defer func() {
			log.Info("stopping API server")
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("HTTP API disabled")
	}

	// Verify connections are healthy
	if err := healthCheck(ctx, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order:
	// 1. API server
	// 2. Bridge
	// 3. InfluxDB (if enabled)
	// 4. MQTT (if enabled)
	// 5. Gateway

	log.Info("busprod stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses BUSPRO_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("BUSPRO_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies the optional infrastructure connections are healthy.
func healthCheck(ctx context.Context, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}

// statsLoop records gateway counters to InfluxDB until the context ends.
func statsLoop(ctx context.Context, gateway *buspro.Gateway, influxClient *influxdb.Client) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := gateway.Stats()
			influxClient.WriteGatewayStats(map[string]interface{}{
				"datagrams_rx":    int64(stats.Transport.DatagramsRx),
				"datagrams_tx":    int64(stats.Transport.DatagramsTx),
				"decode_errors":   int64(stats.DecodeErrors),
				"events":          int64(stats.Events),
				"requests_sent":   int64(stats.Correlator.RequestsSent),
				"replies_matched": int64(stats.Correlator.RepliesMatched),
				"timeouts":        int64(stats.Correlator.Timeouts),
				"poll_sweeps":     int64(stats.Poller.Sweeps),
				"poll_failures":   int64(stats.Poller.Failures),
				"discovered":      int64(stats.Discovered),
				"cached_states":   int64(stats.CachedStates),
			})
		}
	}
}
