// sirend drives zigbee2mqtt sirens through timed scenarios.
//
// It connects to the MQTT broker, exposes an HTTP API to start, watch and
// cancel scenario runs, and silences every siren on shutdown.
//
//	sirend                                 # serve
//	sirend -issue-token -role operator -subject wall-panel
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/gray-logic-sirens/internal/api"
	"github.com/nerrad567/gray-logic-sirens/internal/auth"
	"github.com/nerrad567/gray-logic-sirens/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-sirens/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-sirens/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-sirens/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-sirens/internal/scenario"
	"github.com/nerrad567/gray-logic-sirens/internal/siren"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// defaultConfigPath is read when SIREND_CONFIG is unset.
const defaultConfigPath = "configs/config.yaml"

// shutdownTimeout bounds the emergency stop and run drain at exit.
const shutdownTimeout = 15 * time.Second

func main() {
	issue := flag.Bool("issue-token", false, "print an API bearer token and exit")
	role := flag.String("role", string(auth.RoleViewer), "token role: viewer or operator")
	subject := flag.String("subject", "", "token subject (caller name)")
	ttl := flag.Duration("ttl", 0, "token lifetime (default from security.jwt.access_token_ttl)")
	flag.Parse()

	if *issue {
		if err := issueToken(os.Stdout, *subject, auth.Role(*role), *ttl); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// It returns nil on a signal-driven shutdown.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting sirend",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, source, err := loadConfig()
	if err != nil {
		return err
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"source", source,
		"level", cfg.Logging.Level,
		"devices", len(cfg.Sirens.Devices),
	)

	mqttClient, err := mqtt.Connect(cfg.MQTT)
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
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	influxClient, err := influxdb.Connect(cfg.InfluxDB)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		log.Info("InfluxDB disabled")
	case err != nil:
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	default:
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	hub := api.NewHub(cfg.WebSocket, log)
	go hub.Run(ctx)

	seq, err := newSequencer(cfg, mqttClient, hub, influxClient, log)
	if err != nil {
		return err
	}
	// Registered after the MQTT defer so the sirens are silenced before the
	// broker session closes.
	defer shutdownSequencer(seq, cfg.Sequencer.StopOnShutdown, log)

	if cfg.API.Enabled {
		server, srvErr := api.New(api.Deps{
			Config:    cfg.API,
			WS:        cfg.WebSocket,
			Security:  cfg.Security,
			Logger:    log,
			Scenarios: seq,
			Broker:    mqttClient,
			Hub:       hub,
			Version:   version,
		})
		if srvErr != nil {
			return fmt.Errorf("creating API server: %w", srvErr)
		}
		if srvErr = server.Start(ctx); srvErr != nil {
			return fmt.Errorf("starting API server: %w", srvErr)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	if err := healthCheck(ctx, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	log.Info("sirend ready",
		"scenarios", len(seq.Scenarios()),
		"run_policy", cfg.Sequencer.RunPolicy,
	)

	<-ctx.Done()
	log.Info("shutdown signal received")
	return nil
}

// newSequencer wires the MQTT sink, device group, event hub and optional
// telemetry into a Sequencer loaded with the built-in scenarios.
func newSequencer(cfg *config.Config, pub siren.Publisher, events scenario.EventPublisher, influxClient *influxdb.Client, log *logging.Logger) (*scenario.Sequencer, error) {
	sink := siren.NewMQTTSink(pub, cfg.Sirens.Namespace, byte(cfg.MQTT.QoS)) //nolint:gosec // QoS validated to 0-2
	group := siren.NewGroup(sink, log.With("component", "siren"))

	opts, err := scenario.OptionsFromConfig(cfg.Sirens, cfg.Sequencer)
	if err != nil {
		return nil, fmt.Errorf("sequencer options: %w", err)
	}
	opts.Events = events
	opts.Logger = log.With("component", "sequencer")
	if influxClient != nil {
		opts.Metrics = &influxRecorder{w: influxClient}
	}

	seq, err := scenario.NewSequencer(group, scenario.Catalog(cfg.Scenarios), opts)
	if err != nil {
		return nil, fmt.Errorf("creating sequencer: %w", err)
	}
	return seq, nil
}

// shutdownSequencer optionally silences every siren, then cancels and
// drains the remaining runs.
func shutdownSequencer(seq *scenario.Sequencer, stopAll bool, log *logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if stopAll {
		id, err := seq.EmergencyStop(ctx)
		if err != nil {
			log.Error("emergency stop on shutdown failed", "error", err)
		} else if st, waitErr := seq.Wait(ctx, id); waitErr != nil {
			log.Warn("emergency stop did not finish", "run_id", id, "error", waitErr)
		} else {
			log.Info("sirens silenced", "run_id", id, "devices", len(st.Devices), "failures", st.Failures)
		}
	}

	if err := seq.Close(ctx); err != nil {
		log.Error("error closing sequencer", "error", err)
	}
}

// loadConfig reads the file named by SIREND_CONFIG, or the default path.
// When SIREND_CONFIG is unset and the default file is absent, built-in
// defaults (plus environment overrides) are used.
func loadConfig() (*config.Config, string, error) {
	path, explicit := getConfigPath()
	if !explicit {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			cfg, defErr := config.Default()
			if defErr != nil {
				return nil, "", fmt.Errorf("loading default config: %w", defErr)
			}
			return cfg, "defaults", nil
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

// getConfigPath returns the configuration file path and whether it was
// set explicitly.
func getConfigPath() (string, bool) {
	if path := os.Getenv("SIREND_CONFIG"); path != "" {
		return path, true
	}
	return defaultConfigPath, false
}

// issueToken prints a signed bearer token for the configured secret.
func issueToken(w io.Writer, subject string, role auth.Role, ttl time.Duration) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = time.Duration(cfg.Security.JWT.AccessTokenTTL) * time.Minute
	}
	token, err := auth.GenerateAccessToken(subject, role, cfg.Security.JWT.Secret, ttl)
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}
	_, err = fmt.Fprintln(w, token)
	return err
}

// healthCheck verifies the infrastructure connections are healthy.
func healthCheck(ctx context.Context, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
