// Copyright 2024 The PlantPulse Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// The ingester consumes telemetry from the MQTT broker and drives every
// message through the ingest pipeline: identity resolution, parameter
// discovery, the time-series write, presence tracking and rule-evaluation
// dispatch.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hibiken/asynq"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/redis/go-redis/v9"

	"github.com/plantpulse/telemetry-engine/pkg/identity"
	"github.com/plantpulse/telemetry-engine/pkg/ingest"
	"github.com/plantpulse/telemetry-engine/pkg/jobs"
	"github.com/plantpulse/telemetry-engine/pkg/store"
	"github.com/plantpulse/telemetry-engine/pkg/tsdb"
)

const (
	bootTimeout    = 30 * time.Second
	migrateTimeout = 5 * time.Minute
	readyTimeout   = 5 * time.Second
)

func main() {
	// Bootstrap logger for flag handling; replaced once the options are known.
	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	a := kingpin.New("plantpulse-ingester", "The PlantPulse telemetry ingestion daemon.")
	a.HelpFlag.Short('h')

	opts := ingesterOptions{
		ListenAddress: ":9090",
		LogLevel:      "info",
		AppEnv:        "development",
		InfluxURL:     "http://influxdb:8086",
		InfluxOrg:     "plantpulse",
		InfluxBucket:  "plantpulse",
		RedisURL:      "redis://redis:6379/0",
		BrokerHost:    "emqx",
		BrokerPort:    1883,
		ClientID:      "plantpulse-ingester",
		CacheTTL:      identity.DefaultTTL,
	}
	opts.setupFlags(a)

	if _, err := a.Parse(os.Args[1:]); err != nil {
		_ = level.Error(logger).Log("msg", "Error parsing commandline arguments", "err", err)
		a.Usage(os.Args[1:])
		os.Exit(2)
	}
	if err := opts.validate(); err != nil {
		_ = level.Error(logger).Log("msg", "invalid command line argument", "err", err)
		os.Exit(1)
	}
	logger = opts.newLogger()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		version.NewCollector("plantpulse_ingester"),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctx := context.Background()

	octx, cancel := context.WithTimeout(ctx, bootTimeout)
	db, err := store.Open(octx, opts.DatabaseURL)
	cancel()
	if err != nil {
		_ = level.Error(logger).Log("msg", "Error opening relational store", "err", err)
		os.Exit(1)
	}

	if opts.Migrate {
		mctx, cancel := context.WithTimeout(ctx, migrateTimeout)
		err := db.Migrate(mctx)
		cancel()
		if err != nil {
			_ = level.Error(logger).Log("msg", "Error applying schema migrations", "err", err)
			os.Exit(1)
		}
		_ = level.Info(logger).Log("msg", "Schema migrations applied")
	}

	redisOpts, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		_ = level.Error(logger).Log("msg", "Error parsing Redis URL", "err", err)
		os.Exit(1)
	}
	cache := redis.NewClient(redisOpts)

	asynqOpt, err := asynq.ParseRedisURI(opts.RedisURL)
	if err != nil {
		_ = level.Error(logger).Log("msg", "Error parsing Redis URL for the job queue", "err", err)
		os.Exit(1)
	}
	queue := jobs.NewClient(asynqOpt)

	writer := tsdb.NewWriter(log.With(logger, "component", "tsdb"), reg, tsdb.WriterOpts{
		URL:    opts.InfluxURL,
		Token:  opts.InfluxToken,
		Org:    opts.InfluxOrg,
		Bucket: opts.InfluxBucket,
	})

	resolver := identity.New(log.With(logger, "component", "identity"), cache, db, db,
		identity.Opts{TTL: opts.CacheTTL})

	orchestrator := ingest.NewOrchestrator(log.With(logger, "component", "pipeline"), reg, ingest.Deps{
		Identity: resolver,
		Params:   db,
		Presence: db,
		Points:   writer,
		Enqueuer: queue,
	})

	subscriber := ingest.NewSubscriber(log.With(logger, "component", "mqtt"), orchestrator, ingest.SubscriberOpts{
		BrokerURL: fmt.Sprintf("tcp://%s:%d", opts.BrokerHost, opts.BrokerPort),
		ClientID:  opts.ClientID,
		Username:  opts.BrokerUsername,
		Password:  opts.BrokerPassword,
	})

	var g run.Group
	{
		// Termination handler.
		term := make(chan os.Signal, 1)
		cancel := make(chan struct{})
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)
		g.Add(
			func() error {
				select {
				case <-term:
					_ = level.Info(logger).Log("msg", "received SIGTERM, exiting gracefully...")
				case <-cancel:
				}
				return nil
			},
			func(error) {
				close(cancel)
			},
		)
	}
	{
		// Broker subscription and message pump.
		ctxSub, cancelSub := context.WithCancel(ctx)
		g.Add(func() error {
			err := subscriber.Run(ctxSub)
			_ = level.Info(logger).Log("msg", "Broker subscriber stopped")
			return err
		}, func(error) {
			cancelSub()
		})
	}
	{
		// Web server.
		server := &http.Server{Addr: opts.ListenAddress}

		http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		http.HandleFunc("/-/healthy", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		http.HandleFunc("/-/ready", func(w http.ResponseWriter, r *http.Request) {
			pctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
			defer cancel()
			if err := db.PingContext(pctx); err != nil {
				http.Error(w, fmt.Sprintf("relational store unreachable: %s", err), http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, "plantpulse-ingester is Ready.\n")
		})
		g.Add(func() error {
			_ = level.Info(logger).Log("msg", "Starting web server", "listen", opts.ListenAddress)
			return server.ListenAndServe()
		}, func(error) {
			ctxServer, cancelServer := context.WithTimeout(ctx, time.Minute)
			if err := server.Shutdown(ctxServer); err != nil {
				_ = level.Error(logger).Log("msg", "Server failed to shut down gracefully.")
			}
			cancelServer()
		})
	}

	if err := g.Run(); err != nil {
		_ = level.Error(logger).Log("msg", "Running ingester failed", "err", err)
		os.Exit(1)
	}
}

type ingesterOptions struct {
	ListenAddress string
	LogLevel      string
	AppEnv        string

	DatabaseURL string
	Migrate     bool

	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	RedisURL string

	BrokerHost     string
	BrokerPort     int
	BrokerUsername string
	BrokerPassword string
	ClientID       string

	CacheTTL time.Duration
}

func (opts *ingesterOptions) setupFlags(a *kingpin.Application) {
	a.Flag("web.listen-address", "The address to listen on for HTTP requests.").
		Default(opts.ListenAddress).
		StringVar(&opts.ListenAddress)

	a.Flag("log.level", "Log filtering level. One of: error, warn, info, debug.").
		Default(opts.LogLevel).
		Envar("LOG_LEVEL").
		StringVar(&opts.LogLevel)

	a.Flag("app.env", "Deployment environment. \"development\" switches the log format to logfmt.").
		Default(opts.AppEnv).
		Envar("APP_ENV").
		StringVar(&opts.AppEnv)

	a.Flag("db.url", "PostgreSQL connection string for the relational store.").
		Envar("DATABASE_URL").
		StringVar(&opts.DatabaseURL)

	a.Flag("db.migrate", "Apply pending schema migrations at boot.").
		Default("false").
		BoolVar(&opts.Migrate)

	a.Flag("influx.url", "Base URL of the InfluxDB server.").
		Default(opts.InfluxURL).
		Envar("INFLUXDB_URL").
		StringVar(&opts.InfluxURL)

	a.Flag("influx.token", "API token for InfluxDB writes.").
		Envar("INFLUXDB_TOKEN").
		StringVar(&opts.InfluxToken)

	a.Flag("influx.org", "InfluxDB organization.").
		Default(opts.InfluxOrg).
		Envar("INFLUXDB_ORG").
		StringVar(&opts.InfluxOrg)

	a.Flag("influx.bucket", "InfluxDB bucket telemetry points are written to.").
		Default(opts.InfluxBucket).
		Envar("INFLUXDB_BUCKET").
		StringVar(&opts.InfluxBucket)

	a.Flag("redis.url", "Redis URL shared by the identity cache and the job queue.").
		Default(opts.RedisURL).
		Envar("REDIS_URL").
		StringVar(&opts.RedisURL)

	a.Flag("mqtt.broker-host", "Hostname of the MQTT broker.").
		Default(opts.BrokerHost).
		Envar("MQTT_BROKER_HOST").
		StringVar(&opts.BrokerHost)

	a.Flag("mqtt.broker-port", "Port of the MQTT broker.").
		Default(fmt.Sprintf("%d", opts.BrokerPort)).
		Envar("MQTT_BROKER_PORT").
		IntVar(&opts.BrokerPort)

	a.Flag("mqtt.username", "Username for the broker connection.").
		Envar("MQTT_USERNAME").
		StringVar(&opts.BrokerUsername)

	a.Flag("mqtt.password", "Password for the broker connection.").
		Envar("MQTT_PASSWORD").
		StringVar(&opts.BrokerPassword)

	a.Flag("mqtt.client-id", "Client id of the durable broker session.").
		Default(opts.ClientID).
		StringVar(&opts.ClientID)

	a.Flag("cache.ttl", "TTL for cached tenant and device identities.").
		Default(opts.CacheTTL.String()).
		DurationVar(&opts.CacheTTL)
}

func (opts *ingesterOptions) validate() error {
	switch opts.LogLevel {
	case "error", "warn", "info", "debug":
	default:
		return fmt.Errorf("unknown --log.level %q", opts.LogLevel)
	}
	if opts.DatabaseURL == "" {
		return fmt.Errorf("no --db.url was specified or found in DATABASE_URL")
	}
	if opts.InfluxToken == "" {
		return fmt.Errorf("no --influx.token was specified or found in INFLUXDB_TOKEN")
	}
	if opts.BrokerHost == "" {
		return fmt.Errorf("no --mqtt.broker-host was specified or found in MQTT_BROKER_HOST")
	}
	return nil
}

// newLogger builds the process logger: logfmt in development, JSON otherwise,
// filtered to the configured level. The level is validated beforehand.
func (opts *ingesterOptions) newLogger() log.Logger {
	var lvl level.Option
	switch opts.LogLevel {
	case "error":
		lvl = level.AllowError()
	case "warn":
		lvl = level.AllowWarn()
	case "info":
		lvl = level.AllowInfo()
	case "debug":
		lvl = level.AllowDebug()
	default:
		panic("unexpected log level")
	}
	var logger log.Logger
	if opts.AppEnv == "development" {
		logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	} else {
		logger = log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	}
	logger = level.NewFilter(logger, lvl)
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}
