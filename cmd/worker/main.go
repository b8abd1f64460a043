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

// The worker consumes the four job queues: rule evaluation, notification
// dispatch, analytics runs and report generation.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
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

	"github.com/plantpulse/telemetry-engine/pkg/analytics"
	"github.com/plantpulse/telemetry-engine/pkg/engine"
	"github.com/plantpulse/telemetry-engine/pkg/jobs"
	"github.com/plantpulse/telemetry-engine/pkg/notify"
	"github.com/plantpulse/telemetry-engine/pkg/objstore"
	"github.com/plantpulse/telemetry-engine/pkg/reports"
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

	a := kingpin.New("plantpulse-worker", "The PlantPulse background job worker.")
	a.HelpFlag.Short('h')

	opts := workerOptions{
		ListenAddress:  ":9091",
		LogLevel:       "info",
		AppEnv:         "development",
		InfluxURL:      "http://influxdb:8086",
		InfluxOrg:      "plantpulse",
		InfluxBucket:   "plantpulse",
		RedisURL:       "redis://redis:6379/0",
		SMTPPort:       587,
		SMTPFrom:       "noreply@plantpulse.local",
		MinioEndpoint:  "minio:9000",
		MinioBucket:    "plantpulse",
		QueueWarnDepth: 1000,
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
		version.NewCollector("plantpulse_worker"),
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

	bucket, err := objstore.New(log.With(logger, "component", "minio"), objstore.Opts{
		Endpoint:  opts.MinioEndpoint,
		AccessKey: opts.MinioAccessKey,
		SecretKey: opts.MinioSecretKey,
		Bucket:    opts.MinioBucket,
		Secure:    opts.MinioSecure,
	})
	if err != nil {
		_ = level.Error(logger).Log("msg", "Error building object storage client", "err", err)
		os.Exit(1)
	}
	ectx, cancel := context.WithTimeout(ctx, bootTimeout)
	err = bucket.Ensure(ectx)
	cancel()
	if err != nil {
		_ = level.Error(logger).Log("msg", "Error ensuring object storage bucket", "err", err)
		os.Exit(1)
	}

	querier := tsdb.NewQuerier(log.With(logger, "component", "tsdb"), tsdb.WriterOpts{
		URL:    opts.InfluxURL,
		Token:  opts.InfluxToken,
		Org:    opts.InfluxOrg,
		Bucket: opts.InfluxBucket,
	})

	asynqOpt, err := asynq.ParseRedisURI(opts.RedisURL)
	if err != nil {
		_ = level.Error(logger).Log("msg", "Error parsing Redis URL for the job queue", "err", err)
		os.Exit(1)
	}
	queue := jobs.NewClient(asynqOpt)

	emailSender, err := notify.NewEmailSender(notify.EmailOpts{
		Host:     opts.SMTPHost,
		Port:     opts.SMTPPort,
		Username: opts.SMTPUsername,
		Password: opts.SMTPPassword,
		From:     opts.SMTPFrom,
	})
	if err != nil {
		_ = level.Error(logger).Log("msg", "Error building email sender", "err", err)
		os.Exit(1)
	}
	whatsappSender := notify.NewWhatsAppSender(notify.WhatsAppOpts{
		AccountSID: opts.TwilioAccountSID,
		AuthToken:  opts.TwilioAuthToken,
		From:       opts.TwilioWhatsAppFrom,
	})
	notifyLogger := log.With(logger, "component", "notify")
	dispatcher := notify.New(notifyLogger, reg, db,
		notify.WithBreaker(notifyLogger, "email", emailSender),
		notify.WithBreaker(notifyLogger, "whatsapp", whatsappSender),
	)

	ruleEngine := engine.New(log.With(logger, "component", "engine"), reg, db, queue)
	runner := analytics.NewRunner(log.With(logger, "component", "analytics"), db, querier, bucket)
	generator := reports.NewGenerator(log.With(logger, "component", "reports"), reg, db, querier, bucket)

	srv := jobs.NewServer(log.With(logger, "component", "jobqueue"), asynqOpt, db, jobs.ServerOpts{
		Concurrency: opts.Concurrency,
		Weights:     opts.weights,
	})
	srv.HandleFunc(jobs.KindRuleEval, ruleEngine.HandleTask)
	srv.HandleFunc(jobs.KindNotification, dispatcher.HandleTask)
	srv.HandleFunc(jobs.KindAnalytics, runner.HandleTask)
	srv.HandleFunc(jobs.KindReport, generator.HandleTask)

	observer := jobs.NewDepthObserver(log.With(logger, "component", "jobqueue"), reg, asynqOpt, opts.QueueWarnDepth)

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
		// Worker pool. Start does not block; shutdown waits for in-flight
		// tasks before the exec function is released.
		cancel := make(chan struct{})
		g.Add(func() error {
			if err := srv.Start(); err != nil {
				return fmt.Errorf("starting job server: %w", err)
			}
			_ = level.Info(logger).Log("msg", "Job server started", "concurrency", opts.Concurrency)
			<-cancel
			return nil
		}, func(error) {
			srv.Shutdown()
			close(cancel)
		})
	}
	{
		// Queue depth observer.
		ctxDepth, cancelDepth := context.WithCancel(ctx)
		g.Add(func() error {
			err := observer.Run(ctxDepth)
			_ = level.Info(logger).Log("msg", "Queue depth observer stopped")
			return err
		}, func(error) {
			cancelDepth()
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
			if !bucket.Healthy(pctx) {
				http.Error(w, "object storage unreachable", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, "plantpulse-worker is Ready.\n")
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
		_ = level.Error(logger).Log("msg", "Running worker failed", "err", err)
		os.Exit(1)
	}
}

type workerOptions struct {
	ListenAddress string
	LogLevel      string
	AppEnv        string

	DatabaseURL string
	Migrate     bool

	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	RedisURL       string
	Concurrency    int
	QueueWeights   map[string]string
	QueueWarnDepth int

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string

	TwilioAccountSID   string
	TwilioAuthToken    string
	TwilioWhatsAppFrom string

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioSecure    bool

	// weights is QueueWeights parsed by validate.
	weights map[string]int
}

func (opts *workerOptions) setupFlags(a *kingpin.Application) {
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

	a.Flag("influx.token", "API token for InfluxDB reads.").
		Envar("INFLUXDB_TOKEN").
		StringVar(&opts.InfluxToken)

	a.Flag("influx.org", "InfluxDB organization.").
		Default(opts.InfluxOrg).
		Envar("INFLUXDB_ORG").
		StringVar(&opts.InfluxOrg)

	a.Flag("influx.bucket", "InfluxDB bucket telemetry is read from.").
		Default(opts.InfluxBucket).
		Envar("INFLUXDB_BUCKET").
		StringVar(&opts.InfluxBucket)

	a.Flag("redis.url", "Redis URL backing the job queue.").
		Default(opts.RedisURL).
		Envar("REDIS_URL").
		StringVar(&opts.RedisURL)

	a.Flag("jobs.concurrency", "Worker pool size. 0 uses the CPU count.").
		Default("0").
		IntVar(&opts.Concurrency)

	a.Flag("jobs.queue-weight", "Dispatch weight for one queue as <queue>=<weight>; repeatable. Unset uses the built-in weights.").
		StringMapVar(&opts.QueueWeights)

	a.Flag("jobs.queue-warn-depth", "Backlog size that triggers a queue depth warning. 0 disables it.").
		Default(strconv.Itoa(opts.QueueWarnDepth)).
		IntVar(&opts.QueueWarnDepth)

	a.Flag("smtp.host", "SMTP relay for alert email. Empty disables the email channel.").
		Envar("SMTP_HOST").
		StringVar(&opts.SMTPHost)

	a.Flag("smtp.port", "SMTP relay port.").
		Default(strconv.Itoa(opts.SMTPPort)).
		Envar("SMTP_PORT").
		IntVar(&opts.SMTPPort)

	a.Flag("smtp.username", "SMTP username.").
		Envar("SMTP_USER").
		StringVar(&opts.SMTPUsername)

	a.Flag("smtp.password", "SMTP password.").
		Envar("SMTP_PASSWORD").
		StringVar(&opts.SMTPPassword)

	a.Flag("smtp.from", "From address on alert email.").
		Default(opts.SMTPFrom).
		Envar("SMTP_FROM").
		StringVar(&opts.SMTPFrom)

	a.Flag("twilio.account-sid", "Twilio account SID. Empty disables the WhatsApp channel.").
		Envar("TWILIO_ACCOUNT_SID").
		StringVar(&opts.TwilioAccountSID)

	a.Flag("twilio.auth-token", "Twilio auth token.").
		Envar("TWILIO_AUTH_TOKEN").
		StringVar(&opts.TwilioAuthToken)

	a.Flag("twilio.whatsapp-from", "Twilio WhatsApp sender in E.164 form.").
		Envar("TWILIO_WHATSAPP_FROM").
		StringVar(&opts.TwilioWhatsAppFrom)

	a.Flag("minio.endpoint", "Object storage endpoint.").
		Default(opts.MinioEndpoint).
		Envar("MINIO_ENDPOINT").
		StringVar(&opts.MinioEndpoint)

	a.Flag("minio.access-key", "Object storage access key.").
		Envar("MINIO_ACCESS_KEY").
		StringVar(&opts.MinioAccessKey)

	a.Flag("minio.secret-key", "Object storage secret key.").
		Envar("MINIO_SECRET_KEY").
		StringVar(&opts.MinioSecretKey)

	a.Flag("minio.bucket", "Bucket analytics results and report files are stored in.").
		Default(opts.MinioBucket).
		Envar("MINIO_BUCKET").
		StringVar(&opts.MinioBucket)

	a.Flag("minio.secure", "Use TLS for object storage connections.").
		Default("false").
		Envar("MINIO_SECURE").
		BoolVar(&opts.MinioSecure)
}

func (opts *workerOptions) validate() error {
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
	if opts.MinioAccessKey == "" || opts.MinioSecretKey == "" {
		return fmt.Errorf("object storage credentials missing; set --minio.access-key and --minio.secret-key")
	}
	if opts.Concurrency < 0 {
		return fmt.Errorf("--jobs.concurrency must not be negative")
	}

	known := make(map[string]bool)
	for _, q := range jobs.AllQueues() {
		known[q] = true
	}
	for q, v := range opts.QueueWeights {
		if !known[q] {
			return fmt.Errorf("unknown queue %q in --jobs.queue-weight", q)
		}
		w, err := strconv.Atoi(v)
		if err != nil || w <= 0 {
			return fmt.Errorf("invalid weight %q for queue %q", v, q)
		}
		if opts.weights == nil {
			opts.weights = make(map[string]int, len(opts.QueueWeights))
		}
		opts.weights[q] = w
	}
	return nil
}

// newLogger builds the process logger: logfmt in development, JSON otherwise,
// filtered to the configured level. The level is validated beforehand.
func (opts *workerOptions) newLogger() log.Logger {
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
