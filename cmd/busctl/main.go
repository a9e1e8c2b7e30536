// busctl is the operator entry point for the bus: queue provisioning,
// consuming, DLQ tooling, idempotency maintenance and health checks.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/JailtonJunior94/busgo/pkg/config"
	"github.com/JailtonJunior94/busgo/pkg/consumer"
	"github.com/JailtonJunior94/busgo/pkg/database/postgres"
	"github.com/JailtonJunior94/busgo/pkg/idempotency"
	"github.com/JailtonJunior94/busgo/pkg/messaging"
	"github.com/JailtonJunior94/busgo/pkg/messaging/amqplegacy"
	"github.com/JailtonJunior94/busgo/pkg/messaging/router"
	"github.com/JailtonJunior94/busgo/pkg/messaging/sqs"
	"github.com/JailtonJunior94/busgo/pkg/migration"
	"github.com/JailtonJunior94/busgo/pkg/observability"
	"github.com/JailtonJunior94/busgo/pkg/observability/zapdriver"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

const usage = `usage: busctl <command> [flags]

commands:
  ensure-queues              create all configured queues and their DLQs
  publish                    publish one event through the driver router
  consume <queue>            run consume cycles against a logical queue
  inspect-dlq <queue>        print dead-lettered messages without removing them
  replay-dlq <queue>         move dead-lettered messages back to the main queue
  monitor-dlq [queue]        alert on DLQs above the depth threshold
  cleanup-processed-events   delete old durable idempotency records
  migrate                    apply the idempotency schema
  status                     print queue and DLQ depths
  check                      verify connectivity to every configured backend
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "busctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command string, args []string) error {
	cfg, err := config.Load(".env")
	if err != nil {
		return err
	}

	obs, err := zapdriver.NewProvider(
		zapdriver.WithLevel(observability.LogLevel(cfg.LogLevel)),
		zapdriver.WithServiceName(cfg.ServiceName),
		zapdriver.WithNamespace(cfg.MetricsNamespace),
	)
	if err != nil {
		return err
	}
	defer obs.Sync()

	app := &application{cfg: cfg, obs: obs}

	switch command {
	case "ensure-queues":
		return app.ensureQueues(ctx)
	case "publish":
		return app.publish(ctx, args)
	case "consume":
		return app.consume(ctx, args)
	case "inspect-dlq":
		return app.inspectDLQ(ctx, args)
	case "replay-dlq":
		return app.replayDLQ(ctx, args)
	case "monitor-dlq":
		return app.monitorDLQ(ctx, args)
	case "cleanup-processed-events":
		return app.cleanup(ctx, args)
	case "migrate":
		return app.migrate(ctx)
	case "status":
		return app.status(ctx)
	case "check":
		return app.check(ctx)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

type application struct {
	cfg *config.Config
	obs *zapdriver.Provider
}

func (a *application) sqsClient(ctx context.Context) (sqs.API, error) {
	return sqs.NewClient(ctx, sqs.ClientConfig{
		Region:    a.cfg.AWSRegion,
		Endpoint:  a.cfg.SQSEndpoint,
		AccessKey: a.cfg.AWSAccessKey,
		SecretKey: a.cfg.AWSSecretKey,
	})
}

func (a *application) managedStack(ctx context.Context) (sqs.API, *sqs.Resolver, *sqs.Publisher, error) {
	client, err := a.sqsClient(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	resolver := sqs.NewResolver(client, a.cfg.Environment, a.obs)
	publisher := sqs.NewPublisher(client, resolver, a.cfg.ServiceName, a.obs)
	return client, resolver, publisher, nil
}

func (a *application) buildRouter(ctx context.Context) (*router.Router, func(), error) {
	_, resolver, publisher, err := a.managedStack(ctx)
	if err != nil {
		return nil, nil, err
	}

	r, err := router.NewRouter(router.Config{
		Primary:                a.cfg.Driver,
		DualWrite:              a.cfg.DualWrite,
		FallbackToLegacy:       a.cfg.FallbackToLegacy,
		FallbackOnMissingQueue: a.cfg.FallbackOnMissingQueue,
		TargetQueues:           a.cfg.TargetQueues,
		DefaultQueue:           a.cfg.DefaultQueue,
	}, a.obs, router.WithQueueChecker(resolver))
	if err != nil {
		return nil, nil, err
	}
	r.Register(publisher)

	cleanup := func() {}
	if a.cfg.AMQPURL != "" {
		legacy, err := amqplegacy.Dial(ctx, amqplegacy.Config{
			URL:      a.cfg.AMQPURL,
			Exchange: a.cfg.AMQPExchange,
		}, a.cfg.ServiceName, a.obs)
		if err != nil {
			return nil, nil, err
		}
		r.Register(legacy)
		cleanup = func() { _ = legacy.Close() }
	}
	return r, cleanup, nil
}

func (a *application) idempotencyStore(ctx context.Context) (*idempotency.Store, *postgres.Manager, error) {
	if a.cfg.DatabaseURL == "" {
		return nil, nil, errors.New("BUS_DATABASE_URL is required for this command")
	}

	manager, err := postgres.NewManager(ctx, postgres.Config{DSN: a.cfg.DatabaseURL}, a.obs)
	if err != nil {
		return nil, nil, err
	}

	var cache redis.Cmdable
	if a.cfg.RedisAddr != "" {
		cache = redis.NewClient(&redis.Options{
			Addr:     a.cfg.RedisAddr,
			Password: a.cfg.RedisPassword,
			DB:       a.cfg.RedisDB,
		})
	}

	store := idempotency.NewStore(cache, idempotency.NewPostgresStore(manager.Pool()), a.obs,
		idempotency.WithProcessingTTL(a.cfg.ProcessingTTL),
		idempotency.WithProcessedTTL(a.cfg.ProcessedTTL),
	)
	return store, manager, nil
}

func (a *application) ensureQueues(ctx context.Context) error {
	if len(a.cfg.Queues) == 0 {
		return errors.New("BUS_QUEUES is empty, nothing to ensure")
	}

	_, resolver, _, err := a.managedStack(ctx)
	if err != nil {
		return err
	}

	for _, queue := range a.cfg.Queues {
		url, err := resolver.Resolve(ctx, queue)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\n", resolver.EffectiveName(queue), url)
	}
	return nil
}

func (a *application) publish(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("publish", flag.ExitOnError)
	eventType := flags.String("event-type", "", "event type to publish")
	payloadJSON := flags.String("payload", "{}", "event payload as a JSON object")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *eventType == "" {
		return errors.New("--event-type is required")
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(*payloadJSON), &payload); err != nil {
		return fmt.Errorf("--payload must be a JSON object: %w", err)
	}

	r, cleanup, err := a.buildRouter(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	outcome, err := r.Publish(ctx, *eventType, payload, nil)
	if err != nil {
		return err
	}

	fmt.Printf("published %s via %s driver (message %s)\n", *eventType, outcome.Driver, outcome.MessageID)
	if outcome.ManagedErr != nil {
		fmt.Printf("managed leg failed: %v\n", outcome.ManagedErr)
	}
	if outcome.LegacyErr != nil {
		fmt.Printf("legacy leg failed: %v\n", outcome.LegacyErr)
	}
	return nil
}

func (a *application) consume(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("consume", flag.ExitOnError)
	loop := flags.Bool("loop", false, "keep running cycles until interrupted instead of one cycle per process")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return errors.New("usage: busctl consume [--loop] <queue>")
	}
	queueName := flags.Arg(0)

	client, resolver, _, err := a.managedStack(ctx)
	if err != nil {
		return err
	}
	if a.cfg.AutoEnsure {
		for _, queue := range a.cfg.Queues {
			if _, err := resolver.Resolve(ctx, queue); err != nil {
				return err
			}
		}
	}
	url, err := resolver.Resolve(ctx, queueName)
	if err != nil {
		return err
	}

	store, manager, err := a.idempotencyStore(ctx)
	if err != nil {
		return err
	}
	defer manager.Shutdown(context.Background())

	// busctl carries no business handlers; each mapped event type gets a
	// listener that logs the payload. Services embedding the library
	// register their own.
	registry := consumer.NewRegistry()
	logger := a.obs.Logger()
	for eventType := range a.cfg.TargetQueues {
		et := eventType
		err := registry.Register(et, consumer.ListenerFunc(func(ctx context.Context, payload map[string]any) error {
			logger.Info(ctx, "event received", observability.String("event_type", et), observability.Any("payload", payload))
			return nil
		}))
		if err != nil {
			return err
		}
	}

	notifier := messaging.NewLogNotifier(logger)
	consumeLoop, err := consumer.NewLoop(consumer.Config{
		QueueName:               queueName,
		ServiceName:             a.cfg.ServiceName,
		LongRunningEvents:       a.cfg.LongRunningEvents,
		Workers:                 a.cfg.Workers,
		ValidationRateThreshold: a.cfg.ValidationRateThreshold,
		TransientRateThreshold:  a.cfg.TransientRateThreshold,
	}, sqs.NewQueue(client, url), registry, store, notifier, a.obs)
	if err != nil {
		return err
	}

	if a.cfg.MetricsEnabled {
		go a.serveOps(ctx, manager)
	}

	for {
		if _, err := consumeLoop.RunCycle(ctx); err != nil {
			return err
		}
		if !*loop || ctx.Err() != nil {
			return nil
		}
	}
}

// serveOps exposes /metrics and /healthz while a consumer runs in loop
// mode.
func (a *application) serveOps(ctx context.Context, manager *postgres.Manager) {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		checkCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := manager.Ping(checkCtx); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: a.cfg.OpsAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.obs.Logger().Error(ctx, "ops endpoint failed", observability.Error(err))
	}
}

func (a *application) dlqTools(ctx context.Context) (*sqs.DLQTools, error) {
	client, resolver, publisher, err := a.managedStack(ctx)
	if err != nil {
		return nil, err
	}
	notifier := messaging.NewLogNotifier(a.obs.Logger())
	return sqs.NewDLQTools(client, resolver, publisher, notifier, a.obs), nil
}

func (a *application) inspectDLQ(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("inspect-dlq", flag.ExitOnError)
	limit := flags.Int("limit", 10, "maximum messages to show")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return errors.New("usage: busctl inspect-dlq [--limit N] <queue>")
	}

	tools, err := a.dlqTools(ctx)
	if err != nil {
		return err
	}

	entries, err := tools.Inspect(ctx, flags.Arg(0), *limit)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(entries)
}

func (a *application) replayDLQ(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("replay-dlq", flag.ExitOnError)
	limit := flags.Int("limit", 10, "maximum messages to replay")
	yes := flags.Bool("yes", false, "confirm the replay; it re-enqueues messages onto the live queue")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return errors.New("usage: busctl replay-dlq [--limit N] --yes <queue>")
	}
	if !*yes {
		return errors.New("replay re-enqueues dead-lettered messages, re-run with --yes to confirm")
	}

	tools, err := a.dlqTools(ctx)
	if err != nil {
		return err
	}

	report, err := tools.Replay(ctx, flags.Arg(0), *limit)
	if report != nil {
		fmt.Printf("replayed %d, failed %d\n", report.Replayed, report.Failed)
	}
	return err
}

func (a *application) monitorDLQ(ctx context.Context, args []string) error {
	queues, err := monitorTargets(args, a.cfg.Queues)
	if err != nil {
		return err
	}

	tools, err := a.dlqTools(ctx)
	if err != nil {
		return err
	}

	fired, err := tools.Monitor(ctx, queues, a.cfg.DLQAlertThreshold)
	if err != nil {
		return err
	}
	return monitorOutcome(fired)
}

// monitorTargets picks the queues to monitor: the optional positional
// argument narrows the run to one queue, otherwise all configured queues
// are checked.
func monitorTargets(args, configured []string) ([]string, error) {
	switch len(args) {
	case 0:
		if len(configured) == 0 {
			return nil, errors.New("BUS_QUEUES is empty and no queue was given")
		}
		return configured, nil
	case 1:
		return args, nil
	default:
		return nil, errors.New("usage: busctl monitor-dlq [queue]")
	}
}

// monitorOutcome maps the fired-alert count to the command's exit status
// so supervisors and cron see alerting runs as failures.
func monitorOutcome(fired int) error {
	if fired == 0 {
		fmt.Println("no dead-letter alerts")
		return nil
	}
	return fmt.Errorf("%d dead-letter alert(s) fired", fired)
}

func (a *application) cleanup(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("cleanup-processed-events", flag.ExitOnError)
	days := flags.Int("days", a.cfg.CleanupRetentionDays, "retention window in days")
	if err := flags.Parse(args); err != nil {
		return err
	}

	store, manager, err := a.idempotencyStore(ctx)
	if err != nil {
		return err
	}
	defer manager.Shutdown(context.Background())

	deleted, err := store.Cleanup(ctx, *days)
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d record(s)\n", deleted)
	return nil
}

func (a *application) migrate(ctx context.Context) error {
	if a.cfg.DatabaseURL == "" {
		return errors.New("BUS_DATABASE_URL is required for migrate")
	}

	migrator, err := migration.NewMigrator(a.cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer migrator.Close()

	if err := migrator.Up(); err != nil {
		return err
	}

	version, dirty, err := migrator.Version()
	if err != nil {
		return err
	}
	fmt.Printf("schema at version %d (dirty=%v)\n", version, dirty)
	return nil
}

func (a *application) status(ctx context.Context) error {
	if len(a.cfg.Queues) == 0 {
		return errors.New("BUS_QUEUES is empty, nothing to report")
	}

	client, resolver, _, err := a.managedStack(ctx)
	if err != nil {
		return err
	}

	for _, queue := range a.cfg.Queues {
		if !resolver.QueueExists(ctx, queue) {
			fmt.Printf("%s\tabsent\n", resolver.EffectiveName(queue))
			continue
		}

		url, err := resolver.Resolve(ctx, queue)
		if err != nil {
			return err
		}
		depth, err := sqs.NewQueue(client, url).Depth(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s\tdepth=%d\n", resolver.EffectiveName(queue), depth)
	}
	return nil
}

func (a *application) check(ctx context.Context) error {
	var failures []error

	if _, resolver, _, err := a.managedStack(ctx); err != nil {
		failures = append(failures, fmt.Errorf("queue service: %w", err))
	} else if err := resolver.Ping(ctx); err != nil {
		failures = append(failures, fmt.Errorf("queue service: %w", err))
	} else {
		fmt.Println("queue service: ok")
	}

	if a.cfg.DatabaseURL != "" {
		manager, err := postgres.NewManager(ctx, postgres.Config{
			DSN:            a.cfg.DatabaseURL,
			ConnectTimeout: 5 * time.Second,
		}, a.obs)
		if err != nil {
			failures = append(failures, fmt.Errorf("database: %w", err))
		} else {
			fmt.Println("database: ok")
			_ = manager.Shutdown(context.Background())
		}
	}

	if a.cfg.RedisAddr != "" {
		cache := redis.NewClient(&redis.Options{
			Addr:     a.cfg.RedisAddr,
			Password: a.cfg.RedisPassword,
			DB:       a.cfg.RedisDB,
		})
		if err := cache.Ping(ctx).Err(); err != nil {
			failures = append(failures, fmt.Errorf("cache: %w", err))
		} else {
			fmt.Println("cache: ok")
		}
		_ = cache.Close()
	}

	if a.cfg.AMQPURL != "" {
		legacy, err := amqplegacy.Dial(ctx, amqplegacy.Config{
			URL:      a.cfg.AMQPURL,
			Exchange: a.cfg.AMQPExchange,
		}, a.cfg.ServiceName, a.obs)
		if err != nil {
			failures = append(failures, fmt.Errorf("legacy broker: %w", err))
		} else {
			fmt.Println("legacy broker: ok")
			_ = legacy.Close()
		}
	}

	return errors.Join(failures...)
}
