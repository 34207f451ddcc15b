package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"regbackend/engine"
	"regbackend/notify"
	"regbackend/obs"
	"regbackend/ossstore"
	"regbackend/redislock"
	"regbackend/store"
	"regbackend/streamq"
	"regbackend/sweeper"
	"regbackend/validate"
)

func main() {
	_ = godotenv.Load()

	shutdownObs, _ := obs.Init("validation-worker")
	defer func() { _ = shutdownObs(context.Background()) }()

	redisAddr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if redisAddr == "" {
		log.Fatalf("REDIS_ADDR is empty")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: strings.TrimSpace(os.Getenv("REDIS_PASSWORD")),
		DB:       readEnvIntDefault("REDIS_DB", 0),
	})

	reports, err := store.NewRedisReportStore(rdb)
	if err != nil {
		log.Fatalf("init report store failed: %v", err)
	}
	results, err := store.NewRedisValidationResultStore(rdb)
	if err != nil {
		log.Fatalf("init validation result store failed: %v", err)
	}

	var ossSt *ossstore.Store
	if st, enabled, err := ossstore.NewFromEnv(); err != nil {
		if enabled {
			log.Fatalf("init oss store failed: %v", err)
		}
	} else if enabled {
		ossSt = st
		log.Printf("oss store enabled bucket=%s", strings.TrimSpace(os.Getenv("OSS_BUCKET")))
	} else {
		log.Fatalf("oss store disabled: worker cannot fetch report files")
	}

	streamKey := readEnvDefault("REPORT_STREAM_KEY", "rp:reports:validation")
	group := readEnvDefault("REPORT_STREAM_GROUP", "rp-validation")
	maxLen := int64(readEnvIntDefault("REPORT_STREAM_MAXLEN", 100000))

	q := streamq.NewRedisStreamQueue(rdb, streamKey, group, maxLen)
	ctx, cancel := signalContext()
	defer cancel()

	if err := q.EnsureGroup(ctx); err != nil {
		log.Fatalf("ensure stream group failed: %v", err)
	}

	var notifier notify.Notifier
	if notifyStream := strings.TrimSpace(os.Getenv("NOTIFY_STREAM_KEY")); notifyStream != "" {
		notifier = notify.NewStreamNotifier(rdb, notifyStream)
		log.Printf("status notifications on stream %s", notifyStream)
	} else {
		notifier = notify.NewLogNotifier()
	}

	var eng engine.Engine
	switch strings.ToLower(readEnvDefault("VALIDATION_ENGINE", "xlsx")) {
	case "stub":
		eng = engine.NewStubEngine()
		log.Printf("using stub validation engine")
	default:
		eng = engine.NewXLSXEngine()
	}

	lock := redislock.New(rdb, readEnvDefault("REPORT_LOCK_PREFIX", "rp:lock:report:"))
	worker := validate.NewWorker(reports, results, ossSt, eng, notifier, lock)

	sw := sweeper.New(reports, notifier)
	sw.OnSweep = func(start time.Time, err error) {
		obs.RecordWorkerJob("timeout-sweeper", start, err)
	}
	go func() { _ = sw.Run(ctx) }()

	consumerName := strings.TrimSpace(os.Getenv("WORKER_CONSUMER_NAME"))
	if consumerName == "" {
		consumerName = strings.TrimSpace(os.Getenv("HOSTNAME"))
	}
	cons := streamq.NewConsumer(rdb, streamKey, group, consumerName)
	cons.SetConcurrency(readEnvIntDefault("STREAM_CONCURRENCY", 5))
	log.Printf("validation-worker start stream=%s group=%s consumer=%s", streamKey, group, consumerName)

	go serveMetrics(readEnvDefault("METRICS_ADDR", ":9090"))

	err = cons.ConsumeLoop(ctx, func(ctx context.Context, payload []byte) error {
		// handler must never crash the loop; every failure is persisted on the report.
		start := time.Now()
		err := worker.Process(ctx, payload)
		obs.RecordWorkerJob("validation-worker", start, err)
		return err
	})
	if err != nil && err != context.Canceled {
		log.Fatalf("consume loop exited: %v", err)
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           obs.WrapHTTP("validation-worker-metrics", mux),
		ReadHeaderTimeout: 3 * time.Second,
	}
	_ = srv.ListenAndServe()
}

func readEnvDefault(key, defaultVal string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	return val
}

func readEnvIntDefault(key string, defaultVal int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
		// second signal: hard exit
		select {
		case <-ch:
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()
	return ctx, cancel
}
