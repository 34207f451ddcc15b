package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"regbackend/obs"
	"regbackend/ossstore"
	"regbackend/store"
	"regbackend/streamq"
	"regbackend/validate"
)

func main() {
	_ = godotenv.Load()

	shutdownObs, _ := obs.Init("report-api")
	defer func() { _ = shutdownObs(context.Background()) }()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	redisAddr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if redisAddr == "" {
		log.Fatalf("REDIS_ADDR is empty: the validation pipeline requires Redis")
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
		log.Printf("oss store disabled: report submission will be rejected")
	}

	streamKey := readEnvDefault("REPORT_STREAM_KEY", "rp:reports:validation")
	group := readEnvDefault("REPORT_STREAM_GROUP", "rp-validation")
	maxLen := int64(readEnvIntDefault("REPORT_STREAM_MAXLEN", 100000))
	q := streamq.NewRedisStreamQueue(rdb, streamKey, group, maxLen)

	svc := validate.NewService(reports, results, q, ossSt)
	svc.RegisterRoutes(mux)

	addr := ":" + readEnvDefault("PORT", "8080")
	log.Printf("report api listening on %s", addr)
	// Wrap order: cors -> otel/metrics -> mux
	handler := corsMiddleware(obs.WrapHTTP("report-api", mux))
	if err := http.ListenAndServe(addr, handler); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
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
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}

func corsMiddleware(next http.Handler) http.Handler {
	allowOrigin := readEnvDefault("CORS_ALLOW_ORIGIN", "http://localhost:5173")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
