package validate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"regbackend/domain"
	"regbackend/engine"
	"regbackend/notify"
	"regbackend/redislock"
	"regbackend/store"
	"regbackend/streamq"
)

// FileStore is the slice of the object store the worker needs.
type FileStore interface {
	Enabled() bool
	GetObject(objectKey string) (io.ReadCloser, error)
	PutResultBytes(objectKey string, b []byte) error
	ObjectKeyForResult(reportID string) string
}

type Worker struct {
	reports  store.ReportStore
	results  store.ValidationResultStore
	files    FileStore
	engine   engine.Engine
	notifier notify.Notifier
	lock     *redislock.Client
	lockTTL  time.Duration
	lockKick time.Duration
	inflight chan struct{}

	retryAttempts int
	retryBase     time.Duration
	retryCap      time.Duration
}

func NewWorker(reports store.ReportStore, results store.ValidationResultStore, files FileStore, eng engine.Engine, notifier notify.Notifier, lock *redislock.Client) *Worker {
	maxInflight := readEnvIntDefault("VALIDATE_MAX_INFLIGHT", 5)
	if maxInflight <= 0 {
		maxInflight = 1
	}
	lockTTL := readEnvDurationSecondsDefault("REPORT_LOCK_TTL_SECONDS", 2*time.Hour)
	lockKick := readEnvDurationSecondsDefault("REPORT_LOCK_REFRESH_SECONDS", 30*time.Second)
	if lockKick <= 0 {
		lockKick = 30 * time.Second
	}
	return &Worker{
		reports:       reports,
		results:       results,
		files:         files,
		engine:        eng,
		notifier:      notifier,
		lock:          lock,
		lockTTL:       lockTTL,
		lockKick:      lockKick,
		inflight:      make(chan struct{}, maxInflight),
		retryAttempts: readEnvIntDefault("VALIDATE_RETRY_ATTEMPTS", 3),
		retryBase:     readEnvDurationSecondsDefault("VALIDATE_RETRY_BASE_SECONDS", time.Second),
		retryCap:      readEnvDurationSecondsDefault("VALIDATE_RETRY_CAP_SECONDS", 30*time.Second),
	}
}

func (w *Worker) acquireInflight() {
	if w == nil || w.inflight == nil {
		return
	}
	w.inflight <- struct{}{}
}

func (w *Worker) releaseInflight() {
	if w == nil || w.inflight == nil {
		return
	}
	select {
	case <-w.inflight:
	default:
	}
}

// Process handles one validation job delivery. It is the streamq.Handler for
// the validation stream and must stay safe under redelivery: every report
// transition re-checks its guard against the freshly loaded state.
func (w *Worker) Process(ctx context.Context, payload []byte) error {
	w.acquireInflight()
	defer w.releaseInflight()

	if w == nil || w.reports == nil || w.results == nil || w.engine == nil {
		return errors.New("worker not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var job domain.ValidationJob
	if err := json.Unmarshal(payload, &job); err != nil {
		// Malformed payloads never become valid; drop them.
		slog.Error("drop undecodable validation job", "err", err)
		return streamq.Terminal(fmt.Errorf("decode validation job: %w", err))
	}
	if err := job.Validate(); err != nil {
		slog.Error("drop invalid validation job", "report", job.ReportID, "err", err)
		return streamq.Terminal(err)
	}

	// Distributed lock: prevent duplicate processing across worker replicas.
	if w.lock != nil {
		token, err := redislock.Token()
		if err != nil {
			return err
		}
		lockKey := w.lock.Key(job.ReportID)
		ok, err := w.lock.Acquire(ctx, lockKey, token, w.lockTTL)
		if err != nil {
			// transient: keep pending
			return err
		}
		if !ok {
			// Another replica holds this report; likely a duplicate delivery.
			return streamq.Terminal(fmt.Errorf("report locked: %s", lockKey))
		}
		defer func() {
			_, _ = w.lock.Release(context.WithoutCancel(ctx), lockKey, token)
		}()

		stopKick := make(chan struct{})
		defer close(stopKick)
		go func() {
			t := time.NewTicker(w.lockKick)
			defer t.Stop()
			for {
				select {
				case <-stopKick:
					return
				case <-ctx.Done():
					return
				case <-t.C:
					if _, err := w.lock.Refresh(context.WithoutCancel(ctx), lockKey, token, w.lockTTL); err != nil {
						slog.Warn("lock refresh failed", "report", job.ReportID, "err", err)
					}
				}
			}
		}()
	}

	report, ok, err := w.reports.Get(ctx, job.ReportID)
	if err != nil {
		return err
	}
	if !ok {
		slog.Warn("validation job for unknown report, dropping", "report", job.ReportID)
		return streamq.Terminal(nil)
	}
	if report.Status.IsTerminal() || report.Status == domain.ValidationStatusContestedByUKNF {
		// Redelivery after the outcome was already recorded.
		slog.Info("report already settled, dropping redelivery",
			"report", report.ID, "status", string(report.Status))
		return streamq.Terminal(nil)
	}

	report, ok, err = w.reports.Update(ctx, job.ReportID, func(r *domain.Report) error {
		return r.UpdateToOngoing()
	})
	if err != nil {
		var se *domain.StateError
		if errors.As(err, &se) {
			if se.Status == domain.ValidationStatusWorking {
				// Enqueued before StartValidation was persisted; let the
				// redelivery pick it up once the write lands.
				return fmt.Errorf("report %s not yet transmitted", job.ReportID)
			}
			// Raced with a finishing transition; nothing left to do.
			slog.Info("skip job, report moved on", "report", job.ReportID, "status", string(se.Status))
			return streamq.Terminal(nil)
		}
		return err
	}
	if !ok {
		return streamq.Terminal(nil)
	}
	w.notifyStatus(ctx, report)

	resultID := uuid.NewString()
	vr, err := domain.NewValidationResult(resultID, report.ID, report.UniqueValidationID)
	if err != nil {
		return err
	}
	if err := w.results.Create(ctx, vr); err != nil {
		return err
	}

	var verdict *engine.Verdict
	err = w.retry(ctx, "validate report file", func() error {
		rc, err := w.files.GetObject(report.FileStorageKey)
		if err != nil {
			return fmt.Errorf("download report file: %w", err)
		}
		defer func() { _ = rc.Close() }()
		v, err := w.engine.Validate(ctx, rc, report.ReportType, report.ReportingPeriod)
		if err != nil {
			return err
		}
		verdict = v
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown, not a verdict; keep the job pending.
			return ctx.Err()
		}
		return w.failValidation(ctx, report.ID, resultID, err)
	}

	resultKey := ""
	if len(verdict.ResultArtifact) > 0 && w.files.Enabled() {
		resultKey = w.files.ObjectKeyForResult(report.ID)
		if err := w.retry(ctx, "upload result workbook", func() error {
			return w.files.PutResultBytes(resultKey, verdict.ResultArtifact)
		}); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return w.failValidation(ctx, report.ID, resultID, err)
		}
	}

	errsJSON := marshalFindings(verdict.Errors)
	warnsJSON := marshalFindings(verdict.Warnings)
	metaJSON := ""
	if len(verdict.ExtractedMetadata) > 0 {
		if b, err := json.Marshal(verdict.ExtractedMetadata); err == nil {
			metaJSON = string(b)
		}
	}
	if _, _, err := w.results.Update(ctx, resultID, func(v *domain.ValidationResult) error {
		return v.Complete(verdict.IsValid, errsJSON, warnsJSON, resultKey, metaJSON)
	}); err != nil {
		return err
	}

	report, ok, err = w.reports.Update(ctx, report.ID, func(r *domain.Report) error {
		if verdict.IsValid {
			return r.CompleteValidationSuccessfully(resultKey)
		}
		summary := fmt.Sprintf("Validation found %d errors", len(verdict.Errors))
		return r.CompleteValidationWithErrors(summary, resultKey)
	})
	if err != nil {
		if domain.IsStateError(err) {
			// The sweeper (or an operator) got there first.
			slog.Warn("verdict discarded, report no longer ongoing", "report", job.ReportID, "err", err)
			return streamq.Terminal(nil)
		}
		return err
	}
	if !ok {
		return streamq.Terminal(nil)
	}

	slog.Info("validation finished",
		"report", report.ID,
		"status", string(report.Status),
		"errors", len(verdict.Errors),
		"warnings", len(verdict.Warnings))
	w.notifyStatus(ctx, report)
	return nil
}

// failValidation settles a job whose retries are exhausted: the result row is
// closed with the technical message and the report moves to TechnicalError.
func (w *Worker) failValidation(ctx context.Context, reportID, resultID string, cause error) error {
	slog.Error("validation failed", "report", reportID, "err", cause)

	if _, _, err := w.results.Update(ctx, resultID, func(v *domain.ValidationResult) error {
		return v.MarkTechnicalError(cause.Error())
	}); err != nil {
		slog.Warn("mark result technical error failed", "report", reportID, "err", err)
	}

	report, ok, err := w.reports.Update(ctx, reportID, func(r *domain.Report) error {
		return r.RecordTechnicalError(cause.Error())
	})
	if err != nil {
		if !domain.IsStateError(err) {
			slog.Warn("record technical error failed", "report", reportID, "err", err)
		}
		return streamq.Terminal(cause)
	}
	if ok {
		w.notifyStatus(ctx, report)
	}
	return streamq.Terminal(cause)
}

func (w *Worker) notifyStatus(ctx context.Context, r *domain.Report) {
	if w.notifier == nil || r == nil {
		return
	}
	if err := w.notifier.NotifyStatus(ctx, r); err != nil {
		slog.Warn("status notification failed", "report", r.ID, "err", err)
	}
}

// retry runs op up to retryAttempts times with exponential backoff, capped.
func (w *Worker) retry(ctx context.Context, what string, op func() error) error {
	attempts := w.retryAttempts
	if attempts <= 0 {
		attempts = 3
	}
	base := w.retryBase
	if base <= 0 {
		base = time.Second
	}
	maxWait := w.retryCap
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = op(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		wait := base << uint(i)
		if wait > maxWait {
			wait = maxWait
		}
		slog.Warn("attempt failed, backing off", "op", what, "attempt", i+1, "backoff", wait, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}

func marshalFindings(fs []engine.Finding) string {
	if len(fs) == 0 {
		return ""
	}
	b, err := json.Marshal(fs)
	if err != nil {
		return ""
	}
	return string(b)
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

func readEnvDurationSecondsDefault(key string, defaultVal time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return time.Duration(n) * time.Second
}
