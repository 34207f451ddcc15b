package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"regbackend/domain"
)

// ReportStore is the shared state store for reports. It is the pipeline's sole
// synchronization point: every status change goes through Update, whose
// read-modify-write re-runs the domain guard against the freshly loaded state,
// so concurrent writers (consumer vs sweeper, redelivered jobs) cannot apply a
// transition whose precondition no longer holds.
type ReportStore interface {
	Create(ctx context.Context, r *domain.Report) error
	Get(ctx context.Context, id string) (*domain.Report, bool, error)
	// Update applies fn to the current report state atomically. If fn returns an
	// error nothing is written and the error is returned as-is.
	Update(ctx context.Context, id string, fn func(r *domain.Report) error) (*domain.Report, bool, error)
	// ListStuck returns reports still in Transmitted or Ongoing whose validation
	// started before cutoff. Used only by the timeout sweeper.
	ListStuck(ctx context.Context, cutoff time.Time) ([]*domain.Report, error)
	// FindActiveSubmission returns the ID of a non-archived, non-correction
	// report already submitted for the same entity/type/period, if any.
	FindActiveSubmission(ctx context.Context, entityID int64, reportType, reportingPeriod string) (string, bool, error)
}

var (
	ErrConflict = errors.New("report already exists")
	// ErrDuplicateSubmission: another active report occupies this
	// entity/type/period slot. Corrections are exempt.
	ErrDuplicateSubmission = errors.New("active report already submitted for this period")
)

func submissionSlot(entityID int64, reportType, reportingPeriod string) string {
	return fmt.Sprintf("%d:%s:%s", entityID, strings.TrimSpace(reportType), strings.TrimSpace(reportingPeriod))
}

type InMemoryReportStore struct {
	mu          sync.Mutex
	reports     map[string]*domain.Report
	submissions map[string]string // entity:type:period -> report ID
}

func NewInMemoryReportStore() *InMemoryReportStore {
	return &InMemoryReportStore{
		reports:     make(map[string]*domain.Report),
		submissions: make(map[string]string),
	}
}

func (s *InMemoryReportStore) Create(_ context.Context, r *domain.Report) error {
	if r == nil || strings.TrimSpace(r.ID) == "" {
		return errors.New("report/id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reports[r.ID]; ok {
		return ErrConflict
	}
	slot := submissionSlot(r.EntityID, r.ReportType, r.ReportingPeriod)
	if r.IsCorrectionOfReportID == "" {
		if _, taken := s.submissions[slot]; taken {
			return ErrDuplicateSubmission
		}
		s.submissions[slot] = r.ID
	}
	cp := *r
	s.reports[r.ID] = &cp
	return nil
}

func (s *InMemoryReportStore) Get(_ context.Context, id string) (*domain.Report, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[id]
	if !ok || r == nil {
		return nil, false, nil
	}
	cp := *r
	return &cp, true, nil
}

func (s *InMemoryReportStore) Update(_ context.Context, id string, fn func(r *domain.Report) error) (*domain.Report, bool, error) {
	if fn == nil {
		return nil, false, errors.New("update fn is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[id]
	if !ok {
		return nil, false, nil
	}
	cp := *r
	if err := fn(&cp); err != nil {
		return nil, true, err
	}
	if cp.IsCorrectionOfReportID == "" && cp.IsArchived != r.IsArchived {
		slot := submissionSlot(cp.EntityID, cp.ReportType, cp.ReportingPeriod)
		if cp.IsArchived {
			delete(s.submissions, slot)
		} else if _, taken := s.submissions[slot]; !taken {
			s.submissions[slot] = cp.ID
		}
	}
	s.reports[id] = &cp
	out := cp
	return &out, true, nil
}

func (s *InMemoryReportStore) FindActiveSubmission(_ context.Context, entityID int64, reportType, reportingPeriod string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.submissions[submissionSlot(entityID, reportType, reportingPeriod)]
	return id, ok, nil
}

func (s *InMemoryReportStore) ListStuck(_ context.Context, cutoff time.Time) ([]*domain.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Report
	for _, r := range s.reports {
		if !isStuck(r, cutoff) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func isStuck(r *domain.Report, cutoff time.Time) bool {
	if r == nil {
		return false
	}
	if r.Status != domain.ValidationStatusTransmitted && r.Status != domain.ValidationStatusOngoing {
		return false
	}
	return r.ValidationStartedDate != nil && r.ValidationStartedDate.Before(cutoff)
}

// reportRecord is the persisted shape; the domain type hides storage keys from
// its JSON form, so persistence carries them explicitly.
type reportRecord struct {
	ID       string `json:"id"`
	EntityID int64  `json:"entityId"`
	UserID   string `json:"userId"`

	FileName       string `json:"fileName"`
	FileStorageKey string `json:"fileStorageKey"`
	FileSize       int64  `json:"fileSize"`

	ReportType      string `json:"reportType"`
	ReportingPeriod string `json:"reportingPeriod"`

	Status             domain.ValidationStatus `json:"status"`
	UniqueValidationID string                  `json:"validationId,omitempty"`

	IsArchived             bool   `json:"isArchived"`
	IsCorrectionOfReportID string `json:"isCorrectionOfReportId,omitempty"`

	SubmittedDate           time.Time  `json:"submittedDate"`
	ValidationStartedDate   *time.Time `json:"validationStartedDate,omitempty"`
	ValidationCompletedDate *time.Time `json:"validationCompletedDate,omitempty"`

	ValidationResultFileKey string `json:"validationResultFileKey,omitempty"`
	ErrorDescription        string `json:"errorDescription,omitempty"`

	ContestedByUserID    string     `json:"contestedByUserId,omitempty"`
	ContestedDescription string     `json:"contestedDescription,omitempty"`
	ContestedDate        *time.Time `json:"contestedDate,omitempty"`
}

func recordFromReport(r *domain.Report) reportRecord {
	if r == nil {
		return reportRecord{}
	}
	return reportRecord{
		ID:                      r.ID,
		EntityID:                r.EntityID,
		UserID:                  r.UserID,
		FileName:                r.FileName,
		FileStorageKey:          r.FileStorageKey,
		FileSize:                r.FileSize,
		ReportType:              r.ReportType,
		ReportingPeriod:         r.ReportingPeriod,
		Status:                  r.Status,
		UniqueValidationID:      r.UniqueValidationID,
		IsArchived:              r.IsArchived,
		IsCorrectionOfReportID:  r.IsCorrectionOfReportID,
		SubmittedDate:           r.SubmittedDate,
		ValidationStartedDate:   r.ValidationStartedDate,
		ValidationCompletedDate: r.ValidationCompletedDate,
		ValidationResultFileKey: r.ValidationResultFileKey,
		ErrorDescription:        r.ErrorDescription,
		ContestedByUserID:       r.ContestedByUserID,
		ContestedDescription:    r.ContestedDescription,
		ContestedDate:           r.ContestedDate,
	}
}

func reportFromRecord(rec reportRecord) *domain.Report {
	return &domain.Report{
		ID:                      rec.ID,
		EntityID:                rec.EntityID,
		UserID:                  rec.UserID,
		FileName:                rec.FileName,
		FileStorageKey:          rec.FileStorageKey,
		FileSize:                rec.FileSize,
		ReportType:              rec.ReportType,
		ReportingPeriod:         rec.ReportingPeriod,
		Status:                  rec.Status,
		UniqueValidationID:      rec.UniqueValidationID,
		IsArchived:              rec.IsArchived,
		IsCorrectionOfReportID:  rec.IsCorrectionOfReportID,
		SubmittedDate:           rec.SubmittedDate,
		ValidationStartedDate:   rec.ValidationStartedDate,
		ValidationCompletedDate: rec.ValidationCompletedDate,
		ValidationResultFileKey: rec.ValidationResultFileKey,
		ErrorDescription:        rec.ErrorDescription,
		ContestedByUserID:       rec.ContestedByUserID,
		ContestedDescription:    rec.ContestedDescription,
		ContestedDate:           rec.ContestedDate,
	}
}

type RedisReportStore struct {
	rdb              *redis.Client
	keyPrefix        string
	inflightKey      string
	submissionPrefix string
}

func NewRedisReportStore(rdb *redis.Client) (*RedisReportStore, error) {
	if rdb == nil {
		return nil, errors.New("redis client is nil")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisReportStore{
		rdb:              rdb,
		keyPrefix:        "rp:report:",
		inflightKey:      "rp:reports:inflight",
		submissionPrefix: "rp:report:submission:",
	}, nil
}

func (s *RedisReportStore) key(id string) string {
	return s.keyPrefix + strings.TrimSpace(id)
}

func (s *RedisReportStore) submissionKey(entityID int64, reportType, reportingPeriod string) string {
	return s.submissionPrefix + submissionSlot(entityID, reportType, reportingPeriod)
}

func (s *RedisReportStore) Create(ctx context.Context, r *domain.Report) error {
	if r == nil || strings.TrimSpace(r.ID) == "" {
		return errors.New("report/id is empty")
	}
	b, err := json.Marshal(recordFromReport(r))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	subKey := ""
	if r.IsCorrectionOfReportID == "" {
		subKey = s.submissionKey(r.EntityID, r.ReportType, r.ReportingPeriod)
		ok, err := s.rdb.SetNX(ctx, subKey, r.ID, 0).Result()
		if err != nil {
			return err
		}
		if !ok {
			return ErrDuplicateSubmission
		}
	}

	ok, err := s.rdb.SetNX(ctx, s.key(r.ID), b, 0).Result()
	if err != nil || !ok {
		if subKey != "" {
			// Free the period slot again; the report was never created.
			_ = s.rdb.Del(context.WithoutCancel(ctx), subKey).Err()
		}
		if err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (s *RedisReportStore) Get(ctx context.Context, id string) (*domain.Report, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	val, err := s.rdb.Get(ctx, s.key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var rec reportRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, false, err
	}
	return reportFromRecord(rec), true, nil
}

// Update performs a WATCH-based compare-and-set: fn always sees the latest
// persisted state, and a concurrent write restarts the attempt. This is what
// gives the guarded transitions their update-if-current-state-matches semantic.
func (s *RedisReportStore) Update(ctx context.Context, id string, fn func(r *domain.Report) error) (*domain.Report, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false, nil
	}
	if fn == nil {
		return nil, false, errors.New("update fn is nil")
	}

	key := s.key(id)

	var out *domain.Report
	var found bool
	var fnErr error

	ctx, cancel := context.WithTimeout(ctx, 4*time.Second)
	defer cancel()

	for i := 0; i < 8; i++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			found = false
			fnErr = nil
			out = nil

			val, err := tx.Get(ctx, key).Result()
			if errors.Is(err, redis.Nil) {
				return nil
			}
			if err != nil {
				return err
			}
			var rec reportRecord
			if err := json.Unmarshal([]byte(val), &rec); err != nil {
				return err
			}
			r := reportFromRecord(rec)
			found = true
			if err := fn(r); err != nil {
				fnErr = err
				return nil
			}
			out = r

			nb, err := json.Marshal(recordFromReport(r))
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, nb, redis.KeepTTL)
				switch r.Status {
				case domain.ValidationStatusTransmitted, domain.ValidationStatusOngoing:
					pipe.SAdd(ctx, s.inflightKey, r.ID)
				default:
					pipe.SRem(ctx, s.inflightKey, r.ID)
				}
				if r.IsCorrectionOfReportID == "" && r.IsArchived != rec.IsArchived {
					sub := s.submissionKey(r.EntityID, r.ReportType, r.ReportingPeriod)
					if r.IsArchived {
						pipe.Del(ctx, sub)
					} else {
						pipe.SetNX(ctx, sub, r.ID, 0)
					}
				}
				return nil
			})
			return err
		}, key)

		if err == nil {
			if !found {
				return nil, false, nil
			}
			if fnErr != nil {
				return nil, true, fnErr
			}
			return out, true, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, false, err
	}

	return nil, false, errors.New("redis update retry exceeded")
}

func (s *RedisReportStore) ListStuck(ctx context.Context, cutoff time.Time) ([]*domain.Report, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ids, err := s.rdb.SMembers(ctx, s.inflightKey).Result()
	if err != nil {
		return nil, err
	}
	var out []*domain.Report
	for _, id := range ids {
		r, ok, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Stale index entry; drop it so the set does not grow forever.
			if serr := s.rdb.SRem(ctx, s.inflightKey, id).Err(); serr != nil {
				slog.Warn("drop stale inflight entry failed", "report", id, "err", serr)
			}
			continue
		}
		if isStuck(r, cutoff) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *RedisReportStore) FindActiveSubmission(ctx context.Context, entityID int64, reportType, reportingPeriod string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	id, err := s.rdb.Get(ctx, s.submissionKey(entityID, reportType, reportingPeriod)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}
