package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"regbackend/domain"
)

type ValidationResultStore interface {
	Create(ctx context.Context, v *domain.ValidationResult) error
	Get(ctx context.Context, id string) (*domain.ValidationResult, bool, error)
	GetByReportID(ctx context.Context, reportID string) (*domain.ValidationResult, bool, error)
	Update(ctx context.Context, id string, fn func(v *domain.ValidationResult) error) (*domain.ValidationResult, bool, error)
}

type InMemoryValidationResultStore struct {
	mu       sync.Mutex
	results  map[string]*domain.ValidationResult
	byReport map[string]string
}

func NewInMemoryValidationResultStore() *InMemoryValidationResultStore {
	return &InMemoryValidationResultStore{
		results:  make(map[string]*domain.ValidationResult),
		byReport: make(map[string]string),
	}
}

func (s *InMemoryValidationResultStore) Create(_ context.Context, v *domain.ValidationResult) error {
	if v == nil || strings.TrimSpace(v.ID) == "" {
		return errors.New("validation result/id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[v.ID]; ok {
		return ErrConflict
	}
	cp := *v
	s.results[v.ID] = &cp
	s.byReport[v.ReportID] = v.ID
	return nil
}

func (s *InMemoryValidationResultStore) Get(_ context.Context, id string) (*domain.ValidationResult, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.results[id]
	if !ok || v == nil {
		return nil, false, nil
	}
	cp := *v
	return &cp, true, nil
}

func (s *InMemoryValidationResultStore) GetByReportID(ctx context.Context, reportID string) (*domain.ValidationResult, bool, error) {
	s.mu.Lock()
	id, ok := s.byReport[reportID]
	s.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	return s.Get(ctx, id)
}

func (s *InMemoryValidationResultStore) Update(_ context.Context, id string, fn func(v *domain.ValidationResult) error) (*domain.ValidationResult, bool, error) {
	if fn == nil {
		return nil, false, errors.New("update fn is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.results[id]
	if !ok {
		return nil, false, nil
	}
	cp := *v
	if err := fn(&cp); err != nil {
		return nil, true, err
	}
	s.results[id] = &cp
	out := cp
	return &out, true, nil
}

type RedisValidationResultStore struct {
	rdb            *redis.Client
	keyPrefix      string
	byReportPrefix string
}

func NewRedisValidationResultStore(rdb *redis.Client) (*RedisValidationResultStore, error) {
	if rdb == nil {
		return nil, errors.New("redis client is nil")
	}
	return &RedisValidationResultStore{
		rdb:            rdb,
		keyPrefix:      "rp:valresult:",
		byReportPrefix: "rp:valresult:byreport:",
	}, nil
}

func (s *RedisValidationResultStore) key(id string) string {
	return s.keyPrefix + strings.TrimSpace(id)
}

func (s *RedisValidationResultStore) reportKey(reportID string) string {
	return s.byReportPrefix + strings.TrimSpace(reportID)
}

// validationResultRecord mirrors the domain type with the storage key persisted.
type validationResultRecord struct {
	ID           string `json:"id"`
	ReportID     string `json:"reportId"`
	ValidationID string `json:"validationId"`

	IsValid               *bool  `json:"isValid,omitempty"`
	ErrorsJSON            string `json:"errorsJson,omitempty"`
	WarningsJSON          string `json:"warningsJson,omitempty"`
	ResultFileStorageKey  string `json:"resultFileStorageKey,omitempty"`
	ExtractedMetadataJSON string `json:"extractedMetadataJson,omitempty"`
	TechnicalErrorMessage string `json:"technicalErrorMessage,omitempty"`

	CreatedDate   time.Time  `json:"createdDate"`
	CompletedDate *time.Time `json:"completedDate,omitempty"`
}

func recordFromResult(v *domain.ValidationResult) validationResultRecord {
	if v == nil {
		return validationResultRecord{}
	}
	return validationResultRecord{
		ID:                    v.ID,
		ReportID:              v.ReportID,
		ValidationID:          v.ValidationID,
		IsValid:               v.IsValid,
		ErrorsJSON:            v.ErrorsJSON,
		WarningsJSON:          v.WarningsJSON,
		ResultFileStorageKey:  v.ResultFileStorageKey,
		ExtractedMetadataJSON: v.ExtractedMetadataJSON,
		TechnicalErrorMessage: v.TechnicalErrorMessage,
		CreatedDate:           v.CreatedDate,
		CompletedDate:         v.CompletedDate,
	}
}

func resultFromRecord(rec validationResultRecord) *domain.ValidationResult {
	return &domain.ValidationResult{
		ID:                    rec.ID,
		ReportID:              rec.ReportID,
		ValidationID:          rec.ValidationID,
		IsValid:               rec.IsValid,
		ErrorsJSON:            rec.ErrorsJSON,
		WarningsJSON:          rec.WarningsJSON,
		ResultFileStorageKey:  rec.ResultFileStorageKey,
		ExtractedMetadataJSON: rec.ExtractedMetadataJSON,
		TechnicalErrorMessage: rec.TechnicalErrorMessage,
		CreatedDate:           rec.CreatedDate,
		CompletedDate:         rec.CompletedDate,
	}
}

func (s *RedisValidationResultStore) Create(ctx context.Context, v *domain.ValidationResult) error {
	if v == nil || strings.TrimSpace(v.ID) == "" {
		return errors.New("validation result/id is empty")
	}
	b, err := json.Marshal(recordFromResult(v))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	ok, err := s.rdb.SetNX(ctx, s.key(v.ID), b, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	// Latest attempt wins for the report mapping: a correction resubmission
	// creates a fresh result row for the same report.
	return s.rdb.Set(ctx, s.reportKey(v.ReportID), v.ID, 0).Err()
}

func (s *RedisValidationResultStore) Get(ctx context.Context, id string) (*domain.ValidationResult, bool, error) {
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
	var rec validationResultRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, false, err
	}
	return resultFromRecord(rec), true, nil
}

func (s *RedisValidationResultStore) GetByReportID(ctx context.Context, reportID string) (*domain.ValidationResult, bool, error) {
	reportID = strings.TrimSpace(reportID)
	if reportID == "" {
		return nil, false, nil
	}
	lctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	id, err := s.rdb.Get(lctx, s.reportKey(reportID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return s.Get(ctx, id)
}

func (s *RedisValidationResultStore) Update(ctx context.Context, id string, fn func(v *domain.ValidationResult) error) (*domain.ValidationResult, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false, nil
	}
	if fn == nil {
		return nil, false, errors.New("update fn is nil")
	}

	key := s.key(id)

	var out *domain.ValidationResult
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
			var rec validationResultRecord
			if err := json.Unmarshal([]byte(val), &rec); err != nil {
				return err
			}
			v := resultFromRecord(rec)
			found = true
			if err := fn(v); err != nil {
				fnErr = err
				return nil
			}
			out = v

			nb, err := json.Marshal(recordFromResult(v))
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, nb, redis.KeepTTL)
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
