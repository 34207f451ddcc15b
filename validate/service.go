package validate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"regbackend/domain"
	"regbackend/store"
	"regbackend/streamq"
)

// SubmitFileStore is the slice of the object store the HTTP surface needs.
type SubmitFileStore interface {
	Enabled() bool
	ObjectKeyForUpload(reportID, originalName string) string
	PutReportFile(objectKey string, src io.Reader, contentType string) error
	DeleteObject(objectKey string) error
	SignDownloadURL(objectKey, downloadFilename string) (string, error)
}

type Service struct {
	reports store.ReportStore
	results store.ValidationResultStore
	queue   streamq.JobQueue
	files   SubmitFileStore
}

func NewService(reports store.ReportStore, results store.ValidationResultStore, q streamq.JobQueue, files SubmitFileStore) *Service {
	return &Service{
		reports: reports,
		results: results,
		queue:   q,
		files:   files,
	}
}

func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/reports", s.handleSubmit)
	mux.HandleFunc("/reports/", s.handleReportRoutes)
}

func (s *Service) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.files == nil || !s.files.Enabled() {
		http.Error(w, "object storage not configured", http.StatusServiceUnavailable)
		return
	}

	maxUploadMB := readEnvIntDefault("REPORT_MAX_UPLOAD_MB", 100)
	if maxUploadMB <= 0 {
		maxUploadMB = 100
	}
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxUploadMB)<<20)
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}

	reportID := uuid.NewString()
	var (
		fields     = map[string]string{}
		fileName   string
		fileKey    string
		fileSize   int64
		sawFile    bool
		uploadFail error
	)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.rollbackUpload(fileKey)
			http.Error(w, "invalid multipart stream", http.StatusBadRequest)
			return
		}
		if part == nil {
			continue
		}
		name := strings.TrimSpace(part.FormName())
		if name != "file" {
			// Small form fields; cap them so nobody smuggles a file in here.
			val, err := io.ReadAll(io.LimitReader(part, 4<<10))
			_ = part.Close()
			if err != nil {
				s.rollbackUpload(fileKey)
				http.Error(w, "invalid form field "+name, http.StatusBadRequest)
				return
			}
			fields[name] = strings.TrimSpace(string(val))
			continue
		}

		if sawFile {
			_, _ = io.Copy(io.Discard, part)
			_ = part.Close()
			continue
		}
		sawFile = true
		fileName = safeBaseNameFromName(part.FileName())
		if !strings.EqualFold(filepath.Ext(fileName), ".xlsx") {
			_ = part.Close()
			http.Error(w, "only .xlsx report files are accepted", http.StatusBadRequest)
			return
		}
		fileKey = s.files.ObjectKeyForUpload(reportID, fileName)
		cr := &countingReader{r: part}
		uploadFail = s.files.PutReportFile(fileKey, cr, xlsxContentType)
		fileSize = cr.n
		_ = part.Close()
	}

	if uploadFail != nil {
		s.rollbackUpload(fileKey)
		http.Error(w, "storing report file failed", http.StatusBadGateway)
		return
	}
	if !sawFile {
		http.Error(w, "missing file", http.StatusBadRequest)
		return
	}

	entityID, _ := strconv.ParseInt(fields["entityId"], 10, 64)
	userID := fields["userId"]
	reportType := fields["reportType"]
	reportingPeriod := fields["reportingPeriod"]
	correctionOf := fields["correctionOfReportId"]

	var report *domain.Report
	if correctionOf != "" {
		report, err = domain.NewCorrectionReport(reportID, entityID, userID, fileName, fileKey, fileSize, reportType, reportingPeriod, correctionOf)
	} else {
		report, err = domain.NewReport(reportID, entityID, userID, fileName, fileKey, fileSize, reportType, reportingPeriod)
	}
	if err != nil {
		s.rollbackUpload(fileKey)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if correctionOf == "" {
		if existing, taken, err := s.reports.FindActiveSubmission(r.Context(), entityID, reportType, reportingPeriod); err == nil && taken {
			s.rollbackUpload(fileKey)
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"error":            "a report for this entity, type and period is already submitted",
				"existingReportId": existing,
			})
			return
		}
	}

	if err := s.reports.Create(r.Context(), report); err != nil {
		s.rollbackUpload(fileKey)
		if errors.Is(err, store.ErrDuplicateSubmission) {
			http.Error(w, "a report for this entity, type and period is already submitted", http.StatusConflict)
			return
		}
		slog.Error("create report failed", "report", reportID, "err", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	validationID := uuid.NewString()
	report, ok, err := s.reports.Update(r.Context(), reportID, func(rep *domain.Report) error {
		return rep.StartValidation(validationID)
	})
	if err != nil || !ok {
		slog.Error("start validation failed", "report", reportID, "err", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	job := domain.JobForReport(report)
	enqueueCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := EnqueueJob(enqueueCtx, s.queue, &job); err != nil {
		// The report would hang in Transmitted forever; settle it now.
		_, _, _ = s.reports.Update(context.WithoutCancel(r.Context()), reportID, func(rep *domain.Report) error {
			return rep.RecordTechnicalError("queueing validation job failed: " + err.Error())
		})
		http.Error(w, "queueing validation job failed", http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"reportId":     report.ID,
		"status":       string(report.Status),
		"validationId": report.UniqueValidationID,
	})
}

func (s *Service) rollbackUpload(fileKey string) {
	if fileKey == "" || s.files == nil || !s.files.Enabled() {
		return
	}
	if err := s.files.DeleteObject(fileKey); err != nil {
		slog.Warn("rollback uploaded report file failed", "key", fileKey, "err", err)
	}
}

func (s *Service) handleReportRoutes(w http.ResponseWriter, r *http.Request) {
	// /reports/{id}
	// /reports/{id}/result
	// /reports/{id}/contest
	// /reports/{id}/archive
	// /reports/{id}/unarchive
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/reports/"), "/")
	if path == "" {
		http.Error(w, "reportId required", http.StatusBadRequest)
		return
	}
	parts := strings.Split(path, "/")
	reportID := parts[0]
	if reportID == "" {
		http.Error(w, "reportId required", http.StatusBadRequest)
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleGetReport(w, r, reportID)
		return
	}
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	switch parts[1] {
	case "result":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleDownloadResult(w, r, reportID)
	case "contest":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleContest(w, r, reportID)
	case "archive":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleArchiveFlag(w, r, reportID, true)
	case "unarchive":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleArchiveFlag(w, r, reportID, false)
	default:
		http.NotFound(w, r)
	}
}

func (s *Service) handleGetReport(w http.ResponseWriter, r *http.Request, reportID string) {
	report, ok, err := s.reports.Get(r.Context(), reportID)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}

	resp := map[string]interface{}{
		"reportId":        report.ID,
		"entityId":        report.EntityID,
		"status":          string(report.Status),
		"fileName":        report.FileName,
		"fileSize":        report.FileSize,
		"reportType":      report.ReportType,
		"reportingPeriod": report.ReportingPeriod,
		"submittedDate":   report.SubmittedDate,
		"isArchived":      report.IsArchived,
		"hasResult":       strings.TrimSpace(report.ValidationResultFileKey) != "",
	}
	if report.UniqueValidationID != "" {
		resp["validationId"] = report.UniqueValidationID
	}
	if report.IsCorrectionOfReportID != "" {
		resp["correctionOfReportId"] = report.IsCorrectionOfReportID
	}
	if report.ValidationStartedDate != nil {
		resp["validationStartedDate"] = report.ValidationStartedDate
	}
	if report.ValidationCompletedDate != nil {
		resp["validationCompletedDate"] = report.ValidationCompletedDate
	}
	if report.ErrorDescription != "" {
		resp["errorDescription"] = report.ErrorDescription
	}
	if report.Status == domain.ValidationStatusContestedByUKNF {
		resp["contestedByUserId"] = report.ContestedByUserID
		resp["contestedDescription"] = report.ContestedDescription
		resp["contestedDate"] = report.ContestedDate
	}

	if s.results != nil {
		if vr, ok, err := s.results.GetByReportID(r.Context(), reportID); err == nil && ok && vr.CompletedDate != nil {
			detail := map[string]interface{}{
				"completedDate": vr.CompletedDate,
			}
			if vr.IsValid != nil {
				detail["isValid"] = *vr.IsValid
			}
			if vr.ErrorsJSON != "" {
				detail["errors"] = json.RawMessage(vr.ErrorsJSON)
			}
			if vr.WarningsJSON != "" {
				detail["warnings"] = json.RawMessage(vr.WarningsJSON)
			}
			if vr.TechnicalErrorMessage != "" {
				detail["technicalError"] = vr.TechnicalErrorMessage
			}
			resp["validationResult"] = detail
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleDownloadResult(w http.ResponseWriter, r *http.Request, reportID string) {
	report, ok, err := s.reports.Get(r.Context(), reportID)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	if strings.TrimSpace(report.ValidationResultFileKey) == "" {
		http.Error(w, "validation result not available", http.StatusConflict)
		return
	}
	if s.files == nil || !s.files.Enabled() {
		http.Error(w, "object storage not configured", http.StatusServiceUnavailable)
		return
	}
	signed, err := s.files.SignDownloadURL(report.ValidationResultFileKey, "validation-result.xlsx")
	if err != nil {
		http.Error(w, "generating download link failed", http.StatusBadGateway)
		return
	}
	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"url":      signed,
			"filename": "validation-result.xlsx",
		})
		return
	}
	http.Redirect(w, r, signed, http.StatusFound)
}

func (s *Service) handleContest(w http.ResponseWriter, r *http.Request, reportID string) {
	var body struct {
		UserID      string `json:"userId"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&body); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	report, ok, err := s.reports.Update(r.Context(), reportID, func(rep *domain.Report) error {
		return rep.ContestByUKNF(body.UserID, body.Description)
	})
	if err != nil {
		if domain.IsStateError(err) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reportId": report.ID,
		"status":   string(report.Status),
	})
}

func (s *Service) handleArchiveFlag(w http.ResponseWriter, r *http.Request, reportID string, archived bool) {
	report, ok, err := s.reports.Update(r.Context(), reportID, func(rep *domain.Report) error {
		if archived {
			rep.Archive()
		} else {
			rep.Unarchive()
		}
		return nil
	})
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reportId":   report.ID,
		"isArchived": report.IsArchived,
	})
}

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func wantsJSON(r *http.Request) bool {
	if r == nil {
		return false
	}
	q := r.URL.Query()
	if strings.EqualFold(strings.TrimSpace(q.Get("format")), "json") {
		return true
	}
	accept := strings.ToLower(r.Header.Get("Accept"))
	return strings.Contains(accept, "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func safeBaseNameFromName(name string) string {
	if strings.TrimSpace(name) == "" {
		return "report.xlsx"
	}
	return filepath.Base(strings.ReplaceAll(name, "\\", "/"))
}
