package validate

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"regbackend/domain"
)

// fakeFiles is an in-memory object store covering both the worker and the
// HTTP surface.
type fakeFiles struct {
	mu      sync.Mutex
	objects map[string][]byte

	failGets int // fail this many GetObject calls, then succeed
	failPuts int
}

func newFakeFiles() *fakeFiles {
	return &fakeFiles{objects: make(map[string][]byte)}
}

func (f *fakeFiles) Enabled() bool { return true }

func (f *fakeFiles) GetObject(key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGets > 0 {
		f.failGets--
		return nil, errors.New("storage unavailable")
	}
	b, ok := f.objects[key]
	if !ok {
		return nil, errors.New("no such object: " + key)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (f *fakeFiles) PutResultBytes(key string, b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPuts > 0 {
		f.failPuts--
		return errors.New("storage unavailable")
	}
	f.objects[key] = append([]byte(nil), b...)
	return nil
}

func (f *fakeFiles) ObjectKeyForResult(reportID string) string {
	return "report-results/" + reportID + "/validation-result.xlsx"
}

func (f *fakeFiles) ObjectKeyForUpload(reportID, originalName string) string {
	return "report-uploads/" + reportID + "/" + originalName
}

func (f *fakeFiles) PutReportFile(key string, src io.Reader, contentType string) error {
	b, err := io.ReadAll(src)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = b
	return nil
}

func (f *fakeFiles) DeleteObject(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeFiles) SignDownloadURL(key, downloadFilename string) (string, error) {
	return "https://oss.example/" + key + "?sig=test", nil
}

func (f *fakeFiles) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

type fakeNotifier struct {
	mu       sync.Mutex
	statuses []domain.ValidationStatus
	timeouts []string
}

func (n *fakeNotifier) NotifyStatus(_ context.Context, r *domain.Report) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, r.Status)
	return nil
}

func (n *fakeNotifier) NotifyTimeout(_ context.Context, r *domain.Report) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.timeouts = append(n.timeouts, r.ID)
	return nil
}

func (n *fakeNotifier) statusSeen(s domain.ValidationStatus) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, got := range n.statuses {
		if got == s {
			return true
		}
	}
	return false
}

type fakeQueue struct {
	mu       sync.Mutex
	payloads [][]byte
	failNext bool
}

func (q *fakeQueue) Enqueue(_ context.Context, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failNext {
		q.failNext = false
		return errors.New("stream unavailable")
	}
	q.payloads = append(q.payloads, append([]byte(nil), payload...))
	return nil
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.payloads)
}
