package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/andresmejia3/rollcall/internal/notify"
	"github.com/andresmejia3/rollcall/internal/pipeline"
	"github.com/andresmejia3/rollcall/internal/types"
)

type fakeRunner struct {
	paths    []string
	contents []string
	err      error
}

func (f *fakeRunner) Run(ctx context.Context, paths []string) (*pipeline.Report, error) {
	f.paths = paths
	for _, p := range paths {
		data, _ := os.ReadFile(p)
		f.contents = append(f.contents, string(data))
	}
	if f.err != nil {
		return nil, f.err
	}
	return &pipeline.Report{
		RunID:     "run-1",
		Images:    len(paths),
		Processed: len(paths),
		Verdict: types.Verdict{
			"bob":   {Name: "bob", Confidence: 70, Samples: 1},
			"alice": {Name: "alice", Confidence: 90, Samples: 2},
		},
	}, nil
}

type fakeNotifier struct {
	subject string
	names   []string
	err     error
}

func (f *fakeNotifier) Notify(ctx context.Context, v types.Verdict, subject string, classTime time.Time) (notify.Result, error) {
	f.subject = subject
	f.names = v.Names()
	return notify.Result{Sent: []notify.Outcome{{Name: "alice", Email: "a@example.com"}}}, f.err
}

func uploadRequest(t *testing.T, fields map[string]string, images map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	for name, content := range images {
		fw, err := mw.CreateFormFile("images", name)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write([]byte(content))
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/attendance", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestHealth(t *testing.T) {
	s := NewServer(&fakeRunner{}, nil, Options{})
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}
}

func TestAttendance(t *testing.T) {
	runner := &fakeRunner{}
	notifier := &fakeNotifier{}
	s := NewServer(runner, notifier, Options{})
	fixed := time.Date(2024, 9, 2, 8, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	req := uploadRequest(t,
		map[string]string{"name": "Dr. Rivera", "subject_name": "Biology"},
		map[string]string{"a.jpg": "first", "b.jpg": "second"},
	)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp AttendanceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(resp.RecognizedFaces) != 2 || resp.RecognizedFaces[0] != "alice" || resp.RecognizedFaces[1] != "bob" {
		t.Errorf("recognized_faces = %v", resp.RecognizedFaces)
	}
	if resp.Subject != "Biology" || !resp.ClassTime.Equal(fixed) || resp.Report == nil || resp.Report.RunID != "run-1" {
		t.Errorf("unexpected response %+v", resp)
	}
	if resp.Notifications == nil || len(resp.Notifications.Sent) != 1 {
		t.Errorf("notifications missing: %+v", resp.Notifications)
	}
	if notifier.subject != "Biology" || len(notifier.names) != 2 {
		t.Errorf("notifier got subject %q names %v", notifier.subject, notifier.names)
	}

	if len(runner.paths) != 2 {
		t.Fatalf("runner received %v", runner.paths)
	}
	if runner.contents[0]+runner.contents[1] != "firstsecond" && runner.contents[0]+runner.contents[1] != "secondfirst" {
		t.Errorf("uploads not saved intact: %v", runner.contents)
	}
	if _, err := os.Stat(filepath.Dir(runner.paths[0])); !os.IsNotExist(err) {
		t.Errorf("upload directory should be removed after the request, stat err = %v", err)
	}
}

func TestAttendance_DuplicateFilenames(t *testing.T) {
	runner := &fakeRunner{}
	s := NewServer(runner, nil, Options{})

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	mw.WriteField("name", "x")
	mw.WriteField("subject_name", "y")
	for _, content := range []string{"one", "two"} {
		fw, _ := mw.CreateFormFile("images", "class.jpg")
		fw.Write([]byte(content))
	}
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/attendance", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(runner.paths) != 2 || runner.paths[0] == runner.paths[1] || runner.contents[0] != "one" || runner.contents[1] != "two" {
		t.Errorf("uploads collided: %v %v", runner.paths, runner.contents)
	}
}

func TestAttendance_Validation(t *testing.T) {
	seven := map[string]string{}
	for _, n := range []string{"1", "2", "3", "4", "5", "6", "7"} {
		seven[n+".jpg"] = n
	}
	tests := []struct {
		name   string
		fields map[string]string
		images map[string]string
		want   string
	}{
		{"missing name", map[string]string{"subject_name": "Math"}, map[string]string{"a.jpg": "x"}, "name is required"},
		{"missing subject", map[string]string{"name": "T"}, map[string]string{"a.jpg": "x"}, "subject_name is required"},
		{"no images", map[string]string{"name": "T", "subject_name": "Math"}, nil, "no images uploaded"},
		{"too many images", map[string]string{"name": "T", "subject_name": "Math"}, seven, "you can upload a maximum of 6 images"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{}
			s := NewServer(runner, nil, Options{})
			rec := httptest.NewRecorder()
			s.Router().ServeHTTP(rec, uploadRequest(t, tt.fields, tt.images))

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			var body map[string]string
			json.Unmarshal(rec.Body.Bytes(), &body)
			if body["error"] != tt.want {
				t.Errorf("error = %q, want %q", body["error"], tt.want)
			}
			if runner.paths != nil {
				t.Error("pipeline should not run for an invalid request")
			}
		})
	}
}

func TestAttendance_NotMultipart(t *testing.T) {
	s := NewServer(&fakeRunner{}, nil, Options{})
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/attendance", bytes.NewBufferString("{}")))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestAttendance_RunFailure(t *testing.T) {
	s := NewServer(&fakeRunner{err: errors.New("gallery unavailable")}, nil, Options{})
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, uploadRequest(t, map[string]string{"name": "T", "subject_name": "Math"}, map[string]string{"a.jpg": "x"}))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}

func TestAttendance_NotifyFailureIsNotFatal(t *testing.T) {
	s := NewServer(&fakeRunner{}, &fakeNotifier{err: context.DeadlineExceeded}, Options{})
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, uploadRequest(t, map[string]string{"name": "T", "subject_name": "Math"}, map[string]string{"a.jpg": "x"}))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 despite notification failure, got %d", rec.Code)
	}
}

func TestAttendance_CustomLimit(t *testing.T) {
	s := NewServer(&fakeRunner{}, nil, Options{MaxImages: 1})
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, uploadRequest(t, map[string]string{"name": "T", "subject_name": "Math"},
		map[string]string{"a.jpg": "x", "b.jpg": "y"}))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}
