package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/andresmejia3/rollcall/internal/notify"
	"github.com/andresmejia3/rollcall/internal/pipeline"
)

// AttendanceResponse is the body returned by POST /api/v1/attendance.
type AttendanceResponse struct {
	Name            string           `json:"name"`
	Subject         string           `json:"subject_name"`
	ClassTime       time.Time        `json:"class_time"`
	RecognizedFaces []string         `json:"recognized_faces"`
	Report          *pipeline.Report `json:"report"`
	Notifications   *notify.Result   `json:"notifications,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// attendance runs the pipeline over the uploaded images and, when a notifier
// is configured, emails the contacts of everyone present. The uploads live in
// a per-request directory that is removed before returning.
func (s *Server) attendance(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		respondError(w, http.StatusBadRequest, "failed to parse multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	name := r.FormValue("name")
	if name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	subject := r.FormValue("subject_name")
	if subject == "" {
		respondError(w, http.StatusBadRequest, "subject_name is required")
		return
	}

	files := r.MultipartForm.File["images"]
	if len(files) == 0 {
		respondError(w, http.StatusBadRequest, "no images uploaded")
		return
	}
	if len(files) > s.maxImages {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("you can upload a maximum of %d images", s.maxImages))
		return
	}

	classTime := s.now()
	tempDir, err := os.MkdirTemp("", "rollcall-upload-*")
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create temp directory")
		return
	}
	defer os.RemoveAll(tempDir)

	paths, err := saveUploadedFiles(files, tempDir)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	report, err := s.runner.Run(r.Context(), paths)
	if err != nil {
		s.logger.Printf("attendance run for %q failed: %v", name, err)
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("recognition failed: %v", err))
		return
	}
	s.logger.Printf("attendance run %s for %q: %s", report.RunID, name, report.Summary())

	resp := AttendanceResponse{
		Name:            name,
		Subject:         subject,
		ClassTime:       classTime,
		RecognizedFaces: report.Verdict.Names(),
		Report:          report,
	}

	if s.notifier != nil {
		res, err := s.notifier.Notify(r.Context(), report.Verdict, subject, classTime)
		if err != nil {
			// Notification problems never fail the request.
			s.logger.Printf("sending attendance emails failed: %v", err)
		}
		resp.Notifications = &res
	}

	respondJSON(w, http.StatusOK, resp)
}

// saveUploadedFiles copies the uploads into dir. Files are prefixed with their
// position so two uploads with the same name do not collide.
func saveUploadedFiles(files []*multipart.FileHeader, dir string) ([]string, error) {
	var paths []string
	for i, fh := range files {
		if err := func() error {
			file, err := fh.Open()
			if err != nil {
				return fmt.Errorf("failed to open file: %s", fh.Filename)
			}
			defer file.Close()

			path := filepath.Join(dir, fmt.Sprintf("%02d_%s", i, filepath.Base(fh.Filename)))
			out, err := os.Create(path)
			if err != nil {
				return errors.New("failed to create temp file")
			}
			if _, err := io.Copy(out, file); err != nil {
				out.Close()
				return errors.New("failed to save file")
			}
			if err := out.Close(); err != nil {
				return errors.New("failed to save file")
			}
			paths = append(paths, path)
			return nil
		}(); err != nil {
			return nil, err
		}
	}
	return paths, nil
}
