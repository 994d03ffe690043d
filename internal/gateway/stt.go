package gateway

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-audio/wav"
	"github.com/go-chi/chi/v5"

	"voicegate/internal/httpserver"
)

var allowedAudioExt = map[string]bool{
	"wav": true,
	"mp3": true,
	"ogg": true,
}

type sttResponse struct {
	Success    bool    `json:"success"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language"`
	Duration   float64 `json:"duration"`
}

type sttError struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (h *Handler) handleSTT(w http.ResponseWriter, r *http.Request) {
	log := h.requestLogger(r)
	maxBytes := h.upload.MaxBytes
	if r.ContentLength > maxBytes {
		h.writeTooLarge(w)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	if err := r.ParseMultipartForm(maxBytes); err != nil {
		if isTooLarge(err) {
			h.writeTooLarge(w)
			return
		}
		log.Warn("stt: parse multipart failed", "content_type", r.Header.Get("Content-Type"), "error", err)
		httpserver.WriteJSONError(w, http.StatusBadRequest, "audio file not found")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, fh, err := r.FormFile("audio")
	if err != nil {
		if _, ok := r.MultipartForm.Value["audio"]; ok {
			log.Warn("stt: empty audio filename")
			httpserver.WriteJSONError(w, http.StatusBadRequest, "no file selected")
			return
		}
		log.Warn("stt: audio field missing", "fields", formKeys(r.MultipartForm))
		httpserver.WriteJSONError(w, http.StatusBadRequest, "audio file not found")
		return
	}
	defer file.Close()

	if fh.Filename == "" {
		httpserver.WriteJSONError(w, http.StatusBadRequest, "no file selected")
		return
	}
	ext := fileExt(fh.Filename)
	if !allowedAudioExt[ext] {
		log.Warn("stt: unsupported audio format", "filename", fh.Filename)
		httpserver.WriteJSONError(w, http.StatusBadRequest, "unsupported audio format")
		return
	}

	name := fmt.Sprintf("%d_%s", h.now().Unix(), secureFilename(fh.Filename))
	path, size, err := h.saveUpload(file, name)
	if err != nil {
		log.Error("stt: save upload failed", "error", err)
		httpserver.WriteJSONError(w, http.StatusInternalServerError, "failed to save upload")
		return
	}
	log.Info("stt: upload saved", "path", path, "size", size, "filename", fh.Filename)

	var duration time.Duration
	if ext == "wav" {
		duration = wavDuration(path)
	}

	audioURL := h.publicBaseURL(r) + "/uploads/" + name
	log.Info("stt: audio url built", "url", audioURL)

	result, err := h.asr.Recognize(r.Context(), audioURL)

	if h.upload.KeepUploads {
		log.Info("stt: keeping upload", "path", path)
	} else if rmErr := os.Remove(path); rmErr != nil {
		log.Warn("stt: remove upload failed", "path", path, "error", rmErr)
	}

	if err != nil {
		log.Error("stt: recognition failed", "error", err)
		httpserver.WriteJSON(w, http.StatusInternalServerError, sttError{Success: false, Error: err.Error()})
		return
	}

	httpserver.WriteJSON(w, http.StatusOK, sttResponse{
		Success:    true,
		Text:       result.Text,
		Confidence: 0,
		Language:   "auto",
		Duration:   duration.Seconds(),
	})
}

func (h *Handler) writeTooLarge(w http.ResponseWriter) {
	httpserver.WriteJSONError(w, http.StatusRequestEntityTooLarge,
		"file too large, limit is "+formatLimit(h.upload.MaxBytes))
}

// formatLimit печатает лимит в самой крупной единице, в которой он целый.
func formatLimit(n int64) string {
	switch {
	case n >= 1<<20 && n%(1<<20) == 0:
		return fmt.Sprintf("%dMB", n>>20)
	case n >= 1<<10 && n%(1<<10) == 0:
		return fmt.Sprintf("%dKB", n>>10)
	default:
		return fmt.Sprintf("%d bytes", n)
	}
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return true
	}
	return strings.Contains(err.Error(), "request body too large")
}

func (h *Handler) saveUpload(src io.Reader, name string) (string, int64, error) {
	if err := os.MkdirAll(h.upload.Dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create upload dir: %w", err)
	}
	path := filepath.Join(h.upload.Dir, name)
	dst, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", 0, fmt.Errorf("create upload file: %w", err)
	}
	size, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", 0, fmt.Errorf("write upload file: %w", err)
	}
	return path, size, nil
}

// wavDuration длительность PCM-данных по заголовку WAV; для битого файла 0.
func wavDuration(path string) time.Duration {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return 0
	}
	if err := dec.FwdToPCM(); err != nil || dec.AvgBytesPerSec == 0 {
		return 0
	}
	return time.Duration(float64(dec.PCMLen()) / float64(dec.AvgBytesPerSec) * float64(time.Second))
}

// publicBaseURL адрес, по которому ASR скачает загруженный файл.
func (h *Handler) publicBaseURL(r *http.Request) string {
	if h.upload.PublicBaseURL != "" {
		return h.upload.PublicBaseURL
	}

	base := inferPublicBaseURL(r)
	if base == "" {
		base = fmt.Sprintf("http://127.0.0.1:%d", h.server.Port)
		h.logger.Warn("stt: cannot infer public base url, falling back to loopback; set ASR_PUBLIC_BASE_URL", "base", base)
		return base
	}
	if isLoopbackBase(base) {
		h.logger.Warn("stt: inferred public base url is local, external ASR may not reach it; set ASR_PUBLIC_BASE_URL", "base", base)
	}
	return base
}

func inferPublicBaseURL(r *http.Request) string {
	proto := r.Header.Get("X-Forwarded-Proto")
	host := r.Header.Get("X-Forwarded-Host")
	port := r.Header.Get("X-Forwarded-Port")
	if proto != "" && host != "" {
		if port != "" && !strings.Contains(host, ":") {
			host = host + ":" + port
		}
		return strings.TrimRight(proto+"://"+host, "/")
	}

	if r.Host == "" {
		return ""
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func isLoopbackBase(base string) bool {
	return strings.Contains(base, "127.0.0.1") ||
		strings.Contains(base, "localhost") ||
		strings.HasPrefix(base, "http://0.0.0.0")
}

func fileExt(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return ""
	}
	return strings.ToLower(name[i+1:])
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// secureFilename оставляет только ASCII-буквы, цифры, '_', '.', '-'.
// Если от основы имени ничего не осталось, она заменяется на "audio".
func secureFilename(name string) string {
	name = strings.NewReplacer("/", " ", "\\", " ").Replace(name)

	ext := fileExt(name)
	base := name
	if ext != "" {
		base = name[:len(name)-len(ext)-1]
	}

	base = strings.Join(strings.Fields(base), "_")
	base = strings.Trim(unsafeFilenameChars.ReplaceAllString(base, ""), "._")
	if base == "" {
		base = "audio"
	}
	ext = unsafeFilenameChars.ReplaceAllString(ext, "")
	if ext == "" {
		return base
	}
	return base + "." + ext
}

func formKeys(form *multipart.Form) []string {
	if form == nil {
		return nil
	}
	keys := make([]string, 0, len(form.File)+len(form.Value))
	for k := range form.File {
		keys = append(keys, k)
	}
	for k := range form.Value {
		keys = append(keys, k)
	}
	return keys
}

func (h *Handler) handleUploadsIndex(w http.ResponseWriter, r *http.Request) {
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "uploads index ok",
	})
}

func (h *Handler) handleUploadedFile(w http.ResponseWriter, r *http.Request) {
	name := filepath.Base(chi.URLParam(r, "name"))
	if name == "." || name == "/" || name == "" {
		httpserver.WriteJSONError(w, http.StatusNotFound, "file not found")
		return
	}
	path := filepath.Join(h.upload.Dir, name)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		httpserver.WriteJSONError(w, http.StatusNotFound, "file not found")
		return
	}
	http.ServeFile(w, r, path)
}
