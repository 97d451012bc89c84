package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/bobarin/voicegate/internal/guard"
	"github.com/bobarin/voicegate/internal/metrics"
	"github.com/bobarin/voicegate/internal/models"
	"github.com/bobarin/voicegate/internal/pipeline"
	"github.com/bobarin/voicegate/internal/storage"
)

const (
	headerElapsedTime = "X-Elapsed-Time"
	headerDeviceUsed  = "X-Device-Used"

	multipartMemory   = 8 << 20
	multipartOverhead = 1 << 20
	maxFieldBytes     = 64 << 10
	maxRequestBytes   = 1 << 20
)

var errBodyTooLarge = errors.New("request body too large")

type Handler struct {
	storage          *storage.Storage
	pipeline         *pipeline.Pipeline
	metrics          *metrics.Collector
	defaultWatermark string
	logger           *zap.Logger
}

func NewHandler(stor *storage.Storage, pipe *pipeline.Pipeline, collector *metrics.Collector, defaultWatermark string, logger *zap.Logger) *Handler {
	if defaultWatermark == "" {
		defaultWatermark = models.DefaultWatermark
	}
	return &Handler{
		storage:          stor,
		pipeline:         pipe,
		metrics:          collector,
		defaultWatermark: defaultWatermark,
		logger:           logger.With(zap.String("component", "handler")),
	}
}

// UploadAudio handles POST /upload_audio/
// Form fields: audio_file_label, file. Validation failures are reported as
// 200 {"error": ...}, which existing clients rely on.
func (h *Handler) UploadAudio(w http.ResponseWriter, r *http.Request) {
	u, err := h.readUpload(w, r, "file")
	if err != nil {
		if isUploadValidationError(err) {
			h.metrics.RecordUpload("rejected")
			respondError(w, http.StatusOK, uploadErrorMessage(err, h.storage.MaxUploadBytes()))
			return
		}
		respondError(w, requestErrorStatus(err), err.Error())
		return
	}

	label := u.value("audio_file_label")
	_, err = h.storage.Upload(label, u.data, extensionOf(u.filename))
	if err != nil {
		if isUploadValidationError(err) {
			h.metrics.RecordUpload("rejected")
			respondError(w, http.StatusOK, uploadErrorMessage(err, h.storage.MaxUploadBytes()))
			return
		}
		h.metrics.RecordUpload("failed")
		h.logger.Error("failed to store reference voice", zap.String("label", label), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to store reference voice")
		return
	}

	h.metrics.RecordUpload("stored")
	respondJSON(w, http.StatusOK, models.UploadAudioResponse{
		Message: fmt.Sprintf("File %s uploaded successfully with label %s.", u.filename, label),
	})
}

// ListVoices handles GET /voices
func (h *Handler) ListVoices(w http.ResponseWriter, r *http.Request) {
	voices, err := h.storage.List()
	if err != nil {
		h.logger.Error("failed to list voices", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to list voices")
		return
	}

	respondJSON(w, http.StatusOK, models.ListVoicesResponse{
		Voices: voices,
		Total:  len(voices),
	})
}

// SynthesizeSpeech handles GET|POST /synthesize_speech/
// Params: text, voice, style (or accent), language, speed, watermark.
// POST accepts a JSON body or form fields.
func (h *Handler) SynthesizeSpeech(w http.ResponseWriter, r *http.Request) {
	req, err := parseSynthesisRequest(w, r)
	if err != nil {
		respondError(w, requestErrorStatus(err), err.Error())
		return
	}
	if req.Watermark == "" {
		req.Watermark = h.defaultWatermark
	}

	// Inference keeps running if the client goes away; the output is discarded.
	res, err := h.pipeline.Full(context.WithoutCancel(r.Context()), req)
	if err != nil {
		h.respondPipelineError(w, r, err)
		return
	}

	h.serveAudio(w, r, res)
}

// BaseTTS handles GET /base_tts/
// Params: text, style (or accent), language, speed.
func (h *Handler) BaseTTS(w http.ResponseWriter, r *http.Request) {
	req, err := parseSynthesisRequest(w, r)
	if err != nil {
		respondError(w, requestErrorStatus(err), err.Error())
		return
	}

	res, err := h.pipeline.BaseOnly(context.WithoutCancel(r.Context()), req)
	if err != nil {
		h.respondPipelineError(w, r, err)
		return
	}

	h.serveAudio(w, r, res)
}

// ChangeVoice handles POST /change_voice/
// Form fields: file, reference_speaker (optional), watermark (optional).
func (h *Handler) ChangeVoice(w http.ResponseWriter, r *http.Request) {
	u, err := h.readUpload(w, r, "file")
	if err != nil {
		respondError(w, requestErrorStatus(err), uploadErrorMessage(err, h.storage.MaxUploadBytes()))
		return
	}
	if _, err := h.storage.ValidateAudio(u.data, extensionOf(u.filename)); err != nil {
		respondError(w, requestErrorStatus(err), uploadErrorMessage(err, h.storage.MaxUploadBytes()))
		return
	}

	watermark := u.value("watermark")
	if watermark == "" {
		watermark = h.defaultWatermark
	}

	res, err := h.pipeline.DirectConvert(context.WithoutCancel(r.Context()), models.ConvertRequest{
		SourceAudio:      u.data,
		ReferenceSpeaker: u.value("reference_speaker"),
		Watermark:        watermark,
	})
	if err != nil {
		h.respondPipelineError(w, r, err)
		return
	}

	h.serveAudio(w, r, res)
}

// UploadBaseSpeaker handles POST /upload_base_speaker/
// Form fields: file, name, activate (optional bool).
func (h *Handler) UploadBaseSpeaker(w http.ResponseWriter, r *http.Request) {
	u, err := h.readUpload(w, r, "file")
	if err != nil {
		respondError(w, requestErrorStatus(err), uploadErrorMessage(err, h.storage.MaxUploadBytes()))
		return
	}
	if _, err := h.storage.ValidateAudio(u.data, extensionOf(u.filename)); err != nil {
		respondError(w, requestErrorStatus(err), uploadErrorMessage(err, h.storage.MaxUploadBytes()))
		return
	}

	activate := false
	if v := u.value("activate"); v != "" {
		activate, err = strconv.ParseBool(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "activate must be a boolean")
			return
		}
	}

	name := u.value("name")
	speaker, err := h.pipeline.RegisterBaseSpeaker(context.WithoutCancel(r.Context()), name, u.data, activate)
	if err != nil {
		h.respondPipelineError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, models.BaseSpeakerResponse{
		Message: fmt.Sprintf("Base speaker %s stored.", speaker.Name),
		Name:    speaker.Name,
		Active:  activate,
	})
}

// ChangeBaseSpeaker handles POST /change_base_speaker/
// Params: name.
func (h *Handler) ChangeBaseSpeaker(w http.ResponseWriter, r *http.Request) {
	name := r.FormValue("name")
	if name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}

	if err := h.pipeline.BaseSpeakers().Activate(name); err != nil {
		h.respondPipelineError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, models.BaseSpeakerResponse{
		Message: fmt.Sprintf("Base speaker changed to %s.", name),
		Name:    name,
		Active:  true,
	})
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	name, _ := h.pipeline.BaseSpeakers().Active()
	respondJSON(w, http.StatusOK, models.HealthResponse{
		Status:      "ok",
		Device:      h.pipeline.Device(),
		BaseSpeaker: name,
	})
}

// Helper methods

// upload is one multipart file part plus the plain form fields sent with it.
type upload struct {
	data     []byte
	filename string
	fields   url.Values
}

// value returns a form field, falling back to the query string.
func (u *upload) value(key string) string {
	return u.fields.Get(key)
}

// readUpload streams a multipart request and returns the named file part.
// The declared extension is checked as soon as the part header arrives, so
// an unsupported type is reported before the size limit, matching the order
// the store validates in. The file is read up to one byte past the limit.
func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request, field string) (*upload, error) {
	limit := h.storage.MaxUploadBytes()
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, errors.New("invalid multipart form")
	}

	u := &upload{fields: r.URL.Query()}
	found := false
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, bodyError(err, storage.ErrTooLarge, "invalid multipart form")
		}

		name, isFile := part.FormName(), part.FileName() != ""
		switch {
		case isFile && name == field && !found:
			found = true
			u.filename = part.FileName()
			if _, err := storage.CheckExtension(extensionOf(u.filename)); err != nil {
				part.Close()
				return nil, err
			}
			data, err := io.ReadAll(io.LimitReader(part, limit+1))
			if err != nil {
				part.Close()
				return nil, bodyError(err, storage.ErrTooLarge, "failed to read uploaded file")
			}
			if int64(len(data)) > limit {
				part.Close()
				return nil, storage.ErrTooLarge
			}
			u.data = data
		case !isFile && name != "":
			value, err := io.ReadAll(io.LimitReader(part, maxFieldBytes+1))
			if err != nil {
				part.Close()
				return nil, bodyError(err, storage.ErrTooLarge, "invalid multipart form")
			}
			if len(value) > maxFieldBytes {
				part.Close()
				return nil, fmt.Errorf("form field %q is too large", name)
			}
			u.fields.Set(name, string(value))
		}
		part.Close()
	}

	if !found {
		return nil, fmt.Errorf("missing file field %q", field)
	}
	return u, nil
}

// bodyError maps a body read failure to tooLarge when the request hit its
// byte limit.
func bodyError(err, tooLarge error, message string) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large") {
		return tooLarge
	}
	return errors.New(message)
}

func (h *Handler) serveAudio(w http.ResponseWriter, r *http.Request, res *pipeline.Result) {
	defer func() {
		if err := res.Artifact.Remove(); err != nil {
			h.logger.Warn("failed to remove artifact", zap.String("path", res.Artifact.Path), zap.Error(err))
		}
	}()

	f, err := res.Artifact.Open()
	if err != nil {
		h.logger.Error("failed to open artifact", zap.String("path", res.Artifact.Path), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to read synthesized audio")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.FormatInt(res.Artifact.Size, 10))
	w.Header().Set("Content-Disposition", `attachment; filename="output.wav"`)
	w.Header().Set(headerElapsedTime, strconv.FormatFloat(res.Elapsed.Seconds(), 'f', -1, 64))
	w.Header().Set(headerDeviceUsed, res.Device)
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, f); err != nil {
		// Client went away; the artifact is still removed.
		h.logger.Debug("client disconnected during audio stream", zap.Error(err))
	}
}

func (h *Handler) respondPipelineError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := pipelineErrorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	respondError(w, status, message)
}

func pipelineErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, guard.ErrServiceBusy):
		return http.StatusServiceUnavailable, "Service busy, try again later"
	case errors.Is(err, guard.ErrEngineBusyTimeout):
		return http.StatusServiceUnavailable, "Timed out waiting for inference engine"
	case errors.Is(err, pipeline.ErrVoiceNotFound):
		return http.StatusBadRequest, "No matching voice found."
	case errors.Is(err, pipeline.ErrInvalidRequest), errors.Is(err, pipeline.ErrInvalidSpeakerName):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, pipeline.ErrBaseSpeakerNotFound):
		return http.StatusNotFound, err.Error()
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

type synthesisParams struct {
	Text      string   `json:"text"`
	Voice     string   `json:"voice"`
	Style     string   `json:"style"`
	Accent    string   `json:"accent"`
	Language  string   `json:"language"`
	Speed     *float64 `json:"speed"`
	Watermark string   `json:"watermark"`
}

func parseSynthesisRequest(w http.ResponseWriter, r *http.Request) (models.SynthesisRequest, error) {
	var p synthesisParams

	if r.Method == http.MethodPost {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if r.Method == http.MethodPost && mediaType == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			return models.SynthesisRequest{}, bodyError(err, errBodyTooLarge, "invalid request body")
		}
	} else {
		switch mediaType {
		case "multipart/form-data":
			if err := r.ParseMultipartForm(multipartMemory); err != nil {
				return models.SynthesisRequest{}, bodyError(err, errBodyTooLarge, "invalid multipart form")
			}
		case "application/x-www-form-urlencoded":
			if err := r.ParseForm(); err != nil {
				return models.SynthesisRequest{}, bodyError(err, errBodyTooLarge, "invalid form")
			}
		}
		p.Text = r.FormValue("text")
		p.Voice = r.FormValue("voice")
		p.Style = r.FormValue("style")
		p.Accent = r.FormValue("accent")
		p.Language = r.FormValue("language")
		p.Watermark = r.FormValue("watermark")
		if v := r.FormValue("speed"); v != "" {
			speed, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return models.SynthesisRequest{}, errors.New("speed must be a number")
			}
			p.Speed = &speed
		}
	}

	req := models.SynthesisRequest{
		Text:       p.Text,
		VoiceLabel: p.Voice,
		Style:      p.Style,
		Language:   p.Language,
		Watermark:  p.Watermark,
	}
	if req.Style == "" {
		req.Style = p.Accent
	}
	if p.Speed != nil {
		if *p.Speed == 0 {
			return models.SynthesisRequest{}, errors.New("speed must be positive")
		}
		req.Speed = *p.Speed
	}
	return req, nil
}

func extensionOf(filename string) string {
	return strings.TrimPrefix(filepath.Ext(filename), ".")
}

func isUploadValidationError(err error) bool {
	return errors.Is(err, storage.ErrUnsupportedType) ||
		errors.Is(err, storage.ErrTooLarge) ||
		errors.Is(err, storage.ErrInvalidContent) ||
		errors.Is(err, storage.ErrInvalidLabel)
}

func requestErrorStatus(err error) int {
	if errors.Is(err, storage.ErrTooLarge) || errors.Is(err, errBodyTooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

func uploadErrorMessage(err error, limit int64) string {
	switch {
	case errors.Is(err, storage.ErrUnsupportedType):
		return "Invalid file type. Allowed types are: wav, mp3, flac, ogg"
	case errors.Is(err, storage.ErrTooLarge):
		return fmt.Sprintf("File size is over limit. Max size is %dMB.", limit/(1024*1024))
	case errors.Is(err, storage.ErrInvalidContent):
		return "Invalid file content."
	default:
		return err.Error()
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
