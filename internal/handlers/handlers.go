package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Brownie44l1/alzheimers-api/internal/audit"
	"github.com/Brownie44l1/alzheimers-api/internal/model"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type TabularPredictor interface {
	Predict(record model.ClinicalRecord) (*model.PredictionResult, error)
}

type ImagePredictor interface {
	Predict(img image.Image) (*model.PredictionResult, error)
}

type PredictionStore interface {
	Record(ctx context.Context, kind string, result *model.PredictionResult) (*audit.PredictionRecord, error)
	List(ctx context.Context, kind string, limit int) ([]audit.PredictionRecord, error)
}

// Handler serves both classifiers. A nil predictor marks that model as
// unavailable and a nil store disables prediction history.
type Handler struct {
	tabular        TabularPredictor
	image          ImagePredictor
	store          PredictionStore
	maxUploadBytes int64
}

func NewHandler(tabular TabularPredictor, image ImagePredictor, store PredictionStore, maxUploadBytes int64) *Handler {
	return &Handler{
		tabular:        tabular,
		image:          image,
		store:          store,
		maxUploadBytes: maxUploadBytes,
	}
}

func (h *Handler) AddRoutes(r chi.Router) {
	r.Get("/", RestHandler(h.Root))
	r.Get("/health", RestHandler(h.Health))
	r.Route("/predict", func(r chi.Router) {
		r.Use(LimitBody(h.maxUploadBytes))
		r.Post("/csv", RestHandler(h.PredictCSV))
		r.Post("/image", RestHandler(h.PredictImage))
	})
	r.Get("/predictions", RestHandler(h.ListPredictions))
}

type MessageResponse struct {
	Message string `json:"message"`
}

type HealthResponse struct {
	Status string          `json:"status"`
	Models map[string]bool `json:"models"`
}

// ClinicalRequest uses pointers so absent fields can be told apart from zeros.
type ClinicalRequest struct {
	Gender *string  `json:"gender" schema:"gender"`
	Age    *float64 `json:"age" schema:"age"`
	Educ   *float64 `json:"educ" schema:"educ"`
	SES    *float64 `json:"ses" schema:"ses"`
	MMSE   *float64 `json:"mmse" schema:"mmse"`
	ETIV   *float64 `json:"etiv" schema:"etiv"`
	NWBV   *float64 `json:"nwbv" schema:"nwbv"`
	ASF    *float64 `json:"asf" schema:"asf"`
}

type PredictionRecordResponse struct {
	Id            uuid.UUID       `json:"id"`
	Kind          string          `json:"kind"`
	Prediction    string          `json:"prediction"`
	Probabilities json.RawMessage `json:"probabilities"`
	CreationTime  time.Time       `json:"creation_time"`
}

type listPredictionsQuery struct {
	Kind  string `schema:"kind"`
	Limit int    `schema:"limit"`
}

func (h *Handler) Root(r *http.Request) (any, error) {
	return MessageResponse{Message: "Welcome to the Alzheimer's Prediction API"}, nil
}

func (h *Handler) Health(r *http.Request) (any, error) {
	return HealthResponse{
		Status: "healthy",
		Models: map[string]bool{
			audit.KindCSV:   h.tabular != nil,
			audit.KindImage: h.image != nil,
		},
	}, nil
}

func (h *Handler) PredictCSV(r *http.Request) (any, error) {
	if h.tabular == nil {
		return nil, CodedErrorf(http.StatusServiceUnavailable, "CSV model is not available.")
	}

	req, err := h.parseClinicalRequest(r)
	if err != nil {
		return nil, err
	}

	record, err := req.toRecord()
	if err != nil {
		return nil, err
	}

	result, err := h.tabular.Predict(record)
	if err != nil {
		return nil, predictionError("CSV", err)
	}

	h.recordPrediction(r.Context(), audit.KindCSV, result)

	return result, nil
}

func (h *Handler) parseClinicalRequest(r *http.Request) (ClinicalRequest, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	switch mediaType {
	case "multipart/form-data":
		if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
			return ClinicalRequest{}, bodyError(err, "failed to parse form")
		}
		defer r.MultipartForm.RemoveAll()
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return ClinicalRequest{}, bodyError(err, "failed to parse form")
		}
	default:
		return ParseRequest[ClinicalRequest](r)
	}

	req, err := ParseRequestForm[ClinicalRequest](r)
	if err != nil {
		return req, err
	}
	req.dropBlankFields(r.PostForm)
	return req, nil
}

// dropBlankFields treats empty form inputs as absent; the form decoder would
// otherwise set them to zero.
func (req *ClinicalRequest) dropBlankFields(form url.Values) {
	blank := func(name string) bool {
		return strings.TrimSpace(form.Get(name)) == ""
	}

	if blank("gender") {
		req.Gender = nil
	}
	for name, field := range map[string]**float64{
		"age":  &req.Age,
		"educ": &req.Educ,
		"ses":  &req.SES,
		"mmse": &req.MMSE,
		"etiv": &req.ETIV,
		"nwbv": &req.NWBV,
		"asf":  &req.ASF,
	} {
		if blank(name) {
			*field = nil
		}
	}
}

func (req ClinicalRequest) toRecord() (model.ClinicalRecord, error) {
	var missing []string
	value := func(name string, v *float64) float64 {
		if v == nil {
			missing = append(missing, name)
			return 0
		}
		return *v
	}

	var gender string
	if req.Gender == nil {
		missing = append(missing, "gender")
	} else {
		gender = *req.Gender
	}

	record := model.ClinicalRecord{
		Gender: gender,
		Age:    value("age", req.Age),
		Educ:   value("educ", req.Educ),
		SES:    value("ses", req.SES),
		MMSE:   value("mmse", req.MMSE),
		ETIV:   value("etiv", req.ETIV),
		NWBV:   value("nwbv", req.NWBV),
		ASF:    value("asf", req.ASF),
	}

	if len(missing) > 0 {
		return record, CodedErrorf(http.StatusUnprocessableEntity, "missing required fields: %s", strings.Join(missing, ", "))
	}
	if _, err := model.EncodeGender(gender); err != nil {
		return record, CodedError(http.StatusUnprocessableEntity, err)
	}

	return record, nil
}

func (h *Handler) PredictImage(r *http.Request) (any, error) {
	if h.image == nil {
		return nil, CodedErrorf(http.StatusServiceUnavailable, "Image model is not available.")
	}

	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		return nil, bodyError(err, "failed to parse form")
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("image")
	if err != nil {
		return nil, CodedErrorf(http.StatusBadRequest, "no image file provided, use 'image' as the form field name")
	}
	defer file.Close()

	slog.Info("received image", "filename", header.Filename, "size", header.Size)

	img, format, err := model.DecodeImage(file)
	if err != nil {
		slog.Warn("unable to decode uploaded image", "filename", header.Filename, "error", err)
		return nil, CodedErrorf(http.StatusBadRequest, "invalid image format, supported: JPEG, PNG, GIF, BMP, TIFF, WebP")
	}

	slog.Debug("decoded image", "format", format, "width", img.Bounds().Dx(), "height", img.Bounds().Dy())

	result, err := h.image.Predict(img)
	if err != nil {
		return nil, predictionError("Image", err)
	}

	h.recordPrediction(r.Context(), audit.KindImage, result)

	return result, nil
}

func (h *Handler) ListPredictions(r *http.Request) (any, error) {
	if h.store == nil {
		return nil, CodedErrorf(http.StatusNotFound, "prediction history is not enabled")
	}

	query, err := ParseRequestQueryParams[listPredictionsQuery](r)
	if err != nil {
		return nil, err
	}

	switch query.Kind {
	case "", audit.KindCSV, audit.KindImage:
	default:
		return nil, CodedErrorf(http.StatusBadRequest, "invalid kind '%s', expected '%s' or '%s'", query.Kind, audit.KindCSV, audit.KindImage)
	}

	records, err := h.store.List(r.Context(), query.Kind, query.Limit)
	if err != nil {
		return nil, CodedError(http.StatusInternalServerError, err)
	}

	out := make([]PredictionRecordResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, PredictionRecordResponse{
			Id:            rec.Id,
			Kind:          rec.Kind,
			Prediction:    rec.Prediction,
			Probabilities: json.RawMessage(rec.Probabilities),
			CreationTime:  rec.CreationTime,
		})
	}
	return out, nil
}

// recordPrediction saves to the history store when one is configured. Failures
// are logged only; the prediction itself already succeeded.
func (h *Handler) recordPrediction(ctx context.Context, kind string, result *model.PredictionResult) {
	if h.store == nil {
		return
	}
	if _, err := h.store.Record(ctx, kind, result); err != nil {
		slog.Error("error recording prediction", "kind", kind, "error", err)
	}
}

func predictionError(name string, err error) error {
	if errors.Is(err, model.ErrNotLoaded) {
		return CodedErrorf(http.StatusServiceUnavailable, "%s model is not available.", name)
	}
	slog.Error("prediction error", "model", name, "error", err)
	return CodedErrorf(http.StatusInternalServerError, "prediction failed")
}

