package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/Brownie44l1/alzheimers-api/internal/audit"
	"github.com/Brownie44l1/alzheimers-api/internal/handlers"
	"github.com/Brownie44l1/alzheimers-api/internal/model"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fakeTabular struct {
	got model.ClinicalRecord
	err error
}

func (f *fakeTabular) Predict(record model.ClinicalRecord) (*model.PredictionResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.got = record
	features, err := record.Features()
	if err != nil {
		return nil, err
	}
	// Stable on the MMSE score, like the real classifier's dominant feature.
	if features[4] < 24 {
		return &model.PredictionResult{
			Prediction:    "Demented",
			Probabilities: map[string]float32{"NonDemented": 0.2, "Demented": 0.8},
		}, nil
	}
	return &model.PredictionResult{
		Prediction:    "NonDemented",
		Probabilities: map[string]float32{"NonDemented": 0.9, "Demented": 0.1},
	}, nil
}

type fakeImage struct {
	bounds image.Rectangle
	err    error
}

func (f *fakeImage) Predict(img image.Image) (*model.PredictionResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.bounds = img.Bounds()
	return &model.PredictionResult{
		Prediction: "VeryMildDemented",
		Probabilities: map[string]float32{
			"MildDemented": 0.1, "ModerateDemented": 0.05, "NonDemented": 0.15, "VeryMildDemented": 0.7,
		},
	}, nil
}

func createStore(t *testing.T) *audit.Store {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, audit.GetMigrator(db).Migrate())
	return audit.NewStore(db)
}

func newRouter(h *handlers.Handler) *chi.Mux {
	router := chi.NewRouter()
	h.AddRoutes(router)
	return router
}

func serve(router http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func sum(values map[string]float32) float32 {
	var total float32
	for _, v := range values {
		total += v
	}
	return total
}

const clinicalJSON = `{"gender":"M","age":75,"educ":12,"ses":2,"mmse":20,"etiv":1478,"nwbv":0.736,"asf":1.187}`

func pngImage(t *testing.T) []byte {
	img := image.NewGray(image.Rect(0, 0, 32, 24))
	for y := 0; y < 24; y++ {
		for x := 0; x < 32; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8(x * 8)})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func multipartRequest(t *testing.T, target, field string, data []byte) *http.Request {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile(field, "scan.png")
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func TestRootAndHealth(t *testing.T) {
	router := newRouter(handlers.NewHandler(&fakeTabular{}, nil, nil, 1<<20))

	rec := serve(router, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Welcome to the Alzheimer's Prediction API", decode[handlers.MessageResponse](t, rec).Message)

	rec = serve(router, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	health := decode[handlers.HealthResponse](t, rec)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, map[string]bool{"csv": true, "image": false}, health.Models)
}

func TestPredictCSV(t *testing.T) {
	tabular := &fakeTabular{}
	router := newRouter(handlers.NewHandler(tabular, nil, nil, 1<<20))

	req := httptest.NewRequest(http.MethodPost, "/predict/csv", strings.NewReader(clinicalJSON))
	req.Header.Set("Content-Type", "application/json")
	rec := serve(router, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode[model.PredictionResult](t, rec)
	assert.Equal(t, "Demented", result.Prediction)
	assert.Len(t, result.Probabilities, 2)
	assert.InDelta(t, 1.0, sum(result.Probabilities), 1e-6)

	assert.Equal(t, model.ClinicalRecord{
		Gender: "M", Age: 75, Educ: 12, SES: 2, MMSE: 20, ETIV: 1478, NWBV: 0.736, ASF: 1.187,
	}, tabular.got)

	// Same input, same answer.
	req = httptest.NewRequest(http.MethodPost, "/predict/csv", strings.NewReader(clinicalJSON))
	rec = serve(router, req)
	assert.Equal(t, result, decode[model.PredictionResult](t, rec))
}

func TestPredictCSVForm(t *testing.T) {
	tabular := &fakeTabular{}
	router := newRouter(handlers.NewHandler(tabular, nil, nil, 1<<20))

	form := url.Values{
		"gender": {"F"}, "age": {"80"}, "educ": {"16"}, "ses": {"1"},
		"mmse": {"29"}, "etiv": {"1500"}, "nwbv": {"0.7"}, "asf": {"1.1"},
	}
	req := httptest.NewRequest(http.MethodPost, "/predict/csv", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := serve(router, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "NonDemented", decode[model.PredictionResult](t, rec).Prediction)
	assert.Equal(t, "F", tabular.got.Gender)
	assert.Equal(t, 29.0, tabular.got.MMSE)
}

func TestPredictCSVFormBlankFields(t *testing.T) {
	tabular := &fakeTabular{}
	router := newRouter(handlers.NewHandler(tabular, nil, nil, 1<<20))

	form := url.Values{
		"gender": {"M"}, "age": {""}, "educ": {"1"}, "ses": {"2"},
		"mmse": {"20"}, "etiv": {"1500"}, "nwbv": {""}, "asf": {"1.1"},
	}
	req := httptest.NewRequest(http.MethodPost, "/predict/csv", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := serve(router, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "missing required fields: age, nwbv", decode[handlers.ErrorResponse](t, rec).Error)
	assert.Equal(t, model.ClinicalRecord{}, tabular.got)

	form.Set("age", "70")
	form.Set("nwbv", "0.7")
	form.Set("gender", "")
	req = httptest.NewRequest(http.MethodPost, "/predict/csv", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = serve(router, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "missing required fields: gender", decode[handlers.ErrorResponse](t, rec).Error)
}

func TestPredictCSVTooLargeWithoutContentLength(t *testing.T) {
	router := newRouter(handlers.NewHandler(&fakeTabular{}, nil, nil, 64))

	// An unsized reader leaves ContentLength at -1, as with a chunked upload.
	body := io.MultiReader(strings.NewReader(clinicalJSON))
	req := httptest.NewRequest(http.MethodPost, "/predict/csv", body)
	req.Header.Set("Content-Type", "application/json")
	require.Equal(t, int64(-1), req.ContentLength)

	rec := serve(router, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestPredictCSVInvalidInput(t *testing.T) {
	router := newRouter(handlers.NewHandler(&fakeTabular{}, nil, nil, 1<<20))

	rec := serve(router, httptest.NewRequest(http.MethodPost, "/predict/csv", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(router, httptest.NewRequest(http.MethodPost, "/predict/csv", strings.NewReader(`{"gender":"M","age":70}`)))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, decode[handlers.ErrorResponse](t, rec).Error, "educ, ses, mmse, etiv, nwbv, asf")

	body := strings.Replace(clinicalJSON, `"M"`, `"X"`, 1)
	rec = serve(router, httptest.NewRequest(http.MethodPost, "/predict/csv", strings.NewReader(body)))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestPredictCSVUnavailable(t *testing.T) {
	router := newRouter(handlers.NewHandler(nil, nil, nil, 1<<20))

	rec := serve(router, httptest.NewRequest(http.MethodPost, "/predict/csv", strings.NewReader(clinicalJSON)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "CSV model is not available.", decode[handlers.ErrorResponse](t, rec).Error)

	router = newRouter(handlers.NewHandler(&fakeTabular{err: model.ErrNotLoaded}, nil, nil, 1<<20))
	rec = serve(router, httptest.NewRequest(http.MethodPost, "/predict/csv", strings.NewReader(clinicalJSON)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPredictCSVInferenceFailure(t *testing.T) {
	router := newRouter(handlers.NewHandler(&fakeTabular{err: errors.New("session run error")}, nil, nil, 1<<20))

	rec := serve(router, httptest.NewRequest(http.MethodPost, "/predict/csv", strings.NewReader(clinicalJSON)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "prediction failed", decode[handlers.ErrorResponse](t, rec).Error)
}

func TestPredictImage(t *testing.T) {
	img := &fakeImage{}
	router := newRouter(handlers.NewHandler(nil, img, nil, 1<<20))

	rec := serve(router, multipartRequest(t, "/predict/image", "image", pngImage(t)))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode[model.PredictionResult](t, rec)
	assert.Contains(t, model.ImageClasses, result.Prediction)
	assert.Len(t, result.Probabilities, 4)
	assert.InDelta(t, 1.0, sum(result.Probabilities), 1e-6)
	assert.Equal(t, image.Rect(0, 0, 32, 24), img.bounds)
}

func TestPredictImageInvalidInput(t *testing.T) {
	router := newRouter(handlers.NewHandler(nil, &fakeImage{}, nil, 1<<20))

	rec := serve(router, multipartRequest(t, "/predict/image", "file", pngImage(t)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[handlers.ErrorResponse](t, rec).Error, "'image'")

	rec = serve(router, multipartRequest(t, "/predict/image", "image", []byte("definitely not a png")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(router, httptest.NewRequest(http.MethodPost, "/predict/image", strings.NewReader(clinicalJSON)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPredictImageTooLarge(t *testing.T) {
	router := newRouter(handlers.NewHandler(nil, &fakeImage{}, nil, 64))

	rec := serve(router, multipartRequest(t, "/predict/image", "image", pngImage(t)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestPredictImageUnavailable(t *testing.T) {
	router := newRouter(handlers.NewHandler(&fakeTabular{}, nil, nil, 1<<20))

	rec := serve(router, multipartRequest(t, "/predict/image", "image", pngImage(t)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "Image model is not available.", decode[handlers.ErrorResponse](t, rec).Error)
}

func TestListPredictions(t *testing.T) {
	store := createStore(t)
	router := newRouter(handlers.NewHandler(&fakeTabular{}, &fakeImage{}, store, 1<<20))

	rec := serve(router, httptest.NewRequest(http.MethodPost, "/predict/csv", strings.NewReader(clinicalJSON)))
	require.Equal(t, http.StatusOK, rec.Code)
	rec = serve(router, multipartRequest(t, "/predict/image", "image", pngImage(t)))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(router, httptest.NewRequest(http.MethodGet, "/predictions", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]handlers.PredictionRecordResponse](t, rec), 2)

	rec = serve(router, httptest.NewRequest(http.MethodGet, "/predictions?kind=csv&limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	records := decode[[]handlers.PredictionRecordResponse](t, rec)
	require.Len(t, records, 1)
	assert.Equal(t, "csv", records[0].Kind)
	assert.Equal(t, "Demented", records[0].Prediction)

	var probs map[string]float32
	require.NoError(t, json.Unmarshal(records[0].Probabilities, &probs))
	assert.Equal(t, float32(0.8), probs["Demented"])

	rec = serve(router, httptest.NewRequest(http.MethodGet, "/predictions?kind=mri", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(router, httptest.NewRequest(http.MethodGet, "/predictions?limit=abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListPredictionsDisabled(t *testing.T) {
	router := newRouter(handlers.NewHandler(&fakeTabular{}, nil, nil, 1<<20))

	rec := serve(router, httptest.NewRequest(http.MethodGet, "/predictions", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type failingStore struct{}

func (failingStore) Record(ctx context.Context, kind string, result *model.PredictionResult) (*audit.PredictionRecord, error) {
	return nil, errors.New("disk full")
}

func (failingStore) List(ctx context.Context, kind string, limit int) ([]audit.PredictionRecord, error) {
	return nil, errors.New("disk full")
}

func TestAuditFailureDoesNotFailPrediction(t *testing.T) {
	router := newRouter(handlers.NewHandler(&fakeTabular{}, nil, failingStore{}, 1<<20))

	rec := serve(router, httptest.NewRequest(http.MethodPost, "/predict/csv", strings.NewReader(clinicalJSON)))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(router, httptest.NewRequest(http.MethodGet, "/predictions", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
