package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"stockroom-system/internal/database"
	"stockroom-system/internal/database/models"
	"stockroom-system/internal/ledger"
	"stockroom-system/internal/readmodel"
	"stockroom-system/internal/registry"
	"stockroom-system/internal/server/middleware"
	"stockroom-system/internal/utils"
)

type testEnv struct {
	router   *gin.Engine
	db       *gorm.DB
	token    string
	variant  models.ProductVariant
	location models.Location
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, database.MigrateInventoryDB(db))

	product := models.Product{Title: "Enamel Mug", Status: models.ProductStatusActive}
	require.NoError(t, db.Create(&product).Error)
	variant := models.ProductVariant{ProductID: product.ID, SKU: "MUG-BLUE", Title: "Blue"}
	require.NoError(t, db.Create(&variant).Error)
	location := models.Location{LocationCode: "MAIN", LocationName: "Main", IsActive: true, IsDefault: true}
	require.NoError(t, db.Create(&location).Error)

	logger := zap.NewNop()
	handler := NewInventoryHTTPHandler(
		ledger.NewService(db, nil, logger),
		registry.New(db, logger),
		readmodel.NewService(db, nil, logger),
		db,
	)

	router := gin.New()
	protected := router.Group("/api/v1")
	protected.Use(middleware.JWTAuth())
	{
		protected.POST("/adjustments", handler.ApplyAdjustment)
		protected.GET("/adjustments", handler.GetHistory)
		protected.GET("/variants/:id/summary", handler.GetSummary)
		protected.GET("/low-stock", handler.ListLowStock)
		protected.POST("/locations", handler.CreateLocation)
		protected.PUT("/locations/:id/default", handler.SetDefaultLocation)
	}

	token, _, err := utils.GenerateToken(1, "warehouse-staff", time.Hour)
	require.NoError(t, err)

	return &testEnv{
		router:   router,
		db:       db,
		token:    token,
		variant:  variant,
		location: location,
	}
}

func (e *testEnv) request(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.token)

	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestAdjustmentEndpoint(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodPost, "/api/v1/adjustments", gin.H{
		"variant_id":      env.variant.ID,
		"location_id":     env.location.ID,
		"adjustment_type": "received",
		"quantity_change": 50,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			Record models.QuantityRecord  `json:"record"`
			Entry  models.AdjustmentEntry `json:"entry"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, int64(50), resp.Data.Record.Available)
	assert.Equal(t, int64(0), resp.Data.Entry.QuantityBefore)

	// overselling maps to 422, not a crash
	w = env.request(t, http.MethodPost, "/api/v1/adjustments", gin.H{
		"variant_id":      env.variant.ID,
		"location_id":     env.location.ID,
		"adjustment_type": "sold",
		"quantity_change": -60,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	// unknown variant maps to 404
	w = env.request(t, http.MethodPost, "/api/v1/adjustments", gin.H{
		"variant_id":      9999,
		"location_id":     env.location.ID,
		"adjustment_type": "received",
		"quantity_change": 5,
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdjustmentEndpoint_RequiresToken(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/low-stock", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/low-stock", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSummaryEndpoint(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodPost, "/api/v1/adjustments", gin.H{
		"variant_id":      env.variant.ID,
		"location_id":     env.location.ID,
		"adjustment_type": "received",
		"quantity_change": 25,
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = env.request(t, http.MethodGet, fmt.Sprintf("/api/v1/variants/%d/summary", env.variant.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success bool                     `json:"success"`
		Data    readmodel.VariantSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(25), resp.Data.Available)
	assert.Equal(t, "MUG-BLUE", resp.Data.SKU)

	w = env.request(t, http.MethodGet, "/api/v1/variants/9999/summary", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLocationEndpoints(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodPost, "/api/v1/locations", gin.H{
		"location_code": "ANNEX",
		"location_name": "Annex",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data models.Location `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Data.IsDefault)

	// duplicate code conflicts
	w = env.request(t, http.MethodPost, "/api/v1/locations", gin.H{
		"location_code": "ANNEX",
		"location_name": "Annex again",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.request(t, http.MethodPut, fmt.Sprintf("/api/v1/locations/%d/default", resp.Data.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var count int64
	require.NoError(t, env.db.Model(&models.Location{}).Where("is_default = ?", true).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestHistoryEndpoint(t *testing.T) {
	env := newTestEnv(t)

	for _, change := range []int64{10, -2, -3} {
		kind := "received"
		if change < 0 {
			kind = "sold"
		}
		w := env.request(t, http.MethodPost, "/api/v1/adjustments", gin.H{
			"variant_id":      env.variant.ID,
			"location_id":     env.location.ID,
			"adjustment_type": kind,
			"quantity_change": change,
		})
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := env.request(t, http.MethodGet, fmt.Sprintf("/api/v1/adjustments?variant_id=%d", env.variant.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data []models.AdjustmentEntry `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 3)
	// newest first
	assert.Equal(t, int64(-3), resp.Data[0].QuantityChange)
	assert.Equal(t, int64(10), resp.Data[2].QuantityChange)

	w = env.request(t, http.MethodGet, "/api/v1/adjustments", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
