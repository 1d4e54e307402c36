package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"stockroom-system/internal/database/models"
	"stockroom-system/internal/ledger"
	"stockroom-system/internal/readmodel"
	"stockroom-system/internal/registry"
)

type InventoryHTTPHandler struct {
	ledger   *ledger.Service
	registry *registry.Registry
	read     *readmodel.Service
	db       *gorm.DB
}

func NewInventoryHTTPHandler(ledgerSvc *ledger.Service, reg *registry.Registry, read *readmodel.Service, db *gorm.DB) *InventoryHTTPHandler {
	return &InventoryHTTPHandler{
		ledger:   ledgerSvc,
		registry: reg,
		read:     read,
		db:       db,
	}
}

// Helper functions
func (s *InventoryHTTPHandler) success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}

func (s *InventoryHTTPHandler) error(c *gin.Context, code int, message string) {
	c.JSON(code, gin.H{
		"success": false,
		"error":   message,
	})
}

func (s *InventoryHTTPHandler) failure(c *gin.Context, err error) {
	s.error(c, statusFor(err), err.Error())
}

// statusFor maps the ledger/registry error taxonomy onto HTTP statuses so the
// UI can tell "not enough stock" from "transient, try again" from "gone".
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInsufficientInventory):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrVariantNotFound),
		errors.Is(err, ledger.ErrLocationNotFound),
		errors.Is(err, registry.ErrLocationNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInactiveLocation),
		errors.Is(err, ledger.ErrInvalidAdjustment),
		errors.Is(err, registry.ErrDefaultLocation):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrConcurrencyConflict),
		errors.Is(err, registry.ErrDuplicateCode):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func parseIntParam(c *gin.Context, param string) (int32, error) {
	str := c.Param(param)
	val, err := strconv.ParseInt(str, 10, 32)
	return int32(val), err
}

func parseIntQuery(c *gin.Context, param string) *int32 {
	str := c.Query(param)
	if str == "" {
		return nil
	}
	val, err := strconv.ParseInt(str, 10, 32)
	if err != nil {
		return nil
	}
	result := int32(val)
	return &result
}

func parseBoolQuery(c *gin.Context, param string) bool {
	val, err := strconv.ParseBool(c.Query(param))
	return err == nil && val
}

func parsePagination(c *gin.Context) (int, string) {
	pageSize := c.DefaultQuery("page_size", "50")
	size, _ := strconv.Atoi(pageSize)
	return size, c.Query("page_token")
}

// -- Adjustments --

func (s *InventoryHTTPHandler) ApplyAdjustment(c *gin.Context) {
	var in ledger.AdjustmentInput
	if err := c.ShouldBindJSON(&in); err != nil {
		s.error(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	record, entry, err := s.ledger.ApplyAdjustment(c.Request.Context(), in)
	if err != nil {
		s.failure(c, err)
		return
	}

	s.success(c, gin.H{
		"record": record,
		"entry":  entry,
	})
}

func (s *InventoryHTTPHandler) GetHistory(c *gin.Context) {
	variantID := parseIntQuery(c, "variant_id")
	if variantID == nil {
		s.error(c, http.StatusBadRequest, "variant_id required")
		return
	}

	pageSize, pageToken := parsePagination(c)
	page, err := s.ledger.GetHistory(c.Request.Context(), *variantID, parseIntQuery(c, "location_id"), pageSize, pageToken)
	if err != nil {
		s.failure(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    page.Entries,
		"pagination": gin.H{
			"next_page_token": page.NextPageToken,
			"total_count":     page.TotalCount,
		},
	})
}

// -- Transfers and reservations --

type transferRequest struct {
	VariantID      int32   `json:"variant_id" binding:"required"`
	FromLocationID int32   `json:"from_location_id" binding:"required"`
	ToLocationID   int32   `json:"to_location_id" binding:"required"`
	Quantity       int64   `json:"quantity" binding:"required"`
	Notes          *string `json:"notes"`
}

func (s *InventoryHTTPHandler) Transfer(c *gin.Context) {
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.error(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	entries, err := s.ledger.Transfer(c.Request.Context(), req.VariantID, req.FromLocationID, req.ToLocationID, req.Quantity, req.Notes)
	if err != nil {
		s.failure(c, err)
		return
	}

	s.success(c, gin.H{"entries": entries})
}

type reservationRequest struct {
	VariantID        int32   `json:"variant_id" binding:"required"`
	LocationID       int32   `json:"location_id" binding:"required"`
	Quantity         int64   `json:"quantity" binding:"required"`
	ReferenceOrderID *string `json:"reference_order_id"`
}

func (s *InventoryHTTPHandler) Reserve(c *gin.Context) {
	var req reservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.error(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	record, err := s.ledger.Reserve(c.Request.Context(), req.VariantID, req.LocationID, req.Quantity, req.ReferenceOrderID)
	if err != nil {
		s.failure(c, err)
		return
	}

	s.success(c, record)
}

func (s *InventoryHTTPHandler) Release(c *gin.Context) {
	var req reservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.error(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	record, err := s.ledger.Release(c.Request.Context(), req.VariantID, req.LocationID, req.Quantity, req.ReferenceOrderID)
	if err != nil {
		s.failure(c, err)
		return
	}

	s.success(c, record)
}

// -- Stock levels --

type reorderPointRequest struct {
	VariantID       int32 `json:"variant_id" binding:"required"`
	LocationID      int32 `json:"location_id" binding:"required"`
	ReorderPoint    int64 `json:"reorder_point"`
	ReorderQuantity int64 `json:"reorder_quantity"`
}

func (s *InventoryHTTPHandler) SetReorderPoint(c *gin.Context) {
	var req reorderPointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.error(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	record, err := s.ledger.SetReorderPoint(c.Request.Context(), req.VariantID, req.LocationID, req.ReorderPoint, req.ReorderQuantity)
	if err != nil {
		s.failure(c, err)
		return
	}

	s.success(c, record)
}

type stockCountRequest struct {
	VariantID       int32   `json:"variant_id" binding:"required"`
	LocationID      int32   `json:"location_id" binding:"required"`
	CountedQuantity int64   `json:"counted_quantity"`
	Notes           *string `json:"notes"`
}

func (s *InventoryHTTPHandler) RecordCount(c *gin.Context) {
	var req stockCountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.error(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	record, entry, err := s.ledger.RecordCount(c.Request.Context(), req.VariantID, req.LocationID, req.CountedQuantity, req.Notes)
	if err != nil {
		s.failure(c, err)
		return
	}

	s.success(c, gin.H{
		"record": record,
		"entry":  entry,
	})
}

// -- Read models --

func (s *InventoryHTTPHandler) GetSummary(c *gin.Context) {
	id, err := parseIntParam(c, "id")
	if err != nil {
		s.error(c, http.StatusBadRequest, "Invalid variant ID")
		return
	}

	summary, err := s.read.SummaryFor(c.Request.Context(), id)
	if err != nil {
		s.failure(c, err)
		return
	}
	if summary == nil {
		s.error(c, http.StatusNotFound, "Variant not found")
		return
	}

	s.success(c, summary)
}

func (s *InventoryHTTPHandler) ListLowStock(c *gin.Context) {
	pageSize, pageToken := parsePagination(c)
	page, err := s.read.LowStock(c.Request.Context(), pageSize, pageToken)
	if err != nil {
		s.failure(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    page.Items,
		"pagination": gin.H{
			"next_page_token": page.NextPageToken,
			"total_count":     page.TotalCount,
		},
	})
}

// -- Locations --

type locationRequest struct {
	LocationCode string `json:"location_code" binding:"required"`
	LocationName string `json:"location_name" binding:"required"`
}

func (s *InventoryHTTPHandler) CreateLocation(c *gin.Context) {
	var req locationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.error(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	location, err := s.registry.Create(c.Request.Context(), req.LocationCode, req.LocationName)
	if err != nil {
		s.failure(c, err)
		return
	}

	s.success(c, location)
}

func (s *InventoryHTTPHandler) ListLocations(c *gin.Context) {
	locations, err := s.registry.List(c.Request.Context(), parseBoolQuery(c, "active_only"))
	if err != nil {
		s.failure(c, err)
		return
	}

	s.success(c, locations)
}

func (s *InventoryHTTPHandler) SetDefaultLocation(c *gin.Context) {
	id, err := parseIntParam(c, "id")
	if err != nil {
		s.error(c, http.StatusBadRequest, "Invalid location ID")
		return
	}

	location, err := s.registry.SetDefault(c.Request.Context(), id)
	if err != nil {
		s.failure(c, err)
		return
	}

	s.success(c, location)
}

type locationActiveRequest struct {
	IsActive *bool `json:"is_active" binding:"required"`
}

func (s *InventoryHTTPHandler) SetLocationActive(c *gin.Context) {
	id, err := parseIntParam(c, "id")
	if err != nil {
		s.error(c, http.StatusBadRequest, "Invalid location ID")
		return
	}

	var req locationActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.error(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	location, err := s.registry.SetActive(c.Request.Context(), id, *req.IsActive)
	if err != nil {
		s.failure(c, err)
		return
	}

	s.success(c, location)
}

// -- Product mirror --

type variantUpsert struct {
	SKU   string `json:"sku" binding:"required"`
	Title string `json:"title"`
}

type productUpsertRequest struct {
	Title    string          `json:"title" binding:"required"`
	Status   string          `json:"status"`
	Variants []variantUpsert `json:"variants" binding:"required,min=1"`
}

// UpsertProduct mirrors a product and its variants from the commerce
// platform. Variants are keyed by SKU so the sync collaborator can replay
// the same payload safely.
func (s *InventoryHTTPHandler) UpsertProduct(c *gin.Context) {
	var req productUpsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.error(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	status := req.Status
	if status == "" {
		status = models.ProductStatusActive
	}

	product := models.Product{Title: req.Title, Status: status}
	err := s.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&product).Error; err != nil {
			return err
		}
		for _, v := range req.Variants {
			variant := models.ProductVariant{
				ProductID: product.ID,
				SKU:       v.SKU,
				Title:     v.Title,
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "sku"}},
				DoUpdates: clause.AssignmentColumns([]string{"title", "updated_at"}),
			}).Create(&variant).Error; err != nil {
				return err
			}
			product.Variants = append(product.Variants, variant)
		}
		return nil
	})
	if err != nil {
		s.failure(c, err)
		return
	}

	s.success(c, product)
}
