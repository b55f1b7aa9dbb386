package main

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/storefront_backend/config"
	"bitbucket.org/mmdatafocus/storefront_backend/models"
	"bitbucket.org/mmdatafocus/storefront_backend/utils"
	"bitbucket.org/mmdatafocus/storefront_backend/workflow"
)

// buildEngine wires the workflow against the live DB handle. Handlers build
// it per request because the DB connects after the HTTP port opens; the
// readiness gate keeps requests out until config.GetDB() is non-nil.
func buildEngine() (*workflow.OrderEngine, error) {
	db := config.GetDB()
	if db == nil {
		return nil, errors.New("db is nil")
	}
	logger := config.GetLogger()
	runner := workflow.NewSideEffectRunner(models.NewGormTaskStore(db), models.NewGormInventory(db), getMailer(), logger)
	engine := workflow.NewOrderEngine(models.NewGormStore(db), runner, logger)
	engine.Tracer = tracer
	return engine, nil
}

// renderBindError names the offending fields when the body failed binding
// validation, and stays generic for malformed JSON.
func renderBindError(c *gin.Context, err error) {
	var bindErrs validator.ValidationErrors
	if errors.As(err, &bindErrs) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "invalid request",
			"fields": utils.ProcessValidationErrors(bindErrs),
		})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
}

// requireInternal rejects calls that did not come through the internal actor
// middleware. The /internal routes always carry the flag; this keeps the ops
// handlers safe if they are ever mounted elsewhere.
func requireInternal(c *gin.Context) bool {
	if internal, _ := utils.GetIsInternalFromContext(c.Request.Context()); !internal {
		c.JSON(http.StatusForbidden, gin.H{"error": "internal access only"})
		return false
	}
	return true
}

func renderWorkflowError(c *gin.Context, err error) {
	var validationErr *models.ValidationError
	var unavailableErr *models.ProductUnavailableError
	var stockErr *models.InsufficientStockError

	switch {
	case errors.As(err, &stockErr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":             stockErr.Error(),
			"code":              "INSUFFICIENT_STOCK",
			"productName":       stockErr.ProductName,
			"availableStock":    stockErr.AvailableStock,
			"requestedQuantity": stockErr.RequestedQuantity,
		})
	case errors.As(err, &unavailableErr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error": unavailableErr.Error(),
			"code":  "PRODUCT_UNAVAILABLE",
		})
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": validationErr.Error()})
	case errors.Is(err, models.ErrAlreadyDeleted):
		c.JSON(http.StatusBadRequest, gin.H{"error": "order already archived"})
	case errors.Is(err, utils.ErrorRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	default:
		logger := config.GetLogger()
		config.LogError(logger, "handlers.go", "renderWorkflowError", c.FullPath(), nil, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func createOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewOrder
		if err := c.ShouldBindJSON(&input); err != nil {
			renderBindError(c, err)
			return
		}
		engine, err := buildEngine()
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		result, err := engine.CreateOrder(c.Request.Context(), &input)
		if err != nil {
			renderWorkflowError(c, err)
			return
		}
		c.JSON(http.StatusCreated, result)
	}
}

func getOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		db := config.GetDB()
		order, err := models.NewGormStore(db).FindByID(c.Request.Context(), c.Param("id"))
		if err != nil {
			renderWorkflowError(c, err)
			return
		}
		c.JSON(http.StatusOK, order)
	}
}

func getOrderByNumberHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		db := config.GetDB()
		order, err := models.NewGormStore(db).FindByOrderNumber(c.Request.Context(), c.Param("order_number"))
		if err != nil {
			renderWorkflowError(c, err)
			return
		}
		c.JSON(http.StatusOK, order)
	}
}

func getOrdersByPhoneHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		db := config.GetDB()
		orders, err := models.NewGormStore(db).FindByPhone(c.Request.Context(), c.Param("phone"))
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "no orders found for this phone number"})
				return
			}
			renderWorkflowError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": orders, "count": len(orders)})
	}
}

func listOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := models.OrderFilter{
			Status:          models.OrderStatus(c.Query("status")),
			IncludeArchived: strings.EqualFold(c.Query("include_archived"), "true"),
		}
		if v := c.Query("customer_id"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				filter.CustomerId = n
			}
		}
		if v := c.Query("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				filter.Limit = n
			}
		}
		if v := c.Query("offset"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				filter.Offset = n
			}
		}
		if filter.Status != "" && !filter.Status.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status filter"})
			return
		}
		filter.Normalize()

		db := config.GetDB()
		orders, total, err := models.NewGormStore(db).List(c.Request.Context(), filter)
		if err != nil {
			renderWorkflowError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": orders, "total": total, "limit": filter.Limit, "offset": filter.Offset})
	}
}

func updateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.UpdateOrderInput
		if err := c.ShouldBindJSON(&input); err != nil {
			renderBindError(c, err)
			return
		}
		engine, err := buildEngine()
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		order, err := engine.UpdateOrder(c.Request.Context(), c.Param("id"), &input)
		if err != nil {
			renderWorkflowError(c, err)
			return
		}
		c.JSON(http.StatusOK, order)
	}
}

func archiveOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		engine, err := buildEngine()
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		if err := engine.ArchiveOrder(c.Request.Context(), c.Param("id")); err != nil {
			renderWorkflowError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func getStockHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		productId, err := strconv.Atoi(c.Param("id"))
		if err != nil || productId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid product id"})
			return
		}
		variantId := 0
		if v := c.Query("variant_id"); v != "" {
			if variantId, err = strconv.Atoi(v); err != nil || variantId < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid variant id"})
				return
			}
		}
		db := config.GetDB()
		stock, err := models.NewGormInventory(db).GetStock(c.Request.Context(), productId, variantId)
		if err != nil {
			renderWorkflowError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"product_id": productId, "variant_id": variantId, "stock": stock})
	}
}

type stockAdjustRequest struct {
	ProductId    int    `json:"product_id" binding:"required"`
	VariantId    int    `json:"variant_id"`
	Delta        int    `json:"delta" binding:"required"`
	MovementType string `json:"movement_type" binding:"required"`
	Notes        string `json:"notes"`
}

// lowStockCacheKey holds the low-stock listing for a short TTL; any manual
// stock or settings change drops it.
const lowStockCacheKey = "cache:lowstock"

// adjustStockHandler is the manual ops surface over the inventory accessor:
// purchases, adjustments, damage and transfers land here with reference_type
// manual.
func adjustStockHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireInternal(c) {
			return
		}
		var req stockAdjustRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			renderBindError(c, err)
			return
		}
		if req.ProductId <= 0 || req.Delta == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "product_id and a non-zero delta are required"})
			return
		}
		movementType := models.MovementType(req.MovementType)
		if !movementType.Valid() || movementType == models.MovementTypeSale {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid movement_type"})
			return
		}

		ctx := c.Request.Context()
		actorId, _ := utils.GetActorIdFromContext(ctx)
		correlationId, _ := utils.GetCorrelationIdFromContext(ctx)

		// Best-effort lock per counter; the row lock inside ChangeStock is the
		// real guard.
		if redisLock := config.GetRedisLock(); redisLock == nil {
			config.GetLogger().Warn("redis lock not ready; proceeding without redis lock")
		} else {
			key := fmt.Sprintf("lock:stock:%d:%d", req.ProductId, req.VariantId)
			lock, err := redisLock.Obtain(ctx, key, 30*time.Second, nil)
			if err == redislock.ErrNotObtained {
				config.GetLogger().Warn("could not obtain redis lock; proceeding without redis lock")
			} else if err != nil {
				config.GetLogger().Warn("error obtaining redis lock; proceeding without redis lock: " + err.Error())
			} else {
				defer func() {
					if releaseErr := lock.Release(ctx); releaseErr != nil {
						config.GetLogger().Warn("failed to release redis lock: " + releaseErr.Error())
					}
				}()
			}
		}

		db := config.GetDB()
		movement, err := models.NewGormInventory(db).ChangeStock(ctx, models.ChangeStockInput{
			ProductId:     req.ProductId,
			VariantId:     req.VariantId,
			Delta:         req.Delta,
			MovementType:  movementType,
			ReferenceType: models.ReferenceTypeManual,
			Notes:         req.Notes,
			ActorId:       actorId,
			CorrelationId: correlationId,
		})
		if err != nil {
			renderWorkflowError(c, err)
			return
		}
		if err := config.RemoveRedisKey(lowStockCacheKey); err != nil {
			config.GetLogger().Warn("failed to drop low-stock cache: " + err.Error())
		}
		actorName, _ := utils.GetActorNameFromContext(ctx)
		config.GetLogger().WithFields(logrus.Fields{
			"productId": req.ProductId,
			"variantId": req.VariantId,
			"delta":     req.Delta,
			"actorId":   actorId,
			"actorName": actorName,
		}).Info("manual stock adjustment")
		c.JSON(http.StatusOK, movement)
	}
}

func upsertStockSettingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireInternal(c) {
			return
		}
		var input models.NewStockSettings
		if err := c.ShouldBindJSON(&input); err != nil {
			renderBindError(c, err)
			return
		}
		db := config.GetDB()
		settings, err := models.UpsertStockSettings(c.Request.Context(), db, &input)
		if err != nil {
			renderWorkflowError(c, err)
			return
		}
		if err := config.RemoveRedisKey(lowStockCacheKey); err != nil {
			config.GetLogger().Warn("failed to drop low-stock cache: " + err.Error())
		}
		c.JSON(http.StatusOK, settings)
	}
}

func listLowStockHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireInternal(c) {
			return
		}
		var rows []models.LowStockRow
		if hit, err := config.GetRedisObject(lowStockCacheKey, &rows); err == nil && hit {
			c.JSON(http.StatusOK, gin.H{"data": rows, "count": len(rows)})
			return
		}
		db := config.GetDB()
		rows, err := models.ListLowStock(c.Request.Context(), db)
		if err != nil {
			renderWorkflowError(c, err)
			return
		}
		if err := config.SetRedisObject(lowStockCacheKey, rows, time.Minute); err != nil {
			config.GetLogger().Warn("failed to cache low-stock listing: " + err.Error())
		}
		c.JSON(http.StatusOK, gin.H{"data": rows, "count": len(rows)})
	}
}
