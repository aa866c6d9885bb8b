package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"perforay/internal/model"
	"perforay/internal/store"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// ResultReader reads persisted results
type ResultReader interface {
	Get(ctx context.Context, id string) (*model.ScanResult, error)
	List(ctx context.Context, host string, limit, offset int) ([]model.ScanRecord, int64, error)
}

// LatestReader returns the most recent result for a host
type LatestReader interface {
	Latest(ctx context.Context, host string) (*model.ScanResult, error)
}

// ResultHandler 扫描结果处理器. Either reader may be nil when its backend is disabled.
type ResultHandler struct {
	results ResultReader
	latest  LatestReader
}

// NewResultHandler 创建扫描结果处理器
func NewResultHandler(results ResultReader, latest LatestReader) *ResultHandler {
	return &ResultHandler{results: results, latest: latest}
}

// RegisterRoutes 注册路由
func (h *ResultHandler) RegisterRoutes(r *gin.RouterGroup) {
	results := r.Group("/results")
	{
		results.GET("", h.List)
		results.GET("/latest", h.Latest)
		results.GET("/:id", h.Get)
		results.GET("/:id/export", h.Export)
	}
}

// List 获取扫描结果列表
// @Summary List scan results
// @Tags Results
// @Produce json
// @Param host query string false "Filter by host"
// @Param page query int false "Page number"
// @Param page_size query int false "Page size"
// @Success 200 {object} map[string]interface{}
// @Failure 503 {object} map[string]string
// @Router /results [get]
func (h *ResultHandler) List(c *gin.Context) {
	if h.results == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "result database is not enabled"})
		return
	}

	var query model.ResultListQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if query.Page < 1 {
		query.Page = 1
	}
	if query.PageSize < 1 || query.PageSize > 100 {
		query.PageSize = 20
	}

	offset := (query.Page - 1) * query.PageSize
	records, total, err := h.results.List(c.Request.Context(), strings.ToLower(query.Host), query.PageSize, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"list":      records,
		"total":     total,
		"page":      query.Page,
		"page_size": query.PageSize,
	})
}

// Get 获取扫描结果详情
// @Summary Get a scan result
// @Tags Results
// @Produce json
// @Param id path string true "Result ID"
// @Success 200 {object} model.ScanResult
// @Failure 404 {object} map[string]string
// @Router /results/{id} [get]
func (h *ResultHandler) Get(c *gin.Context) {
	result, ok := h.load(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, result)
}

// Export 导出扫描结果Excel
// @Summary Export a scan result as xlsx
// @Tags Results
// @Produce application/vnd.openxmlformats-officedocument.spreadsheetml.sheet
// @Param id path string true "Result ID"
// @Success 200 {file} binary
// @Failure 404 {object} map[string]string
// @Router /results/{id}/export [get]
func (h *ResultHandler) Export(c *gin.Context) {
	result, ok := h.load(c)
	if !ok {
		return
	}

	buf, err := store.ExportXLSX(result)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Header("Content-Disposition", "attachment; filename=scan_"+result.ID+".xlsx")
	c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
}

// Latest 获取主机最新扫描结果
// @Summary Latest cached result for a host
// @Tags Results
// @Produce json
// @Param host query string true "Host"
// @Success 200 {object} model.ScanResult
// @Failure 404 {object} map[string]string
// @Router /results/latest [get]
func (h *ResultHandler) Latest(c *gin.Context) {
	if h.latest == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "result cache is not enabled"})
		return
	}
	host := strings.ToLower(strings.TrimSpace(c.Query("host")))
	if host == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "host is required"})
		return
	}

	result, err := h.latest.Latest(c.Request.Context(), host)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no result for host"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *ResultHandler) load(c *gin.Context) (*model.ScanResult, bool) {
	if h.results == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "result database is not enabled"})
		return nil, false
	}

	result, err := h.results.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	return result, true
}
