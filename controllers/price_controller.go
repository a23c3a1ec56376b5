package controllers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"market_sync_backend/models"
	"market_sync_backend/services/cache"
	"market_sync_backend/services/connector"
)

// PriceController reads stored ticks from the time-series store, with the
// Redis snapshot as a fast path for the latest tick.
type PriceController struct {
	store    *connector.Connector
	snapshot *cache.Snapshot
	table    string
}

// NewPriceController creates a price controller. snapshot may be nil.
func NewPriceController(store *connector.Connector, snapshot *cache.Snapshot, table string) *PriceController {
	return &PriceController{store: store, snapshot: snapshot, table: table}
}

// GetPrices returns ticks for a symbol, oldest first
// GET /api/v1/prices/:symbol?from=RFC3339&to=RFC3339&page=1&limit=100
func (pc *PriceController) GetPrices(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 1000 {
		limit = 100
	}

	q := connector.Query{Table: pc.table, Symbol: symbol, Limit: limit, Offset: (page - 1) * limit}
	for param, dst := range map[string]*time.Time{"from": &q.From, "to": &q.To} {
		if v := c.Query(param); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + param + " timestamp, use RFC3339"})
				return
			}
			*dst = t
		}
	}

	records, err := pc.store.Query(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to fetch prices", "message": err.Error()})
		return
	}
	if records == nil {
		records = []models.Record{}
	}
	c.JSON(http.StatusOK, gin.H{
		"data": records,
		"pagination": gin.H{
			"page":  page,
			"limit": limit,
		},
	})
}

// GetLatest returns the newest tick for a symbol
// GET /api/v1/prices/:symbol/latest
func (pc *PriceController) GetLatest(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))

	if pc.snapshot != nil {
		if r, found, err := pc.snapshot.Latest(c.Request.Context(), symbol); err == nil && found {
			c.JSON(http.StatusOK, gin.H{"data": r, "source": "cache"})
			return
		}
	}

	records, err := pc.store.Query(c.Request.Context(), connector.Query{Table: pc.table, Symbol: symbol, Descending: true, Limit: 1})
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to fetch price", "message": err.Error()})
		return
	}
	if len(records) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "No prices for symbol", "symbol": symbol})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": records[0], "source": "store"})
}
