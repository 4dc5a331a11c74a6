// Package api exposes the request handler over HTTP with JSON bodies.
// Keys and values are base64 encoded.
package api

import (
	"net/http"
	"strconv"

	"github.com/anthrax3/mapkeeper/internal/database"
	"github.com/anthrax3/mapkeeper/internal/scan"
	"github.com/anthrax3/mapkeeper/internal/server"
	"github.com/gin-gonic/gin"
	"github.com/golang-module/carbon/v2"
)

// Handler translates HTTP requests to server operations.
type Handler struct {
	srv *server.Handler
}

func NewHandler(srv *server.Handler) *Handler {
	return &Handler{srv: srv}
}

// RegisterRoutes registers every route on r.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(h.srv.Metrics().Handler()))

	v1 := r.Group("/v1")
	{
		maps := v1.Group("/maps")
		{
			maps.GET("", h.ListMaps)
			maps.POST("", h.AddMap)
			maps.DELETE("/:map", h.DropMap)
			maps.POST("/:map/get", h.Get)
			maps.POST("/:map/put", h.Put)
			maps.POST("/:map/insert-many", h.InsertMany)
			maps.POST("/:map/update", h.Update)
			maps.POST("/:map/remove", h.Remove)
			maps.POST("/:map/scan", h.Scan)
		}

		scans := v1.Group("/scans")
		{
			scans.POST("", h.ScanStart)
			scans.POST("/:id/next", h.ScanNext)
			scans.DELETE("/:id", h.ScanEnd)
		}
	}
}

// status returns the HTTP status of a response code.
func status(code server.Code) int {
	switch code {
	case server.Success, server.ScanEnded:
		return http.StatusOK
	case server.RecordNotFound, server.MapNotFound:
		return http.StatusNotFound
	case server.RecordExists, server.MapExists:
		return http.StatusConflict
	}

	return http.StatusInternalServerError
}

func reply(c *gin.Context, code server.Code, body gin.H) {
	if body == nil {
		body = gin.H{}
	}
	body["code"] = code.String()
	c.JSON(status(code), body)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"code":  server.Error.String(),
		"error": "invalid request: " + err.Error(),
	})
}

// Health answers ping.
// GET /health
func (h *Handler) Health(c *gin.Context) {
	code := h.srv.Ping(c.Request.Context())
	if code != server.Success {
		reply(c, code, nil)
		return
	}

	reply(c, code, gin.H{
		"status": "ok",
		"time":   carbon.Now().ToRfc3339String(),
	})
}

// ListMaps
// GET /v1/maps
func (h *Handler) ListMaps(c *gin.Context) {
	names, code := h.srv.ListMaps(c.Request.Context())
	if names == nil {
		names = []string{}
	}
	reply(c, code, gin.H{"maps": names})
}

type addMapRequest struct {
	Name string `json:"name" binding:"required"`
}

// AddMap
// POST /v1/maps
func (h *Handler) AddMap(c *gin.Context) {
	var req addMapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	reply(c, h.srv.AddMap(c.Request.Context(), req.Name), nil)
}

// DropMap
// DELETE /v1/maps/:map
func (h *Handler) DropMap(c *gin.Context) {
	reply(c, h.srv.DropMap(c.Request.Context(), c.Param("map")), nil)
}

type keyRequest struct {
	Key []byte `json:"key" binding:"required,min=1"`
}

type recordRequest struct {
	Key   []byte `json:"key" binding:"required,min=1"`
	Value []byte `json:"value"`
}

type record struct {
	Key   []byte `json:"key"`
	Value []byte `json:"value"`
}

// Get
// POST /v1/maps/:map/get
func (h *Handler) Get(c *gin.Context) {
	var req keyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	v, code := h.srv.Get(c.Request.Context(), c.Param("map"), req.Key)
	if code != server.Success {
		reply(c, code, nil)
		return
	}
	reply(c, code, gin.H{"value": v})
}

// Put inserts a record. It fails if the key already exists.
// POST /v1/maps/:map/put
func (h *Handler) Put(c *gin.Context) {
	var req recordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	reply(c, h.srv.Put(c.Request.Context(), c.Param("map"), req.Key, req.Value), nil)
}

type insertManyRequest struct {
	Records []recordRequest `json:"records" binding:"required,dive"`
}

// InsertMany
// POST /v1/maps/:map/insert-many
func (h *Handler) InsertMany(c *gin.Context) {
	var req insertManyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	records := make([]database.Record, len(req.Records))
	for i, r := range req.Records {
		records[i] = database.Record{Key: r.Key, Value: r.Value}
	}

	n, code := h.srv.InsertMany(c.Request.Context(), c.Param("map"), records)
	reply(c, code, gin.H{"inserted": n})
}

// Update
// POST /v1/maps/:map/update
func (h *Handler) Update(c *gin.Context) {
	var req recordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	reply(c, h.srv.Update(c.Request.Context(), c.Param("map"), req.Key, req.Value), nil)
}

// Remove
// POST /v1/maps/:map/remove
func (h *Handler) Remove(c *gin.Context) {
	var req keyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	reply(c, h.srv.Remove(c.Request.Context(), c.Param("map"), req.Key), nil)
}

type scanRequest struct {
	Map            string `json:"map"`
	Order          string `json:"order" binding:"omitempty,oneof=asc desc"`
	Start          []byte `json:"start"`
	StartInclusive bool   `json:"start_inclusive"`
	End            []byte `json:"end"`
	EndInclusive   bool   `json:"end_inclusive"`
	MaxRecords     int    `json:"max_records" binding:"min=0"`
	MaxBytes       int    `json:"max_bytes" binding:"min=0"`
}

func (r *scanRequest) toServer() server.ScanRequest {
	dir := scan.Ascending
	if r.Order == scan.Descending.String() {
		dir = scan.Descending
	}

	return server.ScanRequest{
		Map:       r.Map,
		Direction: dir,
		Range: scan.Range{
			Start:          r.Start,
			StartInclusive: r.StartInclusive,
			End:            r.End,
			EndInclusive:   r.EndInclusive,
		},
		MaxRecords: r.MaxRecords,
		MaxBytes:   r.MaxBytes,
	}
}

func toRecords(records []scan.Record) []record {
	out := make([]record, len(records))
	for i, r := range records {
		out[i] = record{Key: r.Key, Value: r.Value}
	}
	return out
}

// Scan returns a range of records in a single call.
// POST /v1/maps/:map/scan
func (h *Handler) Scan(c *gin.Context) {
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	req.Map = c.Param("map")

	records, code := h.srv.Scan(c.Request.Context(), req.toServer())
	reply(c, code, gin.H{"records": toRecords(records)})
}

// ScanStart opens a scan.
// POST /v1/scans
func (h *Handler) ScanStart(c *gin.Context) {
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Map == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  server.Error.String(),
			"error": "map is required",
		})
		return
	}

	id, code := h.srv.ScanStart(c.Request.Context(), req.toServer())
	if code != server.Success {
		reply(c, code, nil)
		return
	}
	reply(c, code, gin.H{"id": strconv.FormatUint(id, 10)})
}

type scanNextRequest struct {
	Count int `json:"count" binding:"min=0"`
}

func scanID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, err)
		return 0, false
	}
	return id, true
}

// ScanNext returns the next records of an open scan.
// POST /v1/scans/:id/next
func (h *Handler) ScanNext(c *gin.Context) {
	id, ok := scanID(c)
	if !ok {
		return
	}

	var req scanNextRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}

	records, code := h.srv.ScanNext(c.Request.Context(), id, req.Count)
	reply(c, code, gin.H{"records": toRecords(records)})
}

// ScanEnd closes an open scan.
// DELETE /v1/scans/:id
func (h *Handler) ScanEnd(c *gin.Context) {
	id, ok := scanID(c)
	if !ok {
		return
	}

	reply(c, h.srv.ScanEnd(c.Request.Context(), id), nil)
}
