package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"taskmarket/apperr"
	"taskmarket/catalog"
	"taskmarket/httpapi/middleware"
	"taskmarket/matching"
	"taskmarket/order"
	"taskmarket/performer"
	"taskmarket/request"
	"taskmarket/review"
)

// RoleModerator may approve and reject requests.
const RoleModerator = "moderator"

type Handler struct {
	catalog    *catalog.Store
	performers *performer.Service
	requests   *request.Service
	orders     *order.Service
	reviews    *review.Service
	matcher    *matching.Resolver
	log        zerolog.Logger
}

func NewHandler(
	cat *catalog.Store,
	performers *performer.Service,
	requests *request.Service,
	orders *order.Service,
	reviews *review.Service,
	matcher *matching.Resolver,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		catalog:    cat,
		performers: performers,
		requests:   requests,
		orders:     orders,
		reviews:    reviews,
		matcher:    matcher,
		log:        log,
	}
}

func (h *Handler) Register(router *gin.Engine, authMiddleware gin.HandlerFunc) {
	router.GET("/categories", h.listCategories)
	router.GET("/categories/:id/services", h.listServices)
	router.GET("/services/:id/offers", h.listOffers)
	router.GET("/performers", h.searchPerformers)
	router.GET("/performers/:id", h.getPerformer)
	router.GET("/performers/:id/reviews", h.listPerformerReviews)

	protected := router.Group("/")
	protected.Use(authMiddleware)

	protected.PUT("/performers/:id/availability", h.setAvailability)
	protected.GET("/performers/me/feed", h.performerFeed)
	protected.GET("/performers/me/requests", h.listPerformerRequests)
	protected.GET("/performers/me/orders", h.listPerformerOrders)

	protected.GET("/clients/me/favorites", h.listFavorites)
	protected.POST("/clients/me/favorites", h.addFavorite)
	protected.DELETE("/clients/me/favorites/:performerID", h.removeFavorite)
	protected.GET("/clients/me/requests", h.listClientRequests)
	protected.GET("/clients/me/orders", h.listClientOrders)

	protected.POST("/requests", h.createRequest)
	protected.GET("/requests/:id", h.getRequest)
	protected.POST("/requests/:id/responses", h.submitResponse)
	protected.DELETE("/requests/:id/responses", h.withdrawResponse)
	protected.POST("/requests/:id/accept", h.acceptResponse)
	protected.POST("/requests/:id/cancel", h.cancelRequest)

	moderation := protected.Group("/")
	moderation.Use(middleware.RequireRole(RoleModerator))
	moderation.POST("/requests/:id/approve", h.approveRequest)
	moderation.POST("/requests/:id/reject", h.rejectRequest)

	protected.GET("/orders/:id", h.getOrder)
	protected.POST("/orders/:id/complete", h.completeOrder)
	protected.POST("/orders/:id/cancel", h.cancelOrder)
	protected.POST("/orders/:id/review", h.submitReview)
}

func (h *Handler) listCategories(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"categories": h.catalog.Categories()})
}

func (h *Handler) listServices(c *gin.Context) {
	services, err := h.catalog.ServicesByCategory(c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"services": services})
}

func (h *Handler) listOffers(c *gin.Context) {
	offers, err := h.catalog.OffersByService(c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offers": offers})
}

func (h *Handler) searchPerformers(c *gin.Context) {
	filter := performer.SearchFilter{
		ServiceID:  c.Query("service_id"),
		CategoryID: c.Query("category_id"),
		City:       c.Query("city"),
		District:   c.Query("district"),
		TypeFilter: performer.Type(c.Query("type")),
		Page:       queryInt(c, "page", 1),
		PageSize:   queryInt(c, "page_size", 20),
	}
	performers, total, err := h.performers.Search(c.Request.Context(), filter)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"performers": performers, "total": total})
}

func (h *Handler) getPerformer(c *gin.Context) {
	p, err := h.performers.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) listPerformerReviews(c *gin.Context) {
	reviews, err := h.reviews.ListForPerformer(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reviews": reviews})
}

type setAvailabilityRequest struct {
	Status string `json:"status" binding:"required"`
}

func (h *Handler) setAvailability(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	id := c.Param("id")
	if principal.UserID != id && principal.Role != RoleModerator {
		c.JSON(http.StatusForbidden, gin.H{"error": "not your profile"})
		return
	}

	var req setAvailabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.performers.SetAvailability(c.Request.Context(), id, performer.Status(req.Status)); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": req.Status})
}

func (h *Handler) performerFeed(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	feed, err := h.matcher.Feed(c.Request.Context(), principal.UserID)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": feed})
}

func (h *Handler) listPerformerRequests(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	requests, total, err := h.requests.ListForPerformer(c.Request.Context(), principal.UserID, requestFilters(c))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": requests, "total": total})
}

func (h *Handler) listPerformerOrders(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	orders, err := h.orders.ListForPerformer(c.Request.Context(), principal.UserID)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (h *Handler) listFavorites(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	favorites, err := h.performers.ListFavorites(c.Request.Context(), principal.UserID)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"favorites": favorites})
}

type addFavoriteRequest struct {
	PerformerID string `json:"performer_id" binding:"required"`
}

func (h *Handler) addFavorite(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	var req addFavoriteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.performers.AddFavorite(c.Request.Context(), principal.UserID, req.PerformerID); err != nil {
		h.handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) removeFavorite(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	if err := h.performers.RemoveFavorite(c.Request.Context(), principal.UserID, c.Param("performerID")); err != nil {
		h.handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) listClientRequests(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	requests, total, err := h.requests.ListForClient(c.Request.Context(), principal.UserID, requestFilters(c))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": requests, "total": total})
}

func (h *Handler) listClientOrders(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	orders, err := h.orders.ListForClient(c.Request.Context(), principal.UserID)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

type createRequestRequest struct {
	ServiceID         string     `json:"service_id"`
	OfferIDs          []string   `json:"offer_ids"`
	Description       string     `json:"description"`
	Address           string     `json:"address"`
	City              string     `json:"city"`
	District          string     `json:"district"`
	Phone             string     `json:"phone"`
	PriceLimit        *int64     `json:"price_limit"`
	DueDate           *time.Time `json:"due_date"`
	TimePeriod        string     `json:"time_period"`
	WorkLocation      string     `json:"work_location"`
	PhotoURLs         []string   `json:"photo_urls"`
	Type              string     `json:"type"`
	TargetPerformerID string     `json:"target_performer_id"`
}

func (h *Handler) createRequest(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	var req createRequestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	created, err := h.requests.Create(c.Request.Context(), request.CreateParams{
		ClientID:          principal.UserID,
		ServiceID:         req.ServiceID,
		OfferIDs:          req.OfferIDs,
		Description:       req.Description,
		Address:           req.Address,
		City:              req.City,
		District:          req.District,
		Phone:             req.Phone,
		PriceLimit:        req.PriceLimit,
		DueDate:           req.DueDate,
		TimePeriod:        req.TimePeriod,
		WorkLocation:      request.WorkLocation(req.WorkLocation),
		PhotoURLs:         req.PhotoURLs,
		Type:              request.Type(req.Type),
		TargetPerformerID: req.TargetPerformerID,
	})
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *Handler) getRequest(c *gin.Context) {
	req, err := h.requests.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

type submitResponseRequest struct {
	Price   int64  `json:"price"`
	Comment string `json:"comment"`
}

func (h *Handler) submitResponse(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	var req submitResponseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	response, err := h.requests.SubmitResponse(c.Request.Context(), request.SubmitResponseParams{
		RequestID:   c.Param("id"),
		PerformerID: principal.UserID,
		Price:       req.Price,
		Comment:     req.Comment,
	})
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, response)
}

func (h *Handler) withdrawResponse(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	if err := h.requests.WithdrawResponse(c.Request.Context(), c.Param("id"), principal.UserID); err != nil {
		h.handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type acceptRequest struct {
	PerformerID string `json:"performer_id" binding:"required"`
}

func (h *Handler) acceptResponse(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	var req acceptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := h.requests.Accept(c.Request.Context(), request.AcceptParams{
		RequestID:   c.Param("id"),
		ClientID:    principal.UserID,
		PerformerID: req.PerformerID,
	})
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": result.Request, "order": result.Order})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) cancelRequest(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	canceled, err := h.requests.Cancel(c.Request.Context(), request.CancelParams{
		RequestID: c.Param("id"),
		ActorID:   principal.UserID,
		ActorRole: principal.Role,
		Reason:    req.Reason,
	})
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, canceled)
}

func (h *Handler) approveRequest(c *gin.Context) {
	approved, err := h.requests.Approve(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, approved)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) rejectRequest(c *gin.Context) {
	var req rejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rejected, err := h.requests.Reject(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, rejected)
}

func (h *Handler) getOrder(c *gin.Context) {
	o, err := h.orders.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (h *Handler) completeOrder(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	completed, err := h.orders.MarkCompleted(c.Request.Context(), order.CompleteParams{
		OrderID:   c.Param("id"),
		ActorID:   principal.UserID,
		ActorRole: principal.Role,
	})
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, completed)
}

func (h *Handler) cancelOrder(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	canceled, err := h.orders.Cancel(c.Request.Context(), order.CancelParams{
		OrderID:   c.Param("id"),
		ActorID:   principal.UserID,
		ActorRole: principal.Role,
		Reason:    req.Reason,
	})
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, canceled)
}

type submitReviewRequest struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment"`
}

func (h *Handler) submitReview(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing principal"})
		return
	}
	var req submitReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	submitted, err := h.reviews.Submit(c.Request.Context(), review.SubmitParams{
		OrderID:    c.Param("id"),
		ReviewerID: principal.UserID,
		Rating:     req.Rating,
		Comment:    req.Comment,
	})
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, submitted)
}

func (h *Handler) handleError(c *gin.Context, err error) {
	if validation, ok := apperr.AsValidation(err); ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "violations": validation.Violations})
		return
	}
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, apperr.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, apperr.ErrInvalidState), errors.Is(err, apperr.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func requestFilters(c *gin.Context) request.Filters {
	return request.Filters{
		Status:   request.Status(c.Query("status")),
		Page:     queryInt(c, "page", 1),
		PageSize: queryInt(c, "page_size", 20),
	}
}

func queryInt(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}
