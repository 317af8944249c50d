package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"marketflow/cache"
	"marketflow/identity"
	"marketflow/listing"
	"marketflow/logging"
	"marketflow/metrics"
	"marketflow/offer"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "user_id"
	ctxKeyRole   ctxKey = "role"
)

type listingService interface {
	Create(ctx context.Context, p listing.CreateParams) (listing.Listing, error)
	Get(ctx context.Context, id string) (listing.Listing, error)
	Transition(ctx context.Context, p listing.TransitionParams, expectedVersion int64) (listing.Listing, error)
	TransitionListing(ctx context.Context, p listing.TransitionParams) (listing.Listing, error)
	MarkSold(ctx context.Context, listingID, actorID string) (listing.Listing, error)
}

type admissionService interface {
	Submit(ctx context.Context, p offer.SubmitParams) (offer.Submission, error)
}

type decisionService interface {
	Decide(ctx context.Context, p offer.DecideParams) (offer.Outcome, error)
	RejectPending(ctx context.Context, listingID, actorID string) (int, error)
}

type offerReader interface {
	ListByListing(ctx context.Context, listingID string, status offer.Status) ([]offer.Offer, error)
}

type listingCache interface {
	Load(ctx context.Context, src cache.ListingReader, id string) (listing.Listing, error)
	Invalidate(ctx context.Context, id string)
}

type tokenVerifier interface {
	Verify(token string) (identity.Principal, error)
}

// Server exposes the listing and offer operations over HTTP.
type Server struct {
	listings  listingService
	admission admissionService
	decisions decisionService
	offers    offerReader
	cache     listingCache
	verifier  tokenVerifier
	metrics   *metrics.Manager
	logger    *zap.Logger
	timeout   time.Duration
}

// Router builds the chi routing tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/api/listings", func(r chi.Router) {
		r.Use(s.authenticate)
		if s.timeout > 0 {
			r.Use(middleware.Timeout(s.timeout))
		}
		r.Post("/", s.handleCreateListing)
		r.Route("/{listingID}", func(r chi.Router) {
			r.Get("/", s.handleGetListing)
			r.Post("/transitions", s.handleTransition)
			r.Post("/sold", s.handleMarkSold)
			r.Get("/offers", s.handleListOffers)
			r.Post("/offers", s.handleSubmitOffer)
			r.Post("/offers/reject-pending", s.handleRejectPending)
			r.Post("/offers/{offerID}/decision", s.handleDecision)
		})
	})
	return r
}

func (s *Server) log() *zap.Logger {
	return logging.OrNop(s.logger)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.ObserveHTTP(r.Method, route, strconv.Itoa(status), elapsed)
		s.log().Info("http request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("latency", elapsed),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		p, err := s.verifier.Verify(header)
		if err != nil || !p.Valid {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, p.ActorID)
		ctx = context.WithValue(ctx, ctxKeyRole, p.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func principal(r *http.Request) identity.Principal {
	id, _ := r.Context().Value(ctxKeyUserID).(string)
	role, _ := r.Context().Value(ctxKeyRole).(identity.Role)
	return identity.Principal{ActorID: id, Role: role, Valid: id != ""}
}

type locationPayload struct {
	Summary   string  `json:"summary"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type createListingRequest struct {
	Price           int64           `json:"price"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	Category        string          `json:"category"`
	Location        locationPayload `json:"location"`
	CoverImage      string          `json:"coverImage"`
	Images          []string        `json:"images"`
	ExpiresAt       *time.Time      `json:"expiresAt"`
	SubmitForReview bool            `json:"submitForReview"`
}

type listingResponse struct {
	ID              string          `json:"id"`
	SellerID        string          `json:"sellerId"`
	Status          string          `json:"status"`
	Price           int64           `json:"price"`
	Free            bool            `json:"free"`
	Version         int64           `json:"version"`
	AcceptedOfferID *string         `json:"acceptedOfferId,omitempty"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	Category        string          `json:"category"`
	Location        locationPayload `json:"location"`
	CoverImage      string          `json:"coverImage,omitempty"`
	Images          []string        `json:"images"`
	ExpiresAt       *string         `json:"expiresAt,omitempty"`
	CreatedAt       string          `json:"createdAt"`
	UpdatedAt       string          `json:"updatedAt"`
}

func toListingResponse(l listing.Listing) listingResponse {
	resp := listingResponse{
		ID:              l.ID,
		SellerID:        l.SellerID,
		Status:          string(l.Status),
		Price:           l.Price,
		Free:            l.IsFree(),
		Version:         l.Version,
		AcceptedOfferID: l.AcceptedOfferID,
		Title:           l.Metadata.Title,
		Description:     l.Metadata.Description,
		Category:        l.Metadata.Category,
		Location: locationPayload{
			Summary:   l.Metadata.Location.Summary,
			Latitude:  l.Metadata.Location.Latitude,
			Longitude: l.Metadata.Location.Longitude,
		},
		CoverImage: l.Metadata.CoverImage,
		Images:     l.Metadata.Images,
		CreatedAt:  l.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:  l.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if resp.Images == nil {
		resp.Images = []string{}
	}
	if l.ExpiresAt != nil {
		v := l.ExpiresAt.UTC().Format(time.RFC3339)
		resp.ExpiresAt = &v
	}
	return resp
}

type offerResponse struct {
	ID           string  `json:"id"`
	ListingID    string  `json:"listingId"`
	BuyerID      string  `json:"buyerId"`
	Amount       int64   `json:"amount"`
	Message      string  `json:"message"`
	ContactName  string  `json:"contactName"`
	ContactPhone string  `json:"contactPhone"`
	Status       string  `json:"status"`
	CreatedAt    string  `json:"createdAt"`
	DecidedAt    *string `json:"decidedAt,omitempty"`
}

func toOfferResponse(o offer.Offer) offerResponse {
	resp := offerResponse{
		ID:           o.ID,
		ListingID:    o.ListingID,
		BuyerID:      o.BuyerID,
		Amount:       o.Amount,
		Message:      o.Message,
		ContactName:  o.ContactName,
		ContactPhone: o.ContactPhone,
		Status:       string(o.Status),
		CreatedAt:    o.CreatedAt.UTC().Format(time.RFC3339),
	}
	if o.DecidedAt != nil {
		v := o.DecidedAt.UTC().Format(time.RFC3339)
		resp.DecidedAt = &v
	}
	return resp
}

func (s *Server) handleCreateListing(w http.ResponseWriter, r *http.Request) {
	var req createListingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	created, err := s.listings.Create(r.Context(), listing.CreateParams{
		SellerID: principal(r).ActorID,
		Price:    req.Price,
		Metadata: listing.Metadata{
			Title:       req.Title,
			Description: req.Description,
			Category:    req.Category,
			Location: listing.Location{
				Summary:   req.Location.Summary,
				Latitude:  req.Location.Latitude,
				Longitude: req.Location.Longitude,
			},
			CoverImage: req.CoverImage,
			Images:     req.Images,
		},
		ExpiresAt:       req.ExpiresAt,
		SubmitForReview: req.SubmitForReview,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeListing(w, http.StatusCreated, created)
}

func (s *Server) handleGetListing(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "listingID")
	var (
		l   listing.Listing
		err error
	)
	if s.cache != nil {
		l, err = s.cache.Load(r.Context(), s.listings, id)
	} else {
		l, err = s.listings.Get(r.Context(), id)
	}
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeListing(w, http.StatusOK, l)
}

type transitionRequest struct {
	Event string `json:"event"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	event := listing.Event(strings.TrimSpace(req.Event))
	if !event.Valid() {
		writeError(w, http.StatusBadRequest, "unknown event")
		return
	}
	p := principal(r)
	if event.IsSystem() && !p.CanModerate() {
		writeError(w, http.StatusForbidden, "event requires a moderator")
		return
	}
	s.transition(w, r, listing.TransitionParams{
		ListingID: chi.URLParam(r, "listingID"),
		ActorID:   p.ActorID,
		Event:     event,
	})
}

func (s *Server) handleMarkSold(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, listing.TransitionParams{
		ListingID: chi.URLParam(r, "listingID"),
		ActorID:   principal(r).ActorID,
		Event:     listing.EventMarkSold,
	})
}

// transition uses the caller's If-Match version when present and the
// retrying path otherwise.
func (s *Server) transition(w http.ResponseWriter, r *http.Request, p listing.TransitionParams) {
	version, hasVersion, err := ifMatch(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "If-Match must be a quoted version")
		return
	}

	var updated listing.Listing
	switch {
	case hasVersion:
		updated, err = s.listings.Transition(r.Context(), p, version)
	case p.Event == listing.EventMarkSold:
		updated, err = s.listings.MarkSold(r.Context(), p.ListingID, p.ActorID)
	default:
		updated, err = s.listings.TransitionListing(r.Context(), p)
	}
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.invalidate(r.Context(), p.ListingID)
	writeListing(w, http.StatusOK, updated)
}

func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "listingID")
	l, err := s.listings.Get(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if l.SellerID != principal(r).ActorID {
		s.writeDomainError(w, r, listing.ErrForbidden)
		return
	}
	status := offer.Status(r.URL.Query().Get("status"))
	switch status {
	case "", offer.StatusPending, offer.StatusAccepted, offer.StatusRejected:
	default:
		writeError(w, http.StatusBadRequest, "unknown status filter")
		return
	}
	list, err := s.offers.ListByListing(r.Context(), id, status)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	items := make([]offerResponse, 0, len(list))
	for _, o := range list {
		items = append(items, toOfferResponse(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

type submitOfferRequest struct {
	Amount       int64  `json:"amount"`
	Message      string `json:"message"`
	ContactName  string `json:"contactName"`
	ContactPhone string `json:"contactPhone"`
}

func (s *Server) handleSubmitOffer(w http.ResponseWriter, r *http.Request) {
	var req submitOfferRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sub, err := s.admission.Submit(r.Context(), offer.SubmitParams{
		ListingID:      chi.URLParam(r, "listingID"),
		BuyerID:        principal(r).ActorID,
		Amount:         req.Amount,
		Message:        req.Message,
		ContactName:    req.ContactName,
		ContactPhone:   req.ContactPhone,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	status := http.StatusCreated
	if sub.Replayed {
		status = http.StatusOK
		w.Header().Set("Idempotent-Replayed", "true")
	}
	writeJSON(w, status, toOfferResponse(sub.Offer))
}

type decisionRequest struct {
	Decision string `json:"decision"`
}

type decisionResponse struct {
	Listing       listingResponse `json:"listing"`
	Offer         offerResponse   `json:"offer"`
	Rejected      int             `json:"rejected"`
	FanoutPending bool            `json:"fanoutPending"`
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	decision := offer.Decision(strings.TrimSpace(req.Decision))
	if decision != offer.DecisionAccept && decision != offer.DecisionReject {
		writeError(w, http.StatusBadRequest, "decision must be accept or reject")
		return
	}
	listingID := chi.URLParam(r, "listingID")
	out, err := s.decisions.Decide(r.Context(), offer.DecideParams{
		ListingID: listingID,
		OfferID:   chi.URLParam(r, "offerID"),
		ActorID:   principal(r).ActorID,
		Decision:  decision,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if out.FanoutErr != nil {
		s.log().Warn("fan-out rejection incomplete", zap.String("listing_id", listingID), zap.Error(out.FanoutErr))
	}
	if decision == offer.DecisionAccept {
		s.invalidate(r.Context(), listingID)
	}
	writeJSON(w, http.StatusOK, decisionResponse{
		Listing:       toListingResponse(out.Listing),
		Offer:         toOfferResponse(out.Offer),
		Rejected:      out.Rejected,
		FanoutPending: out.FanoutErr != nil,
	})
}

func (s *Server) handleRejectPending(w http.ResponseWriter, r *http.Request) {
	n, err := s.decisions.RejectPending(r.Context(), chi.URLParam(r, "listingID"), principal(r).ActorID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"rejected": n})
}

func (s *Server) invalidate(ctx context.Context, id string) {
	if s.cache != nil {
		s.cache.Invalidate(context.WithoutCancel(ctx), id)
	}
}

// ifMatch parses an If-Match header carrying a listing version as ETag.
func ifMatch(r *http.Request) (int64, bool, error) {
	raw := strings.TrimSpace(r.Header.Get("If-Match"))
	if raw == "" {
		return 0, false, nil
	}
	raw = strings.TrimPrefix(raw, "W/")
	v, err := strconv.ParseInt(strings.Trim(raw, `"`), 10, 64)
	if err != nil || v < 1 {
		return 0, true, errors.New("bad If-Match")
	}
	return v, true, nil
}

func etag(version int64) string {
	return `"` + strconv.FormatInt(version, 10) + `"`
}

func writeListing(w http.ResponseWriter, status int, l listing.Listing) {
	w.Header().Set("ETag", etag(l.Version))
	writeJSON(w, status, toListingResponse(l))
}

// writeDomainError maps the error taxonomy to HTTP statuses and user-visible
// messages. Unknown errors are logged and reported as 500.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, listing.ErrNotFound):
		writeError(w, http.StatusNotFound, "listing not found")
	case errors.Is(err, offer.ErrNotFound):
		writeError(w, http.StatusNotFound, "offer not found")
	case errors.Is(err, listing.ErrForbidden):
		writeError(w, http.StatusForbidden, "only the seller can do this")
	case errors.Is(err, offer.ErrInvalidOffer), errors.Is(err, listing.ErrInvalidListing):
		writeError(w, http.StatusUnprocessableEntity, userMessage(err))
	case errors.Is(err, offer.ErrListingNotAcceptable):
		writeError(w, http.StatusConflict, "listing can no longer accept this offer")
	case errors.Is(err, listing.ErrStaleVersion):
		status := http.StatusConflict
		if r.Header.Get("If-Match") != "" {
			status = http.StatusPreconditionFailed
		}
		writeError(w, status, "listing changed since it was read; reload and retry")
	case errors.Is(err, listing.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "action not allowed in the listing's current status")
	case errors.Is(err, offer.ErrListingNotOpen):
		writeError(w, http.StatusConflict, "listing is not accepting offers")
	case errors.Is(err, offer.ErrOfferAlreadyDecided):
		writeError(w, http.StatusConflict, "offer has already been decided")
	case errors.Is(err, offer.ErrSubmissionInFlight):
		writeError(w, http.StatusConflict, "a submission with this idempotency key is still in progress")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "operation timed out")
	default:
		s.log().Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// userMessage drops the package prefix from validation errors.
func userMessage(err error) string {
	msg := err.Error()
	for _, prefix := range []string{"offer: ", "listing: "} {
		msg = strings.TrimPrefix(msg, prefix)
	}
	return msg
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
