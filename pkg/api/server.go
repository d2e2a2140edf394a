// Package api exposes the broker's user-facing HTTP surface. It is a thin
// binding layer over the order controller: handlers decode requests, resolve
// the caller identity and delegate; no business logic lives here.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/fedbroker/fedbroker/pkg/engine"
	"github.com/fedbroker/fedbroker/pkg/orders"
	"github.com/fedbroker/fedbroker/pkg/telemetry"
)

// Server is the local API server.
type Server struct {
	controller    *engine.Controller
	localMemberID string
	logger        *telemetry.Logger
	http          *http.Server
}

// NewServer creates the API server bound to addr. The metrics handler is
// mounted on the same listener under /metrics.
func NewServer(addr string, controller *engine.Controller, localMemberID string, metricsHandler http.Handler, logger *telemetry.Logger) *Server {
	s := &Server{
		controller:    controller,
		localMemberID: localMemberID,
		logger:        logger.NewComponentLogger("api-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/orders", s.handleCreateOrder)
	mux.HandleFunc("GET /v1/orders/{id}", s.handleGetOrder)
	mux.HandleFunc("DELETE /v1/orders/{id}", s.handleDeleteOrder)
	mux.HandleFunc("POST /v1/orders/{id}/stop", s.handleStopOrder)
	mux.HandleFunc("GET /v1/orders/{id}/instance", s.handleGetInstance)
	mux.HandleFunc("POST /v1/orders/{id}/securityrules", s.handleCreateSecurityRule)
	mux.HandleFunc("GET /v1/orders/{id}/securityrules", s.handleGetSecurityRules)
	mux.HandleFunc("DELETE /v1/orders/{id}/securityrules/{ruleId}", s.handleDeleteSecurityRule)
	mux.HandleFunc("GET /v1/quota", s.handleGetQuota)
	mux.HandleFunc("GET /v1/allocation", s.handleGetAllocation)
	mux.HandleFunc("GET /v1/images", s.handleGetAllImages)
	mux.HandleFunc("GET /v1/images/{id}", s.handleGetImage)
	mux.HandleFunc("GET /v1/clouds", s.handleGetClouds)
	mux.HandleFunc("POST /v1/generic", s.handleGenericRequest)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}

	s.http = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.http.Addr).Info("api server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// user resolves the caller identity. Authentication is delegated to the
// deployment's front proxy; the broker trusts the identity headers it is
// handed and stamps the local member id on them.
func (s *Server) user(r *http.Request) (orders.SystemUser, error) {
	id := r.Header.Get("X-User-Id")
	if id == "" {
		return orders.SystemUser{}, orders.NewUnauthorizedError("missing X-User-Id header", nil)
	}
	return orders.SystemUser{
		ID:       id,
		Name:     r.Header.Get("X-User-Name"),
		MemberID: s.localMemberID,
	}, nil
}

// CreateOrderRequest is the order creation body. Exactly one spec section
// must match the declared type.
type CreateOrderRequest struct {
	Type       orders.ResourceType    `json:"type"`
	Provider   string                 `json:"provider,omitempty"`
	CloudName  string                 `json:"cloud_name,omitempty"`
	Compute    *orders.ComputeSpec    `json:"compute,omitempty"`
	Network    *orders.NetworkSpec    `json:"network,omitempty"`
	Volume     *orders.VolumeSpec     `json:"volume,omitempty"`
	Attachment *orders.AttachmentSpec `json:"attachment,omitempty"`
	PublicIP   *orders.PublicIPSpec   `json:"public_ip,omitempty"`
}

// CreateOrderResponse returns the id of the activated order.
type CreateOrderResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	user, err := s.user(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, orders.NewInvalidParameterError("malformed request body", err))
		return
	}

	order := orders.NewOrder(req.Type)
	order.Provider = req.Provider
	order.CloudName = req.CloudName
	order.Compute = req.Compute
	order.Network = req.Network
	order.Volume = req.Volume
	order.Attachment = req.Attachment
	order.PublicIP = req.PublicIP

	if err := s.controller.Activate(r.Context(), order, user); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &CreateOrderResponse{ID: order.ID})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	user, err := s.user(r)
	if err != nil {
		writeError(w, err)
		return
	}
	order, err := s.controller.GetOrder(r.Context(), r.PathValue("id"), user)
	if err != nil {
		writeError(w, err)
		return
	}
	order.Lock()
	snapshot := order.Snapshot()
	order.Unlock()
	writeJSON(w, http.StatusOK, &snapshot)
}

func (s *Server) handleDeleteOrder(w http.ResponseWriter, r *http.Request) {
	user, err := s.user(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.controller.Delete(r.Context(), r.PathValue("id"), user); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, nil)
}

func (s *Server) handleStopOrder(w http.ResponseWriter, r *http.Request) {
	user, err := s.user(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.controller.Stop(r.Context(), r.PathValue("id"), user); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, nil)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	user, err := s.user(r)
	if err != nil {
		writeError(w, err)
		return
	}
	instance, err := s.controller.GetInstance(r.Context(), r.PathValue("id"), user)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instance)
}

func (s *Server) handleCreateSecurityRule(w http.ResponseWriter, r *http.Request) {
	user, err := s.user(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var rule orders.SecurityRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, orders.NewInvalidParameterError("malformed request body", err))
		return
	}
	ruleID, err := s.controller.RequestSecurityRule(r.Context(), r.PathValue("id"), rule, user)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"rule_id": ruleID})
}

func (s *Server) handleGetSecurityRules(w http.ResponseWriter, r *http.Request) {
	user, err := s.user(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rules, err := s.controller.GetSecurityRules(r.Context(), r.PathValue("id"), user)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) handleDeleteSecurityRule(w http.ResponseWriter, r *http.Request) {
	user, err := s.user(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.controller.DeleteSecurityRule(r.Context(), r.PathValue("id"), r.PathValue("ruleId"), user); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleGetQuota(w http.ResponseWriter, r *http.Request) {
	user, err := s.user(r)
	if err != nil {
		writeError(w, err)
		return
	}
	q := r.URL.Query()
	resourceType := orders.ResourceType(q.Get("type"))
	if resourceType == "" {
		resourceType = orders.ResourceCompute
	}
	quota, err := s.controller.GetUserQuota(r.Context(), q.Get("member"), q.Get("cloud"), user, resourceType)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quota)
}

func (s *Server) handleGetAllocation(w http.ResponseWriter, r *http.Request) {
	user, err := s.user(r)
	if err != nil {
		writeError(w, err)
		return
	}
	member := r.URL.Query().Get("member")
	if member == "" {
		member = s.localMemberID
	}
	allocation, err := s.controller.GetUserAllocation(r.Context(), member, user)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, allocation)
}

func (s *Server) handleGetAllImages(w http.ResponseWriter, r *http.Request) {
	user, err := s.user(r)
	if err != nil {
		writeError(w, err)
		return
	}
	q := r.URL.Query()
	images, err := s.controller.GetAllImages(r.Context(), q.Get("member"), q.Get("cloud"), user)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, images)
}

func (s *Server) handleGetImage(w http.ResponseWriter, r *http.Request) {
	user, err := s.user(r)
	if err != nil {
		writeError(w, err)
		return
	}
	q := r.URL.Query()
	image, err := s.controller.GetImage(r.Context(), q.Get("member"), q.Get("cloud"), r.PathValue("id"), user)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, image)
}

func (s *Server) handleGetClouds(w http.ResponseWriter, r *http.Request) {
	user, err := s.user(r)
	if err != nil {
		writeError(w, err)
		return
	}
	names, err := s.controller.GetCloudNames(r.Context(), user)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"clouds": names})
}

// GenericRequestBody addresses an opaque request at one member/cloud.
type GenericRequestBody struct {
	Member  string `json:"member,omitempty"`
	Cloud   string `json:"cloud,omitempty"`
	Request string `json:"request"`
}

func (s *Server) handleGenericRequest(w http.ResponseWriter, r *http.Request) {
	user, err := s.user(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body GenericRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, orders.NewInvalidParameterError("malformed request body", err))
		return
	}
	response, err := s.controller.GenericRequest(r.Context(), body.Member, body.Cloud, body.Request, user)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"response": response})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func writeError(w http.ResponseWriter, err error) {
	var berr *orders.BrokerError
	if !errors.As(err, &berr) {
		berr = orders.NewUnexpectedError(err.Error(), nil)
	}

	status := http.StatusInternalServerError
	switch berr.Class {
	case orders.ErrorClassNotFound:
		status = http.StatusNotFound
	case orders.ErrorClassUnauthorized:
		status = http.StatusForbidden
	case orders.ErrorClassInvalidParameter:
		status = http.StatusBadRequest
	case orders.ErrorClassNoAvailableResources:
		status = http.StatusConflict
	case orders.ErrorClassUnavailable:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{
		"error":   string(berr.Class),
		"message": berr.Message,
	})
}
