package federation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/fedbroker/fedbroker/pkg/orders"
	"github.com/fedbroker/fedbroker/pkg/telemetry"
)

// Server exposes the inter-member protocol over HTTP. It is a thin binding
// layer: every handler decodes the envelope, restores the peer's trace
// context and delegates to the remote facade.
type Server struct {
	facade *RemoteFacade
	logger *telemetry.Logger
	http   *http.Server
}

// NewServer creates the protocol server bound to addr.
func NewServer(addr string, facade *RemoteFacade, logger *telemetry.Logger) *Server {
	s := &Server{
		facade: facade,
		logger: logger.NewComponentLogger("federation-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+PathActivateOrder, s.handleActivateOrder)
	mux.HandleFunc("POST "+PathGetInstance, s.handleGetInstance)
	mux.HandleFunc("POST "+PathDeleteOrder, s.handleDeleteOrder)
	mux.HandleFunc("POST "+PathStopOrder, s.handleStopOrder)
	mux.HandleFunc("POST "+PathGetUserQuota, s.handleGetUserQuota)
	mux.HandleFunc("POST "+PathGetImage, s.handleGetImage)
	mux.HandleFunc("POST "+PathGetAllImages, s.handleGetAllImages)
	mux.HandleFunc("POST "+PathRequestSecurityRule, s.handleRequestSecurityRule)
	mux.HandleFunc("POST "+PathGetSecurityRules, s.handleGetSecurityRules)
	mux.HandleFunc("POST "+PathDeleteSecurityRule, s.handleDeleteSecurityRule)
	mux.HandleFunc("POST "+PathGenericRequest, s.handleGenericRequest)
	mux.HandleFunc("POST "+PathGetCloudNames, s.handleGetCloudNames)
	mux.HandleFunc("POST "+PathOrderEvent, s.handleOrderEvent)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.http.Addr).Info("federation server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// requestContext restores the peer's trace context from the headers.
func requestContext(r *http.Request) context.Context {
	return otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
}

func decode(w http.ResponseWriter, r *http.Request, into interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeError(w, orders.NewInvalidParameterError("malformed request body", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// writeError maps the error taxonomy onto protocol status codes.
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
	writeJSON(w, status, &ErrorResponse{Class: berr.Class, Message: berr.Message, OrderID: berr.OrderID})
}

func (s *Server) handleActivateOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.facade.ActivateOrder(requestContext(r), &req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, nil)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if !decode(w, r, &req) {
		return
	}
	instance, err := s.facade.GetInstance(requestContext(r), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &InstanceResponse{Instance: instance})
}

func (s *Server) handleDeleteOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.facade.DeleteOrder(requestContext(r), &req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleStopOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.facade.StopOrder(requestContext(r), &req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleGetUserQuota(w http.ResponseWriter, r *http.Request) {
	var req CloudRequest
	if !decode(w, r, &req) {
		return
	}
	quota, err := s.facade.GetUserQuota(requestContext(r), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &QuotaResponse{Quota: quota})
}

func (s *Server) handleGetImage(w http.ResponseWriter, r *http.Request) {
	var req CloudRequest
	if !decode(w, r, &req) {
		return
	}
	image, err := s.facade.GetImage(requestContext(r), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &ImageResponse{Image: image})
}

func (s *Server) handleGetAllImages(w http.ResponseWriter, r *http.Request) {
	var req CloudRequest
	if !decode(w, r, &req) {
		return
	}
	images, err := s.facade.GetAllImages(requestContext(r), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &ImagesResponse{Images: images})
}

func (s *Server) handleRequestSecurityRule(w http.ResponseWriter, r *http.Request) {
	var req SecurityRuleRequest
	if !decode(w, r, &req) {
		return
	}
	ruleID, err := s.facade.RequestSecurityRule(requestContext(r), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &SecurityRuleResponse{RuleID: ruleID})
}

func (s *Server) handleGetSecurityRules(w http.ResponseWriter, r *http.Request) {
	var req SecurityRuleRequest
	if !decode(w, r, &req) {
		return
	}
	rules, err := s.facade.GetSecurityRules(requestContext(r), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &SecurityRulesResponse{Rules: rules})
}

func (s *Server) handleDeleteSecurityRule(w http.ResponseWriter, r *http.Request) {
	var req SecurityRuleRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.facade.DeleteSecurityRule(requestContext(r), &req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleGenericRequest(w http.ResponseWriter, r *http.Request) {
	var req CloudRequest
	if !decode(w, r, &req) {
		return
	}
	response, err := s.facade.GenericRequest(requestContext(r), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &GenericResponse{Response: response})
}

func (s *Server) handleGetCloudNames(w http.ResponseWriter, r *http.Request) {
	var req CloudRequest
	if !decode(w, r, &req) {
		return
	}
	names, err := s.facade.GetCloudNames(requestContext(r), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &CloudNamesResponse{CloudNames: names})
}

func (s *Server) handleOrderEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.facade.HandleOrderEvent(requestContext(r), &req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}
