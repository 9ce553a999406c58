package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"settler/apps/settler/internal/model"
	"settler/apps/settler/internal/orchestrator"
)

// TransferStore looks up the delivery record for status responses.
type TransferStore interface {
	GetLiveTransfer(requestID string) (*model.TransferRecord, error)
}

// SettlementHandler handles settlement API endpoints
type SettlementHandler struct {
	orchestrator *orchestrator.Orchestrator
	transfers    TransferStore
	logger       *zap.Logger
}

// NewSettlementHandler creates a new SettlementHandler
func NewSettlementHandler(orch *orchestrator.Orchestrator, transfers TransferStore, logger *zap.Logger) *SettlementHandler {
	return &SettlementHandler{
		orchestrator: orch,
		transfers:    transfers,
		logger:       logger,
	}
}

// SubmitSettlement handles POST /api/settlements
func (h *SettlementHandler) SubmitSettlement(w http.ResponseWriter, r *http.Request) {
	var req SubmitSettlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_request_body", "Invalid JSON in request body")
		return
	}

	if req.Amount == "" {
		h.writeErrorResponse(w, http.StatusBadRequest, "missing_amount", "Amount is required")
		return
	}

	if req.PaymentMethod == "" {
		h.writeErrorResponse(w, http.StatusBadRequest, "missing_payment_method", "Payment method is required")
		return
	}

	if req.TargetToken == "" {
		h.writeErrorResponse(w, http.StatusBadRequest, "missing_target_token", "Target token is required")
		return
	}

	if req.Destination == "" {
		h.writeErrorResponse(w, http.StatusBadRequest, "missing_destination_address", "Destination address is required")
		return
	}

	requestID, handle, err := h.orchestrator.Submit(r.Context(), orchestrator.SubmitRequest{
		RequestID:     req.RequestID,
		PaymentMethod: strings.ToUpper(req.PaymentMethod),
		Amount:        req.Amount,
		Currency:      strings.ToUpper(req.Currency),
		TargetToken:   strings.ToUpper(req.TargetToken),
		Destination:   req.Destination,
	})
	if err != nil {
		h.logger.Warn("Rejected settlement submission", zap.Error(err))
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_settlement", err.Error())
		return
	}

	h.logger.Info("Accepted settlement",
		zap.String("request_id", requestID),
		zap.String("payment_method", req.PaymentMethod),
		zap.String("target_token", req.TargetToken),
		zap.String("amount", req.Amount))

	h.writeJSONResponse(w, http.StatusCreated, SubmitSettlementResponse{
		RequestID:     requestID,
		State:         string(model.StateReceived),
		PaymentHandle: handle,
	})
}

// GetSettlement handles GET /api/settlements/{request_id}
func (h *SettlementHandler) GetSettlement(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	requestID := vars["request_id"]

	if requestID == "" {
		h.writeErrorResponse(w, http.StatusBadRequest, "missing_request_id", "Request id is required")
		return
	}

	settlement, history, err := h.orchestrator.Status(requestID)
	if err != nil {
		h.logger.Error("Failed to get settlement", zap.String("request_id", requestID), zap.Error(err))
		h.writeErrorResponse(w, http.StatusInternalServerError, "database_error", "Failed to retrieve settlement")
		return
	}

	if settlement == nil {
		h.writeErrorResponse(w, http.StatusNotFound, "settlement_not_found", "Settlement not found")
		return
	}

	response := SettlementResponse{
		RequestID:     settlement.RequestID,
		PaymentMethod: string(settlement.PaymentMethod),
		Amount:        settlement.Amount,
		Currency:      settlement.Currency,
		TargetToken:   settlement.TargetToken,
		Destination:   settlement.Destination,
		State:         string(settlement.State),
		PaymentHandle: settlement.PaymentHandle,
		Overpaid:      settlement.Overpaid,
		ReviewReason:  settlement.ReviewReason,
		CreatedAt:     settlement.CreatedAt,
		UpdatedAt:     settlement.UpdatedAt,
		History:       make([]TransitionResponse, 0, len(history)),
	}

	for _, t := range history {
		response.History = append(response.History, TransitionResponse{
			FromState: string(t.FromState),
			ToState:   string(t.ToState),
			Reason:    t.Reason,
			Timestamp: t.CreatedAt,
		})
	}

	if record, err := h.transfers.GetLiveTransfer(requestID); err == nil && record != nil {
		response.TxHash = record.TxHash
	}

	h.writeJSONResponse(w, http.StatusOK, response)
}

// CancelSettlement handles DELETE /api/settlements/{request_id}
func (h *SettlementHandler) CancelSettlement(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	requestID := vars["request_id"]

	if requestID == "" {
		h.writeErrorResponse(w, http.StatusBadRequest, "missing_request_id", "Request id is required")
		return
	}

	if err := h.orchestrator.Cancel(requestID); err != nil {
		if errors.Is(err, orchestrator.ErrNotCancellable) {
			h.writeErrorResponse(w, http.StatusConflict, "not_cancellable", "Settlement can no longer be cancelled")
			return
		}
		if strings.Contains(err.Error(), "not found") {
			h.writeErrorResponse(w, http.StatusNotFound, "settlement_not_found", "Settlement not found")
			return
		}
		h.logger.Error("Failed to cancel settlement", zap.String("request_id", requestID), zap.Error(err))
		h.writeErrorResponse(w, http.StatusInternalServerError, "cancel_error", "Failed to cancel settlement")
		return
	}

	h.logger.Info("Cancelled settlement", zap.String("request_id", requestID))

	h.writeJSONResponse(w, http.StatusOK, CancelResponse{
		RequestID: requestID,
		State:     string(model.StateCancelled),
	})
}

// writeJSONResponse writes a JSON response with the specified status code
func (h *SettlementHandler) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

// writeErrorResponse writes an error response
func (h *SettlementHandler) writeErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) {
	h.writeJSONResponse(w, statusCode, ErrorResponse{
		Error:   errorCode,
		Message: message,
	})
}
