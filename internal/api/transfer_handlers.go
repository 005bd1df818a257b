package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/flowpbx/transferd/internal/transfers"
)

// TransferService is the subset of the transfer service the API drives.
type TransferService interface {
	Create(ctx context.Context, req transfers.CreateRequest) (*transfers.Transfer, error)
	Get(ctx context.Context, id string) (*transfers.Transfer, error)
	List(ctx context.Context) ([]*transfers.Transfer, error)
	Complete(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
}

// transferRequest is the JSON request body for creating a transfer.
type transferRequest struct {
	TransferredCall     string            `json:"transferred_call"`
	InitiatorCall       string            `json:"initiator_call"`
	Context             string            `json:"context"`
	Exten               string            `json:"exten"`
	Flow                string            `json:"flow"`
	Variables           map[string]string `json:"variables"`
	Timeout             int               `json:"timeout"`
	InitiatorUUID       string            `json:"initiator_uuid"`
	InitiatorTenantUUID string            `json:"initiator_tenant_uuid"`
}

func (req transferRequest) toCreateRequest() transfers.CreateRequest {
	return transfers.CreateRequest{
		TransferredCall:     req.TransferredCall,
		InitiatorCall:       req.InitiatorCall,
		Context:             req.Context,
		Exten:               req.Exten,
		Flow:                transfers.Flow(req.Flow),
		Variables:           req.Variables,
		Timeout:             req.Timeout,
		InitiatorUUID:       req.InitiatorUUID,
		InitiatorTenantUUID: req.InitiatorTenantUUID,
	}
}

// handleListTransfers returns live transfers with pagination.
func (s *Server) handleListTransfers(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	list, err := s.transfers.List(r.Context())
	if err != nil {
		s.logger.Error("list transfers: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	all := make([]transfers.Public, len(list))
	for i, t := range list {
		all[i] = t.Public()
	}

	total := len(all)
	start := min(pg.Offset, total)
	end := min(start+pg.Limit, total)

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  all[start:end],
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// handleCreateTransfer starts a transfer between two existing calls.
func (s *Server) handleCreateTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	if errMsg := validateTransferRequest(req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	t, err := s.transfers.Create(r.Context(), req.toCreateRequest())
	if err != nil {
		s.writeTransferError(w, "create transfer", err)
		return
	}

	s.logger.Info("transfer created",
		"transfer_id", t.ID,
		"flow", t.Flow,
		"transferred_call", t.TransferredCall,
		"initiator_call", t.InitiatorCall,
	)

	writeJSON(w, http.StatusCreated, t.Public())
}

// handleGetTransfer returns a single transfer by id.
func (s *Server) handleGetTransfer(w http.ResponseWriter, r *http.Request) {
	t, err := s.transfers.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeTransferError(w, "get transfer", err)
		return
	}
	writeJSON(w, http.StatusOK, t.Public())
}

// handleCompleteTransfer connects the transferred party to the recipient.
func (s *Server) handleCompleteTransfer(w http.ResponseWriter, r *http.Request) {
	s.runTransferCommand(w, r, "complete transfer", s.transfers.Complete)
}

// handleCancelTransfer returns the transferred party to the initiator.
func (s *Server) handleCancelTransfer(w http.ResponseWriter, r *http.Request) {
	s.runTransferCommand(w, r, "cancel transfer", s.transfers.Cancel)
}

// runTransferCommand applies cmd and responds with the transfer as it is
// afterwards. Transfers removed by the command are reported as ended.
func (s *Server) runTransferCommand(w http.ResponseWriter, r *http.Request, op string, cmd func(context.Context, string) error) {
	id := chi.URLParam(r, "id")
	if err := cmd(r.Context(), id); err != nil {
		s.writeTransferError(w, op, err)
		return
	}

	t, err := s.transfers.Get(r.Context(), id)
	if errors.Is(err, transfers.ErrNotFound) {
		writeJSON(w, http.StatusOK, transfers.Public{ID: id, Status: transfers.StatusEnded})
		return
	}
	if err != nil {
		s.writeTransferError(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, t.Public())
}

// writeTransferError maps transfer errors onto HTTP statuses.
func (s *Server) writeTransferError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, transfers.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, transfers.ErrChannelNotFound), errors.Is(err, transfers.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, transfers.ErrTransferExists), errors.Is(err, transfers.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error(op+": failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// validateTransferRequest checks field shapes before the service sees them.
func validateTransferRequest(req transferRequest) string {
	if msg := validateRequiredStringLen("transferred_call", req.TransferredCall, maxIDLen); msg != "" {
		return msg
	}
	if msg := validateRequiredStringLen("initiator_call", req.InitiatorCall, maxIDLen); msg != "" {
		return msg
	}
	if msg := validateRequiredStringLen("context", req.Context, maxDialplanLen); msg != "" {
		return msg
	}
	if msg := validateRequiredStringLen("exten", req.Exten, maxDialplanLen); msg != "" {
		return msg
	}
	for field, value := range map[string]string{"context": req.Context, "exten": req.Exten} {
		if msg := validateNoControlChars(field, value); msg != "" {
			return msg
		}
	}
	if req.Flow != "" && !transfers.Flow(req.Flow).Valid() {
		return "flow must be \"attended\" or \"blind\""
	}
	if msg := validateIntRange("timeout", req.Timeout, 0, maxTimeout); msg != "" {
		return msg
	}
	if msg := validateStringLen("initiator_uuid", req.InitiatorUUID, maxIDLen); msg != "" {
		return msg
	}
	if msg := validateStringLen("initiator_tenant_uuid", req.InitiatorTenantUUID, maxIDLen); msg != "" {
		return msg
	}
	return validateVariables("variables", req.Variables)
}

var _ TransferService = (*transfers.Service)(nil)
