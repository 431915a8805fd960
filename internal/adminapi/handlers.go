package adminapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/basher83/oauth-gateway/internal/admin"
	"github.com/basher83/oauth-gateway/internal/gwerrors"
	"github.com/basher83/oauth-gateway/internal/httpmw"
)

type handlers struct {
	admin *admin.Admin
}

func newHandlers(a *admin.Admin) *handlers {
	return &handlers{admin: a}
}

type listAccountsResponse struct {
	Accounts []admin.AccountSummary `json:"accounts"`
}

func (h *handlers) listAccounts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, listAccountsResponse{Accounts: h.admin.ListAccounts()})
}

func (h *handlers) beginEnrollment(w http.ResponseWriter, r *http.Request) {
	requestID := httpmw.GetRequestID(r.Context())

	result, err := h.admin.BeginEnrollment()
	if err != nil {
		writeAdminError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type completeEnrollmentRequest struct {
	AccountID string `json:"account_id"`
	Code      string `json:"code"`
}

func (h *handlers) completeEnrollment(w http.ResponseWriter, r *http.Request) {
	requestID := httpmw.GetRequestID(r.Context())

	var req completeEnrollmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		gwerrors.WriteJSON(w, gwerrors.KindInvalidRequest, "decoding request body", requestID, nil)
		return
	}
	if req.AccountID == "" || req.Code == "" {
		gwerrors.WriteJSON(w, gwerrors.KindInvalidRequest, "account_id and code are required", requestID, nil)
		return
	}

	if err := h.admin.CompleteEnrollment(r.Context(), req.AccountID, req.Code); err != nil {
		writeAdminError(w, requestID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) removeAccount(w http.ResponseWriter, r *http.Request) {
	requestID := httpmw.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")

	if err := h.admin.RemoveAccount(id); err != nil {
		writeAdminError(w, requestID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) poolHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.admin.Health())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeAdminError(w http.ResponseWriter, requestID string, err error) {
	if gwErr, ok := err.(*gwerrors.Error); ok {
		gwerrors.WriteJSON(w, gwErr.Kind, gwErr.Msg, requestID, nil)
		return
	}
	gwerrors.WriteJSON(w, gwerrors.KindProxyError, "admin operation failed", requestID, nil)
}
