package handlers

import (
	"context"
	"net/http"

	"github.com/contractai/chat-gateway/internal/entitlement"
	"github.com/contractai/chat-gateway/internal/models"
	"github.com/contractai/chat-gateway/pkg/httputil"
	"github.com/go-chi/chi/v5"
)

// EntitlementGate is the part of the gate the model routes need.
type EntitlementGate interface {
	Check(ctx context.Context, address, modelID string) entitlement.Decision
	Refresh(ctx context.Context, address, modelID string) entitlement.Decision
	CheckAll(ctx context.Context, address string) map[string]entitlement.Decision
}

type ModelHandlers struct {
	catalog *models.Catalog
	gate    EntitlementGate
}

func NewModelHandlers(catalog *models.Catalog, gate EntitlementGate) *ModelHandlers {
	return &ModelHandlers{catalog: catalog, gate: gate}
}

// HandleListModels handles GET /v1/models. Entitled flags come from a batch gate check;
// without an address only free models are entitled.
func (h *ModelHandlers) HandleListModels(w http.ResponseWriter, r *http.Request) {
	address := resolveAddress(r, "")
	var decisions map[string]entitlement.Decision
	if address != "" {
		decisions = h.gate.CheckAll(r.Context(), address)
	}

	list := h.catalog.List()
	resp := models.ListModelsResponse{Models: make([]models.ModelResponse, 0, len(list))}
	for _, m := range list {
		item := models.ModelResponse{Model: m, Entitled: m.Free}
		if d, ok := decisions[m.ID]; ok {
			item.TokenID = d.TokenID
			item.Entitled = d.Allowed()
			if d.Outcome == entitlement.CheckFailed {
				item.Reason = string(d.Reason)
			}
		}
		resp.Models = append(resp.Models, item)
	}
	httputil.RespondJSON(w, http.StatusOK, resp)
}

// HandleGetEntitlement handles GET /v1/models/{modelID}/entitlement.
func (h *ModelHandlers) HandleGetEntitlement(w http.ResponseWriter, r *http.Request) {
	h.respondDecision(w, h.gate.Check(r.Context(), resolveAddress(r, ""), chi.URLParam(r, "modelID")))
}

// HandleRefreshEntitlement handles POST /v1/models/{modelID}/entitlement/refresh.
func (h *ModelHandlers) HandleRefreshEntitlement(w http.ResponseWriter, r *http.Request) {
	h.respondDecision(w, h.gate.Refresh(r.Context(), resolveAddress(r, ""), chi.URLParam(r, "modelID")))
}

func (h *ModelHandlers) respondDecision(w http.ResponseWriter, d entitlement.Decision) {
	if d.Reason == entitlement.ReasonUnknownModel {
		httputil.RespondError(w, http.StatusNotFound, "Model not found")
		return
	}
	// Denied and failed checks are still answers, not request errors.
	httputil.RespondJSON(w, http.StatusOK, models.EntitlementResponse{
		ModelID: d.ModelID,
		TokenID: d.TokenID,
		Outcome: string(d.Outcome),
		Reason:  string(d.Reason),
		Record:  d.Record,
	})
}
