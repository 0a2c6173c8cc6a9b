package handlers

import (
	"net/http"

	"github.com/timrx/backend/internal/models"
)

// Catalog is the loaded pricing catalog. *pricing.Catalog satisfies it.
type Catalog interface {
	ActionCosts() []models.ActionCost
	Plans() []models.Plan
}

// CatalogHandler serves the public price list.
type CatalogHandler struct {
	Catalog Catalog
}

// ListActions handles GET /api/v1/actions.
func (h *CatalogHandler) ListActions(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]interface{}{"actions": h.Catalog.ActionCosts()})
}

// ListPlans handles GET /api/v1/plans.
func (h *CatalogHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]interface{}{"plans": h.Catalog.Plans()})
}
