package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vire-cms/vire/pkg/resource"
	"github.com/vire-cms/vire/pkg/session/manager"
	"github.com/vire-cms/vire/pkg/usecase"
	"github.com/vire-cms/vire/pkg/usecase/model"
)

// CatalogHandler exposes the read-only configuration: resources, roles and
// use-case models.
type CatalogHandler struct {
	manager *manager.Manager
}

// NewCatalogHandler creates a new CatalogHandler.
func NewCatalogHandler(m *manager.Manager) *CatalogHandler {
	return &CatalogHandler{manager: m}
}

type ResourceResponse struct {
	ID          int32  `json:"id"`
	Path        string `json:"path"`
	Access      string `json:"access"`
	Cardinality string `json:"cardinality"`
}

type RoleResponse struct {
	ID            int32              `json:"id"`
	Name          string             `json:"name"`
	Group         string             `json:"group,omitempty"`
	Functional    []ResourceResponse `json:"functional"`
	Distributable []ResourceResponse `json:"distributable"`
}

type ModelResponse struct {
	Name        string           `json:"name"`
	TypeID      string           `json:"type_id"`
	Description string           `json:"description,omitempty"`
	Registered  bool             `json:"registered"`
	Composition []model.Daughter `json:"composition,omitempty"`
	Config      usecase.Config   `json:"config,omitempty"`
}

func resourcesResponse(list []resource.Resource) []ResourceResponse {
	out := make([]ResourceResponse, 0, len(list))
	for _, r := range list {
		out = append(out, ResourceResponse{
			ID:          r.ID,
			Path:        r.Path,
			Access:      r.Access.String(),
			Cardinality: r.Cardinality.String(),
		})
	}
	return out
}

// Resources handles GET /api/v1/resources.
func (h *CatalogHandler) Resources(w http.ResponseWriter, r *http.Request) {
	WriteJSONOK(w, resourcesResponse(h.manager.Catalog().ResourcesUnder("/")))
}

// Role handles GET /api/v1/roles/{name}.
func (h *CatalogHandler) Role(w http.ResponseWriter, r *http.Request) {
	cat := h.manager.Catalog()
	name := chi.URLParam(r, "name")
	if !cat.HasRole(name) {
		NotFound(w, "Role not found")
		return
	}
	role, err := cat.GetRole(name)
	if err != nil {
		WriteError(w, err)
		return
	}
	fr, dr, err := cat.RoleResources(role.Name)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSONOK(w, RoleResponse{
		ID:            role.ID,
		Name:          role.Name,
		Group:         role.Group,
		Functional:    resourcesResponse(fr),
		Distributable: resourcesResponse(dr),
	})
}

// Models handles GET /api/v1/usecases/models.
func (h *CatalogHandler) Models(w http.ResponseWriter, r *http.Request) {
	f := h.manager.Factory()
	db := f.DB()
	names := db.Names()
	out := make([]ModelResponse, 0, len(names))
	for _, name := range names {
		m, err := db.Get(name)
		if err != nil {
			continue
		}
		out = append(out, ModelResponse{
			Name:        m.Name,
			TypeID:      m.TypeID,
			Description: m.Description,
			Registered:  f.Registry().IsRegistered(m.TypeID),
			Composition: m.Composition,
			Config:      m.Config,
		})
	}
	WriteJSONOK(w, out)
}

// Types handles GET /api/v1/usecases/types.
func (h *CatalogHandler) Types(w http.ResponseWriter, r *http.Request) {
	WriteJSONOK(w, h.manager.Factory().Registry().TypeIDs())
}
