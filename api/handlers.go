package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	mockstate "github.com/goliatone/go-mockstate"
	"github.com/goliatone/go-mockstate/condition"
	"github.com/goliatone/go-mockstate/disposition"
	"github.com/goliatone/go-mockstate/scenario"
	"github.com/goliatone/go-mockstate/store"
)

// Handler serves the management endpoints.
type Handler struct {
	engine *mockstate.Engine
}

func NewHandler(engine *mockstate.Engine) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) ListDefinitions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"state_machines": h.engine.Definitions()})
}

func (h *Handler) GetDefinition(c *gin.Context) {
	def, err := h.engine.Definition(c.Param("type"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

func (h *Handler) CreateDefinition(c *gin.Context) {
	var def scenario.Definition
	if err := c.ShouldBindJSON(&def); err != nil {
		respondBadRequest(c, err)
		return
	}
	if err := h.engine.CreateDefinition(&def); err != nil {
		respondError(c, err)
		return
	}
	h.respondDefinition(c, http.StatusCreated, def.ResourceType)
}

func (h *Handler) UpdateDefinition(c *gin.Context) {
	resourceType := c.Param("type")
	var def scenario.Definition
	if err := c.ShouldBindJSON(&def); err != nil {
		respondBadRequest(c, err)
		return
	}
	if def.ResourceType == "" {
		def.ResourceType = resourceType
	}
	if def.ResourceType != resourceType {
		respondBadRequest(c, fmt.Errorf("body resource_type %q does not match path %q", def.ResourceType, resourceType))
		return
	}
	if err := h.engine.UpdateDefinition(&def); err != nil {
		respondError(c, err)
		return
	}
	h.respondDefinition(c, http.StatusOK, resourceType)
}

func (h *Handler) respondDefinition(c *gin.Context, status int, resourceType string) {
	def, err := h.engine.Definition(strings.TrimSpace(resourceType))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(status, def)
}

func (h *Handler) DeleteDefinition(c *gin.Context) {
	if err := h.engine.DeleteDefinition(c.Request.Context(), c.Param("type")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) ExportDefinitions(c *gin.Context) {
	format := strings.ToLower(c.DefaultQuery("format", "yaml"))
	raw, err := scenario.MarshalBundle(h.engine.Export(), format)
	if err != nil {
		respondBadRequest(c, err)
		return
	}
	contentType := "application/yaml"
	if format == "json" {
		contentType = "application/json"
	}
	c.Data(http.StatusOK, contentType, raw)
}

func (h *Handler) ImportDefinitions(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		respondBadRequest(c, err)
		return
	}
	report, err := h.engine.ImportBytes(raw)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) ListInstances(c *gin.Context) {
	list, err := h.engine.Instances(c.Request.Context(), c.Param("type"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instances": list})
}

func (h *Handler) GetInstance(c *gin.Context) {
	inst, err := h.engine.Instance(c.Request.Context(), c.Param("type"), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (h *Handler) ResetInstance(c *gin.Context) {
	existed, err := h.engine.ResetInstance(c.Request.Context(), c.Param("type"), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": existed})
}

// candidateView is a Candidate with its guard error rendered.
type candidateView struct {
	TransitionID string `json:"transition_id"`
	From         string `json:"from"`
	To           string `json:"to,omitempty"`
	SubScenario  string `json:"sub_scenario,omitempty"`
	Priority     int    `json:"priority,omitempty"`
	Matches      bool   `json:"matches"`
	Error        string `json:"error,omitempty"`
}

// NextStates previews the transitions leaving the current state. The query
// parameters method and path describe the hypothetical request; every other
// parameter becomes its query.
func (h *Handler) NextStates(c *gin.Context) {
	req := condition.Request{
		Method: strings.ToUpper(c.DefaultQuery("method", http.MethodGet)),
		Path:   c.Query("path"),
	}
	for key, values := range c.Request.URL.Query() {
		if key == "method" || key == "path" || len(values) == 0 {
			continue
		}
		if req.Query == nil {
			req.Query = map[string]string{}
		}
		req.Query[key] = values[0]
	}
	candidates, err := h.engine.NextStates(c.Request.Context(), c.Param("type"), c.Param("id"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	views := make([]candidateView, 0, len(candidates))
	for _, cand := range candidates {
		v := candidateView{
			TransitionID: cand.Transition.ID,
			From:         cand.Transition.From,
			To:           cand.Transition.To,
			SubScenario:  cand.Transition.SubScenario,
			Priority:     cand.Transition.Priority,
			Matches:      cand.Matches,
		}
		if cand.Err != nil {
			v.Error = cand.Err.Error()
		}
		views = append(views, v)
	}
	c.JSON(http.StatusOK, gin.H{"next_states": views})
}

type forceRequest struct {
	TransitionID string `json:"transition_id"`
}

func (h *Handler) ForceTransition(c *gin.Context) {
	var body forceRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			respondBadRequest(c, err)
			return
		}
	}
	out, err := h.engine.ForceTransition(c.Request.Context(), c.Param("type"), c.Param("id"), body.TransitionID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) ListEntities(c *gin.Context) {
	list, err := h.engine.Entities(c.Request.Context(), c.Param("type"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entities": list})
}

func (h *Handler) GetEntity(c *gin.Context) {
	ent, err := h.engine.Entity(c.Request.Context(), c.Param("type"), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ent)
}

func (h *Handler) PutEntity(c *gin.Context) {
	var ent store.Entity
	if err := c.ShouldBindJSON(&ent); err != nil {
		respondBadRequest(c, err)
		return
	}
	ent.ResourceType = c.Param("type")
	ent.ID = c.Param("id")
	saved, err := h.engine.PutEntity(c.Request.Context(), &ent)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

func (h *Handler) DeleteEntity(c *gin.Context) {
	if err := h.engine.DeleteEntity(c.Request.Context(), c.Param("type"), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) Related(c *gin.Context) {
	list, err := h.engine.Related(c.Request.Context(), c.Param("type"), c.Param("id"), c.Param("relation"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entities": list})
}

func (h *Handler) Decide(c *gin.Context) {
	var req disposition.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, h.engine.Decide(c.Request.Context(), &req))
}

func (h *Handler) Handle(c *gin.Context) {
	var req disposition.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, h.engine.Handle(c.Request.Context(), &req))
}

func (h *Handler) Recordings(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"recordings": h.engine.Recorder().Recordings()})
}

func (h *Handler) ResetRecordings(c *gin.Context) {
	h.engine.Recorder().Reset()
	c.Status(http.StatusNoContent)
}

func (h *Handler) Snapshot(c *gin.Context) {
	snap, err := h.engine.Snapshot()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Handler) Restore(c *gin.Context) {
	var snap store.Snapshot
	if err := c.ShouldBindJSON(&snap); err != nil {
		respondBadRequest(c, err)
		return
	}
	if err := h.engine.Restore(&snap); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
