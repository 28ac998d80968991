package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/geocoder89/manifold/internal/config"
	"github.com/geocoder89/manifold/internal/dag"
	"github.com/geocoder89/manifold/internal/domain/manifest"
	"github.com/geocoder89/manifold/internal/domain/manifestgroup"
	"github.com/gin-gonic/gin"
)

// DagRepo is the subset of store.ManifestStore the dashboard needs to
// rebuild the manifest-group dependency graph.
type DagRepo interface {
	ListManifests(ctx context.Context) ([]manifest.Manifest, error)
	ListManifestGroups(ctx context.Context) ([]manifestgroup.Group, error)
}

type DagHandler struct {
	repo DagRepo
}

func NewDagHandler(repo DagRepo) *DagHandler {
	return &DagHandler{repo: repo}
}

// GET /admin/dag builds the manifest-group dependency graph, validates it
// is acyclic, and returns a barycenter-ordered layered layout for the
// dashboard. Ungrouped manifests map to a singleton group keyed by their
// own externalId, matching the DAG package's node convention.
func (h *DagHandler) Get(ctx *gin.Context) {
	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	manifests, err := h.repo.ListManifests(cctx)
	if err != nil {
		RespondInternal(ctx, "Could not list manifests")
		return
	}
	groups, err := h.repo.ListManifestGroups(cctx)
	if err != nil {
		RespondInternal(ctx, "Could not list manifest groups")
		return
	}

	groupByID := make(map[string]manifestgroup.Group, len(groups))
	for _, g := range groups {
		groupByID[g.ID] = g
	}

	groupOf := func(m manifest.Manifest) string {
		if m.ManifestGroupID != nil {
			return *m.ManifestGroupID
		}
		return m.ExternalID
	}

	nodeSet := make(map[string]dag.Node)
	for _, m := range manifests {
		id := groupOf(m)
		if _, ok := nodeSet[id]; ok {
			continue
		}
		name := m.Name
		if m.ManifestGroupID != nil {
			if g, ok := groupByID[*m.ManifestGroupID]; ok {
				name = g.Name
			}
		}
		nodeSet[id] = dag.Node{GroupID: id, GroupName: name}
	}

	manifestGroup := make(map[string]string, len(manifests))
	for _, m := range manifests {
		manifestGroup[m.ID] = groupOf(m)
	}

	var edges []dag.Edge
	for _, m := range manifests {
		if m.DependsOnManifestID == nil {
			continue
		}
		parentGroup, ok := manifestGroup[*m.DependsOnManifestID]
		if !ok {
			continue
		}
		edges = append(edges, dag.Edge{Parent: parentGroup, Child: groupOf(m)})
	}

	nodes := make([]dag.Node, 0, len(nodeSet))
	for _, n := range nodeSet {
		nodes = append(nodes, n)
	}

	graph := dag.Build(nodes, edges)
	if err := graph.Validate(); err != nil {
		RespondError(ctx, http.StatusConflict, "cyclic_dependency", err.Error(), nil)
		return
	}

	RespondJSONWithETag(ctx, http.StatusOK, gin.H{
		"nodes":  nodes,
		"layers": graph.Layout(),
	})
}
