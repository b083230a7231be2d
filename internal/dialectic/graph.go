// Package dialectic runs multi-model stage pipelines: sessions move through
// a template's stage graph, and each stage run fans a seed prompt out to
// the session's selected models.
package dialectic

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/tsylvester/paynless-framework-sub011/internal/models"
	"gorm.io/gorm"
)

// ErrTemplateNotFound is returned when a process template does not exist.
var ErrTemplateNotFound = errors.New("dialectic: process template not found")

// Graph is a template's stage transition graph as adjacency lists keyed by
// stage id. It is read-only once built.
type Graph struct {
	TemplateID      string
	StartingStageID string

	stages map[string]models.DialecticStage
	next   map[string][]string
	prev   map[string][]string
}

// NewGraph builds a graph from a template's stages and transitions. Edges
// keep the order in which they are given.
func NewGraph(tpl models.ProcessTemplate, stages []models.DialecticStage, transitions []models.StageTransition) *Graph {
	g := &Graph{
		TemplateID:      tpl.ID,
		StartingStageID: tpl.StartingStageID,
		stages:          make(map[string]models.DialecticStage, len(stages)),
		next:            make(map[string][]string),
		prev:            make(map[string][]string),
	}
	for _, s := range stages {
		g.stages[s.ID] = s
	}
	for _, t := range transitions {
		g.next[t.SourceStageID] = append(g.next[t.SourceStageID], t.TargetStageID)
		g.prev[t.TargetStageID] = append(g.prev[t.TargetStageID], t.SourceStageID)
	}
	return g
}

// LoadGraph reads a template and the stages its transitions reference.
func LoadGraph(ctx context.Context, db *gorm.DB, templateID string) (*Graph, error) {
	db = db.WithContext(ctx)
	var tpl models.ProcessTemplate
	if err := db.Where("id = ?", templateID).First(&tpl).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, templateID)
		}
		return nil, fmt.Errorf("dialectic: load template %s: %w", templateID, err)
	}

	var transitions []models.StageTransition
	if err := db.Where("process_template_id = ?", templateID).Order("id ASC").Find(&transitions).Error; err != nil {
		return nil, fmt.Errorf("dialectic: load transitions %s: %w", templateID, err)
	}

	ids := []string{tpl.StartingStageID}
	for _, t := range transitions {
		ids = append(ids, t.SourceStageID, t.TargetStageID)
	}
	var stages []models.DialecticStage
	if err := db.Where("id IN ?", ids).Find(&stages).Error; err != nil {
		return nil, fmt.Errorf("dialectic: load stages %s: %w", templateID, err)
	}
	return NewGraph(tpl, stages, transitions), nil
}

// Stage returns a stage of the graph by id.
func (g *Graph) Stage(id string) (models.DialecticStage, bool) {
	s, ok := g.stages[id]
	return s, ok
}

// Next returns the first successor of a stage. ok is false for a final stage.
func (g *Graph) Next(stageID string) (models.DialecticStage, bool) {
	for _, id := range g.next[stageID] {
		if s, ok := g.stages[id]; ok {
			return s, true
		}
	}
	return models.DialecticStage{}, false
}

// ReachableStages returns the current stage followed by every stage that
// leads to it, found breadth-first over the reversed edges. These are the
// stages a user may navigate back to.
func (g *Graph) ReachableStages(currentStageID string) []models.DialecticStage {
	seen := map[string]bool{currentStageID: true}
	queue := []string{currentStageID}
	var out []models.DialecticStage
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if s, ok := g.stages[id]; ok {
			out = append(out, s)
		}
		for _, p := range g.prev[id] {
			if !seen[p] {
				seen[p] = true
				queue = append(queue, p)
			}
		}
	}
	return out
}

// SortedStages orders stages by walking forward from the starting stage.
// Stages not reachable from it come last, by slug.
func (g *Graph) SortedStages() []models.DialecticStage {
	seen := make(map[string]bool, len(g.stages))
	var out []models.DialecticStage
	queue := []string{g.StartingStageID}
	seen[g.StartingStageID] = true
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if s, ok := g.stages[id]; ok {
			out = append(out, s)
		}
		for _, n := range g.next[id] {
			if !seen[n] {
				seen[n] = true
				queue = append(queue, n)
			}
		}
	}

	var rest []models.DialecticStage
	for id, s := range g.stages {
		if !seen[id] {
			rest = append(rest, s)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i].Slug < rest[j].Slug })
	return append(out, rest...)
}
