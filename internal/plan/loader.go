package plan

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/switchyard/internal/graph"
	"github.com/ShayCichocki/switchyard/pkg/models"
)

// planFile is the YAML layout of a hand-written plan.
type planFile struct {
	ID          string            `yaml:"id"`
	Description string            `yaml:"description"`
	Urgency     models.Urgency    `yaml:"urgency"`
	Type        models.TaskType   `yaml:"type"`
	Complexity  int               `yaml:"complexity"`
	Tools       []string          `yaml:"tools"`
	Files       []string          `yaml:"files"`
	Steps       []models.PlanStep `yaml:"steps"`
}

// LoadPlanFile reads and validates a YAML plan. Steps without an index get
// their file position.
func LoadPlanFile(path string) (*models.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}
	return ParsePlan(data)
}

// ParsePlan decodes and validates a YAML plan document.
func ParsePlan(data []byte) (*models.Plan, error) {
	var pf planFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}

	task := models.Task{
		Description: pf.Description,
		Urgency:     pf.Urgency,
		Type:        pf.Type,
		Complexity:  pf.Complexity,
		ToolsNeeded: pf.Tools,
		Files:       pf.Files,
	}
	if task.Description == "" && len(pf.Steps) > 0 {
		task.Description = pf.Steps[0].Description
	}
	if err := task.Normalize(); err != nil {
		return nil, err
	}

	p := &models.Plan{
		ID:        pf.ID,
		Task:      task,
		Steps:     pf.Steps,
		CreatedAt: time.Now(),
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	for i := range p.Steps {
		if p.Steps[i].Index == 0 {
			p.Steps[i].Index = i
		}
	}
	if err := Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks step fields and rejects unknown or cyclic dependencies.
func Validate(p *models.Plan) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if _, err := graph.Build(p.Steps); err != nil {
		return fmt.Errorf("validate plan %s: %w", p.ID, err)
	}
	return nil
}
