package pipeline

import (
	"fmt"
	"strings"
)

// MaxParallelism bounds a Job's parallelism.
const MaxParallelism = 64

// JobSpec is a create request.
type JobSpec struct {
	Owner       string     `json:"owner,omitempty"`
	Name        string     `json:"name"`
	Parallelism int        `json:"parallelism,omitempty"`
	Tasks       []TaskSpec `json:"tasks"`
}

type TaskSpec struct {
	Type      TaskType       `json:"task_type"`
	ArticleID string         `json:"article_id,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
}

// Normalize trims fields, applies parallelism default 1 and validates the spec.
func (s *JobSpec) Normalize() error {
	s.Name = strings.TrimSpace(s.Name)
	s.Owner = strings.TrimSpace(s.Owner)
	if s.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidSpec)
	}
	if s.Parallelism == 0 {
		s.Parallelism = 1
	}
	if err := ValidateParallelism(s.Parallelism); err != nil {
		return err
	}
	for i := range s.Tasks {
		tt, err := ParseTaskType(string(s.Tasks[i].Type))
		if err != nil {
			return fmt.Errorf("tasks[%d]: %w", i, err)
		}
		s.Tasks[i].Type = tt
		s.Tasks[i].ArticleID = strings.TrimSpace(s.Tasks[i].ArticleID)
	}
	return nil
}

func ValidateParallelism(p int) error {
	if p < 1 || p > MaxParallelism {
		return fmt.Errorf("%w: parallelism must be between 1 and %d, got %d", ErrInvalidSpec, MaxParallelism, p)
	}
	return nil
}

// JobUpdate is a partial update; nil fields are left unchanged.
type JobUpdate struct {
	Name        *string `json:"name,omitempty"`
	Parallelism *int    `json:"parallelism,omitempty"`
}

func (u JobUpdate) Validate() error {
	if u.Name != nil && strings.TrimSpace(*u.Name) == "" {
		return fmt.Errorf("%w: name must not be empty", ErrInvalidSpec)
	}
	if u.Parallelism != nil {
		return ValidateParallelism(*u.Parallelism)
	}
	return nil
}
