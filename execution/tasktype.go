package execution

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/c360studio/semforge/model"
	"github.com/c360studio/semforge/validation"
)

// MergeStrategy decides how step outputs become the execution result.
type MergeStrategy string

const (
	// MergeAccumulateAll joins every step output in step order.
	MergeAccumulateAll MergeStrategy = "accumulate_all"
	// MergeAccumulateChapters joins step outputs after skipping the first
	// SkipFirst steps (plot and outline steps that precede the chapters).
	MergeAccumulateChapters MergeStrategy = "accumulate_chapters"
	// MergeLastOnly keeps the output of the last completed step.
	MergeLastOnly MergeStrategy = "last_only"
)

// IsValid reports whether s is a known strategy.
func (s MergeStrategy) IsValid() bool {
	switch s {
	case MergeAccumulateAll, MergeAccumulateChapters, MergeLastOnly:
		return true
	}
	return false
}

// TaskType is a registered task definition.
type TaskType struct {
	Code        string
	Description string

	MergeStrategy MergeStrategy
	// SkipFirst is the number of leading steps left out by MergeAccumulateChapters.
	SkipFirst int

	// ExecutorRole selects the agent that runs the steps.
	ExecutorRole string
	// CheckerRole selects the agent that reviews them. Empty disables the
	// checker for this task type.
	CheckerRole string
	// ValidationRules is handed to the checker as acceptance criteria.
	ValidationRules string

	// PlotSteps are validated as plot steps.
	PlotSteps         []int
	MinPlotChars      int
	MinPlotSemantic   float64
	FullStoryStep     int
	MinFullStoryChars int

	WriterSemanticThreshold float64

	// TTS enables the coverage check against each step's source chunk.
	TTS               bool
	CoverageThreshold float64
	ChunkSize         int
}

// Validate checks the definition.
func (t TaskType) Validate() error {
	if t.Code == "" {
		return fmt.Errorf("task type code is required")
	}
	if !t.MergeStrategy.IsValid() {
		return fmt.Errorf("task type %s: unknown merge strategy %q", t.Code, t.MergeStrategy)
	}
	if t.SkipFirst < 0 {
		return fmt.Errorf("task type %s: skip_first must not be negative", t.Code)
	}
	if t.ExecutorRole == "" {
		return fmt.Errorf("task type %s: executor role is required", t.Code)
	}
	if t.CoverageThreshold < 0 || t.CoverageThreshold > 1 {
		return fmt.Errorf("task type %s: coverage threshold must be within [0, 1]", t.Code)
	}
	return nil
}

// stepRole returns the validation role of step n.
func (t TaskType) stepRole(n int) validation.StepRole {
	switch {
	case t.FullStoryStep > 0 && n == t.FullStoryStep:
		return validation.RoleFullStory
	case slices.Contains(t.PlotSteps, n):
		return validation.RolePlot
	}
	return validation.RoleGeneral
}

// capability is the model capability the executor role maps to.
func (t TaskType) capability() model.Capability {
	if t.TTS {
		return model.CapabilityTTS
	}
	return model.CapabilityForRole(t.ExecutorRole)
}

// TaskTypes is a concurrency-safe registry of task definitions.
type TaskTypes struct {
	mu    sync.RWMutex
	types map[string]TaskType
}

// NewTaskTypes creates a registry holding types.
func NewTaskTypes(types ...TaskType) (*TaskTypes, error) {
	r := &TaskTypes{types: make(map[string]TaskType)}
	for _, t := range types {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds or replaces a task type.
func (r *TaskTypes) Register(t TaskType) error {
	if err := t.Validate(); err != nil {
		return err
	}
	t.PlotSteps = slices.Clone(t.PlotSteps)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[t.Code] = t
	return nil
}

// Get returns the task type registered under code.
func (r *TaskTypes) Get(code string) (TaskType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[code]
	if !ok {
		return TaskType{}, fmt.Errorf("%w: %s", ErrTaskTypeNotFound, code)
	}
	return t, nil
}

// Codes returns the registered codes, sorted.
func (r *TaskTypes) Codes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	codes := make([]string, 0, len(r.types))
	for code := range r.types {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// DefaultTaskTypes returns the built-in task definitions.
func DefaultTaskTypes() []TaskType {
	return []TaskType{
		{
			Code:              "story",
			Description:       "Plot followed by chapters, merged into one story",
			MergeStrategy:     MergeAccumulateChapters,
			SkipFirst:         1,
			ExecutorRole:      "story_writer",
			CheckerRole:       "response_checker",
			PlotSteps:         []int{1},
			MinPlotChars:      validation.DefaultMinPlotChars,
			MinPlotSemantic:   validation.DefaultMinPlotSemantic,
			MinFullStoryChars: validation.DefaultMinFullStoryChar,
		},
		{
			Code:              "tts_schema",
			Description:       "Narration schema for each chunk of a source text",
			MergeStrategy:     MergeAccumulateAll,
			ExecutorRole:      "tts_json",
			TTS:               true,
			CoverageThreshold: validation.DefaultCoverageThreshold,
			ChunkSize:         DefaultChunkSize,
		},
		{
			Code:          "general",
			Description:   "Generic multi-step prompt chain",
			MergeStrategy: MergeLastOnly,
			ExecutorRole:  "general",
			CheckerRole:   "checker",
		},
	}
}
