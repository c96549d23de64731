package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Category classifies a task. The set is closed; New rejects anything else.
type Category string

const (
	CategoryFeature     Category = "feature"
	CategoryBug         Category = "bug"
	CategoryPerformance Category = "performance"
	CategoryTest        Category = "test"
	CategoryDoc         Category = "doc"
	CategorySecurity    Category = "security"
	CategoryUI          Category = "ui"
)

// Categories lists every valid category in reporting order.
var Categories = []Category{
	CategoryFeature,
	CategoryBug,
	CategoryPerformance,
	CategoryTest,
	CategoryDoc,
	CategorySecurity,
	CategoryUI,
}

func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Categories {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown task category %q", s)
}

// Priority is recorded on a task for reporting. The queue never reorders by it.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return p, nil
	case "":
		return PriorityMedium, nil
	default:
		return "", fmt.Errorf("unknown task priority %q", s)
	}
}

// Downgrade returns the next lower priority. Low stays low.
func (p Priority) Downgrade() Priority {
	switch p {
	case PriorityCritical:
		return PriorityHigh
	case PriorityHigh:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Descriptor is a pending request for work that has not been dispatched yet.
type Descriptor struct {
	ID          string    `json:"id"`
	Key         string    `json:"key,omitempty"`
	Description string    `json:"description"`
	Category    Category  `json:"category"`
	Priority    Priority  `json:"priority"`
	RetryCount  int       `json:"retry_count"`
	Section     string    `json:"section,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Spec is the caller-supplied part of a Descriptor.
type Spec struct {
	Key         string
	Description string
	Category    string
	Priority    string
	Section     string
}

// New validates spec and builds a Descriptor with a fresh ID.
func New(spec Spec) (Descriptor, error) {
	desc := strings.TrimSpace(spec.Description)
	if desc == "" {
		return Descriptor{}, fmt.Errorf("task description is required")
	}
	cat, err := ParseCategory(spec.Category)
	if err != nil {
		return Descriptor{}, err
	}
	pri, err := ParsePriority(spec.Priority)
	if err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		ID:          uuid.NewString(),
		Key:         strings.TrimSpace(spec.Key),
		Description: desc,
		Category:    cat,
		Priority:    pri,
		Section:     strings.TrimSpace(spec.Section),
		CreatedAt:   time.Now(),
	}, nil
}

// Retried returns the descriptor as it re-enters the queue after a failed launch:
// one more attempt counted, priority one step lower.
func (d Descriptor) Retried() Descriptor {
	d.RetryCount++
	d.Priority = d.Priority.Downgrade()
	return d
}

// Mode selects how work is generated and dispatched.
type Mode string

const (
	ModeBaseline   Mode = "baseline"
	ModeAggressive Mode = "aggressive"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeBaseline, ModeAggressive:
		return m, nil
	case "":
		return ModeBaseline, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}
