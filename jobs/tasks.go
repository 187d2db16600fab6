package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/getpawsy/catalog/internal/pricing"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"

	// TaskCatalogBuild runs the full catalog pipeline.
	TaskCatalogBuild = "catalog:build"
	// TaskCatalogAudit audits the persisted catalog.
	TaskCatalogAudit = "catalog:audit"
	// TaskPricingEnforce re-validates persisted prices.
	TaskPricingEnforce = "pricing:enforce"
	// TaskImagesMirror mirrors remote images of the persisted catalog.
	TaskImagesMirror = "images:mirror"
)

// TriggerPayload records who asked for a run.
type TriggerPayload struct {
	Trigger string `json:"trigger"`
}

// PricingEnforcePayload selects the enforcement mode.
type PricingEnforcePayload struct {
	Mode string `json:"mode"`
}

// NewCatalogBuildTask creates a catalog build task.
func NewCatalogBuildTask(trigger string) (*asynq.Task, error) {
	return newTriggerTask(TaskCatalogBuild, trigger)
}

// NewCatalogAuditTask creates a catalog audit task.
func NewCatalogAuditTask(trigger string) (*asynq.Task, error) {
	return newTriggerTask(TaskCatalogAudit, trigger)
}

// NewImagesMirrorTask creates an image mirror task.
func NewImagesMirrorTask(trigger string) (*asynq.Task, error) {
	return newTriggerTask(TaskImagesMirror, trigger)
}

// NewPricingEnforceTask creates a pricing enforcement task. An empty mode
// means dry-run.
func NewPricingEnforceTask(mode pricing.Mode) (*asynq.Task, error) {
	if mode == "" {
		mode = pricing.ModeDryRun
	}
	if mode != pricing.ModeDryRun && mode != pricing.ModeFix {
		return nil, fmt.Errorf("jobs: unknown pricing mode %q", mode)
	}
	body, err := json.Marshal(PricingEnforcePayload{Mode: string(mode)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPricingEnforce, body, asynq.Queue(QueueDefault)), nil
}

func newTriggerTask(taskType, trigger string) (*asynq.Task, error) {
	if trigger == "" {
		trigger = "schedule"
	}
	body, err := json.Marshal(TriggerPayload{Trigger: trigger})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, body, asynq.Queue(QueueDefault)), nil
}
