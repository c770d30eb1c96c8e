package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/dukex/caseflow/pkg/definition"
	"github.com/dukex/caseflow/pkg/models"
	"github.com/dukex/caseflow/pkg/persistence"
	"github.com/google/uuid"
)

// Resource is one raw definition document of a deployment.
type Resource struct {
	Name string
	Data []byte
}

// Deploy validates and stores the resources as a new deployment. Each
// definition gets the next version of its key.
func (pe *ProcessEngine) Deploy(ctx context.Context, name string, resources ...Resource) (*models.Deployment, error) {
	const op = "Deploy"

	if strings.TrimSpace(name) == "" {
		return nil, invalidRequest(op, "deployment name is required")
	}

	if len(resources) == 0 {
		return nil, invalidRequest(op, "deployment has no resources")
	}

	return Execute(ctx, pe.commands, op, func(ctx context.Context, tx persistence.Tx) (*models.Deployment, error) {
		deployment := &models.Deployment{
			ID:        uuid.New().String(),
			Name:      name,
			CreatedAt: pe.now().UTC(),
		}

		processes := make([]*definition.Process, 0, len(resources))
		seen := make(map[string]bool, len(resources))

		for _, raw := range resources {
			resource, process, err := pe.prepareResource(ctx, tx, deployment.ID, raw)
			if err != nil {
				return nil, businessFault(op, fmt.Errorf("resource %s: %w", raw.Name, err))
			}

			if seen[resource.Key] {
				return nil, invalidRequest(op, fmt.Sprintf("definition key %q deployed twice", resource.Key))
			}

			seen[resource.Key] = true
			deployment.Definitions = append(deployment.Definitions, resource)
			processes = append(processes, process)
		}

		if err := tx.SaveDeployment(ctx, deployment); err != nil {
			return nil, fmt.Errorf("failed to save deployment: %w", err)
		}

		persistence.AfterCommit(ctx, func(ctx context.Context) {
			for _, process := range processes {
				pe.cache.Put(process)
			}

			pe.logger.InfoContext(ctx, "Deployed definitions",
				"deployment_id", deployment.ID, "name", name, "definitions", len(processes))
		})

		return deployment, nil
	})
}

func (pe *ProcessEngine) prepareResource(ctx context.Context, tx persistence.Tx, deploymentID string, raw Resource) (*models.DefinitionResource, *definition.Process, error) {
	document, err := definition.Decode(raw.Data)
	if err != nil {
		return nil, nil, err
	}

	version := 1

	latest, err := tx.LatestDefinition(ctx, document.Key)

	switch {
	case err == nil:
		version = latest.Version + 1
	case !persistence.IsNotFound(err):
		return nil, nil, err
	}

	resource := &models.DefinitionResource{
		ID:           fmt.Sprintf("%s:%d:%s", document.Key, version, uuid.New().String()),
		Key:          document.Key,
		Version:      version,
		DeploymentID: deploymentID,
		ResourceName: raw.Name,
		Checksum:     models.Checksum(raw.Data),
		Data:         raw.Data,
	}

	process, err := definition.Parse(resource)
	if err != nil {
		return nil, nil, err
	}

	return resource, process, nil
}

// DeleteDeployment removes a deployment and evicts its definitions from the
// caches.
func (pe *ProcessEngine) DeleteDeployment(ctx context.Context, deploymentID string) error {
	const op = "DeleteDeployment"

	if deploymentID == "" {
		return invalidRequest(op, "deployment id is required")
	}

	_, err := Execute(ctx, pe.commands, op, func(ctx context.Context, tx persistence.Tx) (struct{}, error) {
		deployment, err := tx.Deployment(ctx, deploymentID)
		if err != nil {
			if persistence.IsNotFound(err) {
				return struct{}{}, notFound(op, ErrDeploymentNotFound, deploymentID)
			}

			return struct{}{}, err
		}

		if err := tx.DeleteDeployment(ctx, deploymentID); err != nil {
			return struct{}{}, fmt.Errorf("failed to delete deployment: %w", err)
		}

		persistence.AfterCommit(ctx, func(ctx context.Context) {
			evicted := pe.cache.EvictByDeployment(deploymentID)

			if pe.defs != nil {
				ids := make([]string, 0, len(deployment.Definitions))
				for _, resource := range deployment.Definitions {
					ids = append(ids, resource.ID)
				}

				if err := pe.defs.Forget(ctx, ids...); err != nil {
					pe.logger.WarnContext(ctx, "Failed to forget shared definitions", "deployment_id", deploymentID, "error", err)
				}
			}

			pe.logger.InfoContext(ctx, "Deleted deployment", "deployment_id", deploymentID, "evicted", evicted)
		})

		return struct{}{}, nil
	})

	return err
}

// StartProcessInstanceByKey starts the latest version of the definition key.
func (pe *ProcessEngine) StartProcessInstanceByKey(ctx context.Context, key, businessKey string, variables map[string]any) (*models.Instance, error) {
	const op = "StartProcessInstanceByKey"

	if key == "" {
		return nil, invalidRequest(op, "definition key is required")
	}

	return Execute(ctx, pe.commands, op, func(ctx context.Context, tx persistence.Tx) (*models.Instance, error) {
		resource, err := tx.LatestDefinition(ctx, key)
		if err != nil {
			if persistence.IsNotFound(err) {
				return nil, notFound(op, ErrDefinitionNotFound, key)
			}

			return nil, err
		}

		return pe.start(ctx, tx, op, resource.ID, businessKey, variables)
	})
}

// StartProcessInstanceByID starts an exact definition version.
func (pe *ProcessEngine) StartProcessInstanceByID(ctx context.Context, definitionID, businessKey string, variables map[string]any) (*models.Instance, error) {
	const op = "StartProcessInstanceByID"

	if definitionID == "" {
		return nil, invalidRequest(op, "definition id is required")
	}

	return Execute(ctx, pe.commands, op, func(ctx context.Context, tx persistence.Tx) (*models.Instance, error) {
		return pe.start(ctx, tx, op, definitionID, businessKey, variables)
	})
}

func (pe *ProcessEngine) start(ctx context.Context, tx persistence.Tx, op, definitionID, businessKey string, variables map[string]any) (*models.Instance, error) {
	process, err := pe.cache.Resolve(ctx, definitionID)
	if err != nil {
		if persistence.IsNotFound(err) {
			return nil, notFound(op, ErrDefinitionNotFound, definitionID)
		}

		return nil, err
	}

	instance := models.NewInstance(process.ID, businessKey, variables)
	rc := pe.pvm.NewRun(ctx, tx, instance, process)

	if err := pe.pvm.Start(rc); err != nil {
		return nil, businessFault(op, err)
	}

	if err := rc.Persist(); err != nil {
		return nil, err
	}

	pe.logger.DebugContext(ctx, "Started process instance",
		"instance_id", instance.ID, "definition_id", process.ID, "jobs", len(rc.Jobs()))

	return instance, nil
}

// Signal delivers a named event to an execution. Variables are set on the
// execution before the signal is delivered.
func (pe *ProcessEngine) Signal(ctx context.Context, executionID, name string, payload any, variables map[string]any) (*models.Instance, error) {
	const op = "Signal"

	if executionID == "" {
		return nil, invalidRequest(op, "execution id is required")
	}

	return Execute(ctx, pe.commands, op, func(ctx context.Context, tx persistence.Tx) (*models.Instance, error) {
		instance, err := tx.InstanceByExecution(ctx, executionID)
		if err != nil {
			if persistence.IsNotFound(err) {
				return nil, notFound(op, ErrExecutionNotFound, executionID)
			}

			return nil, err
		}

		process, err := pe.cache.Resolve(ctx, instance.DefinitionID)
		if err != nil {
			return nil, err
		}

		rc := pe.pvm.NewRun(ctx, tx, instance, process)

		if len(variables) > 0 {
			execution, err := instance.Execution(executionID)
			if err != nil {
				return nil, notFound(op, ErrExecutionNotFound, executionID)
			}

			rc.SetVariables(execution, variables)
		}

		if err := pe.pvm.Signal(rc, executionID, name, payload); err != nil {
			return nil, businessFault(op, err)
		}

		if err := rc.Persist(); err != nil {
			return nil, err
		}

		return instance, nil
	})
}

// ExecuteJob runs a job right away, regardless of its due date. A failing
// handler rolls the command back and leaves the job unchanged.
func (pe *ProcessEngine) ExecuteJob(ctx context.Context, jobID string) error {
	const op = "ExecuteJob"

	if jobID == "" {
		return invalidRequest(op, "job id is required")
	}

	_, err := Execute(ctx, pe.commands, op, func(ctx context.Context, tx persistence.Tx) (struct{}, error) {
		job, err := tx.Job(ctx, jobID)
		if err != nil {
			if persistence.IsNotFound(err) {
				return struct{}{}, notFound(op, ErrJobNotFound, jobID)
			}

			return struct{}{}, err
		}

		if err := tx.DeleteJob(ctx, job); err != nil {
			return struct{}{}, err
		}

		handler, err := pe.handlers.Handler(job.Type)
		if err != nil {
			return struct{}{}, err
		}

		if err := handler.Handle(ctx, tx, job); err != nil {
			return struct{}{}, businessFault(op, err)
		}

		if job.IncidentID != "" {
			if err := tx.DeleteIncident(ctx, job.IncidentID); err != nil {
				return struct{}{}, err
			}
		}

		return struct{}{}, nil
	})

	return err
}

// SetJobRetries gives a job a new retry budget. Positive retries resolve its
// incident, making the job acquirable again.
func (pe *ProcessEngine) SetJobRetries(ctx context.Context, jobID string, retries int) (*models.Job, error) {
	const op = "SetJobRetries"

	if jobID == "" {
		return nil, invalidRequest(op, "job id is required")
	}

	if retries < 0 {
		return nil, invalidRequest(op, fmt.Sprintf("retries must not be negative, got %d", retries))
	}

	return Execute(ctx, pe.commands, op, func(ctx context.Context, tx persistence.Tx) (*models.Job, error) {
		job, err := tx.Job(ctx, jobID)
		if err != nil {
			if persistence.IsNotFound(err) {
				return nil, notFound(op, ErrJobNotFound, jobID)
			}

			return nil, err
		}

		job.Retries = retries

		if retries > 0 && job.IncidentID != "" {
			if err := tx.DeleteIncident(ctx, job.IncidentID); err != nil {
				return nil, err
			}

			job.IncidentID = ""
		}

		if err := tx.UpdateJob(ctx, job); err != nil {
			return nil, err
		}

		return job, nil
	})
}

// Incidents lists open incidents of an instance, or all of them.
func (pe *ProcessEngine) Incidents(ctx context.Context, instanceID string) ([]*models.Incident, error) {
	return Execute(ctx, pe.commands, "Incidents", func(ctx context.Context, tx persistence.Tx) ([]*models.Incident, error) {
		return tx.Incidents(ctx, instanceID)
	})
}

// Instance returns a process instance.
func (pe *ProcessEngine) Instance(ctx context.Context, instanceID string) (*models.Instance, error) {
	const op = "Instance"

	return Execute(ctx, pe.commands, op, func(ctx context.Context, tx persistence.Tx) (*models.Instance, error) {
		instance, err := tx.Instance(ctx, instanceID)
		if err != nil {
			if persistence.IsNotFound(err) {
				return nil, notFound(op, ErrInstanceNotFound, instanceID)
			}

			return nil, err
		}

		return instance, nil
	})
}

// Jobs lists the jobs of an instance.
func (pe *ProcessEngine) Jobs(ctx context.Context, instanceID string) ([]*models.Job, error) {
	return Execute(ctx, pe.commands, "Jobs", func(ctx context.Context, tx persistence.Tx) ([]*models.Job, error) {
		return tx.JobsByInstance(ctx, instanceID)
	})
}
