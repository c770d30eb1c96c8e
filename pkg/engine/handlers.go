package engine

import (
	"context"
	"fmt"

	"github.com/dukex/caseflow/pkg/jobs"
	"github.com/dukex/caseflow/pkg/models"
	"github.com/dukex/caseflow/pkg/persistence"
	"github.com/dukex/caseflow/pkg/pvm"
)

// resumeFunc continues the run of a job's execution and reports whether the
// job still applied to it.
type resumeFunc func(rc *pvm.RunContext, job *models.Job) (bool, error)

func (pe *ProcessEngine) registerHandlers(registry *jobs.Registry) {
	registry.Register(models.JobTypeAsyncContinuation, pe.jobHandler(func(rc *pvm.RunContext, job *models.Job) (bool, error) {
		return pe.pvm.Resume(rc, job.ExecutionID, job.Configuration)
	}))
	registry.Register(models.JobTypeTimerTransition, pe.jobHandler(func(rc *pvm.RunContext, job *models.Job) (bool, error) {
		return pe.pvm.FireTimer(rc, job.ExecutionID, job.Configuration)
	}))
	registry.Register(models.JobTypeTimerBoundary, pe.jobHandler(func(rc *pvm.RunContext, job *models.Job) (bool, error) {
		return pe.pvm.FireBoundaryTimer(rc, job.ExecutionID, job.Configuration)
	}))
}

// jobHandler loads the instance owning the job, lets resume drive it and
// persists the outcome in the job's transaction.
func (pe *ProcessEngine) jobHandler(resume resumeFunc) jobs.Handler {
	return jobs.HandlerFunc(func(ctx context.Context, tx persistence.Tx, job *models.Job) error {
		instance, err := tx.InstanceByExecution(ctx, job.ExecutionID)
		if err != nil {
			if persistence.IsNotFound(err) {
				pe.logger.WarnContext(ctx, "Dropping job of a vanished execution",
					"job_id", job.ID, "execution_id", job.ExecutionID)

				return nil
			}

			return err
		}

		process, err := pe.cache.Resolve(ctx, instance.DefinitionID)
		if err != nil {
			return err
		}

		rc := pe.pvm.NewRun(ctx, tx, instance, process)

		applied, err := resume(rc, job)
		if err != nil {
			return fmt.Errorf("%s job %s: %w", job.Type, job.ID, err)
		}

		if !applied {
			return nil
		}

		return rc.Persist()
	})
}
