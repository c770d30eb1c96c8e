package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Create deployments and definitions tables
			CREATE TABLE deployments (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE TABLE definitions (
				id VARCHAR(512) PRIMARY KEY,
				key VARCHAR(255) NOT NULL,
				version INTEGER NOT NULL,
				deployment_id VARCHAR(255) NOT NULL REFERENCES deployments(id) ON DELETE CASCADE,
				resource_name VARCHAR(255),
				checksum VARCHAR(64),
				data BYTEA NOT NULL
			);

			CREATE UNIQUE INDEX idx_definitions_key_version ON definitions(key, version);
			CREATE INDEX idx_definitions_deployment_id ON definitions(deployment_id);

			-- Create instances table, the execution tree is stored as one document
			CREATE TABLE instances (
				id VARCHAR(255) PRIMARY KEY,
				definition_id VARCHAR(512) NOT NULL,
				business_key VARCHAR(255),
				version BIGINT NOT NULL,
				ended BOOLEAN NOT NULL DEFAULT FALSE,
				state JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_instances_definition_id ON instances(definition_id);
			CREATE INDEX idx_instances_executions ON instances USING GIN ((state->'executions'));
		`,
		2: `
			-- Create jobs and incidents tables
			CREATE TABLE jobs (
				id VARCHAR(255) PRIMARY KEY,
				type VARCHAR(64) NOT NULL,
				execution_id VARCHAR(255) NOT NULL,
				instance_id VARCHAR(255) NOT NULL,
				definition_id VARCHAR(512) NOT NULL,
				deployment_id VARCHAR(255),
				configuration TEXT,
				due_at TIMESTAMP WITH TIME ZONE NOT NULL,
				lock_owner VARCHAR(255),
				lock_expires_at TIMESTAMP WITH TIME ZONE,
				retries INTEGER NOT NULL,
				failures INTEGER NOT NULL DEFAULT 0,
				last_error TEXT,
				incident_id VARCHAR(255),
				exclusive BOOLEAN NOT NULL DEFAULT TRUE,
				version BIGINT NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_jobs_acquirable ON jobs(due_at) WHERE incident_id IS NULL;
			CREATE INDEX idx_jobs_instance_id ON jobs(instance_id);
			CREATE INDEX idx_jobs_execution_id ON jobs(execution_id);

			CREATE TABLE incidents (
				id VARCHAR(255) PRIMARY KEY,
				job_id VARCHAR(255) NOT NULL,
				job_type VARCHAR(64) NOT NULL,
				execution_id VARCHAR(255) NOT NULL,
				instance_id VARCHAR(255) NOT NULL,
				definition_id VARCHAR(512) NOT NULL,
				message TEXT,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_incidents_instance_id ON incidents(instance_id);
		`,
	}
}
