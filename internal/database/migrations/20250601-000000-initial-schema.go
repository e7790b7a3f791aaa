package migrations

func init() {
	Register(Migration{
		Timestamp:   "20250601-000000",
		Description: "initial schema",
		Up: []string{
			`CREATE TABLE IF NOT EXISTS applications (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL UNIQUE,
				api_key_hash TEXT NOT NULL UNIQUE,
				key_prefix TEXT NOT NULL,
				settings_json TEXT NOT NULL,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_applications_key_hash ON applications(api_key_hash)`,

			`CREATE TABLE IF NOT EXISTS app_webhooks (
				id TEXT PRIMARY KEY,
				application_id TEXT NOT NULL,
				url TEXT NOT NULL,
				events_json TEXT NOT NULL,
				queues_json TEXT NOT NULL,
				headers_json TEXT,
				secret_encrypted TEXT,
				retry_config_json TEXT NOT NULL,
				is_active INTEGER NOT NULL DEFAULT 1,
				failure_count INTEGER NOT NULL DEFAULT 0,
				last_triggered_at TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_app_webhooks_app ON app_webhooks(application_id)`,

			`CREATE TABLE IF NOT EXISTS subscriptions (
				id TEXT PRIMARY KEY,
				application_id TEXT NOT NULL,
				name TEXT NOT NULL,
				endpoint TEXT NOT NULL,
				method TEXT NOT NULL DEFAULT 'POST',
				headers_json TEXT,
				filters_json TEXT NOT NULL,
				events_json TEXT NOT NULL,
				retry_config_json TEXT NOT NULL,
				is_active INTEGER NOT NULL DEFAULT 1,
				trigger_count INTEGER NOT NULL DEFAULT 0,
				last_triggered_at TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_subscriptions_app ON subscriptions(application_id)`,

			`CREATE TABLE IF NOT EXISTS schedules (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL UNIQUE,
				description TEXT,
				enabled INTEGER NOT NULL DEFAULT 1,
				spec_json TEXT NOT NULL,
				endpoint_json TEXT NOT NULL,
				retry_policy_json TEXT NOT NULL,
				created_by TEXT NOT NULL,
				bull_job_key TEXT,
				last_executed_at TEXT,
				last_execution_status TEXT,
				last_execution_error TEXT,
				execution_count INTEGER NOT NULL DEFAULT 0,
				next_execution_at TEXT,
				metadata_json TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_schedules_enabled ON schedules(enabled)`,
		},
	})
}
