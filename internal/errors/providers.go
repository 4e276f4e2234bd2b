package errors

import (
	"errors"
	"fmt"
)

// StorageBackendError explains a failure to open or use the storage backend
func StorageBackendError(backend string, originalErr error) *KirjuriError {
	err := New(ErrorTypeStorage, ComponentStorage, fmt.Sprintf("Storage backend %q unavailable", backend)).Wrap(originalErr)

	switch backend {
	case "dynamodb", "s3":
		err.WithSolutions(
			`aws configure`,
			`export AWS_PROFILE=your-profile`,
			`Check the table or bucket name in ~/.kirjuri/config.yaml`,
		)
		err.WithVerify("aws sts get-caller-identity")
	case "gcs":
		err.WithSolutions(
			`gcloud auth application-default login`,
			`Set storage.gcs.credentials_file in ~/.kirjuri/config.yaml`,
		)
		err.WithVerify("gcloud auth list")
	case "azure":
		err.WithSolutions(
			`Set storage.azure.account_name and storage.azure.account_key`,
			`export KIRJURI_STORAGE_AZURE_ACCOUNT_KEY=...`,
		)
	case "redis":
		err.WithSolutions(`Check storage.redis.addr`, `redis-cli ping`)
		err.WithVerify("redis-cli ping")
	case "postgres":
		err.WithSolutions(`Check storage.postgres.dsn`, `psql "$DSN" -c 'select 1'`)
	default:
		err.WithSolutions(
			`Check storage.file.base_dir exists and is writable`,
			`kirjuri --storage-backend memory for a dry run`,
		)
	}

	err.WithHelp("kirjuri help capture")
	return err
}

// SourcePermissionError is shown when the source rejects the credentials
func SourcePermissionError(cloudScopeID string, originalErr error) *KirjuriError {
	err := New(ErrorTypePermission, ComponentSource, "Read access to the source was denied").Wrap(originalErr)
	err.WithCause(fmt.Sprintf("Scope %s returned 401/403", cloudScopeID))
	err.WithSolutions(
		`Reconnect the integration to refresh the OAuth grant`,
		`Confirm the token has read scope for every dataset`,
	)
	err.WithHelp("kirjuri help capture")
	return err
}

// ConfigurationError reports an invalid configuration value
func ConfigurationError(message string, originalErr error) *KirjuriError {
	err := New(ErrorTypeConfiguration, ComponentConfig, message).Wrap(originalErr)
	err.WithSolutions(
		`Check ~/.kirjuri/config.yaml`,
		`Override with KIRJURI_* environment variables`,
	)
	err.WithVerify("kirjuri version")
	return err
}

// LedgerError turns ledger sentinel errors into guidance
func LedgerError(originalErr error) *KirjuriError {
	switch {
	case errors.Is(originalErr, ErrNotFound):
		return New(ErrorTypeValidation, ComponentLedger, "Record not found").Wrap(originalErr).
			WithSolutions(`kirjuri snapshot list --tenant TENANT --kind daily`)
	case errors.Is(originalErr, ErrTenantMismatch):
		return New(ErrorTypeValidation, ComponentLedger, "Record belongs to a different tenant").Wrap(originalErr)
	case errors.Is(originalErr, ErrAlreadyCompleted):
		return New(ErrorTypeConflict, ComponentLedger, "Run already completed").Wrap(originalErr)
	case errors.Is(originalErr, ErrLockDenied):
		return New(ErrorTypeConflict, ComponentCapture, "Another capture holds this window").Wrap(originalErr).
			WithSolutions(`Wait for the running capture to finish`, `kirjuri run show RUN_ID`)
	case errors.Is(originalErr, ErrInvalidRecord):
		return New(ErrorTypeValidation, ComponentLedger, "Stored record failed validation").Wrap(originalErr).
			WithSolutions(`kirjuri snapshot verify SNAPSHOT_ID`)
	}
	return New(ErrorTypeStorage, ComponentLedger, "Ledger operation failed").Wrap(originalErr)
}
