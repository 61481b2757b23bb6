package models

import "time"

// Action names one orchestration step.
type Action string

const (
	ActionCreateNamespace    Action = "CREATE_NAMESPACE"
	ActionCreateDatabase     Action = "CREATE_DATABASE"
	ActionInstallRelease     Action = "INSTALL_RELEASE"
	ActionRunInstaller       Action = "RUN_INSTALLER"
	ActionExtractCredentials Action = "EXTRACT_CREDENTIALS"
	ActionMarkActive         Action = "MARK_ACTIVE"
	ActionSuspend            Action = "SUSPEND"
	ActionResume             Action = "RESUME"
	ActionDeleteNamespace    Action = "DELETE_NAMESPACE"
	ActionDropDatabase       Action = "DROP_DATABASE"
	ActionUninstallRelease   Action = "UNINSTALL_RELEASE"
	ActionDelete             Action = "DELETE"
)

// Outcome is the result recorded for a step attempt.
type Outcome string

const (
	OutcomeStarted   Outcome = "STARTED"
	OutcomeSucceeded Outcome = "SUCCEEDED"
	OutcomeFailed    Outcome = "FAILED"
)

// ProvisioningEvent is one append-only audit row for a step attempt.
// A completed attempt is a second row, never an update of the first.
type ProvisioningEvent struct {
	ID              int64
	TenantID        string
	Action          Action
	Outcome         Outcome
	Message         string
	ErrorKind       *string
	ExternalEventID *string
	CreatedAt       time.Time
	CompletedAt     *time.Time
}
