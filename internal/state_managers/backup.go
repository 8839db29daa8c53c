package state_managers

import (
	"time"

	"github.com/benmeehan/hybrid-tracker/internal/constants"
)

// BackupState is the persisted part of the backup activation controller.
type BackupState struct {
	State            constants.BackupState `json:"state"`
	WakeReason       constants.WakeReason  `json:"wake_reason,omitempty"`
	WokeAt           time.Time             `json:"woke_at,omitempty"`
	LastDirective    uint64                `json:"last_directive_counter"`
	LastReportAt     time.Time             `json:"last_report_at,omitempty"`
	RecoveredAt      time.Time             `json:"recovered_at,omitempty"`
	ReportsSent      int                   `json:"reports_sent"`
	ReportsQueued    int                   `json:"reports_queued"`
	LastTransitionAt time.Time             `json:"last_transition_at"`
}
