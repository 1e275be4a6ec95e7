package campaign

import (
	"errors"
	"time"

	"github.com/foxzi/mailcast/internal/merge"
	"github.com/foxzi/mailcast/internal/recipient"
	"github.com/foxzi/mailcast/internal/transport"
)

// FailureMerge marks a recipient that failed before sending because its
// template could not be merged
const FailureMerge = "merge_unresolved"

// Outcome builds the status row for one send result. It has no side effects.
func Outcome(campaignID uint64, index int, rec recipient.Record, msg *transport.Message, receipt *transport.Receipt, sendErr error, at time.Time) *EmailStatus {
	row := &EmailStatus{
		CampaignID: campaignID,
		Index:      index,
		Email:      rec.Email,
	}
	if msg != nil {
		row.Subject = msg.Subject
		row.MessageID = msg.MessageID
	}

	if sendErr != nil {
		row.Failed = true
		row.FailureReason = sendErr.Error()
		row.FailedAt = &at

		var te *transport.Error
		switch {
		case errors.As(sendErr, &te):
			row.FailureKind = string(te.Kind)
			row.Credential = te.Credential
		case errors.Is(sendErr, merge.ErrMergeTokenUnresolved):
			row.FailureKind = FailureMerge
		}
		return row
	}

	row.Sent = true
	row.SentAt = &at
	if receipt != nil {
		row.Credential = receipt.Credential
		if receipt.ID != "" && receipt.ID != row.MessageID {
			row.ProviderID = receipt.ID
		}
	}
	return row
}
