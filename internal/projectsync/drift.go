package projectsync

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"
)

const defaultDriftTolerance = 0.01

// Mismatch is one divergent field on one child item. Field "existence" marks
// a child present on only one side.
type Mismatch struct {
	RemoteID     string    `json:"remoteId"`
	ChildID      string    `json:"childId"`
	Field        string    `json:"field"`
	LocalValue   string    `json:"localValue"`
	RemoteValue  string    `json:"remoteValue"`
	LastSyncedAt time.Time `json:"lastSyncedAt"`
}

type VerifierOptions struct {
	Client    Client
	Records   RecordStore
	Tolerance float64
	Logger    Logger
}

// Verifier re-fetches live child items and diffs them against the stored
// record. It only reports; remediation is a fresh sync run.
type Verifier struct {
	client    Client
	records   RecordStore
	tolerance float64
	logger    Logger
}

func NewVerifier(opts VerifierOptions) (*Verifier, error) {
	if opts.Client == nil || opts.Records == nil {
		return nil, fmt.Errorf("%w: client and record store are required", ErrInvalidInput)
	}
	tolerance := opts.Tolerance
	if tolerance <= 0 {
		tolerance = defaultDriftTolerance
	}
	return &Verifier{
		client:    opts.Client,
		records:   opts.Records,
		tolerance: tolerance,
		logger:    opts.Logger,
	}, nil
}

// Verify diffs one stored record against the provider's current state.
func (v *Verifier) Verify(ctx context.Context, tenantID, userID, remoteID string) ([]Mismatch, error) {
	rec, err := v.records.Get(ctx, tenantID, remoteID)
	if err != nil {
		return nil, err
	}
	remoteTasks, err := v.client.ListTasks(ctx, tenantID, userID, remoteID)
	if err != nil {
		return nil, err
	}
	return v.diff(rec, remoteTasks), nil
}

// VerifyAll diffs up to limit stored records, a bounded sample to keep the
// verification pass within quota.
func (v *Verifier) VerifyAll(ctx context.Context, tenantID, userID string, limit int) ([]Mismatch, error) {
	records, err := v.records.List(ctx, tenantID, limit)
	if err != nil {
		return nil, err
	}
	var all []Mismatch
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return all, err
		}
		remoteTasks, err := v.client.ListTasks(ctx, tenantID, userID, rec.RemoteID)
		if err != nil {
			v.logf("drift check skipped for %s/%s: %v", tenantID, rec.RemoteID, err)
			continue
		}
		all = append(all, v.diff(rec, remoteTasks)...)
	}
	return all, nil
}

func (v *Verifier) diff(rec SyncRecord, remoteTasks []Task) []Mismatch {
	var mismatches []Mismatch
	report := func(childID, field, local, remote string) {
		mismatches = append(mismatches, Mismatch{
			RemoteID:     rec.RemoteID,
			ChildID:      childID,
			Field:        field,
			LocalValue:   local,
			RemoteValue:  remote,
			LastSyncedAt: rec.LastSyncedAt,
		})
	}

	remoteByID := make(map[string]Task, len(remoteTasks))
	for _, task := range remoteTasks {
		remoteByID[task.TaskID] = task
	}
	localByID := make(map[string]Task, len(rec.ChildItems))
	for _, task := range rec.ChildItems {
		localByID[task.TaskID] = task
	}

	for _, local := range rec.ChildItems {
		remote, ok := remoteByID[local.TaskID]
		if !ok {
			report(local.TaskID, "existence", "present", "absent")
			continue
		}
		if local.Name != remote.Name {
			report(local.TaskID, "name", local.Name, remote.Name)
		}
		if math.Abs(local.Rate.Value-remote.Rate.Value) > v.tolerance {
			report(local.TaskID, "rate.value", formatFloat(local.Rate.Value), formatFloat(remote.Rate.Value))
		}
		if local.Rate.Currency != remote.Rate.Currency {
			report(local.TaskID, "rate.currency", local.Rate.Currency, remote.Rate.Currency)
		}
		if local.ChargeType != remote.ChargeType {
			report(local.TaskID, "chargeType", local.ChargeType, remote.ChargeType)
		}
		if local.EstimateMinutes != remote.EstimateMinutes {
			report(local.TaskID, "estimateMinutes", strconv.Itoa(local.EstimateMinutes), strconv.Itoa(remote.EstimateMinutes))
		}
		if local.Status != remote.Status {
			report(local.TaskID, "status", local.Status, remote.Status)
		}
	}
	for _, remote := range remoteTasks {
		if _, ok := localByID[remote.TaskID]; !ok {
			report(remote.TaskID, "existence", "absent", "present")
		}
	}
	return mismatches
}

func (v *Verifier) logf(format string, args ...any) {
	if v.logger == nil {
		return
	}
	v.logger.Printf(format, args...)
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
