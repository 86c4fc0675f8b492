package sync

import "time"

type Policy string

const (
	PolicyLastModifiedWins Policy = "last_modified_wins"
	PolicyFieldMerge       Policy = "field_merge"
	PolicyManual           Policy = "manual"
)

func ValidPolicy(p string) bool {
	switch Policy(p) {
	case PolicyLastModifiedWins, PolicyFieldMerge, PolicyManual:
		return true
	}
	return false
}

// Conflict kinds, named local-action first: delete_update means the local
// side deleted while the remote side updated.
const (
	KindUpdateUpdate = "update_update"
	KindDeleteUpdate = "delete_update"
	KindUpdateDelete = "update_delete"
)

type Action string

const (
	KeepLocal  Action = "keep_local"
	KeepRemote Action = "keep_remote"
	Merge      Action = "merge"
	Manual     Action = "manual"
)

// Outcome is the resolver's decision for one conflicting record.
type Outcome struct {
	Action Action
	// Merged is populated when Action is Merge.
	Merged Fields
}

// Resolve decides what to do with an update/update conflict under the given
// policy. base is the field set at the last successful sync; localAt and
// remoteAt are each side's modification times.
//
// Ties on last-modified-wins go to the remote side: the external platform is
// the system of record when nothing else separates the edits.
func Resolve(policy Policy, base, local, remote Fields, localAt, remoteAt time.Time) Outcome {
	switch policy {
	case PolicyManual:
		return Outcome{Action: Manual}
	case PolicyFieldMerge:
		merged := mergeFields(base, local, remote, localAt, remoteAt)
		return Outcome{Action: Merge, Merged: merged}
	default:
		if localAt.After(remoteAt) {
			return Outcome{Action: KeepLocal}
		}
		return Outcome{Action: KeepRemote}
	}
}

// mergeFields does a three-way merge per field. A field changed on exactly
// one side takes that side's value. A field changed on both sides falls back
// to recency, remote winning ties.
func mergeFields(base, local, remote Fields, localAt, remoteAt time.Time) Fields {
	preferLocal := localAt.After(remoteAt)

	pick := func(baseV, localV, remoteV string) string {
		localChanged := localV != baseV
		remoteChanged := remoteV != baseV
		switch {
		case localChanged && !remoteChanged:
			return localV
		case remoteChanged && !localChanged:
			return remoteV
		case localChanged && remoteChanged && preferLocal:
			return localV
		case localChanged && remoteChanged:
			return remoteV
		default:
			return baseV
		}
	}

	merged := Fields{
		Title:    pick(base.Title, local.Title, remote.Title),
		Body:     pick(base.Body, local.Body, remote.Body),
		State:    pick(base.State, local.State, remote.State),
		Assignee: pick(base.Assignee, local.Assignee, remote.Assignee),
	}

	localLabelsChanged := !labelsEqual(local.Labels, base.Labels)
	remoteLabelsChanged := !labelsEqual(remote.Labels, base.Labels)
	switch {
	case localLabelsChanged && !remoteLabelsChanged:
		merged.Labels = local.Labels
	case remoteLabelsChanged && !localLabelsChanged:
		merged.Labels = remote.Labels
	case localLabelsChanged && remoteLabelsChanged && preferLocal:
		merged.Labels = local.Labels
	case localLabelsChanged && remoteLabelsChanged:
		merged.Labels = remote.Labels
	default:
		merged.Labels = base.Labels
	}

	return merged
}
