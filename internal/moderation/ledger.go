// Package moderation is the ledger of mutes and bans.
//
// Every restriction-sensitive check goes through IsRestricted or Active so
// lazy expiry is applied the same way everywhere. The Ledger is not safe for
// concurrent use.
package moderation

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"coldroom/internal/clock"
	"coldroom/internal/models"
	"coldroom/internal/policy"
)

// DefaultReason is recorded when the imposer gives none.
const DefaultReason = "Rule violation"

const maxReasonLen = 200

// maxDurationMinutes bounds durations to one year.
const maxDurationMinutes = 365 * 24 * 60

// Subject identifies who a restriction targets.
type Subject struct {
	ID        string
	Protected bool
}

// Ledger owns every Restriction, at most one per kind and subject.
type Ledger struct {
	clock   clock.Clock
	records map[models.RestrictionKind]map[string]*models.Restriction
}

// NewLedger creates an empty ledger.
func NewLedger(c clock.Clock) *Ledger {
	return &Ledger{
		clock: c,
		records: map[models.RestrictionKind]map[string]*models.Restriction{
			models.KindMute: {},
			models.KindBan:  {},
		},
	}
}

// active returns the live record, clearing it first if it has expired.
func (l *Ledger) active(kind models.RestrictionKind, subjectID string) *models.Restriction {
	byKind, ok := l.records[kind]
	if !ok {
		return nil
	}
	r, ok := byKind[subjectID]
	if !ok {
		return nil
	}
	if r.ExpiredAt(l.clock.Now()) {
		delete(byKind, subjectID)
		return nil
	}
	return r
}

// Impose records a restriction, replacing any active one of the same kind.
// durationMinutes of zero means permanent.
func (l *Ledger) Impose(kind models.RestrictionKind, subject Subject, imposer policy.Actor, reason string, durationMinutes int, roomID string) (models.Restriction, error) {
	if !kind.Valid() {
		return models.Restriction{}, models.NewValidationError(fmt.Sprintf("unknown restriction kind %q", kind))
	}
	if subject.ID == "" {
		return models.Restriction{}, models.NewValidationError("userId is required")
	}
	if durationMinutes < 0 || durationMinutes > maxDurationMinutes {
		return models.Restriction{}, models.NewValidationError("Invalid duration")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = DefaultReason
	}
	if utf8.RuneCountInString(reason) > maxReasonLen {
		return models.Restriction{}, models.NewValidationError("Reason is too long")
	}

	target := policy.Target{SubjectID: subject.ID, SubjectProtected: subject.Protected}
	if existing := l.active(kind, subject.ID); existing != nil {
		target.Elevated = existing.Elevated
		target.ImposedBy = existing.ImposedBy
	}
	if err := policy.Check(imposer, policy.ActionImposeRestriction, target); err != nil {
		return models.Restriction{}, err
	}

	now := l.clock.Now()
	r := &models.Restriction{
		SubjectID: subject.ID,
		Kind:      kind,
		Reason:    reason,
		ImposedBy: imposer.ID,
		ImposedAt: now,
		Elevated:  imposer.Owner,
		RoomID:    roomID,
	}
	if durationMinutes > 0 {
		expires := now.Add(time.Duration(durationMinutes) * time.Minute)
		r.ExpiresAt = &expires
	}
	l.records[kind][subject.ID] = r
	return *r, nil
}

// Revoke lifts an active restriction.
func (l *Ledger) Revoke(kind models.RestrictionKind, subjectID string, revoker policy.Actor) (models.Restriction, error) {
	if !kind.Valid() {
		return models.Restriction{}, models.NewValidationError(fmt.Sprintf("unknown restriction kind %q", kind))
	}
	if err := policy.Check(revoker, policy.ActionRevokeRestriction, policy.Target{}); err != nil {
		return models.Restriction{}, err
	}
	existing := l.active(kind, subjectID)
	if existing == nil {
		return models.Restriction{}, models.NewNotFoundError(string(kind), subjectID)
	}
	target := policy.Target{SubjectID: subjectID, ImposedBy: existing.ImposedBy, Elevated: existing.Elevated}
	if err := policy.Check(revoker, policy.ActionRevokeRestriction, target); err != nil {
		return models.Restriction{}, err
	}
	delete(l.records[kind], subjectID)
	return *existing, nil
}

// IsRestricted reports whether subjectID has an active restriction of kind.
func (l *Ledger) IsRestricted(kind models.RestrictionKind, subjectID string) bool {
	return l.active(kind, subjectID) != nil
}

// Active returns a copy of the active restriction, if any.
func (l *Ledger) Active(kind models.RestrictionKind, subjectID string) (models.Restriction, bool) {
	r := l.active(kind, subjectID)
	if r == nil {
		return models.Restriction{}, false
	}
	return *r, true
}

// List returns active restrictions of kind, oldest first.
func (l *Ledger) List(kind models.RestrictionKind) []models.Restriction {
	byKind := l.records[kind]
	out := make([]models.Restriction, 0, len(byKind))
	for id := range byKind {
		if r := l.active(kind, id); r != nil {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ImposedAt.Equal(out[j].ImposedAt) {
			return out[i].SubjectID < out[j].SubjectID
		}
		return out[i].ImposedAt.Before(out[j].ImposedAt)
	})
	return out
}

// Visible filters List down to what viewer may see: the owner sees everything,
// moderators see non-elevated entries and their own.
func (l *Ledger) Visible(kind models.RestrictionKind, viewer policy.Actor) ([]models.Restriction, error) {
	if err := policy.Check(viewer, policy.ActionViewRestrictions, policy.Target{}); err != nil {
		return nil, err
	}
	all := l.List(kind)
	if viewer.Owner {
		return all, nil
	}
	out := all[:0]
	for _, r := range all {
		if !r.Elevated || r.ImposedBy == viewer.ID {
			out = append(out, r)
		}
	}
	return out, nil
}

// PurgeSubject drops every record about subjectID.
func (l *Ledger) PurgeSubject(subjectID string) {
	for _, byKind := range l.records {
		delete(byKind, subjectID)
	}
}

// Export copies all unexpired restrictions.
func (l *Ledger) Export() []models.Restriction {
	out := l.List(models.KindMute)
	return append(out, l.List(models.KindBan)...)
}

// Import replaces the ledger contents. Unknown kinds are dropped and the
// newest record wins when a subject appears twice for a kind.
func (l *Ledger) Import(rs []models.Restriction) {
	l.records = map[models.RestrictionKind]map[string]*models.Restriction{
		models.KindMute: {},
		models.KindBan:  {},
	}
	for i := range rs {
		r := rs[i]
		if !r.Kind.Valid() || r.SubjectID == "" {
			continue
		}
		if prev, ok := l.records[r.Kind][r.SubjectID]; ok && prev.ImposedAt.After(r.ImposedAt) {
			continue
		}
		l.records[r.Kind][r.SubjectID] = &r
	}
}
