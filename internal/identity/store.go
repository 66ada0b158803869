// Package identity is the directory of registered accounts and their credentials.
//
// The Store is not safe for concurrent use; the coordinator loop is its only caller.
package identity

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"coldroom/internal/clock"
	"coldroom/internal/models"

	"github.com/google/uuid"
)

// OwnerID is the fixed id of the owner identity.
const OwnerID = "owner"

const (
	minUsernameLen    = 3
	maxUsernameLen    = 30
	minDisplayNameLen = 3
	maxDisplayNameLen = 30
	minPasswordLen    = 4
	// bcrypt ignores everything past 72 bytes.
	maxPasswordLen = 72
	maxGenderLen   = 20
)

// Registration is the input of Register.
type Registration struct {
	Username    string
	Password    string
	DisplayName string
	Gender      string
}

// Store owns every Identity.
type Store struct {
	hasher      Hasher
	clock       clock.Clock
	nameChanges int

	byID       map[string]*models.Identity
	byUsername map[string]string
	byDisplay  map[string]string
}

// NewStore creates an empty store. nameChanges is the number of free display
// name changes granted to every non-owner identity.
func NewStore(h Hasher, c clock.Clock, nameChanges int) *Store {
	return &Store{
		hasher:      h,
		clock:       c,
		nameChanges: nameChanges,
		byID:        make(map[string]*models.Identity),
		byUsername:  make(map[string]string),
		byDisplay:   make(map[string]string),
	}
}

func fold(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func lengthBetween(s string, min, max int) bool {
	n := utf8.RuneCountInString(s)
	return n >= min && n <= max
}

func validateDisplayName(name string) error {
	if !lengthBetween(name, minDisplayNameLen, maxDisplayNameLen) {
		return models.NewValidationError(fmt.Sprintf("Display name must be %d-%d characters", minDisplayNameLen, maxDisplayNameLen))
	}
	return nil
}

// Register creates a regular identity.
func (s *Store) Register(r Registration) (*models.Identity, error) {
	username := strings.TrimSpace(r.Username)
	displayName := strings.TrimSpace(r.DisplayName)

	if username == "" || r.Password == "" || displayName == "" {
		return nil, models.NewValidationError("All fields are required")
	}
	if !lengthBetween(username, minUsernameLen, maxUsernameLen) || strings.ContainsAny(username, " \t\r\n") {
		return nil, models.NewValidationError(fmt.Sprintf("Username must be %d-%d characters without spaces", minUsernameLen, maxUsernameLen))
	}
	if len(r.Password) < minPasswordLen || len(r.Password) > maxPasswordLen {
		return nil, models.NewValidationError(fmt.Sprintf("Password must be %d-%d characters", minPasswordLen, maxPasswordLen))
	}
	if err := validateDisplayName(displayName); err != nil {
		return nil, err
	}
	if utf8.RuneCountInString(r.Gender) > maxGenderLen {
		return nil, models.NewValidationError("Invalid gender")
	}
	if _, taken := s.byUsername[fold(username)]; taken {
		return nil, models.NewConflictError("Username exists")
	}
	if _, taken := s.byDisplay[fold(displayName)]; taken {
		return nil, models.NewConflictError("Display name taken")
	}

	hash, err := s.hasher.Hash(r.Password)
	if err != nil {
		return nil, models.NewInternalError(fmt.Errorf("hash password: %w", err))
	}

	now := s.clock.Now()
	ident := &models.Identity{
		ID:           "user_" + uuid.NewString(),
		Username:     username,
		DisplayName:  displayName,
		PasswordHash: hash,
		Gender:       strings.TrimSpace(r.Gender),
		CreatedAt:    now,
		LastActive:   now,
	}
	s.insert(ident)
	return ident, nil
}

// EnsureOwner creates the owner identity if it is missing. An existing owner is left untouched.
func (s *Store) EnsureOwner(username, password, displayName string) (*models.Identity, bool, error) {
	if existing, ok := s.byID[OwnerID]; ok {
		return existing, false, nil
	}
	if _, taken := s.byUsername[fold(username)]; taken {
		return nil, false, models.NewConflictError("owner username is already registered")
	}
	if _, taken := s.byDisplay[fold(displayName)]; taken {
		return nil, false, models.NewConflictError("owner display name is already registered")
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, false, fmt.Errorf("hash owner password: %w", err)
	}
	now := s.clock.Now()
	owner := &models.Identity{
		ID:           OwnerID,
		Username:     username,
		DisplayName:  displayName,
		PasswordHash: hash,
		Owner:        true,
		CreatedAt:    now,
		LastActive:   now,
	}
	s.insert(owner)
	return owner, true, nil
}

func (s *Store) insert(ident *models.Identity) {
	s.byID[ident.ID] = ident
	s.byUsername[fold(ident.Username)] = ident.ID
	s.byDisplay[fold(ident.DisplayName)] = ident.ID
}

// Verify checks credentials. Unknown usernames and bad passwords are indistinguishable.
func (s *Store) Verify(username, password string) (*models.Identity, error) {
	if strings.TrimSpace(username) == "" || password == "" {
		return nil, models.NewValidationError("Username and password are required")
	}
	id, ok := s.byUsername[fold(username)]
	if !ok {
		return nil, models.NewUnauthorizedError("Invalid username or password")
	}
	ident := s.byID[id]
	if !s.hasher.Compare(ident.PasswordHash, password) {
		return nil, models.NewUnauthorizedError("Invalid username or password")
	}
	return ident, nil
}

// Get returns the identity with id.
func (s *Store) Get(id string) (*models.Identity, error) {
	ident, ok := s.byID[id]
	if !ok {
		return nil, models.NewNotFoundError("user", id)
	}
	return ident, nil
}

// IsOwner reports whether id is the owner identity.
func (s *Store) IsOwner(id string) bool {
	ident, ok := s.byID[id]
	return ok && ident.Owner
}

// ChangeDisplayName renames an identity and returns how many free changes remain
// (-1 for the owner, who is unlimited).
func (s *Store) ChangeDisplayName(id, newName string) (int, error) {
	ident, err := s.Get(id)
	if err != nil {
		return 0, err
	}
	newName = strings.TrimSpace(newName)
	if err := validateDisplayName(newName); err != nil {
		return 0, err
	}
	if other, taken := s.byDisplay[fold(newName)]; taken && other != id {
		return 0, models.NewConflictError("Display name taken")
	}
	if !ident.Owner && ident.NameChanges >= s.nameChanges {
		return 0, models.NewLimitExceededError(fmt.Sprintf("You can only change your display name %d times", s.nameChanges))
	}

	delete(s.byDisplay, fold(ident.DisplayName))
	ident.DisplayName = newName
	s.byDisplay[fold(newName)] = id
	ident.LastActive = s.clock.Now()

	if ident.Owner {
		return -1, nil
	}
	ident.NameChanges++
	return s.nameChanges - ident.NameChanges, nil
}

// Touch refreshes the activity timestamp and reactivates a retired identity.
func (s *Store) Touch(id string) {
	if ident, ok := s.byID[id]; ok {
		ident.LastActive = s.clock.Now()
		ident.Retired = false
	}
}

// Inactive lists non-owner, non-retired identities idle longer than threshold,
// skipping any for which exempt returns true.
func (s *Store) Inactive(threshold time.Duration, exempt func(id string) bool) []string {
	cutoff := s.clock.Now().Add(-threshold)
	var ids []string
	for id, ident := range s.byID {
		if ident.Owner || ident.Retired || !ident.LastActive.Before(cutoff) {
			continue
		}
		if exempt != nil && exempt(id) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Retire flags an identity as retired. The owner is never retired.
func (s *Store) Retire(id string) bool {
	ident, ok := s.byID[id]
	if !ok || ident.Owner || ident.Retired {
		return false
	}
	ident.Retired = true
	return true
}

// Delete removes a non-owner identity.
func (s *Store) Delete(id string) error {
	ident, err := s.Get(id)
	if err != nil {
		return err
	}
	if ident.Owner {
		return models.NewProtectedSubjectError("The owner account cannot be deleted")
	}
	delete(s.byID, id)
	delete(s.byUsername, fold(ident.Username))
	delete(s.byDisplay, fold(ident.DisplayName))
	return nil
}

// List returns every identity ordered by display name.
func (s *Store) List() []*models.Identity {
	out := make([]*models.Identity, 0, len(s.byID))
	for _, ident := range s.byID {
		out = append(out, ident)
	}
	sort.Slice(out, func(i, j int) bool {
		return fold(out[i].DisplayName) < fold(out[j].DisplayName)
	})
	return out
}

// Len is the number of identities.
func (s *Store) Len() int { return len(s.byID) }

// Export copies every identity for a snapshot.
func (s *Store) Export() []models.Identity {
	out := make([]models.Identity, 0, len(s.byID))
	for _, ident := range s.List() {
		out = append(out, *ident)
	}
	return out
}

// Import replaces the store contents. Later duplicates of a username or display name are dropped.
func (s *Store) Import(idents []models.Identity) int {
	s.byID = make(map[string]*models.Identity, len(idents))
	s.byUsername = make(map[string]string, len(idents))
	s.byDisplay = make(map[string]string, len(idents))
	dropped := 0
	for i := range idents {
		ident := idents[i]
		_, dupUser := s.byUsername[fold(ident.Username)]
		_, dupDisplay := s.byDisplay[fold(ident.DisplayName)]
		if ident.ID == "" || dupUser || dupDisplay {
			dropped++
			continue
		}
		ident.Owner = ident.ID == OwnerID
		s.insert(&ident)
	}
	return dropped
}
