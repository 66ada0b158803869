// Package privatemsg stores private conversations between identity pairs and
// the block relationship that gates them.
package privatemsg

import (
	"sort"

	"coldroom/internal/clock"
	"coldroom/internal/models"
	"coldroom/internal/policy"

	"github.com/google/uuid"
)

type pair [2]string

func pairOf(a, b string) pair {
	if a < b {
		return pair{a, b}
	}
	return pair{b, a}
}

// Store owns every PrivateThread and block entry. Not safe for concurrent use.
type Store struct {
	clock       clock.Clock
	cap         int
	isProtected func(id string) bool

	threads map[pair][]models.PrivateMessage
	blocks  map[string]map[string]struct{}
}

// NewStore creates an empty store. isProtected identifies the owner, who
// bypasses blocks and cannot be blocked.
func NewStore(c clock.Clock, cap int, isProtected func(id string) bool) *Store {
	if cap <= 0 {
		cap = 50
	}
	if isProtected == nil {
		isProtected = func(string) bool { return false }
	}
	return &Store{
		clock:       c,
		cap:         cap,
		isProtected: isProtected,
		threads:     make(map[pair][]models.PrivateMessage),
		blocks:      make(map[string]map[string]struct{}),
	}
}

// Blocks reports whether blocker has blocked other.
func (s *Store) Blocks(blocker, other string) bool {
	_, ok := s.blocks[blocker][other]
	return ok
}

// Send appends text to the thread of fromID and toID. The text must already be validated.
func (s *Store) Send(fromID, toID, text string) (models.PrivateMessage, error) {
	if fromID == toID {
		return models.PrivateMessage{}, models.NewValidationError("You cannot message yourself")
	}
	if s.Blocks(toID, fromID) && !s.isProtected(fromID) {
		return models.PrivateMessage{}, models.NewBlockedError()
	}
	m := models.PrivateMessage{
		ID:        "pm_" + uuid.NewString(),
		FromID:    fromID,
		ToID:      toID,
		Text:      text,
		CreatedAt: s.clock.Now(),
	}
	key := pairOf(fromID, toID)
	thread := append(s.threads[key], m)
	if over := len(thread) - s.cap; over > 0 {
		thread = append([]models.PrivateMessage(nil), thread[over:]...)
	}
	s.threads[key] = thread
	return m, nil
}

// History returns the thread in chronological order and marks entries
// addressed to requesterID as read.
func (s *Store) History(requesterID, otherID string) []models.PrivateMessage {
	thread := s.threads[pairOf(requesterID, otherID)]
	for i := range thread {
		if thread[i].ToID == requesterID {
			thread[i].Read = true
		}
	}
	return append([]models.PrivateMessage(nil), thread...)
}

// Unread counts unread entries addressed to identityID across all threads.
func (s *Store) Unread(identityID string) int {
	n := 0
	for key, thread := range s.threads {
		if key[0] != identityID && key[1] != identityID {
			continue
		}
		for _, m := range thread {
			if m.ToID == identityID && !m.Read {
				n++
			}
		}
	}
	return n
}

// Block records that identityID refuses messages from otherID.
func (s *Store) Block(identityID, otherID string) error {
	target := policy.Target{SubjectID: otherID, SubjectProtected: s.isProtected(otherID)}
	if err := policy.Check(policy.Actor{ID: identityID}, policy.ActionBlock, target); err != nil {
		return err
	}
	set, ok := s.blocks[identityID]
	if !ok {
		set = make(map[string]struct{})
		s.blocks[identityID] = set
	}
	set[otherID] = struct{}{}
	return nil
}

// Unblock removes a block entry. Unblocking someone not blocked is a no-op.
func (s *Store) Unblock(identityID, otherID string) {
	if set, ok := s.blocks[identityID]; ok {
		delete(set, otherID)
		if len(set) == 0 {
			delete(s.blocks, identityID)
		}
	}
}

// BlockedBy lists who identityID has blocked.
func (s *Store) BlockedBy(identityID string) []string {
	out := make([]string, 0, len(s.blocks[identityID]))
	for id := range s.blocks[identityID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// PurgeIdentity removes threads and block entries involving identityID.
func (s *Store) PurgeIdentity(identityID string) {
	for key := range s.threads {
		if key[0] == identityID || key[1] == identityID {
			delete(s.threads, key)
		}
	}
	delete(s.blocks, identityID)
	for blocker, set := range s.blocks {
		delete(set, identityID)
		if len(set) == 0 {
			delete(s.blocks, blocker)
		}
	}
}

// MessageCount totals private messages.
func (s *Store) MessageCount() int {
	n := 0
	for _, thread := range s.threads {
		n += len(thread)
	}
	return n
}

// Export copies threads and blocks for a snapshot.
func (s *Store) Export() ([]models.PrivateThread, []models.Block) {
	threads := make([]models.PrivateThread, 0, len(s.threads))
	for key, thread := range s.threads {
		threads = append(threads, models.PrivateThread{
			Participants: key,
			Messages:     append([]models.PrivateMessage(nil), thread...),
		})
	}
	sort.Slice(threads, func(i, j int) bool {
		a, b := threads[i].Participants, threads[j].Participants
		if a[0] != b[0] {
			return a[0] < b[0]
		}
		return a[1] < b[1]
	})

	var blocks []models.Block
	for blocker, set := range s.blocks {
		for blocked := range set {
			blocks = append(blocks, models.Block{BlockerID: blocker, BlockedID: blocked})
		}
	}
	sort.Slice(blocks, func(i, j int) bool {
		if blocks[i].BlockerID != blocks[j].BlockerID {
			return blocks[i].BlockerID < blocks[j].BlockerID
		}
		return blocks[i].BlockedID < blocks[j].BlockedID
	})
	return threads, blocks
}

// Import replaces the store contents, truncating threads to the cap.
func (s *Store) Import(threads []models.PrivateThread, blocks []models.Block) {
	s.threads = make(map[pair][]models.PrivateMessage, len(threads))
	for _, t := range threads {
		key := pairOf(t.Participants[0], t.Participants[1])
		msgs := append(s.threads[key], t.Messages...)
		sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
		if over := len(msgs) - s.cap; over > 0 {
			msgs = msgs[over:]
		}
		s.threads[key] = append([]models.PrivateMessage(nil), msgs...)
	}
	s.blocks = make(map[string]map[string]struct{})
	for _, b := range blocks {
		if b.BlockerID == "" || b.BlockedID == "" || b.BlockerID == b.BlockedID {
			continue
		}
		set, ok := s.blocks[b.BlockerID]
		if !ok {
			set = make(map[string]struct{})
			s.blocks[b.BlockerID] = set
		}
		set[b.BlockedID] = struct{}{}
	}
}
