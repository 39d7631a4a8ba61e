package repository

import (
	"sort"
	"strings"
	"time"
)

type Company struct {
	ID        string    `bson:"_id" json:"id" yaml:"id"`
	Name      string    `bson:"name" json:"name" yaml:"name"`
	CreatedAt time.Time `bson:"created_at" json:"createdAt" yaml:"-"`
}

type User struct {
	ID        string    `bson:"_id" json:"id" yaml:"id"`
	CompanyID string    `bson:"company_id" json:"companyId" yaml:"company"`
	Name      string    `bson:"name" json:"name" yaml:"name"`
	Email     string    `bson:"email" json:"email" yaml:"email"`
	Role      string    `bson:"role" json:"role" yaml:"role"`
	LastSeen  time.Time `bson:"last_seen,omitempty" json:"lastSeen,omitempty" yaml:"-"`
	CreatedAt time.Time `bson:"created_at" json:"createdAt" yaml:"-"`
}

// Participant is one side of a chat. LastReadMessageID is a high-water mark:
// every message up to and including it has been read by UserID.
type Participant struct {
	UserID            string    `bson:"user_id" json:"userId"`
	LastReadMessageID string    `bson:"last_read_message_id,omitempty" json:"lastReadMessageId,omitempty"`
	LastReadSeq       int64     `bson:"last_read_seq" json:"-"`
	JoinedAt          time.Time `bson:"joined_at" json:"joinedAt"`
}

type Chat struct {
	ID             string        `bson:"_id" json:"id"`
	CompanyID      string        `bson:"company_id" json:"companyId"`
	PairKey        string        `bson:"pair_key" json:"-"`
	Participants   []Participant `bson:"participants" json:"participants"`
	ParticipantIDs []string      `bson:"participant_ids" json:"-"`
	LastSeq        int64         `bson:"last_seq" json:"-"`
	CreatedAt      time.Time     `bson:"created_at" json:"createdAt"`
	UpdatedAt      time.Time     `bson:"updated_at" json:"updatedAt"`
}

func (c *Chat) Participant(userID string) (*Participant, bool) {
	for i := range c.Participants {
		if c.Participants[i].UserID == userID {
			return &c.Participants[i], true
		}
	}
	return nil, false
}

func (c *Chat) HasParticipant(userID string) bool {
	_, ok := c.Participant(userID)
	return ok
}

// Members returns both users of the chat, including a deleted one.
func (c *Chat) Members() []string {
	a, b, _ := strings.Cut(c.PairKey, "|")
	return []string{a, b}
}

// Other returns the counterpart of userID. It is derived from the pair key so
// it still resolves after the other user was deleted.
func (c *Chat) Other(userID string) string {
	a, b, _ := strings.Cut(c.PairKey, "|")
	if a == userID {
		return b
	}
	return a
}

func (c *Chat) clone() *Chat {
	cp := *c
	cp.Participants = append([]Participant(nil), c.Participants...)
	cp.ParticipantIDs = append([]string(nil), c.ParticipantIDs...)
	return &cp
}

type Message struct {
	ID        string    `bson:"_id" json:"id"`
	ChatID    string    `bson:"chat_id" json:"chatId"`
	SenderID  string    `bson:"sender_id" json:"senderId"`
	Content   string    `bson:"content" json:"content"`
	Seq       int64     `bson:"seq" json:"-"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
	Read      bool      `bson:"read" json:"read"`
	Deleted   bool      `bson:"deleted" json:"deleted"`
}

// NormalizeEmail is the stored and looked-up form of an e-mail address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// PairKey identifies the unordered pair {a, b}.
func PairKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return ids[0] + "|" + ids[1]
}

// NewChat builds a two-party chat. Ids are assigned by the caller.
func NewChat(id, companyID, a, b string, now time.Time) *Chat {
	return &Chat{
		ID:        id,
		CompanyID: companyID,
		PairKey:   PairKey(a, b),
		Participants: []Participant{
			{UserID: a, JoinedAt: now},
			{UserID: b, JoinedAt: now},
		},
		ParticipantIDs: []string{a, b},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
