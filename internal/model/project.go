package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// MaxMilestones is the number of milestone slots reserved in every project record.
const MaxMilestones = 10

const addressSeed = "project"

// Address identifies a project record. It is derived from the owner identity,
// so every owner has exactly one project address.
type Address string

// DeriveAddress returns the deterministic project address for owner.
func DeriveAddress(owner string) Address {
	sum := sha256.Sum256([]byte(addressSeed + owner))
	return Address(hex.EncodeToString(sum[:]))
}

func (a Address) String() string {
	return string(a)
}

type Project struct {
	Address         Address    `json:"address"`
	Owner           string     `json:"owner"`
	Name            string     `json:"name"`
	Description     string     `json:"description"`
	FundingGoal     uint64     `json:"funding_goal"`
	MinimumDonation uint64     `json:"minimum_donation"`
	TotalRaised     uint64     `json:"total_raised"`
	Milestones      Milestones `json:"milestones"`
	IsActive        bool       `json:"is_active"`
	Space           int        `json:"space"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type Milestone struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Amount      uint64    `json:"amount"`
	Deadline    time.Time `json:"deadline"` // advisory only
	Completed   bool      `json:"completed"`
}

// Milestones is a fixed-capacity, ordered milestone list. Its length is set
// once by NewMilestones; entries can be modified in place but never added or
// removed. Being an array, it is copied by value along with its Project.
type Milestones struct {
	slots [MaxMilestones]Milestone
	n     int
}

// NewMilestones copies ms into a fixed-capacity list.
func NewMilestones(ms []Milestone) (Milestones, error) {
	var out Milestones
	if len(ms) > MaxMilestones {
		return out, fmt.Errorf("milestone list holds at most %d entries, got %d", MaxMilestones, len(ms))
	}
	out.n = copy(out.slots[:], ms)
	return out, nil
}

func (m Milestones) Len() int {
	return m.n
}

// At returns a pointer to the milestone at index i, or false when i is out of range.
func (m *Milestones) At(i int) (*Milestone, bool) {
	if i < 0 || i >= m.n {
		return nil, false
	}
	return &m.slots[i], true
}

// Slice returns a copy of the milestones in order.
func (m Milestones) Slice() []Milestone {
	out := make([]Milestone, m.n)
	copy(out, m.slots[:m.n])
	return out
}

func (m Milestones) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Slice())
}

func (m *Milestones) UnmarshalJSON(data []byte) error {
	var ms []Milestone
	if err := json.Unmarshal(data, &ms); err != nil {
		return err
	}
	parsed, err := NewMilestones(ms)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
