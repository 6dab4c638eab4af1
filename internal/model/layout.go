package model

// Record layout of a persisted project. Space for a record is reserved once,
// at creation, and must hold the literal content supplied then.
const (
	DefaultMaxRecordSize = 10240

	discriminatorSize = 8
	identitySize      = 32
	lengthPrefixSize  = 4
	u64Size           = 8
	i64Size           = 8
	boolSize          = 1
	bumpSize          = 1

	// MilestoneTitleSlot and MilestoneDescriptionSlot are the bytes reserved
	// for each milestone's text fields.
	MilestoneTitleSlot       = 32
	MilestoneDescriptionSlot = 32

	milestoneSlotSize = lengthPrefixSize + MilestoneTitleSlot +
		lengthPrefixSize + MilestoneDescriptionSlot +
		u64Size + i64Size + boolSize
)

// RecordSpace returns the number of bytes reserved for a project with the
// given name and description. All milestone slots are reserved regardless of
// how many milestones are declared.
func RecordSpace(name, description string) int {
	return discriminatorSize +
		identitySize +
		lengthPrefixSize + len(name) +
		lengthPrefixSize + len(description) +
		3*u64Size + // funding goal, minimum donation, total raised
		lengthPrefixSize + MaxMilestones*milestoneSlotSize +
		boolSize + // is active
		i64Size + // created at
		bumpSize
}

// FitsSlot reports whether the milestone text fits its fixed-size slot.
func (m Milestone) FitsSlot() bool {
	return len(m.Title) <= MilestoneTitleSlot && len(m.Description) <= MilestoneDescriptionSlot
}
