package model

// JobFilter selects job rows. Zero-valued fields do not filter.
type JobFilter struct {
	IDs             []int64
	JobTypes        []JobType
	Statuses        []JobStatus
	SessionID       string
	StageSlug       string
	IterationNumber int
	ParentJobID     *int64

	// Payload discriminators.
	RecipeStepID      string
	OutputDocumentKey string
	ModelID           string

	Limit int
}

// ContributionFilter selects generated contributions.
type ContributionFilter struct {
	SessionID        string
	IterationNumber  int
	StageSlug        string
	ModelID          string
	ContributionType string
	LatestEditOnly   bool
}

// ResourceFilter selects project resources. ProjectID and at least one of
// ResourceType or StoragePath are expected.
type ResourceFilter struct {
	ProjectID            string
	ResourceType         string
	StoragePath          string
	DocumentKey          string
	SessionID            string
	StageSlug            string
	IterationNumber      int
	ModelID              string
	SourceContributionID string
}

// FeedbackFilter selects user feedback. DocumentKey and ModelID match the
// structured metadata, never the filename.
type FeedbackFilter struct {
	SessionID       string
	IterationNumber int
	StageSlug       string
	ModelID         string
	DocumentKey     string
}
