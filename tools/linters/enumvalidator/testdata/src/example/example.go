package example

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusCompleted JobStatus = "completed"
)

type JobType string

const (
	JobTypePlan JobType = "PLAN"
)

// StageSlug is a plain named string without constants.
type StageSlug string

type Job struct {
	Status    JobStatus
	JobType   JobType
	StageSlug StageSlug
}

func bad() {
	j := &Job{}
	j.Status = "waiting" // want "enum field Status assigned string literal"

	_ = Job{JobType: "EXECUTE"} // want "enum field JobType assigned string literal"
}

func good() {
	j := &Job{}
	j.Status = JobStatusPending // OK: using constant
	j.StageSlug = "thesis"      // OK: not an enum

	_ = Job{JobType: JobTypePlan, Status: JobStatusCompleted}
}

func alsoGood(j *Job) bool {
	// OK: comparisons are not assignments
	status := JobStatusPending
	return j.Status == "pending" || j.Status == status
}
