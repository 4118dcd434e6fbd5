package domain

import (
	"strings"
	"time"
)

type JobStatus string

const (
	JobStatusReceived         JobStatus = "received"
	JobStatusQueued           JobStatus = "queued"
	JobStatusConvertingImages JobStatus = "converting_images"
	JobStatusImagesReady      JobStatus = "images_ready"
	JobStatusAnalyzing        JobStatus = "analyzing"
	JobStatusProcessed        JobStatus = "processed"
	JobStatusFailed           JobStatus = "failed"
)

// orderedStatuses lists the success path in processing order.
var orderedStatuses = []JobStatus{
	JobStatusReceived,
	JobStatusQueued,
	JobStatusConvertingImages,
	JobStatusImagesReady,
	JobStatusAnalyzing,
	JobStatusProcessed,
}

var transitions = map[JobStatus][]JobStatus{
	JobStatusReceived:         {JobStatusQueued, JobStatusFailed},
	JobStatusQueued:           {JobStatusConvertingImages, JobStatusFailed},
	JobStatusConvertingImages: {JobStatusImagesReady, JobStatusFailed},
	JobStatusImagesReady:      {JobStatusAnalyzing, JobStatusFailed},
	JobStatusAnalyzing:        {JobStatusProcessed, JobStatusFailed},
	JobStatusProcessed:        nil,
	JobStatusFailed:           nil,
}

// ParseJobStatus converts a stored string into a known JobStatus.
func ParseJobStatus(value string) (JobStatus, bool) {
	status := JobStatus(strings.ToLower(strings.TrimSpace(value)))
	_, ok := transitions[status]
	return status, ok
}

// Terminal reports whether the status has no outgoing transition.
func (s JobStatus) Terminal() bool {
	return s == JobStatusProcessed || s == JobStatusFailed
}

// Rank orders statuses along the state graph. Failed ranks after every
// other status because it is reachable from all of them.
func (s JobStatus) Rank() int {
	if s == JobStatusFailed {
		return len(orderedStatuses)
	}
	for index, status := range orderedStatuses {
		if status == s {
			return index
		}
	}
	return -1
}

// CanTransition reports whether a record in status from may move to status to.
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Predecessors returns every status allowed to move directly into to.
func Predecessors(to JobStatus) []JobStatus {
	result := make([]JobStatus, 0, len(orderedStatuses))
	for _, from := range orderedStatuses {
		if CanTransition(from, to) {
			result = append(result, from)
		}
	}
	return result
}

// Job is the status record clients poll for one submitted document.
type Job struct {
	ID           string
	Name         string
	Status       JobStatus
	Result       *string
	ErrorCode    string
	ErrorMessage string
	PageCount    int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// JobUpdate is a targeted write: Status and UpdatedAt are always applied,
// pointer fields only when set.
type JobUpdate struct {
	Status       JobStatus
	Result       *string
	ErrorCode    *string
	ErrorMessage *string
	PageCount    *int
	UpdatedAt    time.Time
}

// Apply mutates job with the fields carried by the update.
func (u JobUpdate) Apply(job *Job) {
	job.Status = u.Status
	if u.Result != nil {
		value := *u.Result
		job.Result = &value
	}
	if u.ErrorCode != nil {
		job.ErrorCode = *u.ErrorCode
	}
	if u.ErrorMessage != nil {
		job.ErrorMessage = *u.ErrorMessage
	}
	if u.PageCount != nil {
		job.PageCount = *u.PageCount
	}
	job.UpdatedAt = u.UpdatedAt
}

// JobMessage is the queue payload. It never carries document bytes.
type JobMessage struct {
	JobID       string    `json:"job_id"`
	Attempt     int       `json:"attempt"`
	RequestedAt time.Time `json:"requested_at"`

	// LastDelivery is set by the queue when a failed handler will not be redelivered.
	LastDelivery bool `json:"-"`
}
