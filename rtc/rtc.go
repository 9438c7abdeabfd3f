// Package rtc drives the asynchronous radiometric-terrain-correction
// collaborator: it deduplicates required radar scenes against already
// submitted jobs, submits the missing ones, waits for the batch to reach a
// terminal state and resolves each scene to its unpacked output artifacts.
package rtc

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// JobType is the processing job type handled by this package.
const JobType = "RTC_GAMMA"

// Status of a processing job, driven entirely by the external service.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusExpired   Status = "EXPIRED"
)

// Parameters is the processing configuration of a job. Only jobs matching
// CanonicalParameters are eligible for reuse.
type Parameters struct {
	Radiometry string `json:"radiometry"`
	Resolution int    `json:"resolution"`
}

// CanonicalParameters is the fixed configuration every job of a batch is
// submitted with.
var CanonicalParameters = Parameters{Radiometry: "gamma0", Resolution: 20}

// A File is one output artifact of a succeeded job.
type File struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
	Size     int64  `json:"size"`
}

// A Job is one asynchronous external computation keyed by its source scene.
type Job struct {
	ID         string
	Name       string
	SceneName  string
	Status     Status
	Parameters Parameters
	Files      []File
}

func (j Job) Terminal() bool {
	return j.Status == StatusSucceeded || j.Status == StatusFailed || j.Status == StatusExpired
}

func (j Job) Succeeded() bool {
	return j.Status == StatusSucceeded
}

// Reusable reports whether an existing job can stand in for a new submission
// of the same scene: it must not have failed or expired and must carry the
// canonical parameters.
func (j Job) Reusable() bool {
	return j.Status != StatusFailed && j.Status != StatusExpired && j.Parameters == CanonicalParameters
}

// API is the job service collaborator boundary. The production
// implementation is Client; tests substitute stubs.
type API interface {
	// FindJobs lists the caller's existing jobs of the given type.
	FindJobs(ctx context.Context, jobType string) ([]Job, error)
	// SubmitJob requests processing of one scene.
	SubmitJob(ctx context.Context, sceneName string, params Parameters) (Job, error)
	// Watch blocks until every job reaches a terminal state or ctx is done,
	// returning the jobs with updated statuses.
	Watch(ctx context.Context, jobs []Job) ([]Job, error)
	// Download fetches the job's output archive into destDir and returns its
	// local path. Implementations must be idempotent: an already complete
	// download is not re-fetched.
	Download(ctx context.Context, job Job, destDir string) (string, error)
}

type SubmissionError struct {
	Scene string
	Err   error
}

func (err SubmissionError) Error() string {
	return fmt.Sprintf("submit job for scene %s: %v", err.Scene, err.Err)
}

func (err SubmissionError) Unwrap() error { return err.Err }

type JobFailedError struct {
	JobIDs []string
}

func (err JobFailedError) Error() string {
	ids := append([]string(nil), err.JobIDs...)
	sort.Strings(ids)
	return fmt.Sprintf("job(s) failed or expired: %s", strings.Join(ids, ", "))
}

type JobTimeoutError struct {
	Timeout time.Duration
	Pending []string
}

func (err JobTimeoutError) Error() string {
	ids := append([]string(nil), err.Pending...)
	sort.Strings(ids)
	return fmt.Sprintf("job(s) still pending after %s: %s", err.Timeout, strings.Join(ids, ", "))
}

type ArtifactExtractionError struct {
	JobID   string
	Pattern string
	Dir     string
	Err     error
}

func (err ArtifactExtractionError) Error() string {
	msg := fmt.Sprintf("job %s: no artifact matching %s in %s", err.JobID, err.Pattern, err.Dir)
	if err.Err != nil {
		msg = fmt.Sprintf("job %s: artifact %s in %s: %v", err.JobID, err.Pattern, err.Dir, err.Err)
	}
	return msg
}

func (err ArtifactExtractionError) Unwrap() error { return err.Err }
