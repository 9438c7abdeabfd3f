package rtc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.airbusds-geo.com/log"
)

// DefaultBaseURL is the production RTC processing API.
const DefaultBaseURL = "https://hyp3-api.asf.alaska.edu"

// Client is the HTTP implementation of API.
type Client struct {
	BaseURL      string
	HTTPClient   *http.Client
	PollInterval time.Duration
}

var _ API = (*Client)(nil)

func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL:      baseURL,
		HTTPClient:   http.DefaultClient,
		PollInterval: 30 * time.Second,
	}
}

// wire representation of a job
type jobJSON struct {
	JobID         string `json:"job_id"`
	Name          string `json:"name"`
	JobType       string `json:"job_type"`
	StatusCode    string `json:"status_code"`
	JobParameters struct {
		Granules   []string `json:"granules"`
		Radiometry string   `json:"radiometry"`
		Resolution int      `json:"resolution"`
	} `json:"job_parameters"`
	Files []File `json:"files"`
}

func (j jobJSON) job() Job {
	job := Job{
		ID:     j.JobID,
		Name:   j.Name,
		Status: Status(j.StatusCode),
		Parameters: Parameters{
			Radiometry: j.JobParameters.Radiometry,
			Resolution: j.JobParameters.Resolution,
		},
		Files: j.Files,
	}
	if len(j.JobParameters.Granules) > 0 {
		job.SceneName = j.JobParameters.Granules[0]
	}
	return job
}

func (c *Client) getJSON(ctx context.Context, u string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s: status %d: %s", u, resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) FindJobs(ctx context.Context, jobType string) ([]Job, error) {
	next := fmt.Sprintf("%s/jobs?%s", c.BaseURL, url.Values{"job_type": {jobType}}.Encode())
	var jobs []Job
	for next != "" {
		var page struct {
			Jobs []jobJSON `json:"jobs"`
			Next string    `json:"next"`
		}
		if err := c.getJSON(ctx, next, &page); err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		for _, j := range page.Jobs {
			jobs = append(jobs, j.job())
		}
		next = page.Next
	}
	return jobs, nil
}

func (c *Client) SubmitJob(ctx context.Context, sceneName string, params Parameters) (Job, error) {
	payload := map[string]interface{}{
		"jobs": []map[string]interface{}{{
			"job_type": JobType,
			"name":     uuid.New().String(),
			"job_parameters": map[string]interface{}{
				"granules":   []string{sceneName},
				"radiometry": params.Radiometry,
				"resolution": params.Resolution,
			},
		}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Job{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/jobs", bytes.NewReader(body))
	if err != nil {
		return Job{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return Job{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		rbody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Job{}, fmt.Errorf("status %d: %s", resp.StatusCode, rbody)
	}
	var created struct {
		Jobs []jobJSON `json:"jobs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return Job{}, err
	}
	if len(created.Jobs) != 1 {
		return Job{}, fmt.Errorf("expected 1 created job, got %d", len(created.Jobs))
	}
	return created.Jobs[0].job(), nil
}

// Watch polls the service until every job is terminal or ctx is done. The
// returned slice always holds the latest known state of every job, so a
// caller hitting the ctx deadline can report which jobs were still pending.
func (c *Client) Watch(ctx context.Context, jobs []Job) ([]Job, error) {
	current := append([]Job(nil), jobs...)
	sugar := log.Logger(ctx).Sugar()
	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()
	for {
		remaining := 0
		for i, job := range current {
			if job.Terminal() {
				continue
			}
			var refreshed jobJSON
			if err := c.getJSON(ctx, fmt.Sprintf("%s/jobs/%s", c.BaseURL, job.ID), &refreshed); err != nil {
				return current, fmt.Errorf("refresh job %s: %w", job.ID, err)
			}
			current[i] = refreshed.job()
			if !current[i].Terminal() {
				remaining++
			}
		}
		if remaining == 0 {
			return current, nil
		}
		sugar.Debugf("%d of %d jobs still running", remaining, len(current))
		select {
		case <-ctx.Done():
			return current, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Download fetches the job's first output archive into destDir, writing to a
// temporary name and renaming so repeated or concurrent runs never observe a
// partial file. An already present archive is not re-downloaded.
func (c *Client) Download(ctx context.Context, job Job, destDir string) (string, error) {
	if len(job.Files) == 0 {
		return "", fmt.Errorf("job %s has no output files", job.ID)
	}
	file := job.Files[0]
	dest := filepath.Join(destDir, file.Filename)
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", destDir, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, file.URL, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: status %d", file.URL, resp.StatusCode)
	}
	tmp := dest + ".partial"
	w, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		w.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := w.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return "", fmt.Errorf("rename %s: %w", tmp, err)
	}
	return dest, nil
}
