package rtc

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/tiff"
	"go.airbusds-geo.com/log"
)

// ScenePaths are the two unpacked output rasters of one processed scene.
type ScenePaths struct {
	VV string
	VH string
}

// ResolveOpts configure a Resolve call.
type ResolveOpts struct {
	// ScratchDir receives downloaded and unpacked artifacts. It is shared
	// across jobs and runs: writes are namespaced by job output filename and
	// downloads are idempotent.
	ScratchDir string
	// WatchTimeout bounds the wait for the batch to reach a terminal state.
	// Zero means no explicit bound beyond ctx.
	WatchTimeout time.Duration
}

// Resolve maps every cell's required scenes to the unpacked artifacts of a
// terminal, succeeded processing job. scenes holds the per-cell ordered
// scene names; cellOrder fixes the iteration order so submissions are
// deterministic. A scene required by several cells is processed exactly
// once; its artifacts are re-expanded into each cell's list, preserving the
// input ordering. Any job ending FAILED or EXPIRED aborts the whole
// resolution: there is no partial-success path.
func Resolve(ctx context.Context, api API, cellOrder []string, scenes map[string][]string, opts ResolveOpts) (map[string][]ScenePaths, error) {
	required := distinctScenes(cellOrder, scenes)
	if len(required) == 0 {
		return nil, fmt.Errorf("no scenes to resolve")
	}

	// Refresh the reuse table once per batch, not per scene.
	existing, err := api.FindJobs(ctx, JobType)
	if err != nil {
		return nil, fmt.Errorf("find existing jobs: %w", err)
	}
	reusable := map[string]Job{}
	for _, job := range existing {
		if !job.Reusable() {
			continue
		}
		if _, ok := reusable[job.SceneName]; !ok {
			reusable[job.SceneName] = job
		}
	}

	sugar := log.Logger(ctx).Sugar()
	jobs := make([]Job, 0, len(required))
	submitted := 0
	for _, scene := range required {
		if job, ok := reusable[scene]; ok {
			jobs = append(jobs, job)
			continue
		}
		job, err := api.SubmitJob(ctx, scene, CanonicalParameters)
		if err != nil {
			return nil, SubmissionError{Scene: scene, Err: err}
		}
		jobs = append(jobs, job)
		submitted++
	}
	sugar.Infof("resolving %d scenes: %d jobs reused, %d submitted", len(required), len(jobs)-submitted, submitted)

	watchCtx := ctx
	if opts.WatchTimeout > 0 {
		var cancel context.CancelFunc
		watchCtx, cancel = context.WithTimeout(ctx, opts.WatchTimeout)
		defer cancel()
	}
	done, err := api.Watch(watchCtx, jobs)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, JobTimeoutError{Timeout: opts.WatchTimeout, Pending: pendingIDs(done)}
		}
		return nil, fmt.Errorf("watch jobs: %w", err)
	}
	var failed []string
	for _, job := range done {
		if !job.Succeeded() {
			failed = append(failed, job.ID)
		}
	}
	if len(failed) > 0 {
		return nil, JobFailedError{JobIDs: failed}
	}

	pathsByScene := make(map[string]ScenePaths, len(done))
	for _, job := range done {
		paths, err := fetchArtifacts(ctx, api, job, opts.ScratchDir)
		if err != nil {
			return nil, err
		}
		pathsByScene[job.SceneName] = paths
	}

	resolved := make(map[string][]ScenePaths, len(cellOrder))
	for _, cell := range cellOrder {
		list := make([]ScenePaths, len(scenes[cell]))
		for i, scene := range scenes[cell] {
			list[i] = pathsByScene[scene]
		}
		resolved[cell] = list
	}
	return resolved, nil
}

func distinctScenes(cellOrder []string, scenes map[string][]string) []string {
	seen := map[string]bool{}
	var distinct []string
	for _, cell := range cellOrder {
		for _, scene := range scenes[cell] {
			if !seen[scene] {
				seen[scene] = true
				distinct = append(distinct, scene)
			}
		}
	}
	return distinct
}

func pendingIDs(jobs []Job) []string {
	var ids []string
	for _, job := range jobs {
		if !job.Terminal() {
			ids = append(ids, job.ID)
		}
	}
	return ids
}

// fetchArtifacts downloads and unpacks one job's output archive, skipping
// both steps when the unpacked directory already exists, and locates the VV
// and VH rasters inside it.
func fetchArtifacts(ctx context.Context, api API, job Job, scratchDir string) (ScenePaths, error) {
	if len(job.Files) == 0 {
		return ScenePaths{}, ArtifactExtractionError{JobID: job.ID, Pattern: "*.zip", Dir: scratchDir,
			Err: fmt.Errorf("job has no output files")}
	}
	productDir := filepath.Join(scratchDir, strings.TrimSuffix(job.Files[0].Filename, ".zip"))
	if _, err := os.Stat(productDir); os.IsNotExist(err) {
		zipPath, err := api.Download(ctx, job, scratchDir)
		if err != nil {
			return ScenePaths{}, fmt.Errorf("download job %s: %w", job.ID, err)
		}
		if err := unpack(zipPath, productDir); err != nil {
			return ScenePaths{}, ArtifactExtractionError{JobID: job.ID, Pattern: filepath.Base(zipPath), Dir: scratchDir, Err: err}
		}
	} else if err != nil {
		return ScenePaths{}, fmt.Errorf("stat %s: %w", productDir, err)
	}

	vv, err := findArtifact(job, productDir, "*_VV.tif")
	if err != nil {
		return ScenePaths{}, err
	}
	vh, err := findArtifact(job, productDir, "*_VH.tif")
	if err != nil {
		return ScenePaths{}, err
	}
	return ScenePaths{VV: vv, VH: vh}, nil
}

func findArtifact(job Job, dir, pattern string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return "", fmt.Errorf("glob %s: %w", pattern, err)
	}
	if len(matches) == 0 {
		return "", ArtifactExtractionError{JobID: job.ID, Pattern: pattern, Dir: dir}
	}
	if err := checkTIFF(matches[0]); err != nil {
		return "", ArtifactExtractionError{JobID: job.ID, Pattern: pattern, Dir: dir, Err: err}
	}
	return matches[0], nil
}

// checkTIFF rejects truncated or corrupt artifacts before they reach the
// warping stage.
func checkTIFF(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := tiff.Parse(f, nil, nil); err != nil {
		return fmt.Errorf("parse tiff: %w", err)
	}
	return nil
}

// unpack extracts a zip archive into destDir. The extraction goes to a
// temporary directory first and is renamed into place, so the existence
// check in fetchArtifacts never observes a half-unpacked product.
func unpack(zipPath, destDir string) error {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", zipPath, err)
	}
	defer zr.Close()

	tmpDir := destDir + ".partial"
	if err := os.RemoveAll(tmpDir); err != nil {
		return fmt.Errorf("clean %s: %w", tmpDir, err)
	}
	for _, f := range zr.File {
		// archives contain a single top-level product directory; re-root
		// entries under destDir
		parts := strings.SplitN(filepath.ToSlash(f.Name), "/", 2)
		rel := parts[0]
		if len(parts) == 2 {
			rel = parts[1]
		}
		if rel == "" || f.FileInfo().IsDir() {
			continue
		}
		target := filepath.Join(tmpDir, filepath.Clean(rel))
		if !strings.HasPrefix(target, tmpDir+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %s escapes destination", f.Name)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("mkdir for %s: %w", f.Name, err)
		}
		if err := extractFile(f, target); err != nil {
			return fmt.Errorf("extract %s: %w", f.Name, err)
		}
	}
	if err := os.Rename(tmpDir, destDir); err != nil {
		return fmt.Errorf("rename %s: %w", tmpDir, err)
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	w, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, rc); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
