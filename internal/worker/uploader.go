package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNoUploaderCommand is returned when no submission program is configured
var ErrNoUploaderCommand = errors.New("uploader command is not configured")

// Job is one submission handed to an Uploader
type Job struct {
	TaskID    string
	Dir       string
	Archive   string
	Config    map[string]interface{}
	Headless  bool
	OutputDir string
	// Log appends a line to the task log
	Log func(line string)
}

// Uploader performs the submission for one task and returns its artifacts.
type Uploader interface {
	Upload(ctx context.Context, job *Job) (map[string]interface{}, error)
}

// ExecUploader runs an external program per task. The program reads its
// inputs from RZAPPLY_* environment variables and writes artifacts into
// RZAPPLY_OUTPUT_DIR.
type ExecUploader struct {
	Command []string
	Env     []string
}

// NewExecUploader creates an uploader for argv
func NewExecUploader(command []string) *ExecUploader {
	return &ExecUploader{Command: command}
}

// Upload writes the job config to config.json, runs the command and
// collects the output directory as artifacts.
func (u *ExecUploader) Upload(ctx context.Context, job *Job) (map[string]interface{}, error) {
	if len(u.Command) == 0 {
		return nil, ErrNoUploaderCommand
	}

	configPath := filepath.Join(job.Dir, "config.json")
	data, err := json.MarshalIndent(job.Config, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("write config: %w", err)
	}
	if err := os.MkdirAll(job.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	headless := "0"
	if job.Headless {
		headless = "1"
	}

	cmd := exec.CommandContext(ctx, u.Command[0], u.Command[1:]...)
	cmd.Dir = job.Dir
	cmd.Env = append(os.Environ(), u.Env...)
	cmd.Env = append(cmd.Env,
		"RZAPPLY_TASK_ID="+job.TaskID,
		"RZAPPLY_TASK_DIR="+job.Dir,
		"RZAPPLY_ARCHIVE="+job.Archive,
		"RZAPPLY_CONFIG="+configPath,
		"RZAPPLY_HEADLESS="+headless,
		"RZAPPLY_OUTPUT_DIR="+job.OutputDir,
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start uploader: %w", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		lastErr string
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		forwardLines(stdout, job.Log)
	}()
	go func() {
		defer wg.Done()
		forwardLines(stderr, func(line string) {
			mu.Lock()
			lastErr = line
			mu.Unlock()
			job.Log(line)
		})
	}()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("uploader interrupted: %w", ctx.Err())
		}
		if lastErr != "" {
			return nil, fmt.Errorf("%s (%w)", lastErr, err)
		}
		return nil, fmt.Errorf("uploader failed: %w", err)
	}

	return collectArtifacts(job.OutputDir)
}

func forwardLines(r io.Reader, sink func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := strings.TrimRight(scanner.Text(), "\r"); strings.TrimSpace(line) != "" {
			sink(line)
		}
	}
}

// collectArtifacts maps each file under dir, by slash-separated relative
// path, to its absolute path.
func collectArtifacts(dir string) (map[string]interface{}, error) {
	artifacts := make(map[string]interface{})
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		artifacts[filepath.ToSlash(rel)] = abs
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("collect artifacts: %w", err)
	}
	return artifacts, nil
}
