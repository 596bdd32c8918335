package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"marginalia/api/internal/annot"
)

// ErrWorkerMissing indicates the extraction command is not installed.
var ErrWorkerMissing = errors.New("extraction worker not installed")

// ExtractionError wraps a failed worker run. The caller records it and may
// retry with a fresh duplicate of the binary.
type ExtractionError struct {
	Err error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction worker: %v", e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Worker hands a document binary to an isolated extraction process that
// parses embedded annotations. The worker reads the binary on stdin and
// writes a JSON array of raw annotation records on stdout. Stateless per
// call.
type Worker struct {
	command string
	args    []string
	timeout time.Duration
}

func NewWorker(command string, timeout time.Duration, args ...string) *Worker {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Worker{command: command, args: args, timeout: timeout}
}

// Extract runs one extraction pass over data. The buffer is consumed by the
// call; callers must pass a duplicate (see Duplicate) so the original stays
// usable for other consumers.
func (w *Worker) Extract(ctx context.Context, viewerType string, data []byte) ([]annot.Raw, error) {
	if _, err := exec.LookPath(w.command); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrWorkerMissing, w.command)
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	args := append(append([]string{}, w.args...), "--type", viewerType)
	cmd := exec.CommandContext(ctx, w.command, args...)
	cmd.Stdin = bytes.NewReader(data)

	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, &ExtractionError{Err: fmt.Errorf("worker failed: %s", string(exitErr.Stderr))}
		}
		return nil, &ExtractionError{Err: err}
	}

	var records []annot.Raw
	if err := json.Unmarshal(output, &records); err != nil {
		return nil, &ExtractionError{Err: fmt.Errorf("decode worker output: %w", err)}
	}
	return records, nil
}

// Duplicate copies a binary payload before it is handed to the worker.
func Duplicate(data []byte) []byte {
	if data == nil {
		return nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out
}
