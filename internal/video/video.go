// Package video turns captured image sequences into video files.
package video

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/motionview/internal/fsutil"
	"github.com/banshee-data/motionview/internal/monitoring"
	"github.com/banshee-data/motionview/internal/security"
)

// DefaultFPS is the frame rate of exported videos.
const DefaultFPS = 20

// Sequence is a directory of numbered frames ready for export.
type Sequence struct {
	Name   string // video base name, without extension
	Dir    string // directory holding the frames
	Ext    string // frame extension, ".jpg" or ".webp"
	Frames int    // number of frames captured this cycle
	FPS    int
	Delete bool // remove Dir after a successful export
}

// Artifact describes the result of an export.
type Artifact struct {
	Path    string
	Frames  int
	Skipped bool
}

// Exporter turns a Sequence into an Artifact.
type Exporter interface {
	Export(ctx context.Context, seq Sequence) (Artifact, error)
}

// SequenceName returns "{scene}-YYYY-MM-DD_HH-MM" with the scene name made
// safe for use in paths.
func SequenceName(scene string, now time.Time) string {
	if scene == "" {
		scene = "test"
	}
	return security.SanitizeFilename(scene) + now.Format("-2006-01-02_15-04")
}

// TempDir returns the capture directory for a sequence name under root.
func TempDir(root, name string) string {
	return filepath.Join(root, "temp_"+name)
}

// FramePath returns the path of frame i inside dir.
func FramePath(dir string, i int, ext string) string {
	return filepath.Join(dir, fmt.Sprintf("%05d%s", i, ext))
}

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// FFmpegExporter encodes sequences with an ffmpeg binary.
type FFmpegExporter struct {
	FFmpegPath string
	OutputDir  string
	FS         fsutil.FileSystem
	Run        Runner
}

// NewFFmpegExporter returns an exporter writing mp4 files to outputDir.
func NewFFmpegExporter(ffmpegPath, outputDir string) *FFmpegExporter {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &FFmpegExporter{
		FFmpegPath: ffmpegPath,
		OutputDir:  outputDir,
		FS:         fsutil.OSFileSystem{},
		Run:        execRunner,
	}
}

// Export encodes seq.Dir into OutputDir/seq.Name.mp4. A sequence with no
// frames on disk is skipped without error.
func (e *FFmpegExporter) Export(ctx context.Context, seq Sequence) (Artifact, error) {
	files, err := e.FS.ReadDir(seq.Dir)
	if err != nil || len(files) == 0 {
		monitoring.Logf("[Video] no frames in %s, skipping %s", seq.Dir, seq.Name)
		return Artifact{Skipped: true}, nil
	}
	if seq.Ext == "" {
		seq.Ext = filepath.Ext(files[0])
	}
	fps := seq.FPS
	if fps <= 0 {
		fps = DefaultFPS
	}
	if err := e.FS.MkdirAll(e.OutputDir, 0o755); err != nil {
		return Artifact{}, fmt.Errorf("create output dir: %w", err)
	}
	out := filepath.Join(e.OutputDir, seq.Name+".mp4")
	args := []string{
		"-y",
		"-framerate", strconv.Itoa(fps),
		"-i", filepath.Join(seq.Dir, "%05d"+seq.Ext),
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		out,
	}
	monitoring.Logf("[Video] executing %s %s", e.FFmpegPath, strings.Join(args, " "))
	output, err := e.Run(ctx, e.FFmpegPath, args...)
	if err != nil {
		if rmErr := e.FS.RemoveAll(out); rmErr != nil {
			monitoring.Logf("[Video] failed to remove incomplete output %s: %v", out, rmErr)
		}
		return Artifact{}, fmt.Errorf("ffmpeg error: %w, output: %s", err, string(output))
	}
	if seq.Delete {
		if err := e.FS.RemoveAll(seq.Dir); err != nil {
			monitoring.Logf("[Video] failed to delete %s: %v", seq.Dir, err)
		}
	}
	monitoring.Logf("[Video] wrote %s (%d frames)", out, len(files))
	return Artifact{Path: out, Frames: len(files)}, nil
}

// Recorder is an Exporter that only records the sequences it was given.
// The CLI uses it for dry runs.
type Recorder struct {
	mu    sync.Mutex
	calls []Sequence
}

// Export records seq and returns an artifact naming it.
func (r *Recorder) Export(_ context.Context, seq Sequence) (Artifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, seq)
	return Artifact{Path: seq.Name, Frames: seq.Frames, Skipped: true}, nil
}

// Calls returns every sequence exported so far.
func (r *Recorder) Calls() []Sequence {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sequence(nil), r.calls...)
}
