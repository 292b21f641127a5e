package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical viewer defaults file.
const DefaultConfigPath = "config/viewer.defaults.json"

// ViewerConfig is the root configuration for playback, camera synthesis,
// capture and the optional service endpoints. Every field is a pointer so a
// partial JSON file only overrides what it names; the Get* accessors supply
// defaults for the rest.
type ViewerConfig struct {
	// Playback pacing
	FPS          *int    `json:"fps,omitempty"`
	FrameDelay   *string `json:"frame_delay,omitempty"`   // duration string like "20ms"
	PollInterval *string `json:"poll_interval,omitempty"` // duration string like "10ms"
	JoinTimeout  *string `json:"join_timeout,omitempty"`
	Loop         *bool   `json:"loop,omitempty"`
	PauseOnLoad  *bool   `json:"pause_on_load,omitempty"`

	// Scene transform and camera
	Scale           *float64 `json:"scale,omitempty"`
	IntrinsicFactor *float64 `json:"intrinsic_factor,omitempty"`
	FocalLength     *float64 `json:"focal_length,omitempty"`
	ImageWidth      *int     `json:"image_width,omitempty"`
	ImageHeight     *int     `json:"image_height,omitempty"`

	// Viewpoint synthesis
	ViewBackOffset   *float64 `json:"view_back_offset,omitempty"`
	ViewUpOffset     *float64 `json:"view_up_offset,omitempty"`
	ViewLookDistance *float64 `json:"view_look_distance,omitempty"`
	ViewPitchDeg     *float64 `json:"view_pitch_deg,omitempty"`
	SmoothWindow     *int     `json:"smooth_window,omitempty"`

	// Capture and export
	CaptureFormat *string `json:"capture_format,omitempty"` // "jpg" or "webp"
	Supersample   *int    `json:"supersample,omitempty"`
	FFmpegPath    *string `json:"ffmpeg_path,omitempty"`
	TempDir       *string `json:"temp_dir,omitempty"`
	KeepFrames    *bool   `json:"keep_frames,omitempty"`

	// Services
	DBPath    *string `json:"db_path,omitempty"`
	GRPCAddr  *string `json:"grpc_addr,omitempty"`
	DebugAddr *string `json:"debug_addr,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyViewerConfig returns a ViewerConfig with all fields unset.
func EmptyViewerConfig() *ViewerConfig {
	return &ViewerConfig{}
}

// DefaultViewerConfig returns a config with every field populated with the
// value its accessor would fall back to.
func DefaultViewerConfig() *ViewerConfig {
	e := EmptyViewerConfig()
	return &ViewerConfig{
		FPS:              ptrInt(e.GetFPS()),
		FrameDelay:       ptrString(e.GetFrameDelay().String()),
		PollInterval:     ptrString(e.GetPollInterval().String()),
		JoinTimeout:      ptrString(e.GetJoinTimeout().String()),
		Loop:             ptrBool(e.GetLoop()),
		PauseOnLoad:      ptrBool(e.GetPauseOnLoad()),
		Scale:            ptrFloat64(e.GetScale()),
		IntrinsicFactor:  ptrFloat64(e.GetIntrinsicFactor()),
		FocalLength:      ptrFloat64(e.GetFocalLength()),
		ImageWidth:       ptrInt(e.GetImageWidth()),
		ImageHeight:      ptrInt(e.GetImageHeight()),
		ViewBackOffset:   ptrFloat64(e.GetViewBackOffset()),
		ViewUpOffset:     ptrFloat64(e.GetViewUpOffset()),
		ViewLookDistance: ptrFloat64(e.GetViewLookDistance()),
		ViewPitchDeg:     ptrFloat64(e.GetViewPitchDeg()),
		SmoothWindow:     ptrInt(e.GetSmoothWindow()),
		CaptureFormat:    ptrString(e.GetCaptureFormat()),
		Supersample:      ptrInt(e.GetSupersample()),
		FFmpegPath:       ptrString(e.GetFFmpegPath()),
		TempDir:          ptrString(e.GetTempDir()),
		KeepFrames:       ptrBool(e.GetKeepFrames()),
		DBPath:           ptrString(e.GetDBPath()),
		GRPCAddr:         ptrString(e.GetGRPCAddr()),
		DebugAddr:        ptrString(e.GetDebugAddr()),
	}
}

// LoadViewerConfig loads a ViewerConfig from a JSON file.
// The file must have a .json extension and be at most 1MB. Fields omitted
// from the file keep their defaults.
func LoadViewerConfig(path string) (*ViewerConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyViewerConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents. Panics if the file cannot be loaded; intended
// for test setup.
func MustLoadDefaultConfig() *ViewerConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadViewerConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are usable.
func (c *ViewerConfig) Validate() error {
	if c.FPS != nil && *c.FPS <= 0 {
		return fmt.Errorf("fps must be positive, got %d", *c.FPS)
	}
	for name, s := range map[string]*string{
		"frame_delay":   c.FrameDelay,
		"poll_interval": c.PollInterval,
		"join_timeout":  c.JoinTimeout,
	} {
		if s == nil || *s == "" {
			continue
		}
		d, err := time.ParseDuration(*s)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *s, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, d)
		}
	}
	if c.Scale != nil && *c.Scale <= 0 {
		return fmt.Errorf("scale must be positive, got %f", *c.Scale)
	}
	if c.IntrinsicFactor != nil && *c.IntrinsicFactor <= 0 {
		return fmt.Errorf("intrinsic_factor must be positive, got %f", *c.IntrinsicFactor)
	}
	if c.ImageWidth != nil && *c.ImageWidth <= 0 {
		return fmt.Errorf("image_width must be positive, got %d", *c.ImageWidth)
	}
	if c.ImageHeight != nil && *c.ImageHeight <= 0 {
		return fmt.Errorf("image_height must be positive, got %d", *c.ImageHeight)
	}
	if c.SmoothWindow != nil && *c.SmoothWindow < 1 {
		return fmt.Errorf("smooth_window must be at least 1, got %d", *c.SmoothWindow)
	}
	if c.Supersample != nil && (*c.Supersample < 1 || *c.Supersample > 4) {
		return fmt.Errorf("supersample must be between 1 and 4, got %d", *c.Supersample)
	}
	if c.CaptureFormat != nil {
		switch *c.CaptureFormat {
		case "jpg", "webp":
		default:
			return fmt.Errorf("capture_format must be \"jpg\" or \"webp\", got %q", *c.CaptureFormat)
		}
	}
	return nil
}

func durationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

// GetFPS returns the capture/export frame rate.
func (c *ViewerConfig) GetFPS() int {
	if c.FPS == nil {
		return 20
	}
	return *c.FPS
}

// GetFrameDelay returns the pause between applied frames.
func (c *ViewerConfig) GetFrameDelay() time.Duration {
	return durationOr(c.FrameDelay, 20*time.Millisecond)
}

// GetPollInterval returns how often the worker polls for seeks and resume.
func (c *ViewerConfig) GetPollInterval() time.Duration {
	return durationOr(c.PollInterval, 10*time.Millisecond)
}

// GetJoinTimeout returns how long Stop waits for the worker to exit.
func (c *ViewerConfig) GetJoinTimeout() time.Duration {
	return durationOr(c.JoinTimeout, 2*time.Second)
}

// GetLoop reports whether playback restarts after flushing a cycle.
func (c *ViewerConfig) GetLoop() bool {
	if c.Loop == nil {
		return true
	}
	return *c.Loop
}

// GetPauseOnLoad reports whether playback pauses after the first frame.
func (c *ViewerConfig) GetPauseOnLoad() bool {
	if c.PauseOnLoad == nil {
		return false
	}
	return *c.PauseOnLoad
}

// GetScale returns the uniform geometry scale.
func (c *ViewerConfig) GetScale() float64 {
	if c.Scale == nil {
		return 1.0
	}
	return *c.Scale
}

// GetIntrinsicFactor returns the focal length multiplier.
func (c *ViewerConfig) GetIntrinsicFactor() float64 {
	if c.IntrinsicFactor == nil {
		return 1.0
	}
	return *c.IntrinsicFactor
}

// GetFocalLength returns the base focal length in pixels for the default image size.
func (c *ViewerConfig) GetFocalLength() float64 {
	if c.FocalLength == nil {
		return 623.53829072
	}
	return *c.FocalLength
}

// GetImageWidth returns the rendered image width in pixels.
func (c *ViewerConfig) GetImageWidth() int {
	if c.ImageWidth == nil {
		return 1280
	}
	return *c.ImageWidth
}

// GetImageHeight returns the rendered image height in pixels.
func (c *ViewerConfig) GetImageHeight() int {
	if c.ImageHeight == nil {
		return 720
	}
	return *c.ImageHeight
}

// GetViewBackOffset returns how far behind the head the camera sits (metres).
func (c *ViewerConfig) GetViewBackOffset() float64 {
	if c.ViewBackOffset == nil {
		return 0.3
	}
	return *c.ViewBackOffset
}

// GetViewUpOffset returns how far above the head the camera sits (metres).
func (c *ViewerConfig) GetViewUpOffset() float64 {
	if c.ViewUpOffset == nil {
		return 0.1
	}
	return *c.ViewUpOffset
}

// GetViewLookDistance returns the distance ahead of the head the camera targets.
func (c *ViewerConfig) GetViewLookDistance() float64 {
	if c.ViewLookDistance == nil {
		return 1.0
	}
	return *c.ViewLookDistance
}

// GetViewPitchDeg returns the downward camera tilt in degrees.
func (c *ViewerConfig) GetViewPitchDeg() float64 {
	if c.ViewPitchDeg == nil {
		return 10.0
	}
	return *c.ViewPitchDeg
}

// GetSmoothWindow returns the moving-average window for camera smoothing.
func (c *ViewerConfig) GetSmoothWindow() int {
	if c.SmoothWindow == nil {
		return 5
	}
	return *c.SmoothWindow
}

// GetCaptureFormat returns the captured frame encoding.
func (c *ViewerConfig) GetCaptureFormat() string {
	if c.CaptureFormat == nil {
		return "jpg"
	}
	return *c.CaptureFormat
}

// GetSupersample returns the headless renderer's supersampling factor.
func (c *ViewerConfig) GetSupersample() int {
	if c.Supersample == nil {
		return 1
	}
	return *c.Supersample
}

// GetFFmpegPath returns the ffmpeg executable used for export.
func (c *ViewerConfig) GetFFmpegPath() string {
	if c.FFmpegPath == nil {
		return "ffmpeg"
	}
	return *c.FFmpegPath
}

// GetTempDir returns the directory that holds per-cycle temp_* capture folders.
func (c *ViewerConfig) GetTempDir() string {
	if c.TempDir == nil {
		return "."
	}
	return *c.TempDir
}

// GetKeepFrames reports whether captured images survive export.
func (c *ViewerConfig) GetKeepFrames() bool {
	if c.KeepFrames == nil {
		return false
	}
	return *c.KeepFrames
}

// GetDBPath returns the sqlite ledger path. Empty disables the ledger.
func (c *ViewerConfig) GetDBPath() string {
	if c.DBPath == nil {
		return "motionview.db"
	}
	return *c.DBPath
}

// GetGRPCAddr returns the frame stream listen address. Empty disables it.
func (c *ViewerConfig) GetGRPCAddr() string {
	if c.GRPCAddr == nil {
		return ""
	}
	return *c.GRPCAddr
}

// GetDebugAddr returns the debug HTTP listen address. Empty disables it.
func (c *ViewerConfig) GetDebugAddr() string {
	if c.DebugAddr == nil {
		return ""
	}
	return *c.DebugAddr
}

// Intrinsic returns fx, fy, cx, cy for the configured image size, with the
// focal length scaled by the intrinsic factor and the image size.
func (c *ViewerConfig) Intrinsic() (fx, fy, cx, cy float64) {
	w, h := float64(c.GetImageWidth()), float64(c.GetImageHeight())
	f := c.GetFocalLength() * c.GetIntrinsicFactor() * w / 1280.0
	return f, f, (w - 1) / 2, (h - 1) / 2
}
