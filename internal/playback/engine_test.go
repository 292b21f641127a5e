package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/motionview/internal/fsutil"
	"github.com/banshee-data/motionview/internal/monitoring"
	"github.com/banshee-data/motionview/internal/motion"
	"github.com/banshee-data/motionview/internal/scene"
	"github.com/banshee-data/motionview/internal/testutil"
	"github.com/banshee-data/motionview/internal/timeutil"
	"github.com/banshee-data/motionview/internal/video"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

type lineSource struct{ n int }

func (s lineSource) Len() int { return s.n }

func (s lineSource) Frame(i int) (Frame, error) {
	if i < 0 || i >= s.n {
		return Frame{}, fmt.Errorf("frame %d out of range", i)
	}
	x := float64(i)
	return Frame{
		Index: i,
		Geometries: map[string]*scene.Geometry{
			"mesh":         scene.NewMesh([]r3.Vec{{X: x}, {X: x + 1}, {X: x, Y: 1}}, [][3]int{{0, 1, 2}}, scene.FirstColor),
			"human points": scene.NewPointCloud([]r3.Vec{{X: x, Z: 1}}, scene.PointColor),
		},
	}, nil
}

type cameraMap map[string]motion.Views

func (c cameraMap) Views(pov string) (motion.Views, error) {
	v, ok := c[pov]
	if !ok {
		return motion.Views{}, fmt.Errorf("%q: %w", pov, ErrUnknownPOV)
	}
	return v, nil
}

func straightCameras(t *testing.T, n int) cameraMap {
	t.Helper()
	traj := make(motion.Trajectory, n)
	heads := make([]*mat.Dense, n)
	for i := range traj {
		traj[i] = r3.Vec{X: float64(i) * 0.5, Z: 1.6}
		heads[i] = motion.Identity(3)
	}
	opts := motion.DefaultViewOptions()
	opts.SmoothWindow = 1
	views, err := motion.GenerateViews(traj, heads, opts)
	require.NoError(t, err)
	return cameraMap{POVFirst: views}
}

type recorder struct {
	mu      sync.Mutex
	frames  []FrameInfo
	cycles  []CycleInfo
	onCycle func()
}

func (r *recorder) FrameApplied(info FrameInfo) {
	r.mu.Lock()
	r.frames = append(r.frames, info)
	r.mu.Unlock()
}

func (r *recorder) CycleExported(info CycleInfo) {
	r.mu.Lock()
	r.cycles = append(r.cycles, info)
	r.mu.Unlock()
	if r.onCycle != nil {
		r.onCycle()
	}
}

func (r *recorder) indexes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.frames))
	for i, f := range r.frames {
		out[i] = f.Index
	}
	return out
}

func (r *recorder) cycleCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cycles)
}

func (r *recorder) lastIndex() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.frames) == 0 {
		return -1
	}
	return r.frames[len(r.frames)-1].Index
}

type harness struct {
	engine   *Engine
	scene    *testutil.FakeScene
	dir      *scene.Directory
	fs       *fsutil.MemoryFileSystem
	exporter *video.Recorder
	obs      *recorder
}

func newHarness(t *testing.T, n int, cfg Config) *harness {
	t.Helper()
	t.Cleanup(monitoring.Mute())

	loop := scene.NewMainLoop()
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	t.Cleanup(cancel)

	h := &harness{
		scene:    testutil.NewFakeScene(),
		fs:       fsutil.NewMemoryFileSystem(),
		exporter: &video.Recorder{},
		obs:      &recorder{},
	}
	h.dir = scene.NewDirectory(h.scene, 1, cfg.Intrinsic)
	h.engine = NewEngine(cfg, Deps{
		Source:     lineSource{n: n},
		Cameras:    straightCameras(t, n),
		Scene:      h.scene,
		Directory:  h.dir,
		Dispatcher: loop,
		Capturer:   h.scene,
		Exporter:   h.exporter,
		FS:         h.fs,
		Clock:      timeutil.NewMockClock(time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)),
		Observers:  []Observer{h.obs},
	})
	t.Cleanup(func() { _ = h.engine.Stop() })
	return h
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Name = "lab"
	cfg.Loop = false
	cfg.TempRoot = "captures"
	return cfg
}

func waitEngine(t *testing.T, e *Engine) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := e.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "engine did not finish")
	return err
}

func TestEngineSingleCycle(t *testing.T) {
	h := newHarness(t, 10, testConfig())
	h.engine.SetRender(true)

	require.NoError(t, h.engine.Start(context.Background()))
	require.NoError(t, waitEngine(t, h.engine))

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, h.obs.indexes())

	calls := h.exporter.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, 10, calls[0].Frames)
	assert.Equal(t, "lab-2024-05-01_09-30", calls[0].Name)
	assert.Equal(t, "captures/temp_lab-2024-05-01_09-30", calls[0].Dir)
	assert.Equal(t, ".jpg", calls[0].Ext)
	assert.True(t, calls[0].Delete)

	files, err := h.fs.ReadDir(calls[0].Dir)
	require.NoError(t, err)
	assert.Len(t, files, 10)
	assert.Equal(t, "00000.jpg", files[0])
	assert.Equal(t, 10, h.scene.CaptureCount())
	assert.Equal(t, 10, h.scene.CameraCount())
	assert.Equal(t, 1, h.obs.cycleCount())

	st := h.engine.Status()
	assert.False(t, st.Running)
	assert.Equal(t, uint64(10), st.Applied)
	assert.Equal(t, uint64(1), st.Cycles)
	assert.Empty(t, st.Error)
}

func TestEngineExportsWithoutRender(t *testing.T) {
	h := newHarness(t, 3, testConfig())
	require.NoError(t, h.engine.Start(context.Background()))
	require.NoError(t, waitEngine(t, h.engine))

	calls := h.exporter.Calls()
	require.Len(t, calls, 1)
	assert.Zero(t, calls[0].Frames)
	assert.Zero(t, h.scene.CaptureCount())
}

func TestEngineSeekThenStep(t *testing.T) {
	cfg := testConfig()
	cfg.PauseOnLoad = true
	h := newHarness(t, 10, cfg)
	require.NoError(t, h.engine.Start(context.Background()))

	require.Eventually(t, func() bool { return h.engine.State().Paused() && h.obs.lastIndex() == 0 }, 5*time.Second, time.Millisecond)

	assert.Equal(t, 4, h.engine.Seek(4))
	require.Eventually(t, func() bool { return h.obs.lastIndex() == 4 }, 5*time.Second, time.Millisecond)
	assert.True(t, h.engine.State().Paused(), "seek pauses")

	h.engine.Play()
	require.NoError(t, waitEngine(t, h.engine))

	assert.Equal(t, []int{0, 4, 5, 6, 7, 8, 9}, h.obs.indexes())
}

func TestEngineSeekClampsAndWraps(t *testing.T) {
	cfg := testConfig()
	cfg.PauseOnLoad = true
	cfg.Loop = true
	h := newHarness(t, 5, cfg)
	h.obs.onCycle = h.engine.Pause
	require.NoError(t, h.engine.Start(context.Background()))
	require.Eventually(t, func() bool { return h.engine.State().Paused() && h.obs.lastIndex() == 0 }, 5*time.Second, time.Millisecond)

	assert.Equal(t, 4, h.engine.Seek(99))
	require.Eventually(t, func() bool { return h.obs.lastIndex() == 4 }, 5*time.Second, time.Millisecond)

	h.engine.Play()
	require.Eventually(t, func() bool {
		return h.obs.cycleCount() == 1 && h.obs.lastIndex() == 0
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, []int{0, 4, 0}, h.obs.indexes())
	assert.Len(t, h.exporter.Calls(), 1)

	require.NoError(t, h.engine.Stop())
	assert.False(t, h.engine.Status().Running)
}

func TestEngineFreeze(t *testing.T) {
	cfg := testConfig()
	cfg.PauseOnLoad = true
	h := newHarness(t, 10, cfg)
	require.NoError(t, h.engine.Start(context.Background()))
	require.Eventually(t, func() bool { return h.engine.State().Paused() && h.obs.lastIndex() == 0 }, 5*time.Second, time.Millisecond)

	h.engine.Seek(7)
	require.Eventually(t, func() bool { return h.obs.lastIndex() == 7 }, 5*time.Second, time.Millisecond)
	h.engine.RequestFreeze()
	require.Eventually(t, func() bool { return len(h.dir.Frozen()) == 2 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, []string{"7_freeze_human points", "7_freeze_mesh"}, h.dir.Frozen())
	assert.False(t, h.engine.State().Snapshot().Freeze, "freeze request consumed")

	h.engine.Play()
	require.NoError(t, waitEngine(t, h.engine))

	// snapshot survived the later updates of "mesh"
	frozen, ok := h.scene.Geometry("7_freeze_mesh")
	require.True(t, ok)
	live, ok := h.scene.Geometry("mesh")
	require.True(t, ok)
	assert.Equal(t, -7.0, frozen.Points[0].X)
	assert.Equal(t, -9.0, live.Points[0].X)
}

func TestEngineFrozenControls(t *testing.T) {
	cfg := testConfig()
	cfg.PauseOnLoad = true
	h := newHarness(t, 10, cfg)
	ctx := context.Background()
	require.NoError(t, h.engine.Start(ctx))
	require.Eventually(t, func() bool { return h.engine.State().Paused() && h.obs.lastIndex() == 0 }, 5*time.Second, time.Millisecond)

	h.engine.Seek(7)
	require.Eventually(t, func() bool { return h.obs.lastIndex() == 7 }, 5*time.Second, time.Millisecond)
	h.engine.RequestFreeze()
	require.Eventually(t, func() bool { return len(h.engine.Status().Frozen) == 2 }, 5*time.Second, time.Millisecond)

	require.NoError(t, h.engine.SetVisible(ctx, "mesh", false))
	assert.False(t, h.scene.Shown("mesh"))
	assert.False(t, h.scene.Shown("7_freeze_mesh"))
	assert.True(t, h.scene.Shown("7_freeze_human points"))
	assert.ErrorIs(t, h.engine.SetVisible(ctx, "missing", true), scene.ErrUnknownEntry)

	require.NoError(t, h.engine.RemoveFrozen(ctx, "7_freeze_mesh"))
	assert.Equal(t, []string{"7_freeze_human points"}, h.engine.Status().Frozen)
	assert.ErrorIs(t, h.engine.RemoveFrozen(ctx, "mesh"), scene.ErrUnknownEntry)

	require.NoError(t, h.engine.ClearFrozen(ctx))
	assert.Empty(t, h.engine.Status().Frozen)
	assert.Equal(t, []string{"human points", "mesh"}, h.scene.Names())

	require.NoError(t, h.engine.SetScale(ctx, 2))
	live, ok := h.scene.Geometry("mesh")
	require.True(t, ok)
	assert.Equal(t, -14.0, live.Points[0].X)
	assert.Error(t, h.engine.SetScale(ctx, 0))

	require.NoError(t, h.engine.Stop())
}

func TestEngineJumpToView(t *testing.T) {
	cfg := testConfig()
	cfg.PauseOnLoad = true
	h := newHarness(t, 5, cfg)
	ctx := context.Background()
	require.NoError(t, h.engine.Start(ctx))
	require.Eventually(t, func() bool { return h.engine.State().Paused() && h.obs.lastIndex() == 0 }, 5*time.Second, time.Millisecond)

	require.NoError(t, h.engine.JumpToView(ctx, 3))
	assert.True(t, h.engine.State().FixCamera())

	want, err := motion.SceneCamera(straightCameras(t, 5)[POVFirst].Extrinsic(3), 1)
	require.NoError(t, err)
	assert.True(t, mat.EqualApprox(want, h.scene.ViewMatrix(), 1e-9))

	assert.ErrorIs(t, h.engine.JumpToView(ctx, 5), ErrViewOutOfRange)
	assert.ErrorIs(t, h.engine.JumpToView(ctx, -1), ErrViewOutOfRange)

	require.NoError(t, h.engine.Stop())
}

func TestEngineCameraFailureIsSkipped(t *testing.T) {
	h := newHarness(t, 4, testConfig())
	h.scene.FailCamera = true
	require.NoError(t, h.engine.Start(context.Background()))
	require.NoError(t, waitEngine(t, h.engine))

	assert.Len(t, h.obs.indexes(), 4)
	assert.Zero(t, h.scene.CameraCount())
	for _, f := range h.obs.frames {
		assert.Nil(t, f.Camera)
	}
}

func TestEngineGeometryFailureStops(t *testing.T) {
	h := newHarness(t, 4, testConfig())
	h.scene.FailAdd = "mesh"
	require.NoError(t, h.engine.Start(context.Background()))

	err := waitEngine(t, h.engine)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "apply frame 0")
	assert.Equal(t, err, h.engine.Err())
	assert.Empty(t, h.exporter.Calls())
	assert.NotEmpty(t, h.engine.Status().Error)
}

func TestEngineFixCamera(t *testing.T) {
	h := newHarness(t, 3, testConfig())
	h.engine.SetFixCamera(true)
	require.NoError(t, h.engine.Start(context.Background()))
	require.NoError(t, waitEngine(t, h.engine))
	assert.Zero(t, h.scene.CameraCount())
}

func TestEngineFreeViewKeepsOrientation(t *testing.T) {
	h := newHarness(t, 5, testConfig())
	h.engine.SetFreeView(true)
	require.NoError(t, h.engine.Start(context.Background()))
	require.NoError(t, waitEngine(t, h.engine))

	require.Len(t, h.scene.Cameras, 5)
	first := motion.RotationOf(h.scene.Cameras[0])
	for i, cam := range h.scene.Cameras {
		assert.Truef(t, mat.EqualApprox(first, motion.RotationOf(cam), 1e-9), "camera %d rotated", i)
	}
	// camera centres advance with the path: world x maps to scene -x
	c0 := motion.CameraCenter(h.scene.Cameras[0])
	c4 := motion.CameraCenter(h.scene.Cameras[4])
	assert.InDelta(t, -2.0, c4.X-c0.X, 1e-9)
}

func TestEngineSetPOV(t *testing.T) {
	h := newHarness(t, 3, testConfig())
	assert.ErrorIs(t, h.engine.SetPOV(POVSecond), ErrUnknownPOV)
	require.NoError(t, h.engine.SetPOV(POVFirst))
	assert.Equal(t, POVFirst, h.engine.State().POV())
}

func TestEngineStopCancelsWorker(t *testing.T) {
	cfg := testConfig()
	cfg.Loop = true
	cfg.PauseOnLoad = true
	h := newHarness(t, 3, cfg)

	require.NoError(t, h.engine.Start(context.Background()))
	require.Eventually(t, func() bool { return h.obs.lastIndex() == 0 }, 5*time.Second, time.Millisecond)
	done := h.engine.Done()

	// restarting stops the first worker
	require.NoError(t, h.engine.Start(context.Background()))
	select {
	case <-done:
	default:
		t.Fatal("previous worker still running after restart")
	}

	require.NoError(t, h.engine.Stop())
	assert.False(t, h.engine.Status().Running)
	assert.NoError(t, h.engine.Err(), "cancellation is not an error")
	assert.NoError(t, h.engine.Stop(), "stop is idempotent")
}

func TestEngineStartEmpty(t *testing.T) {
	h := newHarness(t, 0, testConfig())
	assert.ErrorIs(t, h.engine.Start(context.Background()), motion.ErrNoTrajectory)
}

func TestEngineDispatcherClosed(t *testing.T) {
	defer monitoring.Mute()()
	loop := scene.NewMainLoop()
	loop.Close()
	fake := testutil.NewFakeScene()
	e := NewEngine(testConfig(), Deps{
		Source:     lineSource{n: 2},
		Cameras:    straightCameras(t, 2),
		Scene:      fake,
		Directory:  scene.NewDirectory(fake, 1, scene.Intrinsic{}),
		Dispatcher: loop,
		Clock:      timeutil.NewMockClock(time.Time{}),
	})
	require.NoError(t, e.Start(context.Background()))
	err := waitEngine(t, e)
	assert.True(t, errors.Is(err, ErrDispatcherClosed))
}

func TestObserverFuncs(t *testing.T) {
	var frames, cycles int
	o := ObserverFuncs{Frame: func(FrameInfo) { frames++ }}
	o.FrameApplied(FrameInfo{})
	o.CycleExported(CycleInfo{})
	assert.Equal(t, 1, frames)
	assert.Zero(t, cycles)
}
