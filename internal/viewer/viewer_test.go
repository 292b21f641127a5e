package viewer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/banshee-data/motionview/internal/monitoring"
	"github.com/banshee-data/motionview/internal/motion"
	"github.com/banshee-data/motionview/internal/playback"
	"github.com/banshee-data/motionview/internal/scene"
	"github.com/banshee-data/motionview/internal/testutil"
	"github.com/banshee-data/motionview/internal/timeutil"
	"github.com/banshee-data/motionview/internal/video"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

type fakeControls struct {
	mu     sync.Mutex
	state  *playback.State
	calls  []string
	badPOV bool
}

func newFakeControls() *fakeControls {
	return &fakeControls{state: playback.NewState(10)}
}

func (f *fakeControls) record(c string) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

func (f *fakeControls) Pause()         { f.record("pause"); f.state.SetPaused(true) }
func (f *fakeControls) Play()          { f.record("play"); f.state.SetPaused(false) }
func (f *fakeControls) Seek(i int) int { f.record("seek"); return f.state.Seek(i) }
func (f *fakeControls) RequestFreeze() { f.record("freeze"); f.state.RequestFreeze() }
func (f *fakeControls) SetPOV(pov string) error {
	if pov != playback.POVFirst && pov != playback.POVSecond {
		return playback.ErrUnknownPOV
	}
	f.state.SetPOV(pov)
	return nil
}
func (f *fakeControls) SetFreeView(on bool)          { f.state.SetFreeView(on) }
func (f *fakeControls) SetRender(on bool)            { f.state.SetRender(on) }
func (f *fakeControls) SetFixCamera(on bool)         { f.state.SetFixCamera(on) }
func (f *fakeControls) SetIntrinsicFactor(k float64) { f.state.SetIntrinsicFactor(k) }
func (f *fakeControls) ClearFrozen(context.Context) error {
	f.record("clear")
	return nil
}
func (f *fakeControls) RemoveFrozen(_ context.Context, name string) error {
	f.record("remove " + name)
	return nil
}
func (f *fakeControls) SetVisible(_ context.Context, name string, on bool) error {
	f.record(fmt.Sprintf("visible %s %t", name, on))
	return nil
}
func (f *fakeControls) SetScale(_ context.Context, scale float64) error {
	f.record(fmt.Sprintf("scale %g", scale))
	return nil
}
func (f *fakeControls) JumpToView(_ context.Context, i int) error {
	f.record(fmt.Sprintf("view %d", i))
	if i >= 10 {
		return playback.ErrViewOutOfRange
	}
	return nil
}
func (f *fakeControls) Status() playback.Status {
	return playback.Status{Snapshot: f.state.Snapshot(), Running: true, Applied: 3}
}

func startTest(t *testing.T, cfg Config, ctl Controls) (*Publisher, *Client) {
	t.Helper()
	t.Cleanup(monitoring.Mute())

	lis := bufconn.Listen(1 << 20)
	pub := NewPublisher(cfg, ctl)
	require.NoError(t, pub.Serve(lis))
	t.Cleanup(pub.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return pub, NewClient(conn)
}

func waitClients(t *testing.T, p *Publisher, n int32) {
	t.Helper()
	require.Eventually(t, func() bool { return p.Stats().ClientCount == n }, 5*time.Second, time.Millisecond)
}

func TestStreamFrames(t *testing.T) {
	pub, client := startTest(t, DefaultConfig(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := client.StreamFrames(ctx, map[string]any{"include_camera": true})
	require.NoError(t, err)
	waitClients(t, pub, 1)

	pub.FrameApplied(playback.FrameInfo{
		Index:  4,
		Total:  10,
		POV:    playback.POVFirst,
		Camera: motion.Identity(4),
		Points: map[string]int{"human points": 128},
	})
	pub.CycleExported(playback.CycleInfo{
		Frames:   10,
		Artifact: video.Artifact{Path: "out/lab.mp4"},
		Err:      errors.New("ffmpeg exited"),
	})

	msg, err := stream.Recv()
	require.NoError(t, err)
	f := msg.AsMap()
	assert.Equal(t, EventFrame, f["event"])
	assert.Equal(t, 4.0, f["index"])
	assert.Equal(t, 10.0, f["total"])
	assert.Equal(t, "first", f["pov"])
	assert.Equal(t, map[string]any{"human points": 128.0}, f["points"])
	require.Len(t, f["camera"], 16)
	assert.Equal(t, 1.0, f["camera"].([]any)[0])

	msg, err = stream.Recv()
	require.NoError(t, err)
	c := msg.AsMap()
	assert.Equal(t, EventCycle, c["event"])
	assert.Equal(t, "out/lab.mp4", c["video"])
	assert.Equal(t, 10.0, c["frames"])
	assert.Equal(t, "ffmpeg exited", c["error"])

	st := pub.Stats()
	assert.Equal(t, uint64(2), st.FrameCount)
	assert.True(t, st.Running)
}

func TestStreamFramesPOVFilter(t *testing.T) {
	pub, client := startTest(t, DefaultConfig(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := client.StreamFrames(ctx, map[string]any{"pov": "second"})
	require.NoError(t, err)
	waitClients(t, pub, 1)

	pub.FrameApplied(playback.FrameInfo{Index: 1, POV: playback.POVFirst})
	pub.FrameApplied(playback.FrameInfo{Index: 2, POV: playback.POVSecond})

	msg, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, 2.0, msg.AsMap()["index"])
	assert.NotContains(t, msg.AsMap(), "camera")
}

func TestStreamFramesMaxClients(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxClients = 1
	pub, client := startTest(t, cfg, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := client.StreamFrames(ctx, nil)
	require.NoError(t, err)
	waitClients(t, pub, 1)

	second, err := client.StreamFrames(ctx, nil)
	require.NoError(t, err)
	_, err = second.Recv()
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}

func TestStreamClientDisconnect(t *testing.T) {
	pub, client := startTest(t, DefaultConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := client.StreamFrames(ctx, nil)
	require.NoError(t, err)
	waitClients(t, pub, 1)
	cancel()
	waitClients(t, pub, 0)
}

func TestControls(t *testing.T) {
	ctl := newFakeControls()
	_, client := startTest(t, DefaultConfig(), ctl)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := client.Seek(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 7.0, st.AsMap()["index"])
	assert.Equal(t, true, st.AsMap()["paused"])

	st, err = client.Play(ctx)
	require.NoError(t, err)
	assert.Equal(t, false, st.AsMap()["paused"])

	_, err = client.Pause(ctx)
	require.NoError(t, err)
	_, err = client.Freeze(ctx)
	require.NoError(t, err)

	st, err = client.Configure(ctx, map[string]any{
		"pov":              "second",
		"free_view":        true,
		"render":           true,
		"intrinsic_factor": 1.5,
	})
	require.NoError(t, err)
	m := st.AsMap()
	assert.Equal(t, "second", m["pov"])
	assert.Equal(t, true, m["free_view"])
	assert.Equal(t, true, m["render"])
	assert.Equal(t, 1.5, m["intrinsic_factor"])
	assert.Equal(t, 3.0, m["applied_frames"])

	st, err = client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, true, st.AsMap()["running"])

	assert.Equal(t, []string{"seek", "play", "pause", "freeze"}, ctl.calls)
}

func TestControlErrors(t *testing.T) {
	_, client := startTest(t, DefaultConfig(), newFakeControls())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tests := []struct {
		name     string
		settings map[string]any
	}{
		{"unknown pov", map[string]any{"pov": "third"}},
		{"zero factor", map[string]any{"intrinsic_factor": 0}},
		{"unknown key", map[string]any{"volume": 11}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.Configure(ctx, tt.settings)
			assert.Equal(t, codes.InvalidArgument, status.Code(err))
		})
	}

	_, err := client.call(ctx, "Seek", nil)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestSeekRejectsNonFinite(t *testing.T) {
	_, client := startTest(t, DefaultConfig(), newFakeControls())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, v := range []any{math.NaN(), math.Inf(1), "7"} {
		_, err := client.call(ctx, "Seek", map[string]any{"index": v})
		assert.Equalf(t, codes.InvalidArgument, status.Code(err), "index %v", v)
	}

	st, err := client.call(ctx, "Seek", map[string]any{"index": 1e300})
	require.NoError(t, err)
	assert.Equal(t, 9.0, st.AsMap()["index"])

	st, err = client.call(ctx, "Seek", map[string]any{"index": -1e300})
	require.NoError(t, err)
	assert.Equal(t, 0.0, st.AsMap()["index"])

	_, err = client.Configure(ctx, map[string]any{"scale": math.Inf(1)})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestConfigureSceneSettings(t *testing.T) {
	ctl := newFakeControls()
	_, client := startTest(t, DefaultConfig(), ctl)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := client.Configure(ctx, map[string]any{"scale": 2.5})
	require.NoError(t, err)
	_, err = client.Configure(ctx, map[string]any{"view": 3})
	require.NoError(t, err)
	_, err = client.Configure(ctx, map[string]any{"visible": map[string]any{"mesh": false}})
	require.NoError(t, err)
	_, err = client.RemoveFrozen(ctx, "7_freeze_mesh")
	require.NoError(t, err)
	_, err = client.ClearFrozen(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"scale 2.5", "view 3", "visible mesh false", "remove 7_freeze_mesh", "clear"}, ctl.calls)

	tests := []struct {
		name     string
		settings map[string]any
	}{
		{"zero scale", map[string]any{"scale": 0}},
		{"view past end", map[string]any{"view": 12}},
		{"visible not a map", map[string]any{"visible": true}},
		{"visible not a bool", map[string]any{"visible": map[string]any{"mesh": "off"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.Configure(ctx, tt.settings)
			assert.Equal(t, codes.InvalidArgument, status.Code(err))
		})
	}

	_, err = client.RemoveFrozen(ctx, "")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

type meshSource struct{ n int }

func (s meshSource) Len() int { return s.n }

func (s meshSource) Frame(i int) (playback.Frame, error) {
	x := float64(i)
	return playback.Frame{
		Index: i,
		Geometries: map[string]*scene.Geometry{
			"mesh": scene.NewMesh([]r3.Vec{{X: x}, {X: x + 1}, {X: x, Y: 1}}, [][3]int{{0, 1, 2}}, scene.FirstColor),
		},
	}, nil
}

type firstPersonCameras struct{ views motion.Views }

func (c firstPersonCameras) Views(pov string) (motion.Views, error) {
	if pov != playback.POVFirst {
		return motion.Views{}, playback.ErrUnknownPOV
	}
	return c.views, nil
}

func startEngine(t *testing.T, n int) (*playback.Engine, *testutil.FakeScene) {
	t.Helper()
	t.Cleanup(monitoring.Mute())

	traj := make(motion.Trajectory, n)
	heads := make([]*mat.Dense, n)
	for i := range traj {
		traj[i] = r3.Vec{X: float64(i), Z: 1.6}
		heads[i] = motion.Identity(3)
	}
	views, err := motion.GenerateViews(traj, heads, motion.DefaultViewOptions())
	require.NoError(t, err)

	loop := scene.NewMainLoop()
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	t.Cleanup(cancel)

	fake := testutil.NewFakeScene()
	cfg := playback.DefaultConfig()
	cfg.Loop = false
	cfg.PauseOnLoad = true
	cfg.FrameDelay = 0
	cfg.PollInterval = time.Millisecond
	e := playback.NewEngine(cfg, playback.Deps{
		Source:     meshSource{n: n},
		Cameras:    firstPersonCameras{views: views},
		Scene:      fake,
		Directory:  scene.NewDirectory(fake, 1, cfg.Intrinsic),
		Dispatcher: loop,
		Clock:      timeutil.RealClock{},
	})
	t.Cleanup(func() { _ = e.Stop() })
	require.NoError(t, e.Start(context.Background()))
	require.Eventually(t, func() bool {
		st := e.Status()
		return st.Paused && st.Applied > 0
	}, 5*time.Second, time.Millisecond)
	return e, fake
}

func frozenNames(t *testing.T, st map[string]any) []any {
	t.Helper()
	names, ok := st["frozen"].([]any)
	require.True(t, ok, "status has a frozen list")
	return names
}

func TestFrozenSnapshotsOverGRPC(t *testing.T) {
	engine, fake := startEngine(t, 5)
	_, client := startTest(t, DefaultConfig(), engine)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := client.Seek(ctx, 2)
	require.NoError(t, err)
	_, err = client.Freeze(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return fake.HasGeometry("2_freeze_mesh") }, 5*time.Second, time.Millisecond)

	st, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{"2_freeze_mesh"}, frozenNames(t, st.AsMap()))

	_, err = client.Configure(ctx, map[string]any{"visible": map[string]any{"mesh": false}})
	require.NoError(t, err)
	assert.False(t, fake.Shown("mesh"))
	assert.False(t, fake.Shown("2_freeze_mesh"), "snapshot hidden with its origin")

	_, err = client.Configure(ctx, map[string]any{"visible": map[string]any{"mesh": true}})
	require.NoError(t, err)
	assert.True(t, fake.Shown("2_freeze_mesh"))

	_, err = client.Configure(ctx, map[string]any{"visible": map[string]any{"chair": true}})
	assert.Equal(t, codes.NotFound, status.Code(err))
	_, err = client.RemoveFrozen(ctx, "mesh")
	assert.Equal(t, codes.NotFound, status.Code(err))

	st, err = client.ClearFrozen(ctx)
	require.NoError(t, err)
	assert.Empty(t, frozenNames(t, st.AsMap()))
	assert.Equal(t, []string{"mesh"}, fake.Names())

	st, err = client.Configure(ctx, map[string]any{"scale": 2, "view": 1})
	require.NoError(t, err)
	assert.Equal(t, true, st.AsMap()["fix_camera"])
	g, ok := fake.Geometry("mesh")
	require.True(t, ok)
	assert.Equal(t, -4.0, g.Points[0].X)

	_, err = client.Configure(ctx, map[string]any{"view": 5})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestControlsUnavailable(t *testing.T) {
	_, client := startTest(t, DefaultConfig(), nil)
	_, err := client.Pause(context.Background())
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestPublishWhenStopped(t *testing.T) {
	defer monitoring.Mute()()
	pub := NewPublisher(DefaultConfig(), nil)
	pub.FrameApplied(playback.FrameInfo{Index: 1})
	assert.Zero(t, pub.Stats().FrameCount)
	pub.Stop()
}

func TestPublishDropsWhenFull(t *testing.T) {
	defer monitoring.Mute()()
	pub := NewPublisher(DefaultConfig(), nil)
	// running without a broadcast loop: the queue fills up
	pub.running.Store(true)
	for i := 0; i < queueSize+5; i++ {
		pub.Publish(&FrameBundle{Event: EventFrame, Index: i})
	}
	st := pub.Stats()
	assert.Equal(t, uint64(queueSize+5), st.FrameCount)
	assert.Equal(t, uint64(5), st.DroppedFrames)
}

func TestServeTwice(t *testing.T) {
	pub, _ := startTest(t, DefaultConfig(), nil)
	assert.Error(t, pub.Serve(bufconn.Listen(1024)))
	assert.NotNil(t, pub.Addr())
}
