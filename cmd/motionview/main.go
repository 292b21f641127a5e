package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/motionview/internal/config"
	"github.com/banshee-data/motionview/internal/dataset"
	"github.com/banshee-data/motionview/internal/httputil"
	"github.com/banshee-data/motionview/internal/motion"
	"github.com/banshee-data/motionview/internal/playback"
	"github.com/banshee-data/motionview/internal/render"
	"github.com/banshee-data/motionview/internal/report"
	"github.com/banshee-data/motionview/internal/scene"
	"github.com/banshee-data/motionview/internal/security"
	"github.com/banshee-data/motionview/internal/store"
	"github.com/banshee-data/motionview/internal/version"
	"github.com/banshee-data/motionview/internal/video"
	"github.com/banshee-data/motionview/internal/viewer"
)

// passwordEnv holds the SSH password for remote blobs.
const passwordEnv = "MOTIONVIEW_SSH_PASSWORD"

var (
	scenePath  = flag.String("scene", "", "Scene point cloud (.pcd, .xyz, .json or .yaml); its base name names the videos")
	smplPath   = flag.String("smpl", "", "Pose and trajectory blob (.json or .yaml, optionally gzipped)")
	predPath   = flag.String("pred", "", "Predicted SMPL blob (optional)")
	viewpoint  = flag.String("viewpoint", "", "Viewpoint: first, second, third, or empty for all three")
	startFrame = flag.Int("start", 0, "First frame to play")
	endFrame   = flag.Int("end", -1, "Frame to stop before (-1 plays to the end)")
	configPath = flag.String("config", "", "Viewer config JSON (optional)")
	outDir     = flag.String("out", ".", "Directory for exported videos")
	plotPath   = flag.String("plot", "", "Write a PNG of the camera paths to this file")
	dryRun     = flag.Bool("dry-run", false, "Play without capturing frames or encoding video")
	serve      = flag.Bool("serve", false, "Keep playing the first viewpoint until interrupted")
	noDB       = flag.Bool("no-db", false, "Do not record sessions")
	dbPath     = flag.String("db", "", "Session ledger path (overrides config)")
	grpcListen = flag.String("grpc-listen", "", "Frame stream listen address (overrides config)")
	debugAddr  = flag.String("debug-listen", "", "Debug HTTP listen address (overrides config)")
	remoteAddr = flag.String("remote", "", "host[:port] to fetch files from over SSH; password from $"+passwordEnv)
	remoteUser = flag.String("remote-user", "", "SSH user for -remote")
	knownHosts = flag.String("known-hosts", "", "known_hosts file for -remote (empty skips host key checks)")
	showVer    = flag.Bool("version", false, "Print the version and exit")
)

// viewRun is one pass over the blob from one point of view.
type viewRun struct {
	Name     string
	POV      string
	FreeView bool
	Suffix   string
}

var viewRuns = map[string]viewRun{
	"first":  {Name: "first", POV: playback.POVFirst, Suffix: "_FPV"},
	"second": {Name: "second", POV: playback.POVSecond, Suffix: "_SPV"},
	"third":  {Name: "third", POV: playback.POVFirst, FreeView: true, Suffix: "_TPV"},
}

// parseViewpoints maps the -viewpoint value to the runs to play.
func parseViewpoints(s string) ([]viewRun, error) {
	if s == "" {
		return []viewRun{viewRuns["first"], viewRuns["second"], viewRuns["third"]}, nil
	}
	v, ok := viewRuns[s]
	if !ok {
		return nil, fmt.Errorf("unknown viewpoint %q (want first, second or third)", s)
	}
	return []viewRun{v}, nil
}

type options struct {
	Scene, SMPL, Pred string
	Viewpoint         string
	Start, End        int
	OutDir            string
	PlotPath          string
	DryRun            bool
	Serve             bool
	Remote            *dataset.RemoteConfig
	Config            *config.ViewerConfig
}

func optionsFromFlags() (options, error) {
	o := options{
		Scene: *scenePath, SMPL: *smplPath, Pred: *predPath,
		Viewpoint: *viewpoint,
		Start:     *startFrame, End: *endFrame,
		OutDir:   *outDir,
		PlotPath: *plotPath,
		DryRun:   *dryRun,
		Serve:    *serve,
	}
	if o.SMPL == "" {
		return o, errors.New("-smpl is required")
	}

	cfg := config.EmptyViewerConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadViewerConfig(*configPath); err != nil {
			return o, err
		}
	}
	if *dbPath != "" {
		cfg.DBPath = dbPath
	}
	if *noDB {
		empty := ""
		cfg.DBPath = &empty
	}
	if *grpcListen != "" {
		cfg.GRPCAddr = grpcListen
	}
	if *debugAddr != "" {
		cfg.DebugAddr = debugAddr
	}
	o.Config = cfg

	if *remoteAddr != "" {
		o.Remote = &dataset.RemoteConfig{
			Addr:       *remoteAddr,
			User:       *remoteUser,
			Password:   os.Getenv(passwordEnv),
			KnownHosts: *knownHosts,
		}
	}
	return o, nil
}

func main() {
	flag.Parse()
	if *showVer {
		fmt.Println(version.String())
		return
	}
	log.Print(version.String())

	o, err := optionsFromFlags()
	if err != nil {
		log.Fatalf("invalid flags: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, o); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("motionview: %v", err)
	}
	log.Print("motionview finished")
}

// app holds what every viewpoint run shares.
type app struct {
	opts     options
	name     string
	humans   *dataset.HumanData
	cloud    *dataset.SceneCloud
	exporter video.Exporter
	store    *store.Store
	pub      *viewer.Publisher
	controls *engineControls
}

func run(ctx context.Context, o options) error {
	runs, err := parseViewpoints(o.Viewpoint)
	if err != nil {
		return err
	}
	cfg := o.Config
	if cfg == nil {
		cfg = config.EmptyViewerConfig()
		o.Config = cfg
	}

	a := &app{opts: o, controls: &engineControls{}}
	a.name = dataset.SceneName(o.Scene)
	if o.Scene == "" {
		a.name = dataset.SceneName(o.SMPL)
	}

	if err := a.load(ctx); err != nil {
		return err
	}

	if o.PlotPath != "" {
		if err := a.writePlot(); err != nil {
			log.Printf("failed to write trajectory plot: %v", err)
		}
	}

	if o.DryRun {
		a.exporter = &video.Recorder{}
	} else {
		a.exporter = video.NewFFmpegExporter(cfg.GetFFmpegPath(), o.OutDir)
	}

	if path := cfg.GetDBPath(); path != "" {
		s, err := store.Open(path)
		if err != nil {
			return fmt.Errorf("open session ledger: %w", err)
		}
		defer s.Close()
		a.store = s
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	if addr := cfg.GetGRPCAddr(); addr != "" {
		vc := viewer.DefaultConfig()
		vc.ListenAddr = addr
		a.pub = viewer.NewPublisher(vc, a.controls)
		if err := a.pub.Start(); err != nil {
			return fmt.Errorf("start frame stream: %w", err)
		}
		defer a.pub.Stop()
	}

	if addr := cfg.GetDebugAddr(); addr != "" {
		srv, err := a.debugServer(addr)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("debug server: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Printf("debug server shutdown: %v", err)
			}
		}()
	}

	if o.Serve {
		runs = runs[:1]
	}
	for _, v := range runs {
		if err := a.play(ctx, v); err != nil {
			if errors.Is(err, playback.ErrUnknownPOV) {
				log.Printf("skipping %s viewpoint: %v", v.Name, err)
				continue
			}
			return err
		}
	}
	return nil
}

// writePlot saves the trajectory PNG. Relative paths are taken from the
// output directory and the result must stay inside it.
func (a *app) writePlot() error {
	path := a.opts.PlotPath
	if !filepath.IsAbs(path) {
		path = filepath.Join(a.opts.OutDir, path)
	}
	if err := os.MkdirAll(a.opts.OutDir, 0o755); err != nil {
		return err
	}
	if err := security.ValidatePathWithinDirectory(path, a.opts.OutDir); err != nil {
		return err
	}
	if err := report.FromHumans(a.name, a.humans).SavePNG(path); err != nil {
		return err
	}
	log.Printf("wrote trajectory plot to %s", path)
	return nil
}

// load reads the blob, predictions and scene cloud, then assembles them.
func (a *app) load(ctx context.Context) error {
	o := a.opts
	local := dataset.NewLoader()
	blobs := local
	if o.Remote != nil {
		blobs = &dataset.Loader{Remote: o.Remote}
	}

	b, err := blobs.LoadBlob(ctx, o.SMPL)
	if err != nil {
		return err
	}
	var preds map[string]dataset.Prediction
	if o.Pred != "" {
		if preds, err = blobs.LoadPredictions(ctx, o.Pred); err != nil {
			log.Printf("predictions unavailable, continuing without: %v", err)
			preds = nil
		}
	}

	if o.Scene != "" {
		a.cloud, err = local.LoadSceneCloud(ctx, o.Scene)
		if err != nil && o.Remote != nil {
			a.cloud, err = blobs.LoadSceneCloud(ctx, o.Scene)
		}
		if err != nil {
			log.Printf("scene cloud unavailable: %v", err)
			a.cloud = nil
		}
	}

	cfg := o.Config
	dopts := dataset.DefaultOptions()
	dopts.Start, dopts.End = o.Start, o.End
	dopts.View = viewOptions(cfg)
	a.humans, err = dataset.Assemble(b, preds, dopts)
	if err != nil {
		return fmt.Errorf("assemble %s: %w", o.SMPL, err)
	}
	log.Printf("loaded %s: %d frames, %d point clouds, POVs %v", o.SMPL, a.humans.Len(), len(a.humans.Points), a.humans.Cameras.POVs())
	return nil
}

func viewOptions(cfg *config.ViewerConfig) motion.ViewOptions {
	return motion.ViewOptions{
		BackOffset:   cfg.GetViewBackOffset(),
		UpOffset:     cfg.GetViewUpOffset(),
		LookDistance: cfg.GetViewLookDistance(),
		PitchDeg:     cfg.GetViewPitchDeg(),
		SmoothWindow: cfg.GetSmoothWindow(),
	}
}

func intrinsic(cfg *config.ViewerConfig) scene.Intrinsic {
	fx, fy, cx, cy := cfg.Intrinsic()
	return scene.Intrinsic{
		Fx: fx, Fy: fy, Cx: cx, Cy: cy,
		Width: cfg.GetImageWidth(), Height: cfg.GetImageHeight(),
	}
}

func engineConfig(cfg *config.ViewerConfig, name string, serve bool) playback.Config {
	return playback.Config{
		Name:          name,
		FrameDelay:    cfg.GetFrameDelay(),
		PollInterval:  cfg.GetPollInterval(),
		JoinTimeout:   cfg.GetJoinTimeout(),
		FPS:           cfg.GetFPS(),
		Loop:          serve && cfg.GetLoop(),
		PauseOnLoad:   serve && cfg.GetPauseOnLoad(),
		CaptureFormat: cfg.GetCaptureFormat(),
		TempRoot:      cfg.GetTempDir(),
		KeepFrames:    cfg.GetKeepFrames(),
		Intrinsic:     intrinsic(cfg),
	}
}

// play runs one viewpoint to completion on its own scene and main loop.
func (a *app) play(ctx context.Context, v viewRun) error {
	cfg := a.opts.Config
	rs := render.NewScene(render.Options{
		Width:       cfg.GetImageWidth(),
		Height:      cfg.GetImageHeight(),
		Supersample: cfg.GetSupersample(),
	})
	loop := scene.NewMainLoop()
	loopCtx, cancelLoop := context.WithCancel(ctx)
	go loop.Run(loopCtx)
	defer func() {
		// let scene work posted by a cancelled engine call finish first
		syncCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := loop.Sync(syncCtx); err != nil && !errors.Is(err, scene.ErrClosed) {
			log.Printf("scene loop did not drain: %v", err)
		}
		cancel()
		loop.Close()
		cancelLoop()
	}()

	dir := scene.NewDirectory(rs, cfg.GetScale(), intrinsic(cfg))
	if a.cloud != nil && len(a.cloud.Points) > 0 {
		if err := onLoop(ctx, loop, func() error {
			g := scene.NewPointCloud(a.cloud.Points, scene.SceneColor)
			return dir.Add("scene", g, nil, true)
		}); err != nil {
			log.Printf("failed to add scene cloud: %v", err)
		}
	}

	var observers []playback.Observer
	if a.pub != nil {
		observers = append(observers, a.pub)
	}
	var rec *store.Recorder
	if a.store != nil {
		var err error
		rec, err = a.store.NewRecorder(&store.Session{
			Scene:       a.name,
			BlobPath:    a.opts.SMPL,
			POV:         v.Name,
			FreeView:    v.FreeView,
			TotalFrames: a.humans.Len(),
		})
		if err != nil {
			return err
		}
		observers = append(observers, rec)
	}

	engine := playback.NewEngine(engineConfig(cfg, a.name+v.Suffix, a.opts.Serve), playback.Deps{
		Source:     dataset.NewFrameSource(a.humans),
		Cameras:    a.humans.Cameras,
		Scene:      rs,
		Directory:  dir,
		Dispatcher: loop,
		Capturer:   rs,
		Exporter:   a.exporter,
		Observers:  observers,
	})
	err := engine.SetPOV(v.POV)
	if err == nil {
		engine.SetFreeView(v.FreeView)
		engine.SetRender(!a.opts.DryRun)
		a.controls.set(engine)
		defer a.controls.set(nil)

		log.Printf("playing %s viewpoint as %s", v.Name, a.name+v.Suffix)
		if err = engine.Start(ctx); err == nil {
			err = engine.Wait(ctx)
			if stopErr := engine.Stop(); stopErr != nil {
				log.Printf("engine stop: %v", stopErr)
			}
		}
	}
	if rec != nil {
		if ferr := rec.Finish(err); ferr != nil {
			log.Printf("failed to record session outcome: %v", ferr)
		}
	}
	if errors.Is(err, context.Canceled) && a.opts.Serve {
		return nil
	}
	return err
}

// onLoop runs fn on the scene goroutine and waits for its result.
func onLoop(ctx context.Context, d scene.Dispatcher, fn func() error) error {
	errc := make(chan error, 1)
	if !d.Post(func() { errc <- fn() }) {
		return scene.ErrClosed
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// debugServer builds the /debug/ HTTP server.
func (a *app) debugServer(addr string) (*http.Server, error) {
	mux := http.NewServeMux()
	debug := tsweb.Debugger(mux)
	if a.store != nil {
		if err := a.store.AttachAdminRoutes(debug); err != nil {
			return nil, err
		}
	}
	rep := report.FromHumans(a.name, a.humans)
	debug.KV("Version", version.String())
	debug.Handle("trajectory", "Camera paths against the aligned trajectory", report.Handler(func() *report.Report { return rep }))
	debug.Handle("playback", "Current playback state (JSON)", httputil.JSONHandler(func() any { return a.controls.Status() }))
	if a.pub != nil {
		debug.Handle("viewer", "Frame stream statistics (JSON)", httputil.JSONHandler(func() any { return a.pub.Stats() }))
	}
	return &http.Server{Addr: addr, Handler: mux}, nil
}
