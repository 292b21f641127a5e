package viewer

import (
	"context"
	"errors"
	"fmt"
	"math"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/motionview/internal/playback"
	"github.com/banshee-data/motionview/internal/scene"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "motionview.v1.Viewer"

// ErrNoPlayback is returned by Controls when no sequence is playing.
var ErrNoPlayback = errors.New("no playback attached")

// Controls is the subset of the playback engine driven by remote viewers.
type Controls interface {
	Pause()
	Play()
	Seek(i int) int
	RequestFreeze()
	SetPOV(pov string) error
	SetFreeView(on bool)
	SetRender(on bool)
	SetFixCamera(on bool)
	SetIntrinsicFactor(f float64)
	ClearFrozen(ctx context.Context) error
	RemoveFrozen(ctx context.Context, name string) error
	SetVisible(ctx context.Context, name string, on bool) error
	SetScale(ctx context.Context, scale float64) error
	JumpToView(ctx context.Context, i int) error
	Status() playback.Status
}

// ViewerServer is the service implemented by Server. Messages are
// google.protobuf.Struct so no generated code is needed.
type ViewerServer interface {
	StreamFrames(req *structpb.Struct, stream grpc.ServerStream) error
	GetStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Pause(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Play(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Seek(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Freeze(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Configure(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ClearFrozen(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	RemoveFrozen(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var (
	_ ViewerServer = (*Server)(nil)
	_ Controls     = (*playback.Engine)(nil)
)

// Server implements ViewerServer on top of a Publisher and the engine controls.
type Server struct {
	publisher *Publisher
	controls  Controls
}

// NewServer creates a new gRPC server.
func NewServer(publisher *Publisher, controls Controls) *Server {
	return &Server{publisher: publisher, controls: controls}
}

// StreamFrames streams published events until the client goes away. The
// request may set "pov" to receive only frames of that point of view and
// "include_camera" to receive the camera matrix.
func (s *Server) StreamFrames(req *structpb.Struct, stream grpc.ServerStream) error {
	ctx := stream.Context()
	fields := req.GetFields()
	povFilter := fields["pov"].GetStringValue()
	withCamera := fields["include_camera"].GetBoolValue()

	client, err := s.publisher.addClient()
	if err != nil {
		return status.Error(codes.ResourceExhausted, err.Error())
	}
	defer s.publisher.removeClient(client.id)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.publisher.stopCh:
			return status.Error(codes.Unavailable, "publisher stopped")
		case b := <-client.frameCh:
			if b.Event == EventFrame && povFilter != "" && b.POV != povFilter {
				continue
			}
			msg, err := bundleToStruct(b, withCamera)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

func bundleToStruct(b *FrameBundle, withCamera bool) (*structpb.Struct, error) {
	m := map[string]any{
		"seq":   b.Seq,
		"event": b.Event,
	}
	switch b.Event {
	case EventCycle:
		m["video"] = b.Video
		m["frames"] = b.Frames
		m["skipped"] = b.Skipped
		if b.Err != "" {
			m["error"] = b.Err
		}
	default:
		m["index"] = b.Index
		m["total"] = b.Total
		m["pov"] = b.POV
		points := make(map[string]any, len(b.Points))
		for k, v := range b.Points {
			points[k] = v
		}
		m["points"] = points
		if withCamera && len(b.Camera) > 0 {
			cam := make([]any, len(b.Camera))
			for i, v := range b.Camera {
				cam[i] = v
			}
			m["camera"] = cam
		}
	}
	return structpb.NewStruct(m)
}

func (s *Server) statusStruct() (*structpb.Struct, error) {
	if s.controls == nil {
		return nil, status.Error(codes.Unavailable, "no playback attached")
	}
	st := s.controls.Status()
	m := map[string]any{
		"index":            st.Index,
		"total":            st.Total,
		"paused":           st.Paused,
		"free_view":        st.FreeView,
		"render":           st.Render,
		"fix_camera":       st.FixCamera,
		"pov":              st.POV,
		"intrinsic_factor": st.IntrinsicFactor,
		"running":          st.Running,
		"applied_frames":   st.Applied,
		"cycles":           st.Cycles,
	}
	frozen := make([]any, len(st.Frozen))
	for i, n := range st.Frozen {
		frozen[i] = n
	}
	m["frozen"] = frozen
	if st.Error != "" {
		m["error"] = st.Error
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func (s *Server) withControls(fn func(Controls) error) (*structpb.Struct, error) {
	if s.controls == nil {
		return nil, status.Error(codes.Unavailable, "no playback attached")
	}
	if err := fn(s.controls); err != nil {
		return nil, controlError(err)
	}
	return s.statusStruct()
}

// controlError maps engine errors to gRPC codes. Errors that already carry
// a status pass through.
func controlError(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, scene.ErrUnknownEntry):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, playback.ErrUnknownPOV), errors.Is(err, playback.ErrViewOutOfRange):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ErrNoPlayback), errors.Is(err, playback.ErrDispatcherClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Internal, err.Error())
}

// numberArg returns the finite number held by v.
func numberArg(key string, v *structpb.Value) (float64, error) {
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, status.Errorf(codes.InvalidArgument, "%s must be a number", key)
	}
	if math.IsNaN(n.NumberValue) || math.IsInf(n.NumberValue, 0) {
		return 0, status.Errorf(codes.InvalidArgument, "%s must be finite", key)
	}
	return n.NumberValue, nil
}

// indexArg returns v as a frame index, clamped to [-1, MaxInt32] before the
// integer conversion.
func indexArg(key string, v *structpb.Value) (int, error) {
	f, err := numberArg(key, v)
	if err != nil {
		return 0, err
	}
	return int(math.Max(-1, math.Min(f, math.MaxInt32))), nil
}

// GetStatus returns the playback status.
func (s *Server) GetStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.statusStruct()
}

// Pause suspends playback.
func (s *Server) Pause(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.withControls(func(c Controls) error { c.Pause(); return nil })
}

// Play resumes playback.
func (s *Server) Play(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.withControls(func(c Controls) error { c.Play(); return nil })
}

// Seek jumps to the frame given as "index".
func (s *Server) Seek(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	v, ok := req.GetFields()["index"]
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "seek requires index")
	}
	i, err := indexArg("index", v)
	if err != nil {
		return nil, err
	}
	return s.withControls(func(c Controls) error { c.Seek(i); return nil })
}

// Freeze snapshots the current frame.
func (s *Server) Freeze(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.withControls(func(c Controls) error { c.RequestFreeze(); return nil })
}

// ClearFrozen removes every frozen snapshot.
func (s *Server) ClearFrozen(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.withControls(func(c Controls) error { return c.ClearFrozen(ctx) })
}

// RemoveFrozen removes the snapshot given as "name".
func (s *Server) RemoveFrozen(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name := req.GetFields()["name"].GetStringValue()
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "remove frozen requires name")
	}
	return s.withControls(func(c Controls) error { return c.RemoveFrozen(ctx, name) })
}

// Configure applies any of "pov", "free_view", "render", "fix_camera",
// "intrinsic_factor", "scale", "view" and "visible". "visible" maps entry
// names to their checkbox state; "view" jumps the camera to that frame's
// view of the active point of view.
func (s *Server) Configure(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.withControls(func(c Controls) error {
		for k, v := range req.GetFields() {
			switch k {
			case "pov":
				if err := c.SetPOV(v.GetStringValue()); err != nil {
					return status.Error(codes.InvalidArgument, err.Error())
				}
			case "free_view":
				c.SetFreeView(v.GetBoolValue())
			case "render":
				c.SetRender(v.GetBoolValue())
			case "fix_camera":
				c.SetFixCamera(v.GetBoolValue())
			case "intrinsic_factor":
				f, err := numberArg(k, v)
				if err != nil {
					return err
				}
				if f <= 0 {
					return status.Error(codes.InvalidArgument, "intrinsic_factor must be positive")
				}
				c.SetIntrinsicFactor(f)
			case "scale":
				f, err := numberArg(k, v)
				if err != nil {
					return err
				}
				if f <= 0 {
					return status.Error(codes.InvalidArgument, "scale must be positive")
				}
				if err := c.SetScale(ctx, f); err != nil {
					return err
				}
			case "view":
				i, err := indexArg(k, v)
				if err != nil {
					return err
				}
				if err := c.JumpToView(ctx, i); err != nil {
					return err
				}
			case "visible":
				entries := v.GetStructValue()
				if entries == nil {
					return status.Error(codes.InvalidArgument, "visible must map names to booleans")
				}
				for name, on := range entries.GetFields() {
					b, ok := on.GetKind().(*structpb.Value_BoolValue)
					if !ok {
						return status.Errorf(codes.InvalidArgument, "visible %q must be a boolean", name)
					}
					if err := c.SetVisible(ctx, name, b.BoolValue); err != nil {
						return err
					}
				}
			default:
				return status.Error(codes.InvalidArgument, fmt.Sprintf("unknown setting %q", k))
			}
		}
		return nil
	})
}

type unaryMethod func(s ViewerServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, call unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ViewerServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ViewerServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ViewerServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("GetStatus", ViewerServer.GetStatus),
		unaryHandler("Pause", ViewerServer.Pause),
		unaryHandler("Play", ViewerServer.Play),
		unaryHandler("Seek", ViewerServer.Seek),
		unaryHandler("Freeze", ViewerServer.Freeze),
		unaryHandler("Configure", ViewerServer.Configure),
		unaryHandler("ClearFrozen", ViewerServer.ClearFrozen),
		unaryHandler("RemoveFrozen", ViewerServer.RemoveFrozen),
	},
	Streams: []grpc.StreamDesc{{
		StreamName: "StreamFrames",
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(structpb.Struct)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return srv.(ViewerServer).StreamFrames(in, stream)
		},
		ServerStreams: true,
	}},
	Metadata: "motionview/v1/viewer",
}

// RegisterService registers server with a gRPC server.
func RegisterService(s grpc.ServiceRegistrar, server ViewerServer) {
	s.RegisterService(&serviceDesc, server)
}
