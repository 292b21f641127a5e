package viewer

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls the viewer service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) call(ctx context.Context, method string, in map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Status returns the playback status.
func (c *Client) Status(ctx context.Context) (*structpb.Struct, error) {
	return c.call(ctx, "GetStatus", nil)
}

// Pause suspends playback.
func (c *Client) Pause(ctx context.Context) (*structpb.Struct, error) {
	return c.call(ctx, "Pause", nil)
}

// Play resumes playback.
func (c *Client) Play(ctx context.Context) (*structpb.Struct, error) {
	return c.call(ctx, "Play", nil)
}

// Seek jumps to frame i.
func (c *Client) Seek(ctx context.Context, i int) (*structpb.Struct, error) {
	return c.call(ctx, "Seek", map[string]any{"index": i})
}

// Freeze snapshots the current frame.
func (c *Client) Freeze(ctx context.Context) (*structpb.Struct, error) {
	return c.call(ctx, "Freeze", nil)
}

// Configure changes playback settings.
func (c *Client) Configure(ctx context.Context, settings map[string]any) (*structpb.Struct, error) {
	return c.call(ctx, "Configure", settings)
}

// ClearFrozen removes every frozen snapshot.
func (c *Client) ClearFrozen(ctx context.Context) (*structpb.Struct, error) {
	return c.call(ctx, "ClearFrozen", nil)
}

// RemoveFrozen removes one frozen snapshot.
func (c *Client) RemoveFrozen(ctx context.Context, name string) (*structpb.Struct, error) {
	return c.call(ctx, "RemoveFrozen", map[string]any{"name": name})
}

// FrameStream receives published events.
type FrameStream struct {
	stream grpc.ClientStream
}

// Recv blocks for the next event.
func (s *FrameStream) Recv() (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := s.stream.RecvMsg(out); err != nil {
		return nil, err
	}
	return out, nil
}

// StreamFrames subscribes to published events. opts may set "pov" and
// "include_camera".
func (c *Client) StreamFrames(ctx context.Context, opts map[string]any) (*FrameStream, error) {
	req, err := structpb.NewStruct(opts)
	if err != nil {
		return nil, err
	}
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], "/"+ServiceName+"/StreamFrames")
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &FrameStream{stream: stream}, nil
}
