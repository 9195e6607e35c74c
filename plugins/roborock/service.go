package roborock

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joshp123/gohome-vacuum/internal/rpc"
	"github.com/joshp123/gohome-vacuum/internal/vacuum"
)

const ServiceName = "gohome.plugins.roborock.v1.VacuumService"

type service struct {
	fleet *Fleet
}

// RegisterVacuumService exposes the fleet over gRPC. A nil fleet registers a
// service that answers FailedPrecondition.
func RegisterVacuumService(server grpc.ServiceRegistrar, fleet *Fleet) error {
	s := &service{fleet: fleet}
	return rpc.Register(server, ServiceName,
		rpc.Method{Name: "ListVacuums", Handler: s.listVacuums},
		rpc.Method{Name: "GetStatus", Handler: s.getStatus},
		rpc.Method{Name: "Start", Handler: s.simple((*vacuum.Entity).Start)},
		rpc.Method{Name: "Pause", Handler: s.simple((*vacuum.Entity).Pause)},
		rpc.Method{Name: "Stop", Handler: s.simple((*vacuum.Entity).Stop)},
		rpc.Method{Name: "ReturnToBase", Handler: s.simple((*vacuum.Entity).ReturnToBase)},
		rpc.Method{Name: "CleanSpot", Handler: s.simple((*vacuum.Entity).CleanSpot)},
		rpc.Method{Name: "Locate", Handler: s.simple((*vacuum.Entity).Locate)},
		rpc.Method{Name: "StartPause", Handler: s.simple((*vacuum.Entity).StartPause)},
		rpc.Method{Name: "SetFanSpeed", Handler: s.setFanSpeed},
		rpc.Method{Name: "ListFanSpeeds", Handler: s.listFanSpeeds},
		rpc.Method{Name: "SendCommand", Handler: s.sendCommand},
		rpc.Method{Name: "GetMap", Handler: s.getMap},
	)
}

func (s *service) listVacuums(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if s.fleet == nil {
		return nil, errNotConfigured
	}
	vacuums := make([]map[string]any, 0, s.fleet.Len())
	for _, e := range s.fleet.Entities() {
		vacuums = append(vacuums, s.view(e))
	}
	return rpc.ToStruct(map[string]any{"vacuums": vacuums})
}

func (s *service) getStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	e, err := s.resolve(req)
	if err != nil {
		return nil, err
	}
	if refresh, _ := rpc.Value(req, "refresh").(bool); refresh {
		e.Refresh(ctx)
	}
	return rpc.ToStruct(map[string]any{"vacuum": s.view(e)})
}

func (s *service) simple(call func(*vacuum.Entity, context.Context) error) rpc.Handler {
	return func(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
		e, err := s.resolve(req)
		if err != nil {
			return nil, err
		}
		if err := call(e, ctx); err != nil {
			return nil, mapClientError(err)
		}
		return rpc.ToStruct(nil)
	}
}

func (s *service) setFanSpeed(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	e, err := s.resolve(req)
	if err != nil {
		return nil, err
	}
	fanSpeed := rpc.String(req, "fan_speed")
	if fanSpeed == "" {
		return nil, status.Error(codes.InvalidArgument, "fan_speed is required")
	}
	if err := e.SetFanSpeed(ctx, fanSpeed); err != nil {
		return nil, mapClientError(err)
	}
	return rpc.ToStruct(nil)
}

func (s *service) listFanSpeeds(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	e, err := s.resolve(req)
	if err != nil {
		return nil, err
	}
	return rpc.ToStruct(map[string]any{"fan_speeds": e.FanSpeedList()})
}

func (s *service) sendCommand(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	e, err := s.resolve(req)
	if err != nil {
		return nil, err
	}
	command := rpc.String(req, "command")
	if command == "" {
		return nil, status.Error(codes.InvalidArgument, "command is required")
	}
	result, err := e.SendCommand(ctx, command, rpc.Value(req, "params"))
	if err != nil {
		return nil, mapClientError(err)
	}
	return rpc.ToStruct(map[string]any{"result": result})
}

func (s *service) getMap(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	e, err := s.resolve(req)
	if err != nil {
		return nil, err
	}
	token, err := e.Map(ctx)
	if err != nil {
		return nil, mapClientError(err)
	}
	return rpc.ToStruct(map[string]any{"map": token})
}

var errNotConfigured = status.Error(codes.FailedPrecondition, "roborock client not configured")

// resolve finds the entity named by device_id, or by device_name when no id
// is given.
func (s *service) resolve(req *structpb.Struct) (*vacuum.Entity, error) {
	if s.fleet == nil {
		return nil, errNotConfigured
	}
	ref := rpc.String(req, "device_id")
	if ref == "" {
		ref = rpc.String(req, "device_name")
	}
	if ref == "" {
		return nil, status.Error(codes.InvalidArgument, "device_id is required")
	}
	e, ok := s.fleet.Lookup(ref)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "vacuum %q not found", ref)
	}
	return e, nil
}

func (s *service) view(e *vacuum.Entity) map[string]any {
	dev, _ := s.fleet.Device(e.Device().DUID)
	out := map[string]any{
		"device_id":      e.Device().DUID,
		"unique_id":      e.UniqueID(),
		"name":           e.Name(),
		"model":          e.Device().Model,
		"firmware":       dev.Firmware,
		"online":         dev.Online,
		"supports_mop":   dev.SupportsMop,
		"capabilities":   e.Capabilities().Names(),
		"fan_speed_list": e.FanSpeedList(),
		"snapshot":       e.Snapshot(),
	}
	if label, ok := e.Status(); ok {
		out["status"] = label
	}
	if battery, ok := e.BatteryLevel(); ok {
		out["battery_level"] = battery
	}
	if fan, ok := e.FanSpeed(); ok {
		out["fan_speed"] = fan
	}
	if updated := e.UpdatedAt(); !updated.IsZero() {
		out["updated_at"] = updated.UTC().Format(time.RFC3339)
	}
	return out
}

func mapClientError(err error) error {
	switch {
	case errors.Is(err, ErrDeviceNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrNotImplemented):
		return status.Error(codes.Unimplemented, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
