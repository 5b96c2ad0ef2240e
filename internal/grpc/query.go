// Package grpc exposes read-only enrollment and location queries to other
// campus services. Messages are google.protobuf.Struct so no generated stubs
// are needed.
package grpc

import (
	"context"
	"errors"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"osis/attendance/internal/enrollment"
	"osis/attendance/internal/location"
	"osis/attendance/internal/model"
)

const ServiceName = "osis.attendance.v1.AttendanceQuery"

type EnrollmentReader interface {
	Status(ctx context.Context, userID string) (enrollment.StatusView, error)
}

type LocationReader interface {
	Active(ctx context.Context) (model.Location, error)
}

// AttendanceQueryServer is implemented by QueryServer.
type AttendanceQueryServer interface {
	GetEnrollmentStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetActiveLocation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type QueryServer struct {
	enrollments EnrollmentReader
	locations   LocationReader
}

func NewQueryServer(enrollments EnrollmentReader, locations LocationReader) *QueryServer {
	return &QueryServer{enrollments: enrollments, locations: locations}
}

func (s *QueryServer) GetEnrollmentStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID := strings.TrimSpace(req.GetFields()["userId"].GetStringValue())
	if userID == "" {
		return nil, status.Error(codes.InvalidArgument, "userId required")
	}
	view, err := s.enrollments.Status(ctx, userID)
	if err != nil {
		return nil, status.Error(codes.Internal, "enrollment lookup failed")
	}
	missing := make([]interface{}, 0, len(view.MissingFactors))
	for _, f := range view.MissingFactors {
		missing = append(missing, string(f))
	}
	var reenrollReason interface{}
	if view.ReEnrollReason != nil {
		reenrollReason = *view.ReEnrollReason
	}
	return structpb.NewStruct(map[string]interface{}{
		"userId":              userID,
		"isEnrolled":          view.IsEnrolled,
		"isFirstAttendance":   view.IsFirstAttendance,
		"canReEnroll":         view.CanReEnroll,
		"reEnrollReason":      reenrollReason,
		"hasReferencePhoto":   view.HasReferencePhoto,
		"hasDeviceCredential": view.HasDeviceCredential,
		"status":              string(view.Status),
		"missingFactors":      missing,
		"reEnrollmentNeeded":  view.ReEnrollmentNeeded,
	})
}

func (s *QueryServer) GetActiveLocation(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	loc, err := s.locations.Active(ctx)
	if errors.Is(err, location.ErrNoActive) {
		return nil, status.Error(codes.NotFound, "no active location")
	}
	if err != nil {
		return nil, status.Error(codes.Internal, "location lookup failed")
	}
	ssids := make([]interface{}, 0, len(loc.AllowedWifiSSIDs))
	for _, ssid := range loc.AllowedWifiSSIDs {
		ssids = append(ssids, ssid)
	}
	return structpb.NewStruct(map[string]interface{}{
		"id":               loc.ID,
		"latitude":         loc.Latitude,
		"longitude":        loc.Longitude,
		"radiusMeters":     loc.RadiusMeters,
		"allowedWifiSsids": ssids,
		"createdAt":        loc.CreatedAt.UTC().Format(time.RFC3339),
		"createdBy":        loc.CreatedBy,
	})
}

func RegisterAttendanceQueryServer(s grpc.ServiceRegistrar, srv AttendanceQueryServer) {
	s.RegisterService(&AttendanceQueryServiceDesc, srv)
}

var AttendanceQueryServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AttendanceQueryServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetEnrollmentStatus", Handler: getEnrollmentStatusHandler},
		{MethodName: "GetActiveLocation", Handler: getActiveLocationHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "osis/attendance/v1/query.proto",
}

func getEnrollmentStatusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AttendanceQueryServer).GetEnrollmentStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/GetEnrollmentStatus"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AttendanceQueryServer).GetEnrollmentStatus(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func getActiveLocationHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AttendanceQueryServer).GetActiveLocation(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/GetActiveLocation"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AttendanceQueryServer).GetActiveLocation(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// QueryClient calls AttendanceQuery over an existing connection.
type QueryClient struct {
	cc grpc.ClientConnInterface
}

func NewQueryClient(cc grpc.ClientConnInterface) *QueryClient {
	return &QueryClient{cc: cc}
}

func (c *QueryClient) GetEnrollmentStatus(ctx context.Context, userID string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]interface{}{"userId": userID})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/GetEnrollmentStatus", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *QueryClient) GetActiveLocation(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/GetActiveLocation", &structpb.Struct{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
