package broker

import (
	"context"
	"encoding/json"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/streamnative/kop-test-harness/servicedef"
)

type lookupServer interface {
	LookupTopic(ctx context.Context, topic *wrapperspb.StringValue) (*structpb.Struct, error)
}

var lookupServiceDesc = grpc.ServiceDesc{
	ServiceName: servicedef.LookupServiceName,
	HandlerType: (*lookupServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: servicedef.LookupTopicMethod,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(wrapperspb.StringValue)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return srv.(lookupServer).LookupTopic(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: servicedef.LookupTopicFullMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return srv.(lookupServer).LookupTopic(ctx, req.(*wrapperspb.StringValue))
			})
		},
	}},
	Streams: []grpc.StreamDesc{},
}

type rpcLookup struct {
	svc *Service
}

func (l rpcLookup) LookupTopic(ctx context.Context, topic *wrapperspb.StringValue) (*structpb.Struct, error) {
	name, err := ParseTopicName(topic.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	data, err := l.svc.namespace.Lookup(ctx, name)
	if err != nil {
		if errors.Is(err, ErrTopicNotFound) {
			return nil, status.Error(codes.NotFound, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	return lookupDataStruct(data)
}

func lookupDataStruct(data servicedef.LookupData) (*structpb.Struct, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return structpb.NewStruct(fields)
}

// startLookupService serves the lookup RPC on the broker service port.
func (s *Service) startLookupService() error {
	addr := s.webAddress(s.conf.BrokerServicePort)
	l, err := s.listen(addr)
	if err != nil {
		return err
	}
	s.grpcServer = grpc.NewServer()
	s.grpcServer.RegisterService(&lookupServiceDesc, rpcLookup{svc: s})
	server := s.grpcServer
	s.group.Go(func() error {
		if err := server.Serve(l); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	s.logger.Debugf("Lookup service listening on %s", addr)
	return nil
}
