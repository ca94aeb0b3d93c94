package vrpc

import (
	"context"
	"fmt"
	"reflect"

	"go.uber.org/zap"
)

// MethodHandler processes one unary RPC. dec decodes the request message
// into the value the handler expects.
type MethodHandler func(srv any, ctx context.Context, dec func(any) error, middleware ServerMiddleware) (any, error)

// MethodDesc describes one RPC method of a service.
type MethodDesc struct {
	MethodName string
	Handler    MethodHandler
}

// ServiceDesc describes an RPC service.
type ServiceDesc struct {
	ServiceName string
	// HandlerType is a pointer to the service interface, used to check that
	// the registered implementation satisfies it.
	HandlerType any
	Methods     []MethodDesc
	Metadata    any
}

type service struct {
	serviceImpl any
	methods     map[string]*MethodDesc
	mdata       any
}

// ServiceRegistrar wraps a single method that supports service
// registration, so generated code can accept concrete types other than
// *Server.
type ServiceRegistrar interface {
	// RegisterService registers a service and its implementation. It must
	// not be called once the server has started serving.
	RegisterService(desc *ServiceDesc, impl any)
}

// RegisterService registers a service and its implementation. It is called
// from generated code and must precede Serve. Misuse is fatal, matching the
// fail-fast behavior of the rest of the registration path.
func (s *Server) RegisterService(sd *ServiceDesc, srv any) {
	if srv != nil {
		ht := reflect.TypeOf(sd.HandlerType).Elem()
		st := reflect.TypeOf(srv)
		if !st.Implements(ht) {
			zap.L().Fatal(fmt.Sprintf("vrpc: Server.RegisterService found the handler of type %v that does not satisfy %v", st, ht))
		}
	}
	s.register(sd, srv)
}

func (s *Server) register(sd *ServiceDesc, srv any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.serve {
		zap.L().Fatal("vrpc: Server.RegisterService after Server.Serve", zap.String("service", sd.ServiceName))
	}
	if _, ok := s.serviceMap.Load(sd.ServiceName); ok {
		zap.L().Fatal("vrpc: Server.RegisterService found duplicate service registration", zap.String("service", sd.ServiceName))
	}

	svc := &service{
		serviceImpl: srv,
		methods:     make(map[string]*MethodDesc),
		mdata:       sd.Metadata,
	}
	for i := range sd.Methods {
		d := &sd.Methods[i]
		svc.methods[d.MethodName] = d
	}
	s.serviceMap.Store(sd.ServiceName, svc)
}

// lookupMethod splits a full method name ("/service/method") and resolves
// the registered service and method.
func (s *Server) lookupMethod(fullMethod string) (*service, *MethodDesc, bool) {
	if len(fullMethod) == 0 || fullMethod[0] != '/' {
		return nil, nil, false
	}
	rest := fullMethod[1:]
	var serviceName, methodName string
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			serviceName, methodName = rest[:i], rest[i+1:]
			break
		}
	}
	if serviceName == "" || methodName == "" {
		return nil, nil, false
	}

	v, ok := s.serviceMap.Load(serviceName)
	if !ok {
		return nil, nil, false
	}
	svc := v.(*service)
	md, ok := svc.methods[methodName]
	if !ok {
		return nil, nil, false
	}
	return svc, md, true
}
