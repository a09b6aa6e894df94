// Package api exposes a kernel over gRPC. Requests and responses are
// google.protobuf.Struct messages, so the service needs no generated code;
// the descriptor below is written by hand.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/spikenet/core"
	"github.com/signalsfoundry/spikenet/internal/logging"
	"github.com/signalsfoundry/spikenet/model"
)

const serviceName = "spikenet.kernel.v1.KernelService"

// Kernel is the part of *core.Kernel the service drives.
type Kernel interface {
	Create(ctx context.Context, modelName string, n int, params model.Dict) (model.NodeCollection, error)
	CollectionFromSpans(spans []model.Span, epoch uint64) (model.NodeCollection, error)
	Connect(ctx context.Context, pre, post model.NodeCollection, conn core.ConnSpec, syn core.SynSpec) error
	GetStatus(nc model.NodeCollection) ([]model.Dict, error)
	Get(nc model.NodeCollection, keys ...string) (map[string][]model.Value, error)
	SetStatus(nc model.NodeCollection, d model.Dict) error
	SetStatusEach(nc model.NodeCollection, ds []model.Dict) error
	KernelStatus() model.Dict
	SetKernelStatus(d model.Dict) error
	Simulate(ctx context.Context, ms float64) error
	ResetKernel()
	ResetNetwork() error
	GetConnections(q core.ConnQuery) (model.ConnectionCollection, error)
	GetConnectionStatus(cc model.ConnectionCollection) ([]model.Dict, error)
	SetConnectionStatus(cc model.ConnectionCollection, d model.Dict) error
	CopyModel(existing, newName string, params model.Dict) error
	SetDefaults(name string, d model.Dict) error
	GetDefaults(name string) (model.Dict, error)
	Models() []string
	SynapseModels() []string
	Time() float64
}

type kernelServiceServer interface {
	Create(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Connect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Get(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetKernelStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetKernelStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Simulate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResetKernel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResetNetwork(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetConnections(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetConnectionStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CopyModel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetDefaults(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetDefaults(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Models(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type handlerFunc func(kernelServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

// unaryHandler decodes the request struct, runs call behind the server's
// interceptor chain and converts its error into a status error.
func unaryHandler(method string, call handlerFunc) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	full := "/" + serviceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(kernelServiceServer)
		run := func(ctx context.Context, req any) (any, error) {
			resp, err := call(s, ctx, req.(*structpb.Struct))
			if err != nil {
				return nil, ToStatusError(err)
			}
			return resp, nil
		}
		if interceptor == nil {
			return run(ctx, in)
		}
		return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: full}, run)
	}
}

var kernelServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*kernelServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Create", Handler: unaryHandler("Create", kernelServiceServer.Create)},
		{MethodName: "Connect", Handler: unaryHandler("Connect", kernelServiceServer.Connect)},
		{MethodName: "GetStatus", Handler: unaryHandler("GetStatus", kernelServiceServer.GetStatus)},
		{MethodName: "Get", Handler: unaryHandler("Get", kernelServiceServer.Get)},
		{MethodName: "SetStatus", Handler: unaryHandler("SetStatus", kernelServiceServer.SetStatus)},
		{MethodName: "GetKernelStatus", Handler: unaryHandler("GetKernelStatus", kernelServiceServer.GetKernelStatus)},
		{MethodName: "SetKernelStatus", Handler: unaryHandler("SetKernelStatus", kernelServiceServer.SetKernelStatus)},
		{MethodName: "Simulate", Handler: unaryHandler("Simulate", kernelServiceServer.Simulate)},
		{MethodName: "ResetKernel", Handler: unaryHandler("ResetKernel", kernelServiceServer.ResetKernel)},
		{MethodName: "ResetNetwork", Handler: unaryHandler("ResetNetwork", kernelServiceServer.ResetNetwork)},
		{MethodName: "GetConnections", Handler: unaryHandler("GetConnections", kernelServiceServer.GetConnections)},
		{MethodName: "SetConnectionStatus", Handler: unaryHandler("SetConnectionStatus", kernelServiceServer.SetConnectionStatus)},
		{MethodName: "CopyModel", Handler: unaryHandler("CopyModel", kernelServiceServer.CopyModel)},
		{MethodName: "SetDefaults", Handler: unaryHandler("SetDefaults", kernelServiceServer.SetDefaults)},
		{MethodName: "GetDefaults", Handler: unaryHandler("GetDefaults", kernelServiceServer.GetDefaults)},
		{MethodName: "Models", Handler: unaryHandler("Models", kernelServiceServer.Models)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "spikenet/kernel/v1/kernel.proto",
}

// Server implements the kernel service over one kernel.
type Server struct {
	k   Kernel
	log logging.Logger
}

// NewServer wraps k. A nil logger discards output.
func NewServer(k Kernel, log logging.Logger) *Server {
	return &Server{k: k, log: logging.OrNoop(log)}
}

// Register installs the service on s.
func (s *Server) Register(reg grpc.ServiceRegistrar) {
	reg.RegisterService(&kernelServiceDesc, s)
}

// request converts the incoming struct.
func request(in *structpb.Struct) (model.Dict, error) {
	return StructToDict(in)
}

func reply(d model.Dict) (*structpb.Struct, error) {
	return DictToStruct(d)
}

func empty() (*structpb.Struct, error) {
	return &structpb.Struct{}, nil
}

// nodesField reads a node collection of the served kernel. The kernel
// bounds the spans before expanding them.
func (s *Server) nodesField(d model.Dict, key string) (model.NodeCollection, error) {
	v, ok := d[key]
	if !ok {
		return model.NodeCollection{}, bindErr(key, "missing node collection")
	}
	spans, epoch, err := spansFromValue(key, v)
	if err != nil {
		return model.NodeCollection{}, err
	}
	return s.k.CollectionFromSpans(spans, epoch)
}

// optionalNodes reads a node collection that may be absent.
func (s *Server) optionalNodes(d model.Dict, key string) (*model.NodeCollection, error) {
	if v, ok := d[key]; !ok || v.IsNull() {
		return nil, nil
	}
	nc, err := s.nodesField(d, key)
	if err != nil {
		return nil, err
	}
	return &nc, nil
}

func (s *Server) Create(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	d, err := request(in)
	if err != nil {
		return nil, err
	}
	name, err := stringField(d, "model")
	if err != nil {
		return nil, err
	}
	n, err := intField(d, "n")
	if err != nil {
		return nil, err
	}
	params, err := dictField(d, "params")
	if err != nil {
		return nil, err
	}
	nc, err := s.k.Create(ctx, name, n, params)
	if err != nil {
		return nil, err
	}
	return reply(model.Dict{"nodes": collectionValue(nc)})
}

func (s *Server) Connect(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	d, err := request(in)
	if err != nil {
		return nil, err
	}
	pre, err := s.nodesField(d, "pre")
	if err != nil {
		return nil, err
	}
	post, err := s.nodesField(d, "post")
	if err != nil {
		return nil, err
	}
	connDict, err := dictField(d, "conn_spec")
	if err != nil {
		return nil, err
	}
	synDict, err := dictField(d, "syn_spec")
	if err != nil {
		return nil, err
	}
	conn, err := core.ConnSpecFromDict(connDict)
	if err != nil {
		return nil, model.InCommand("Connect", err)
	}
	syn, err := core.SynSpecFromDict(synDict)
	if err != nil {
		return nil, model.InCommand("Connect", err)
	}
	if err := s.k.Connect(ctx, pre, post, conn, syn); err != nil {
		return nil, err
	}
	return empty()
}

func (s *Server) GetStatus(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	d, err := request(in)
	if err != nil {
		return nil, err
	}
	nc, err := s.nodesField(d, "nodes")
	if err != nil {
		return nil, err
	}
	statuses, err := s.k.GetStatus(nc)
	if err != nil {
		return nil, err
	}
	return reply(model.Dict{"statuses": dictsValue(statuses)})
}

func (s *Server) Get(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	d, err := request(in)
	if err != nil {
		return nil, err
	}
	nc, err := s.nodesField(d, "nodes")
	if err != nil {
		return nil, err
	}
	keys, err := stringsField(d, "keys")
	if err != nil {
		return nil, err
	}
	values, err := s.k.Get(nc, keys...)
	if err != nil {
		return nil, err
	}
	out := make(model.Dict, len(values))
	for key, vs := range values {
		out[key] = model.List(vs...)
	}
	return reply(model.Dict{"values": model.DictValue(out)})
}

// SetStatus takes either "params", broadcast or spread over the
// collection, or "each", one dictionary per element.
func (s *Server) SetStatus(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	d, err := request(in)
	if err != nil {
		return nil, err
	}
	nc, err := s.nodesField(d, "nodes")
	if err != nil {
		return nil, err
	}
	if _, ok := d["each"]; ok {
		each, err := dictsField(d, "each")
		if err != nil {
			return nil, err
		}
		if err := s.k.SetStatusEach(nc, each); err != nil {
			return nil, err
		}
		return empty()
	}
	params, err := dictField(d, "params")
	if err != nil {
		return nil, err
	}
	if err := s.k.SetStatus(nc, params); err != nil {
		return nil, err
	}
	return empty()
}

func (s *Server) GetKernelStatus(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return reply(s.k.KernelStatus())
}

func (s *Server) SetKernelStatus(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	d, err := request(in)
	if err != nil {
		return nil, err
	}
	if err := s.k.SetKernelStatus(d); err != nil {
		return nil, err
	}
	return empty()
}

func (s *Server) Simulate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	d, err := request(in)
	if err != nil {
		return nil, err
	}
	ms, err := floatField(d, "duration_ms")
	if err != nil {
		return nil, err
	}
	if err := s.k.Simulate(ctx, ms); err != nil {
		return nil, err
	}
	return reply(model.Dict{"time_ms": model.Float(s.k.Time())})
}

func (s *Server) ResetKernel(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	s.k.ResetKernel()
	logging.FromContext(ctx, s.log).Info(ctx, "kernel reset over rpc")
	return empty()
}

func (s *Server) ResetNetwork(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	if err := s.k.ResetNetwork(); err != nil {
		return nil, err
	}
	return empty()
}

func (s *Server) connQuery(d model.Dict) (core.ConnQuery, error) {
	var q core.ConnQuery
	var err error
	if q.Source, err = s.optionalNodes(d, "source"); err != nil {
		return q, err
	}
	if q.Target, err = s.optionalNodes(d, "target"); err != nil {
		return q, err
	}
	if v, ok := d["synapse_model"]; ok && !v.IsNull() {
		if q.SynapseModel, err = stringField(d, "synapse_model"); err != nil {
			return q, err
		}
	}
	return q, nil
}

// GetConnections returns the status of every matching connection.
func (s *Server) GetConnections(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	d, err := request(in)
	if err != nil {
		return nil, err
	}
	q, err := s.connQuery(d)
	if err != nil {
		return nil, err
	}
	cc, err := s.k.GetConnections(q)
	if err != nil {
		return nil, err
	}
	statuses, err := s.k.GetConnectionStatus(cc)
	if err != nil {
		return nil, err
	}
	return reply(model.Dict{"connections": dictsValue(statuses)})
}

// SetConnectionStatus applies "params" to the connections a query selects.
func (s *Server) SetConnectionStatus(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	d, err := request(in)
	if err != nil {
		return nil, err
	}
	q, err := s.connQuery(d)
	if err != nil {
		return nil, err
	}
	params, err := dictField(d, "params")
	if err != nil {
		return nil, err
	}
	cc, err := s.k.GetConnections(q)
	if err != nil {
		return nil, err
	}
	if err := s.k.SetConnectionStatus(cc, params); err != nil {
		return nil, err
	}
	return reply(model.Dict{"updated": model.Int(int64(cc.Len()))})
}

func (s *Server) CopyModel(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	d, err := request(in)
	if err != nil {
		return nil, err
	}
	existing, err := stringField(d, "model")
	if err != nil {
		return nil, err
	}
	newName, err := stringField(d, "new_name")
	if err != nil {
		return nil, err
	}
	params, err := dictField(d, "params")
	if err != nil {
		return nil, err
	}
	if err := s.k.CopyModel(existing, newName, params); err != nil {
		return nil, err
	}
	return empty()
}

func (s *Server) SetDefaults(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	d, err := request(in)
	if err != nil {
		return nil, err
	}
	name, err := stringField(d, "model")
	if err != nil {
		return nil, err
	}
	params, err := dictField(d, "params")
	if err != nil {
		return nil, err
	}
	if err := s.k.SetDefaults(name, params); err != nil {
		return nil, err
	}
	return empty()
}

func (s *Server) GetDefaults(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	d, err := request(in)
	if err != nil {
		return nil, err
	}
	name, err := stringField(d, "model")
	if err != nil {
		return nil, err
	}
	defaults, err := s.k.GetDefaults(name)
	if err != nil {
		return nil, err
	}
	return reply(defaults)
}

func (s *Server) Models(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return reply(model.Dict{
		"node_models":    model.Strings(s.k.Models()),
		"synapse_models": model.Strings(s.k.SynapseModels()),
	})
}
