package api

import (
	"context"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/spikenet/core"
	"github.com/signalsfoundry/spikenet/model"
)

// Client is a typed client of the kernel service. Failures come back as
// *model.KernelError or *BindingError, as they were raised on the server.
type Client struct {
	cc grpc.ClientConnInterface
	// owned is closed by Close when the client dialled it.
	owned *grpc.ClientConn
}

// Dial connects to a kernel service at addr.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithUnaryInterceptor(RunIDUnaryClientInterceptor()),
	}, opts...)
	cc, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, err
	}
	return &Client{cc: cc, owned: cc}, nil
}

// NewClient uses an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Close releases a connection opened by Dial.
func (c *Client) Close() error {
	if c.owned == nil {
		return nil
	}
	return c.owned.Close()
}

func (c *Client) call(ctx context.Context, method string, req model.Dict) (model.Dict, error) {
	in, err := DictToStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/"+method, in, out); err != nil {
		return nil, FromStatusError(err)
	}
	return StructToDict(out)
}

func (c *Client) Create(ctx context.Context, modelName string, n int, params model.Dict) (model.NodeCollection, error) {
	req := model.Dict{"model": model.String(modelName), "n": model.Int(int64(n))}
	if params != nil {
		req["params"] = model.DictValue(params)
	}
	resp, err := c.call(ctx, "Create", req)
	if err != nil {
		return model.NodeCollection{}, err
	}
	v, ok := resp["nodes"]
	if !ok {
		return model.NodeCollection{}, bindErr("nodes", "missing node collection")
	}
	return collectionFromValue("nodes", v)
}

func (c *Client) Connect(ctx context.Context, pre, post model.NodeCollection, conn core.ConnSpec, syn core.SynSpec) error {
	_, err := c.call(ctx, "Connect", model.Dict{
		"pre":       collectionValue(pre),
		"post":      collectionValue(post),
		"conn_spec": model.DictValue(conn.Dict()),
		"syn_spec":  model.DictValue(syn.Dict()),
	})
	return err
}

func (c *Client) GetStatus(ctx context.Context, nc model.NodeCollection) ([]model.Dict, error) {
	resp, err := c.call(ctx, "GetStatus", model.Dict{"nodes": collectionValue(nc)})
	if err != nil {
		return nil, err
	}
	return dictsField(resp, "statuses")
}

func (c *Client) Get(ctx context.Context, nc model.NodeCollection, keys ...string) (map[string][]model.Value, error) {
	resp, err := c.call(ctx, "Get", model.Dict{"nodes": collectionValue(nc), "keys": model.Strings(keys)})
	if err != nil {
		return nil, err
	}
	values, err := dictField(resp, "values")
	if err != nil {
		return nil, err
	}
	out := make(map[string][]model.Value, len(values))
	for key, v := range values {
		items, err := v.AsList()
		if err != nil {
			return nil, bindErr(join("values", key), "must be a list")
		}
		out[key] = items
	}
	return out, nil
}

func (c *Client) SetStatus(ctx context.Context, nc model.NodeCollection, params model.Dict) error {
	_, err := c.call(ctx, "SetStatus", model.Dict{"nodes": collectionValue(nc), "params": model.DictValue(params)})
	return err
}

func (c *Client) SetStatusEach(ctx context.Context, nc model.NodeCollection, each []model.Dict) error {
	_, err := c.call(ctx, "SetStatus", model.Dict{"nodes": collectionValue(nc), "each": dictsValue(each)})
	return err
}

func (c *Client) KernelStatus(ctx context.Context) (model.Dict, error) {
	return c.call(ctx, "GetKernelStatus", model.Dict{})
}

func (c *Client) SetKernelStatus(ctx context.Context, d model.Dict) error {
	_, err := c.call(ctx, "SetKernelStatus", d)
	return err
}

// Simulate advances the remote kernel and returns the time reached.
func (c *Client) Simulate(ctx context.Context, ms float64) (float64, error) {
	resp, err := c.call(ctx, "Simulate", model.Dict{"duration_ms": model.Float(ms)})
	if err != nil {
		return 0, err
	}
	return floatField(resp, "time_ms")
}

func (c *Client) ResetKernel(ctx context.Context) error {
	_, err := c.call(ctx, "ResetKernel", model.Dict{})
	return err
}

func (c *Client) ResetNetwork(ctx context.Context) error {
	_, err := c.call(ctx, "ResetNetwork", model.Dict{})
	return err
}

func queryDict(q core.ConnQuery) model.Dict {
	d := model.Dict{}
	if q.Source != nil {
		d["source"] = collectionValue(*q.Source)
	}
	if q.Target != nil {
		d["target"] = collectionValue(*q.Target)
	}
	if q.SynapseModel != "" {
		d["synapse_model"] = model.String(q.SynapseModel)
	}
	return d
}

// GetConnections returns the status of every connection matching q.
func (c *Client) GetConnections(ctx context.Context, q core.ConnQuery) ([]model.Dict, error) {
	resp, err := c.call(ctx, "GetConnections", queryDict(q))
	if err != nil {
		return nil, err
	}
	return dictsField(resp, "connections")
}

// SetConnectionStatus updates the connections matching q and returns how
// many there were.
func (c *Client) SetConnectionStatus(ctx context.Context, q core.ConnQuery, params model.Dict) (int, error) {
	req := queryDict(q)
	req["params"] = model.DictValue(params)
	resp, err := c.call(ctx, "SetConnectionStatus", req)
	if err != nil {
		return 0, err
	}
	return intField(resp, "updated")
}

func (c *Client) CopyModel(ctx context.Context, existing, newName string, params model.Dict) error {
	req := model.Dict{"model": model.String(existing), "new_name": model.String(newName)}
	if params != nil {
		req["params"] = model.DictValue(params)
	}
	_, err := c.call(ctx, "CopyModel", req)
	return err
}

func (c *Client) SetDefaults(ctx context.Context, name string, params model.Dict) error {
	_, err := c.call(ctx, "SetDefaults", model.Dict{"model": model.String(name), "params": model.DictValue(params)})
	return err
}

func (c *Client) GetDefaults(ctx context.Context, name string) (model.Dict, error) {
	return c.call(ctx, "GetDefaults", model.Dict{"model": model.String(name)})
}

// Models lists the node and synapse models of the remote kernel.
func (c *Client) Models(ctx context.Context) (nodeModels, synapseModels []string, err error) {
	resp, err := c.call(ctx, "Models", model.Dict{})
	if err != nil {
		return nil, nil, err
	}
	if nodeModels, err = stringsField(resp, "node_models"); err != nil {
		return nil, nil, err
	}
	synapseModels, err = stringsField(resp, "synapse_models")
	return nodeModels, synapseModels, err
}
