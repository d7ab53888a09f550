package agentapi

import (
	"context"
	"errors"
	"fmt"
	"net/rpc"
	"os/exec"
	"sync"
	"time"

	"github.com/hashicorp/go-plugin"
)

// Handshake is used to verify that a plugin subprocess and this host are
// compatible, grounded on the teacher's plugin handshake pattern.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "AGENTMESH_PLUGIN",
	MagicCookieValue: "agentmesh_agent_v1",
}

// rpcTaskArgs/rpcTaskReply are the net/rpc wire types for ExecuteTask.
type rpcTaskArgs struct {
	StepType string
	Input    map[string]any
	Config   map[string]any
	TimeoutS float64
}

type rpcTaskReply struct {
	Output any
	ErrMsg string
}

// agentRPCClient is the net/rpc client stub dispensed by go-plugin.
type agentRPCClient struct{ client *rpc.Client }

func (c *agentRPCClient) ExecuteTask(task Task) (any, error) {
	args := rpcTaskArgs{StepType: task.StepType, Input: task.Input, Config: task.Config, TimeoutS: task.Timeout.Seconds()}
	var reply rpcTaskReply
	if err := c.client.Call("Plugin.ExecuteTask", args, &reply); err != nil {
		return nil, err
	}
	if reply.ErrMsg != "" {
		return nil, errors.New(reply.ErrMsg)
	}
	return reply.Output, nil
}

func (c *agentRPCClient) HealthCheck() bool {
	var reply bool
	if err := c.client.Call("Plugin.HealthCheck", struct{}{}, &reply); err != nil {
		return false
	}
	return reply
}

func (c *agentRPCClient) Metadata() map[string]string {
	var reply map[string]string
	if err := c.client.Call("Plugin.Metadata", struct{}{}, &reply); err != nil {
		return map[string]string{}
	}
	return reply
}

// agentRPCServer adapts a local AgentPluginImpl to net/rpc, run inside the
// plugin subprocess.
type agentRPCServer struct{ Impl AgentPluginImpl }

func (s *agentRPCServer) ExecuteTask(args rpcTaskArgs, reply *rpcTaskReply) error {
	out, err := s.Impl.ExecuteTask(Task{
		StepType: args.StepType,
		Input:    args.Input,
		Config:   args.Config,
		Timeout:  time.Duration(args.TimeoutS * float64(time.Second)),
	})
	reply.Output = out
	if err != nil {
		reply.ErrMsg = err.Error()
	}
	return nil
}

func (s *agentRPCServer) HealthCheck(_ struct{}, reply *bool) error {
	*reply = s.Impl.HealthCheck()
	return nil
}

func (s *agentRPCServer) Metadata(_ struct{}, reply *map[string]string) error {
	*reply = s.Impl.Metadata()
	return nil
}

// AgentPluginImpl is what a plugin subprocess implements; Serve wraps it
// into a go-plugin-servable type.
type AgentPluginImpl interface {
	ExecuteTask(task Task) (any, error)
	HealthCheck() bool
	Metadata() map[string]string
}

// AgentPlugin adapts an AgentPluginImpl (server side) or dispenses an RPC
// client (host side) for go-plugin's net/rpc transport.
type AgentPlugin struct {
	Impl AgentPluginImpl
}

func (p *AgentPlugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return &agentRPCServer{Impl: p.Impl}, nil
}

func (p *AgentPlugin) Client(b *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &agentRPCClient{client: c}, nil
}

// Serve runs an agent plugin subprocess; call this from a plugin binary's
// main().
func Serve(impl AgentPluginImpl) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]plugin.Plugin{
			"agent": &AgentPlugin{Impl: impl},
		},
	})
}

// PluginAgent is the host-side Agent implementation backed by a plugin
// subprocess. It owns the subprocess lifecycle: lazy start, a restart after
// any ExecuteTask call that returns an error, and clean shutdown (HealthCheck
// does not restart the subprocess) — grounded on the teacher's
// GRPCLoader/BasePluginAdapter lifecycle.
type PluginAgent struct {
	name string
	path string

	mu     sync.Mutex
	client *plugin.Client
	rpcCli *agentRPCClient
	status Status

	maxRestarts int
	restarts    int
}

// NewPluginAgent creates a plugin-backed agent for the executable at path.
// The subprocess is not started until the first call that needs it.
func NewPluginAgent(name, path string) *PluginAgent {
	return &PluginAgent{name: name, path: path, status: StatusUnloaded, maxRestarts: 3}
}

func (a *PluginAgent) ensureStarted() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status == StatusReady {
		return nil
	}
	return a.startLocked()
}

func (a *PluginAgent) startLocked() error {
	a.status = StatusLoading
	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig: Handshake,
		Plugins:         map[string]plugin.Plugin{"agent": &AgentPlugin{}},
		Cmd:             exec.Command(a.path),
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolNetRPC},
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		a.status = StatusError
		return fmt.Errorf("agentapi: start plugin %s: %w", a.name, err)
	}
	raw, err := rpcClient.Dispense("agent")
	if err != nil {
		client.Kill()
		a.status = StatusError
		return fmt.Errorf("agentapi: dispense plugin %s: %w", a.name, err)
	}
	cli, ok := raw.(*agentRPCClient)
	if !ok {
		client.Kill()
		a.status = StatusError
		return fmt.Errorf("agentapi: plugin %s did not return an agent client", a.name)
	}

	a.client = client
	a.rpcCli = cli
	a.status = StatusReady
	a.restarts = 0
	return nil
}

// restartLocked kills and relaunches the subprocess, bounded by maxRestarts
// so a persistently crashing plugin is eventually left Crashed rather than
// retried forever.
func (a *PluginAgent) restartLocked() error {
	if a.restarts >= a.maxRestarts {
		a.status = StatusCrashed
		return fmt.Errorf("agentapi: plugin %s exceeded max restarts (%d)", a.name, a.maxRestarts)
	}
	a.restarts++
	a.status = StatusRestarting
	if a.client != nil {
		a.client.Kill()
	}
	return a.startLocked()
}

func (a *PluginAgent) ExecuteTask(ctx context.Context, task Task) (any, error) {
	if err := a.ensureStarted(); err != nil {
		return nil, err
	}

	type result struct {
		out any
		err error
	}
	done := make(chan result, 1)
	a.mu.Lock()
	cli := a.rpcCli
	a.mu.Unlock()

	go func() {
		out, err := cli.ExecuteTask(task)
		done <- result{out, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			a.mu.Lock()
			_ = a.restartLocked()
			a.mu.Unlock()
		}
		return r.out, r.err
	}
}

func (a *PluginAgent) HealthCheck(ctx context.Context) bool {
	if err := a.ensureStarted(); err != nil {
		return false
	}
	a.mu.Lock()
	cli := a.rpcCli
	a.mu.Unlock()
	return cli.HealthCheck()
}

func (a *PluginAgent) Metadata() map[string]string {
	a.mu.Lock()
	cli := a.rpcCli
	status := a.status
	a.mu.Unlock()
	md := map[string]string{"name": a.name, "kind": "plugin", "status": string(status)}
	if cli != nil {
		for k, v := range cli.Metadata() {
			md[k] = v
		}
	}
	return md
}

// Close terminates the plugin subprocess.
func (a *PluginAgent) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		a.client.Kill()
		a.status = StatusShutdown
	}
}
