// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package pluginsdk

import (
	"context"
	"errors"
	"fmt"
	"net/rpc"
	"time"

	hashiplug "github.com/hashicorp/go-plugin"

	"github.com/shellbe/shellbe/pkg/plugin"
)

// HookArgs is the RPC request for ExecuteHook.
type HookArgs struct {
	Event    plugin.HookEvent
	HostID   uint32
	Deadline time.Time
}

// CommandArgs is the RPC request for ExecuteCommand.
type CommandArgs struct {
	Name     string
	Args     []string
	HostID   uint32
	Deadline time.Time
}

// RPCPlugin implements go-plugin's net/rpc Plugin interface.
type RPCPlugin struct {
	// Impl is used by the plugin side only.
	Impl Plugin
}

// Server returns the RPC server (called by the plugin process).
func (p *RPCPlugin) Server(b *hashiplug.MuxBroker) (interface{}, error) {
	if p.Impl == nil {
		return nil, errors.New("pluginsdk: plugin implementation is nil")
	}
	return &RPCServer{impl: p.Impl, broker: b}, nil
}

// Client returns the RPC client (called by the host process).
func (p *RPCPlugin) Client(b *hashiplug.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &RPCClient{client: c, broker: b}, nil
}

// RPCServer adapts a Plugin to net/rpc. Exported methods are RPC endpoints.
type RPCServer struct {
	impl   Plugin
	broker *hashiplug.MuxBroker
}

// Info serves Plugin.Info.
func (s *RPCServer) Info(_ interface{}, resp *plugin.Info) (err error) {
	defer recoverInto(&err, "Info")
	*resp = s.impl.Info()
	return nil
}

// Commands serves Plugin.Commands.
func (s *RPCServer) Commands(_ interface{}, resp *[]plugin.Command) (err error) {
	defer recoverInto(&err, "Commands")
	*resp = s.impl.Commands()
	return nil
}

// ExecuteHook serves Plugin.ExecuteHook.
func (s *RPCServer) ExecuteHook(args HookArgs, resp *bool) (err error) {
	defer recoverInto(&err, "ExecuteHook")

	host, closeHost, err := s.dialHost(args.HostID)
	if err != nil {
		return err
	}
	defer closeHost()

	ctx, cancel := deadlineContext(args.Deadline)
	defer cancel()

	if err := s.impl.ExecuteHook(ctx, host, args.Event); err != nil {
		return err
	}
	*resp = true
	return nil
}

// ExecuteCommand serves Plugin.ExecuteCommand.
func (s *RPCServer) ExecuteCommand(args CommandArgs, resp *plugin.CommandResult) (err error) {
	defer recoverInto(&err, "ExecuteCommand")

	host, closeHost, err := s.dialHost(args.HostID)
	if err != nil {
		return err
	}
	defer closeHost()

	ctx, cancel := deadlineContext(args.Deadline)
	defer cancel()

	result, err := s.impl.ExecuteCommand(ctx, host, args.Name, args.Args)
	if err != nil {
		return err
	}
	*resp = result
	return nil
}

func (s *RPCServer) dialHost(id uint32) (Host, func(), error) {
	conn, err := s.broker.Dial(id)
	if err != nil {
		return nil, nil, fmt.Errorf("dial host: %w", err)
	}
	client := rpc.NewClient(conn)
	return &HostRPCClient{client: client}, func() { _ = client.Close() }, nil
}

func deadlineContext(deadline time.Time) (context.Context, context.CancelFunc) {
	if deadline.IsZero() {
		return context.WithCancel(context.Background())
	}
	return context.WithDeadline(context.Background(), deadline)
}

func recoverInto(err *error, method string) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("plugin panicked in %s: %v", method, r)
	}
}

// RPCClient is the host-side view of a binary plugin.
type RPCClient struct {
	client *rpc.Client
	broker *hashiplug.MuxBroker
}

// Info calls Plugin.Info.
func (c *RPCClient) Info(ctx context.Context) (plugin.Info, error) {
	var info plugin.Info
	err := c.call(ctx, "Plugin.Info", new(interface{}), &info)
	return info, err
}

// Commands calls Plugin.Commands.
func (c *RPCClient) Commands(ctx context.Context) ([]plugin.Command, error) {
	var cmds []plugin.Command
	err := c.call(ctx, "Plugin.Commands", new(interface{}), &cmds)
	return cmds, err
}

// ExecuteHook calls Plugin.ExecuteHook, serving host for the duration of the call.
func (c *RPCClient) ExecuteHook(ctx context.Context, host Host, event plugin.HookEvent) error {
	deadline, _ := ctx.Deadline()
	var ok bool
	return c.call(ctx, "Plugin.ExecuteHook", HookArgs{
		Event:    event,
		HostID:   c.serveHost(host),
		Deadline: deadline,
	}, &ok)
}

// ExecuteCommand calls Plugin.ExecuteCommand, serving host for the duration of the call.
func (c *RPCClient) ExecuteCommand(ctx context.Context, host Host, name string, args []string) (plugin.CommandResult, error) {
	deadline, _ := ctx.Deadline()
	var result plugin.CommandResult
	err := c.call(ctx, "Plugin.ExecuteCommand", CommandArgs{
		Name:     name,
		Args:     args,
		HostID:   c.serveHost(host),
		Deadline: deadline,
	}, &result)
	return result, err
}

// serveHost exposes host on a fresh broker stream. The plugin dials it once
// per call; AcceptAndServe returns when that connection closes.
func (c *RPCClient) serveHost(host Host) uint32 {
	id := c.broker.NextId()
	go c.broker.AcceptAndServe(id, &HostRPCServer{Impl: host})
	return id
}

// call issues an RPC and stops waiting when ctx ends. net/rpc has no
// cancellation, so an abandoned call completes into a buffered channel.
func (c *RPCClient) call(ctx context.Context, method string, args, reply interface{}) error {
	call := c.client.Go(method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-call.Done:
		return call.Error
	case <-ctx.Done():
		return ctx.Err()
	}
}
