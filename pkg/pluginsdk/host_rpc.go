// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package pluginsdk

import (
	"net/rpc"
)

// LogArgs is the RPC request for Host.Log.
type LogArgs struct {
	Level   string
	Message string
}

// PathArgs is the RPC request for path-only host calls.
type PathArgs struct {
	Path string
}

// WriteArgs is the RPC request for Host.WriteFile and Host.AppendFile.
type WriteArgs struct {
	Path string
	Data []byte
}

// URLArgs is the RPC request for Host.HTTPGet.
type URLArgs struct {
	URL string
}

// HostRPCServer exposes a Host to the plugin process. It runs inside the
// host; the plugin reaches it through HostRPCClient.
type HostRPCServer struct {
	Impl Host
}

// Log serves Host.Log.
func (s *HostRPCServer) Log(args LogArgs, resp *bool) error {
	if err := s.Impl.Log(args.Level, args.Message); err != nil {
		return err
	}
	*resp = true
	return nil
}

// ReadFile serves Host.ReadFile.
func (s *HostRPCServer) ReadFile(args PathArgs, resp *[]byte) error {
	data, err := s.Impl.ReadFile(args.Path)
	if err != nil {
		return err
	}
	*resp = data
	return nil
}

// WriteFile serves Host.WriteFile.
func (s *HostRPCServer) WriteFile(args WriteArgs, resp *bool) error {
	if err := s.Impl.WriteFile(args.Path, args.Data); err != nil {
		return err
	}
	*resp = true
	return nil
}

// AppendFile serves Host.AppendFile.
func (s *HostRPCServer) AppendFile(args WriteArgs, resp *bool) error {
	if err := s.Impl.AppendFile(args.Path, args.Data); err != nil {
		return err
	}
	*resp = true
	return nil
}

// ListDir serves Host.ListDir.
func (s *HostRPCServer) ListDir(args PathArgs, resp *[]string) error {
	names, err := s.Impl.ListDir(args.Path)
	if err != nil {
		return err
	}
	*resp = names
	return nil
}

// HTTPGet serves Host.HTTPGet.
func (s *HostRPCServer) HTTPGet(args URLArgs, resp *HTTPResponse) error {
	r, err := s.Impl.HTTPGet(args.URL)
	if err != nil {
		return err
	}
	*resp = r
	return nil
}

// DataDir serves Host.DataDir.
func (s *HostRPCServer) DataDir(_ interface{}, resp *string) error {
	dir, err := s.Impl.DataDir()
	if err != nil {
		return err
	}
	*resp = dir
	return nil
}

// HostRPCClient implements Host inside the plugin process.
type HostRPCClient struct {
	client *rpc.Client
}

var _ Host = (*HostRPCClient)(nil)

// Log implements Host.
func (c *HostRPCClient) Log(level, message string) error {
	var ok bool
	return c.client.Call("Plugin.Log", LogArgs{Level: level, Message: message}, &ok)
}

// ReadFile implements Host.
func (c *HostRPCClient) ReadFile(path string) ([]byte, error) {
	var data []byte
	err := c.client.Call("Plugin.ReadFile", PathArgs{Path: path}, &data)
	return data, err
}

// WriteFile implements Host.
func (c *HostRPCClient) WriteFile(path string, data []byte) error {
	var ok bool
	return c.client.Call("Plugin.WriteFile", WriteArgs{Path: path, Data: data}, &ok)
}

// AppendFile implements Host.
func (c *HostRPCClient) AppendFile(path string, data []byte) error {
	var ok bool
	return c.client.Call("Plugin.AppendFile", WriteArgs{Path: path, Data: data}, &ok)
}

// ListDir implements Host.
func (c *HostRPCClient) ListDir(path string) ([]string, error) {
	var names []string
	err := c.client.Call("Plugin.ListDir", PathArgs{Path: path}, &names)
	return names, err
}

// HTTPGet implements Host.
func (c *HostRPCClient) HTTPGet(url string) (HTTPResponse, error) {
	var resp HTTPResponse
	err := c.client.Call("Plugin.HTTPGet", URLArgs{URL: url}, &resp)
	return resp, err
}

// DataDir implements Host.
func (c *HostRPCClient) DataDir() (string, error) {
	var dir string
	err := c.client.Call("Plugin.DataDir", new(interface{}), &dir)
	return dir, err
}
