// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Lumina Assist Contributors

package sdk

import (
	"net/rpc"
)

// rpcServer exposes Service over net/rpc on the plugin side.
type rpcServer struct {
	impl Service
}

func (s *rpcServer) HandleIntent(req IntentRequest, resp *IntentResponse) error {
	out, err := s.impl.HandleIntent(req)
	if err != nil {
		return err
	}
	*resp = out
	return nil
}

func (s *rpcServer) Lifecycle(req LifecycleRequest, _ *struct{}) error {
	return s.impl.Lifecycle(req)
}

// rpcClient is the host-side Service backed by the rpc connection.
type rpcClient struct {
	client *rpc.Client
}

var _ Service = (*rpcClient)(nil)

func (c *rpcClient) HandleIntent(req IntentRequest) (IntentResponse, error) {
	var resp IntentResponse
	if err := c.client.Call("Plugin.HandleIntent", req, &resp); err != nil {
		return IntentResponse{}, err
	}
	return resp, nil
}

func (c *rpcClient) Lifecycle(req LifecycleRequest) error {
	var nothing struct{}
	return c.client.Call("Plugin.Lifecycle", req, &nothing)
}
