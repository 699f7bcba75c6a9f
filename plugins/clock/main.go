// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Lumina Assist Contributors

// Package main implements the clock plugin, a minimal binary plugin
// used to exercise the subprocess runtime.
//
// Build it into the package directory before installing:
//
//	go build -o plugins/clock/clock ./plugins/clock
package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lumina-assist/lumina/pkg/sdk"
)

type clockService struct{}

func (clockService) HandleIntent(req sdk.IntentRequest) (sdk.IntentResponse, error) {
	now := time.Now()

	var speech string
	switch req.IntentID {
	case "clock.time":
		speech = now.Format("it is 3:04 PM")
	case "clock.date":
		speech = now.Format("today is Monday, January 2")
	default:
		return sdk.IntentResponse{}, fmt.Errorf("unknown intent %s", req.IntentID)
	}

	result, err := json.Marshal(map[string]any{
		"speech": speech,
		"unix":   now.Unix(),
	})
	if err != nil {
		return sdk.IntentResponse{}, err
	}
	return sdk.IntentResponse{Result: result}, nil
}

func (clockService) Lifecycle(sdk.LifecycleRequest) error {
	return nil
}

func main() {
	sdk.Serve(clockService{})
}
