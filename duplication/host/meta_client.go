// Copyright 2024 The Pegasus Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package host implements the Duplication Host of SPEC_FULL.md §4.4: the
// replica-owning component that runs duplicators only while its partition
// is primary and periodically reconciles progress with the meta server.
package host

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/pegasus-kv/duplication/duplication"
)

// ReplicaConfirms is the per-partition slice of (dupid, decree) progress
// the periodic duty reports to the meta server.
type ReplicaConfirms struct {
	Gpid    duplication.Gpid           `json:"gpid"`
	Entries []duplication.ConfirmEntry `json:"entries"`
}

// ReplicaDuplications is the per-partition authoritative duplication list
// the meta server hands back.
type ReplicaDuplications struct {
	Gpid    duplication.Gpid    `json:"gpid"`
	Entries []duplication.Entry `json:"entries"`
}

// SyncRequest is the duplication_sync RPC request (spec.md §4.4 step 4),
// grouped by app_id per the spec's wording, and tagged with a correlation
// id so slow or dropped rounds are traceable end to end (SPEC_FULL.md
// §4.4).
type SyncRequest struct {
	CorrelationID string                      `json:"correlation_id"`
	Confirms      map[int32][]ReplicaConfirms `json:"confirms"`
}

// SyncResponse is the duplication_sync RPC reply.
type SyncResponse struct {
	CorrelationID string                           `json:"correlation_id"`
	OK            bool                             `json:"ok"`
	ErrorMessage  string                           `json:"error_message,omitempty"`
	DupMap        map[int32][]ReplicaDuplications  `json:"dup_map"`
}

// MetaClient is the narrow interface SPEC_FULL.md §6 defines at the meta
// server RPC boundary. The module ships one implementation, a
// JSON-over-HTTP client, deliberately built on the standard library
// rather than an ecosystem RPC framework — see DESIGN.md.
type MetaClient interface {
	DuplicationSync(ctx context.Context, req *SyncRequest) (*SyncResponse, error)
}

// HTTPMetaClient POSTs a SyncRequest as JSON to baseURL + "/duplication_sync"
// and decodes a SyncResponse from the body.
type HTTPMetaClient struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPMetaClient(baseURL string) *HTTPMetaClient {
	return &HTTPMetaClient{BaseURL: baseURL, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (c *HTTPMetaClient) DuplicationSync(ctx context.Context, req *SyncRequest) (*SyncResponse, error) {
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, duplication.NewError(duplication.Fatal, "marshal duplication_sync request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/duplication_sync", bytes.NewReader(body))
	if err != nil {
		return nil, duplication.NewError(duplication.Fatal, "build duplication_sync request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(httpReq)
	if err != nil {
		return nil, duplication.NewError(duplication.Transient, "duplication_sync transport error", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, duplication.NewError(duplication.Transient, fmt.Sprintf("duplication_sync http status %d", resp.StatusCode), nil)
	}

	var out SyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, duplication.NewError(duplication.Transient, "decode duplication_sync response", err)
	}
	return &out, nil
}
