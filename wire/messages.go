// Copyright 2024 Francis Michael Stephens. All rights reserved.  Use of this
// source code is governed by an MIT license that can be found in the LICENSE
// file.

// Package wire holds the Go representation of the request/response schema
// exchanged between a distributed object-store's control plane and the
// services fronting this allocator core. Nothing in this module constructs
// or parses these messages: they exist so a collaborator implementing the
// surrounding RPC service has a canonical type to serialize against.
package wire

// BufHandleStatus is the lifecycle state of one buffer handle within a
// segment.
type BufHandleStatus int

const (
	BufHandleInit BufHandleStatus = iota
	BufHandleComplete
	BufHandleFailed
	BufHandleUnregistered
)

// BufHandle names one buffer within a mounted segment.
type BufHandle struct {
	SegmentName string          `json:"segment_name"`
	Size        uint64          `json:"size"`
	Buffer      uint64          `json:"buffer"`
	Status      BufHandleStatus `json:"status"`
}

// ReplicaStatus is the lifecycle state of one replica of a stored key.
type ReplicaStatus int

const (
	ReplicaUndefined ReplicaStatus = iota
	ReplicaInitialized
	ReplicaProcessing
	ReplicaComplete
	ReplicaRemoved
	ReplicaFailed
)

// ReplicaInfo describes one replica's buffer handles and lifecycle state.
type ReplicaInfo struct {
	Handles []BufHandle   `json:"handles"`
	Status  ReplicaStatus `json:"status"`
}

// ReplicateConfig controls how many replicas a Put should create.
type ReplicateConfig struct {
	ReplicaNum int32 `json:"replica_num"`
}

// ExistKeyRequest asks whether key is present.
type ExistKeyRequest struct {
	Key string `json:"key"`
}

// ExistKeyResponse answers an ExistKeyRequest.
type ExistKeyResponse struct {
	StatusCode int32 `json:"status_code"`
}

// GetReplicaListRequest asks for every replica currently holding key.
type GetReplicaListRequest struct {
	Key string `json:"key"`
}

// GetReplicaListResponse lists every replica holding key.
type GetReplicaListResponse struct {
	StatusCode int32         `json:"status_code"`
	Replicas   []ReplicaInfo `json:"replicas"`
}

// PutStartRequest begins a put, reserving buffer space across replicas.
type PutStartRequest struct {
	Key          string          `json:"key"`
	ValueLength  uint64          `json:"value_length"`
	Replicate    ReplicateConfig `json:"replicate"`
	SliceLengths []uint64        `json:"slice_lengths"`
}

// PutStartResponse returns the replicas reserved for a PutStartRequest.
type PutStartResponse struct {
	StatusCode int32         `json:"status_code"`
	Replicas   []ReplicaInfo `json:"replicas"`
}

// PutEndRequest finalizes a put, making the written data visible.
type PutEndRequest struct {
	Key string `json:"key"`
}

// PutEndResponse answers a PutEndRequest.
type PutEndResponse struct {
	StatusCode int32 `json:"status_code"`
}

// PutRevokeRequest cancels a put, releasing its reserved buffer space.
type PutRevokeRequest struct {
	Key string `json:"key"`
}

// PutRevokeResponse answers a PutRevokeRequest.
type PutRevokeResponse struct {
	StatusCode int32 `json:"status_code"`
}

// RemoveRequest deletes key and every replica holding it.
type RemoveRequest struct {
	Key string `json:"key"`
}

// RemoveResponse answers a RemoveRequest.
type RemoveResponse struct {
	StatusCode int32 `json:"status_code"`
}

// MountSegmentRequest registers a new backing-memory segment.
type MountSegmentRequest struct {
	Buffer      uint64 `json:"buffer"`
	Size        uint64 `json:"size"`
	SegmentName string `json:"segment_name"`
}

// MountSegmentResponse answers a MountSegmentRequest.
type MountSegmentResponse struct {
	StatusCode int32 `json:"status_code"`
}

// UnmountSegmentRequest retires a previously mounted segment.
type UnmountSegmentRequest struct {
	SegmentName string `json:"segment_name"`
}

// UnmountSegmentResponse answers an UnmountSegmentRequest.
type UnmountSegmentResponse struct {
	StatusCode int32 `json:"status_code"`
}
