package server

import (
	"encoding/json"

	"github.com/ChuLiYu/stagecoach/pkg/types"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Every RPC carries a google.protobuf.Struct. These are the typed views
// both ends decode into.

type AdvanceRequest struct {
	Pipeline   string `json:"pipeline"`
	ID         string `json:"id"`
	Stage      string `json:"stage,omitempty"`
	Status     string `json:"status,omitempty"`
	Message    string `json:"message,omitempty"`
	Percentage *int   `json:"percentage,omitempty"`
	Fail       bool   `json:"fail,omitempty"` // move to the failure stage instead
}

type AdvanceReply struct {
	Accepted  bool              `json:"accepted"`
	Duplicate bool              `json:"duplicate"`
	Snapshot  types.JobSnapshot `json:"snapshot"`
}

type GetJobRequest struct {
	Pipeline string `json:"pipeline"`
	ID       string `json:"id"`
	History  bool   `json:"history,omitempty"`
}

type GetJobReply struct {
	Snapshot types.JobSnapshot     `json:"snapshot"`
	Events   []types.ProgressEvent `json:"events,omitempty"`
}

type IssueTokenRequest struct {
	Pipeline   string `json:"pipeline"`
	ID         string `json:"id"`
	Stage      string `json:"stage"`
	Work       string `json:"work,omitempty"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

type IssueTokenReply struct {
	Token     string          `json:"token"`
	WorkID    string          `json:"work_id"`
	JobID     types.JobID     `json:"job_id"`
	Stage     types.StageName `json:"stage"`
	Work      string          `json:"work"`
	ExpiresAt int64           `json:"expires_at"`
}

type RedeemRequest struct {
	Token  string         `json:"token"`
	Output map[string]any `json:"output,omitempty"`
}

type RedeemReply struct {
	Snapshot types.JobSnapshot `json:"snapshot"`
}

type RouteReply struct {
	Branch string         `json:"branch"`
	Data   map[string]any `json:"data"`
}

func encode(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(b, s); err != nil {
		return nil, err
	}
	return s, nil
}

func decode(s *structpb.Struct, v any) error {
	if s == nil {
		s = &structpb.Struct{}
	}
	b, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
