package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/reelforge/reelforge-backend/internal/domain"
	"github.com/reelforge/reelforge-backend/internal/services"
)

// Node names the stages of the production graph. The graph is:
//
//	ideation -> ideation_approval -> {production | end}
//	production -> {editing | wait_for_generation}
//	wait_for_generation -> editing
//	editing -> {publish_approval | wait_for_render}
//	wait_for_render -> publish_approval
//	publish_approval -> {publishing | end}
//	publishing -> end
type Node string

const (
	NodeIdeation          Node = "ideation"
	NodeIdeationApproval  Node = "ideation_approval"
	NodeProduction        Node = "production"
	NodeWaitForGeneration Node = "wait_for_generation"
	NodeEditing           Node = "editing"
	NodeWaitForRender     Node = "wait_for_render"
	NodePublishApproval   Node = "publish_approval"
	NodePublishing        Node = "publishing"
	NodeEnd               Node = "end"
)

const (
	PhaseGeneration = "generation"
	PhaseRender     = "render"

	GateIdeation = "ideation"
	GatePublish  = "publish"
)

// Interrupt is the explicit "paused, awaiting an external signal" marker. A
// checkpoint carries at most one. Absence (nil) means the run is not paused.
type Interrupt struct {
	ID        string `json:"id"`
	Reason    string `json:"reason"`
	Resumable bool   `json:"resumable"`
}

// Interrupt ids are stable per (run, phase/gate) so a resume raced against a
// superseded pause is detectable.
func GateInterruptID(runID uuid.UUID, gate string) string {
	return fmt.Sprintf("gate:%s:%s", runID, gate)
}

func CallbackInterruptID(runID uuid.UUID, phase string) string {
	return fmt.Sprintf("callback:%s:%s", runID, phase)
}

type ClipRef struct {
	Slot   int    `json:"slot"`
	TaskID string `json:"task_id"`
	URL    string `json:"url"`
}

// State is the complete per-run workflow snapshot persisted in every
// checkpoint. Transition functions read and mutate it; nothing else does.
type State struct {
	Version int       `json:"version"`
	RunID   uuid.UUID `json:"run_id"`
	Node    Node      `json:"node"`

	Brief map[string]any      `json:"brief,omitempty"`
	Idea  *services.IdeaDraft `json:"idea,omitempty"`

	IdeaApproved    bool   `json:"idea_approved,omitempty"`
	IdeaRejected    bool   `json:"idea_rejected,omitempty"`
	PublishApproved bool   `json:"publish_approved,omitempty"`
	PublishRejected bool   `json:"publish_rejected,omitempty"`
	RejectReason    string `json:"reject_reason,omitempty"`

	GenerationTasks []services.GenerationTask `json:"generation_tasks,omitempty"`
	ExpectedClips   int                       `json:"expected_clips,omitempty"`
	Clips           []ClipRef                 `json:"clips,omitempty"`

	RenderJobID string `json:"render_job_id,omitempty"`
	VideoURL    string `json:"video_url,omitempty"`

	PublishPollURL string `json:"publish_poll_url,omitempty"`
	PublishedURL   string `json:"published_url,omitempty"`

	Failure string `json:"failure,omitempty"`
}

func NewState(runID uuid.UUID, brief map[string]any) *State {
	return &State{
		Version: 1,
		RunID:   runID,
		Node:    NodeIdeation,
		Brief:   brief,
	}
}

// RunStatus projects the node (plus terminal flags) onto the run-row status.
func (s *State) RunStatus() string {
	switch s.Node {
	case NodeIdeation:
		return domain.RunStatusIdeation
	case NodeIdeationApproval:
		return domain.RunStatusAwaitingIdeationApproval
	case NodeProduction:
		return domain.RunStatusProduction
	case NodeWaitForGeneration:
		return domain.RunStatusAwaitingGeneration
	case NodeEditing:
		return domain.RunStatusEditing
	case NodeWaitForRender:
		return domain.RunStatusAwaitingRender
	case NodePublishApproval:
		return domain.RunStatusAwaitingPublishApproval
	case NodePublishing:
		return domain.RunStatusPublishing
	case NodeEnd:
		switch {
		case s.Failure != "":
			return domain.RunStatusFailed
		case s.IdeaRejected || s.PublishRejected:
			return domain.RunStatusRejected
		default:
			return domain.RunStatusPublished
		}
	}
	return domain.RunStatusFailed
}

// StatusRank orders statuses along the graph for the forward-only invariant.
// Terminal states share the highest rank.
func StatusRank(status string) int {
	switch status {
	case domain.RunStatusIdeation:
		return 0
	case domain.RunStatusAwaitingIdeationApproval:
		return 1
	case domain.RunStatusProduction:
		return 2
	case domain.RunStatusAwaitingGeneration:
		return 3
	case domain.RunStatusEditing:
		return 4
	case domain.RunStatusAwaitingRender:
		return 5
	case domain.RunStatusAwaitingPublishApproval:
		return 6
	case domain.RunStatusPublishing:
		return 7
	case domain.RunStatusPublished, domain.RunStatusRejected, domain.RunStatusFailed:
		return 8
	}
	return -1
}

func encodeState(st *State) (datatypes.JSON, error) {
	raw, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

func decodeState(raw datatypes.JSON) (*State, error) {
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func encodeInterrupt(in *Interrupt) (datatypes.JSON, error) {
	if in == nil {
		return nil, nil
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

func decodeInterrupt(raw datatypes.JSON) (*Interrupt, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var in Interrupt
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, err
	}
	if in.ID == "" {
		return nil, nil
	}
	return &in, nil
}
