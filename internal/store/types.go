package store

import "encoding/json"

// Task lifecycle states reported by the annotation tool.
const (
	TaskAssigned   = "assigned"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
)

// Quality-control states for an overlap group and its member tasks.
const (
	QCPending       = "pending"
	QCPassed        = "passed"
	QCFailed        = "failed"
	QCNotComparable = "not_comparable"
)

// ClipTask is one annotator's assignment to one video clip. Exactly one
// task exists per (annotator, clip) pair; GroupKey is derived from the task
// name and shared by every task covering the same clip.
type ClipTask struct {
	TaskID    int64  `json:"task_id"`
	ProjectID int64  `json:"project_id"`
	Name      string `json:"name"`
	Annotator string `json:"annotator"`
	Status    string `json:"status"`
	QCStatus  string `json:"qc_status"`
	GroupKey  string `json:"group_key"`
	CreatedAt int64  `json:"created_at"`
}

// RawAnnotation is one object instance at one frame as drawn by one
// annotator. Rows are immutable once ingested and are never deleted; they
// form the audit trail every downstream score is recomputable from.
type RawAnnotation struct {
	AnnotationID int64             `json:"annotation_id"`
	TaskID       int64             `json:"task_id"`
	TrackID      int64             `json:"track_id"`
	Frame        int               `json:"frame"`
	XTL          float64           `json:"xtl"`
	YTL          float64           `json:"ytl"`
	XBR          float64           `json:"xbr"`
	YBR          float64           `json:"ybr"`
	Outside      bool              `json:"outside"`
	Attributes   map[string]string `json:"attributes"`
}

// Agreement metric kinds.
const (
	MetricIoUIAA = "iou_iaa"
	MetricKappa  = "kappa"
)

// AgreementRecord is one scalar quality measurement for an overlap group:
// an IoU-based score for a frame/object pair scope, or a Kappa score for an
// attribute scope. Records are immutable; recomputation replaces the
// group's set atomically rather than mutating rows.
type AgreementRecord struct {
	RecordID   string  `json:"record_id"`
	ProjectID  int64   `json:"project_id"`
	GroupKey   string  `json:"group_key"`
	Kind       string  `json:"kind"`
	Scope      string  `json:"scope"`
	Value      float64 `json:"value"`
	NoData     bool    `json:"no_data"`
	ComputedAt int64   `json:"computed_at"`
}

// GroupState is the per-overlap-group quality-control outcome.
type GroupState struct {
	ProjectID int64   `json:"project_id"`
	GroupKey  string  `json:"group_key"`
	State     string  `json:"state"`
	Forced    bool    `json:"forced"`
	IAA       float64 `json:"iaa"`
	IAANoData bool    `json:"iaa_no_data"`
	UpdatedAt int64   `json:"updated_at"`
}

// CanonicalAnnotation is one merged box+attribute record per canonical
// track per frame, produced by a dataset generation run. Rows are
// append-only and never revoked; corrections require a new run.
type CanonicalAnnotation struct {
	ID         int64             `json:"id"`
	RunID      string            `json:"run_id"`
	ProjectID  int64             `json:"project_id"`
	GroupKey   string            `json:"group_key"`
	ClipID     string            `json:"clip_id"`
	TrackIndex int               `json:"track_index"`
	Frame      int               `json:"frame"`
	XTL        float64           `json:"xtl"`
	YTL        float64           `json:"ytl"`
	XBR        float64           `json:"xbr"`
	YBR        float64           `json:"ybr"`
	Policy     string            `json:"policy"`
	Attributes map[string]string `json:"attributes"`
}

func marshalAttributes(attrs map[string]string) (string, error) {
	if attrs == nil {
		attrs = map[string]string{}
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalAttributes(raw string) (map[string]string, error) {
	attrs := map[string]string{}
	if raw == "" {
		return attrs, nil
	}
	if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
		return nil, err
	}
	return attrs, nil
}
