package model

import "time"

type NoticeKind int

const (
	NoticeProjectNotFound NoticeKind = iota + 1
	NoticeDeliveryFailed
	// NoticeTest previews the update message an owner would get.
	NoticeTest
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeProjectNotFound:
		return "project_not_found"
	case NoticeDeliveryFailed:
		return "delivery_failed"
	case NoticeTest:
		return "test"
	default:
		return "unknown"
	}
}

// Notice is an operational message to a watch owner. Notices are never
// ledgered and a failed notice produces no further notice.
type Notice struct {
	Kind    NoticeKind `json:"kind"`
	Project Project    `json:"project,omitempty"`
	// Version is set on test notices only.
	Version *VersionRecord `json:"version,omitempty"`
	// Target describes where the failing deliveries were headed.
	Target string    `json:"target,omitempty"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}
