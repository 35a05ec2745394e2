package bus

// Update topics, one per tagged-union variant the core can publish. Every
// component that touches the bus (approval gate, agent session, session
// pool, queue, control plane) publishes one of these; subscribers filter
// themselves by userId, the bus does not filter on their behalf.
const (
	TopicStatusUpdate     = "update.status"
	TopicInputNeeded      = "update.input_needed"
	TopicApprovalRequired = "update.approval_required"
	TopicTaskComplete     = "update.task_complete"
	TopicError            = "update.error"
)

// ApprovalDetails describes the action a pending approval is gating, carried
// inline on an ApprovalRequired update so a client can render it without a
// follow-up call.
type ApprovalDetails struct {
	Action  string `json:"action"`
	Repo    string `json:"repo"`
	Details string `json:"details"`
}

// Update is the tagged union published on the bus and framed verbatim over
// the /ws stream. Type selects which of the tag-specific fields are
// meaningful; fields outside a variant's contract are left zero.
type Update struct {
	Type    string `json:"type"`
	UserID  string `json:"userId"`
	Message string `json:"message"`

	TaskID    string `json:"taskId,omitempty"`
	TaskTitle string `json:"taskTitle,omitempty"`
	RepoKey   string `json:"repoKey,omitempty"`
	Agent     string `json:"agent,omitempty"`

	InputID             string `json:"inputId,omitempty"`
	ExpectedInputFormat string `json:"expectedInputFormat,omitempty"`

	ApprovalID      string           `json:"approvalId,omitempty"`
	ApprovalDetails *ApprovalDetails `json:"approvalDetails,omitempty"`
}

// Update type tags, mirrored 1:1 onto the topic constants above.
const (
	TypeStatusUpdate     = "STATUS_UPDATE"
	TypeInputNeeded      = "INPUT_NEEDED"
	TypeApprovalRequired = "APPROVAL_REQUIRED"
	TypeTaskComplete     = "TASK_COMPLETE"
	TypeError            = "ERROR"
)

// topicFor maps an Update's Type to the bus topic it is published under, so
// a subscriber can filter by prefix without inspecting payloads.
func topicFor(updateType string) string {
	switch updateType {
	case TypeStatusUpdate:
		return TopicStatusUpdate
	case TypeInputNeeded:
		return TopicInputNeeded
	case TypeApprovalRequired:
		return TopicApprovalRequired
	case TypeTaskComplete:
		return TopicTaskComplete
	case TypeError:
		return TopicError
	default:
		return "update.unknown"
	}
}

// PublishUpdate publishes u under the topic matching its Type field.
func (b *Bus) PublishUpdate(u Update) {
	b.Publish(topicFor(u.Type), u)
}
