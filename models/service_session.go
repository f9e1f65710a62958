package models

// CreateSessionParams 描述创建优化会话的参数
type CreateSessionParams struct {
	Owner          string                `json:"owner"`
	OriginalText   string                `json:"original_text"`
	ProcessingMode ProcessingMode        `json:"processing_mode"`
	StageConfigs   map[Stage]ModelConfig `json:"stage_configs,omitempty"`
}

// SessionParams 用于只需要会话 ID 的接口
type SessionParams struct {
	SessionID string `json:"session_id"`
	Owner     string `json:"owner"`
}

// ListSessionsParams 描述会话列表分页参数
type ListSessionsParams struct {
	Owner  string `json:"owner"`
	Limit  int    `json:"limit"`  // 默认 20，最大 100
	Offset int    `json:"offset"`
}

// ExportParams 描述导出参数，必须确认学术诚信承诺
type ExportParams struct {
	SessionID   string `json:"session_id"`
	Owner       string `json:"owner"`
	Format      string `json:"export_format"`
	Acknowledge bool   `json:"acknowledge_academic_integrity"`
}

// PromptParams 描述自定义提示词
type PromptParams struct {
	Owner   string `json:"owner"`
	Task    string `json:"task"`
	Content string `json:"content"`
}

// QueueStatus is the governor occupancy snapshot returned to clients.
type QueueStatus struct {
	Capacity        int `json:"capacity"`
	ActiveCount     int `json:"active_count"`
	QueuedCount     int `json:"queued_count"`
	PositionInQueue int `json:"position_in_queue"`
	// PendingSessions counts sessions still waiting for a dispatcher worker.
	PendingSessions int `json:"pending_sessions"`
}

// PromptInfo 返回某任务当前生效的系统提示词
type PromptInfo struct {
	Task    string `json:"task"`
	Content string `json:"content"`
	Custom  bool   `json:"custom"`
}

// ExportResult is the rendered plain-text export.
type ExportResult struct {
	Format   string `json:"format"`
	Content  string `json:"content"`
	Filename string `json:"filename"`
}

// SessionDetail bundles a session with its segments.
type SessionDetail struct {
	Session  *SessionRecord   `json:"session"`
	Segments []*SegmentRecord `json:"segments"`
}
