package consts

// 通知主题，经 pkg/bridge 推送给宿主
const (
	EventSessionProgress  = "session.progress"
	EventSessionCompleted = "session.completed"
	EventSessionFailed    = "session.failed"

	EventEngineReloaded     = "engine.reloaded"
	EventEngineReloadFailed = "engine.reload_failed"
)

// Dispatch 路由的方法名
const (
	MethodSystemInfo     = "system.info"
	MethodSessionCreate  = "session.create"
	MethodSessionStatus  = "session.status"
	MethodSessionDetail  = "session.detail"
	MethodSessionList    = "session.list"
	MethodSessionChanges = "session.changes"
	MethodSessionRetry   = "session.retry"
	MethodSessionCancel  = "session.cancel"
	MethodSessionDelete  = "session.delete"
	MethodSessionExport  = "session.export"
	MethodQueueStatus    = "queue.status"
	MethodPromptGet      = "prompt.get"
	MethodPromptSet      = "prompt.set"
	MethodPromptReset    = "prompt.reset"
	MethodConfigUpdate   = "config.update"
)
