package model

import "time"

// RunInfo 升级任务概要信息
type RunInfo struct {
	RunID         string `json:"run_id"`         // 升级任务唯一标识符
	Volume        string `json:"volume"`         // 集群数据卷名称
	SourceVersion int    `json:"source_version"` // 升级前的主版本号
	TargetVersion int    `json:"target_version"` // 目标主版本号
	State         string `json:"state"`          // 当前状态 - 'Init'...'Done'；'Failed'失败
}

// Run 升级任务数据库模型
type Run struct {
	ID            string     `json:"id"`             // 升级任务ID（uuid）
	Volume        string     `json:"volume"`         // 集群数据卷名称
	BackupVolume  string     `json:"backup_volume"`  // 备份数据卷名称
	SourceVersion int        `json:"source_version"` // 源版本
	TargetVersion int        `json:"target_version"` // 目标版本
	State         string     `json:"state"`          // 任务状态
	FailedStage   string     `json:"failed_stage"`   // 失败时所处阶段
	Reason        string     `json:"reason"`         // 失败原因
	StartedAt     time.Time  `json:"started_at"`     // 开始时间
	FinishedAt    *time.Time `json:"finished_at"`    // 结束时间，未结束时为空
}

// RunDatabase 单个数据库迁移记录数据库模型
type RunDatabase struct {
	ID          int    `json:"id"`           // 自增主键
	RunID       string `json:"run_id"`       // 升级任务ID
	Database    string `json:"database"`     // 数据库名称
	SourceCount int    `json:"source_count"` // 源端表与视图数量
	DestCount   int    `json:"dest_count"`   // 目标端表与视图数量
	Bytes       int64  `json:"bytes"`        // 传输字节数
	Outcome     string `json:"outcome"`      // 结果 - 'transferred'；'skipped'；'failed'
	Reason      string `json:"reason"`       // 说明
}

// RunDatabaseOutcome 根据迁移结果给出记录状态
func RunDatabaseOutcome(r TransferResult) string {
	switch {
	case r.Skipped:
		return "skipped"
	case r.Success:
		return "transferred"
	default:
		return "failed"
	}
}
