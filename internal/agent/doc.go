// Package agent 是系统的业务门面: 对外提供目标提交、执行驱动、
// 状态查询与偏好管理, 对内协调目标管理器、调度器与能力注册表。
package agent
