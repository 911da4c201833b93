// Package api 暴露 REST 接口: 目标提交与查询、同步执行、
// 运行状态快照与偏好管理。
package api
