package lifecycle

import "sync/atomic"

// Host 是宿主提供的阶段交接回调：安装完成后 CompleteInstall，激活完成后 ClaimClients。
type Host interface {
	CompleteInstall()
	ClaimClients()
}

// HostState 是进程内的 Host 实现，记录两个交接信号是否已发出。
// 代理层在 ClaimClients 之前对所有请求直接透传。
type HostState struct {
	installed atomic.Bool
	claimed   atomic.Bool
}

// NewHostState 返回尚未收到任何信号的 HostState。
func NewHostState() *HostState {
	return &HostState{}
}

func (h *HostState) CompleteInstall() {
	h.installed.Store(true)
}

func (h *HostState) ClaimClients() {
	h.claimed.Store(true)
}

// Installed 报告是否已完成安装交接。
func (h *HostState) Installed() bool {
	return h.installed.Load()
}

// Claimed 报告是否已接管客户端请求。
func (h *HostState) Claimed() bool {
	return h.claimed.Load()
}
