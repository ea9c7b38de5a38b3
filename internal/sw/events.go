package sw

import (
	"github.com/any-hub/sw-edge/internal/cache"
	"github.com/any-hub/sw-edge/internal/strategy"
)

// InstallEvent 触发 bucket 预填充，Trigger 仅用于日志（boot/schedule/admin）。
type InstallEvent struct {
	Trigger string
}

// InstallResult 描述一次成功的 install。
type InstallResult struct {
	Version     string
	Entries     int
	SkipWaiting bool
}

// ActivateEvent 触发过期 bucket 清理。
type ActivateEvent struct {
	Trigger string
}

// ActivateResult 描述 activation 的清理结果；Failed 中的错误不会阻止激活。
type ActivateResult struct {
	Version string
	Deleted []string
	Failed  map[string]error
	Claim   bool
}

// FetchEvent 是一次被拦截的请求。
type FetchEvent struct {
	Request    *cache.Request
	ClientID   string
	Navigation bool
	RequestID  string
}

// BypassReason 说明请求为何未被拦截，交由默认网络路径处理。
type BypassReason string

const (
	BypassNone         BypassReason = ""
	BypassMethod       BypassReason = "method"
	BypassExcluded     BypassReason = "excluded"
	BypassNoController BypassReason = "no_controller"
	BypassUncontrolled BypassReason = "uncontrolled"
)

// FetchResult 是 fetch 事件的处理结果。Handled=false 时调用方必须走默认网络路径，
// 且不得读写缓存。
type FetchResult struct {
	Handled  bool
	Bypass   BypassReason
	Response *cache.Response
	Source   strategy.Source
	Stored   bool
	Version  string

	// AssignedClientID 在导航请求首次出现时分配，调用方应回写给客户端。
	AssignedClientID string
}
