package sw

import "errors"

// State 是单个 Manager 的生命周期状态。
type State string

const (
	StateUninstalled State = "uninstalled"
	StateInstalling  State = "installing"
	StateWaiting     State = "waiting"
	StateActivating  State = "activating"
	StateActive      State = "active"
	// StateRedundant 表示 install 失败或已被新版本取代。
	StateRedundant State = "redundant"
)

var (
	// ErrInvalidState 表示事件与当前状态不匹配，例如未 install 就 activate。
	ErrInvalidState = errors.New("invalid lifecycle state")
	// ErrNotActive 表示 fetch 事件到达了尚未激活（或已失效）的版本。
	ErrNotActive = errors.New("cache version is not active")
	// ErrIncompleteBucket 表示磁盘上已有的 bucket 缺少 manifest 条目，不能直接沿用。
	ErrIncompleteBucket = errors.New("existing bucket does not cover the manifest")
)
