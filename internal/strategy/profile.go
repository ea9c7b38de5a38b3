package strategy

import "time"

// Options 描述来自 Worker Config 的 override。
type Options struct {
	NetworkTimeoutOverride time.Duration
}

// ResolveProfile 将策略的默认 Profile 与 worker 级覆盖合并。
func ResolveProfile(meta Metadata, opts Options) Profile {
	profile := meta.Profile
	if opts.NetworkTimeoutOverride > 0 {
		profile.NetworkTimeout = opts.NetworkTimeoutOverride
	}
	return normalizeProfile(profile)
}

func normalizeProfile(profile Profile) Profile {
	if profile.NetworkTimeout < 0 {
		profile.NetworkTimeout = 0
	}
	// 只有 network-first 才会等待网络超时后回退缓存。
	if !profile.NetworkFirst {
		profile.NetworkTimeout = 0
	}
	return profile
}
