package config

import (
	_ "github.com/any-hub/sw-edge/internal/strategy/cachefirst"
	_ "github.com/any-hub/sw-edge/internal/strategy/networkfirst"
)
