package common

// Version is set at build time with -ldflags "-X github.com/ruteri/tkey-engine/common.Version=..."
var Version = "dev"
