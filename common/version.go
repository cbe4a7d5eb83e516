package common

// Version is the build version, overridden at link time with
// -ldflags "-X github.com/stewardvault/recovery-backend/common.Version=...".
var Version = "dev"
