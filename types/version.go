package types

// Version is the canonical project version.
// The CLI reports this version; keep it in lockstep when cutting a release.
const Version = "0.4.0"
