package forge

import "fmt"

// Capabilities is the capability set the client caches after a single
// version probe at start-up. Every endpoint that varies by forge
// version routes through this set instead of probing attributes ad
// hoc.
type Capabilities struct {
	Version                    string
	Supported                   bool
	SupportsMRPipelinesEndpoint bool
	SupportsSquash              bool
	SupportsLockedState         bool
}

// minVersionMRPipelines is the first forge version exposing the
// MR-indexed pipeline lookup ("forge versions >= v10.5" per the MR
// pipeline lookup fallback).
const minVersionMRPipelines = "10.5"

// minVersionSupported is the floor below which the bot refuses to
// run at all: earlier forges lack the approval and merge-request
// endpoints the worker depends on unconditionally.
const minVersionSupported = "9.0"

// capabilitiesFor derives a Capabilities set from a raw version
// string such as "10.4.2-ee" or "12.0.0".
func capabilitiesFor(version string) Capabilities {
	supportsMRPipelines := compareVersions(version, minVersionMRPipelines) >= 0
	return Capabilities{
		Version:                     version,
		Supported:                   compareVersions(version, minVersionSupported) >= 0,
		SupportsMRPipelinesEndpoint: supportsMRPipelines,
		SupportsSquash:              compareVersions(version, "9.12") >= 0,
		SupportsLockedState:         compareVersions(version, "11.0") >= 0,
	}
}

// compareVersions compares dotted numeric prefixes of a and b,
// ignoring any trailing non-numeric suffix (e.g. "-ee"). Returns -1,
// 0, or 1.
func compareVersions(a, b string) int {
	pa := parseVersionPrefix(a)
	pb := parseVersionPrefix(b)
	n := len(pa)
	if len(pb) > n {
		n = len(pb)
	}
	for i := 0; i < n; i++ {
		var va, vb int
		if i < len(pa) {
			va = pa[i]
		}
		if i < len(pb) {
			vb = pb[i]
		}
		if va != vb {
			if va < vb {
				return -1
			}
			return 1
		}
	}
	return 0
}

func parseVersionPrefix(v string) []int {
	var out []int
	cur := 0
	have := false
	for _, r := range v {
		if r >= '0' && r <= '9' {
			cur = cur*10 + int(r-'0')
			have = true
			continue
		}
		if r == '.' {
			out = append(out, cur)
			cur = 0
			have = false
			continue
		}
		break
	}
	if have {
		out = append(out, cur)
	}
	return out
}

func (c Capabilities) String() string {
	return fmt.Sprintf("forge v%s (mr-pipelines=%v squash=%v locked=%v)",
		c.Version, c.SupportsMRPipelinesEndpoint, c.SupportsSquash, c.SupportsLockedState)
}
