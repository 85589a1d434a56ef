package model

import "strings"

// TriggerType records why a trigger fired.
type TriggerType string

const (
	TriggerCron    TriggerType = "CRON"
	TriggerManual  TriggerType = "MANUAL"
	TriggerRetry   TriggerType = "RETRY"
	TriggerParent  TriggerType = "PARENT"
	TriggerAPI     TriggerType = "API"
	TriggerMisfire TriggerType = "MISFIRE"
)

// BlockStrategy governs what happens when a trigger arrives while a prior
// execution for the same job is still active on the executor.
type BlockStrategy string

const (
	BlockSerial       BlockStrategy = "SERIAL_EXECUTION"
	BlockDiscardLater BlockStrategy = "DISCARD_LATER"
	BlockCoverEarly   BlockStrategy = "COVER_EARLY"
)

// MatchBlockStrategy resolves a strategy tag, falling back to def for
// unknown or empty tags. Never returns a silent zero value when def is set.
func MatchBlockStrategy(name string, def BlockStrategy) BlockStrategy {
	switch BlockStrategy(strings.ToUpper(strings.TrimSpace(name))) {
	case BlockSerial:
		return BlockSerial
	case BlockDiscardLater:
		return BlockDiscardLater
	case BlockCoverEarly:
		return BlockCoverEarly
	default:
		return def
	}
}

// GlueType identifies how a job's executable unit is resolved.
type GlueType string

const (
	GlueBean GlueType = "BEAN"
	// GlueGo is the in-process dynamic unit: source text compiled through the
	// prototype factory. A narrower capability than scripts; see executor/glue.
	GlueGo GlueType = "GLUE_GO"

	GlueShell      GlueType = "SCRIPT_SHELL"
	GluePython     GlueType = "SCRIPT_PYTHON"
	GlueNode       GlueType = "SCRIPT_NODE"
	GluePHP        GlueType = "SCRIPT_PHP"
	GluePowershell GlueType = "SCRIPT_POWERSHELL"
)

func MatchGlueType(name string) (GlueType, bool) {
	switch GlueType(strings.ToUpper(strings.TrimSpace(name))) {
	case GlueBean:
		return GlueBean, true
	case GlueGo:
		return GlueGo, true
	case GlueShell:
		return GlueShell, true
	case GluePython:
		return GluePython, true
	case GlueNode:
		return GlueNode, true
	case GluePHP:
		return GluePHP, true
	case GluePowershell:
		return GluePowershell, true
	default:
		return "", false
	}
}

// IsScript reports whether the glue type runs as an external process.
func (g GlueType) IsScript() bool {
	switch g {
	case GlueShell, GluePython, GlueNode, GluePHP, GluePowershell:
		return true
	default:
		return false
	}
}

// Cmd returns the interpreter command for a script glue type.
func (g GlueType) Cmd() string {
	switch g {
	case GlueShell:
		return "bash"
	case GluePython:
		return "python3"
	case GlueNode:
		return "node"
	case GluePHP:
		return "php"
	case GluePowershell:
		return "powershell"
	default:
		return ""
	}
}

// Ext returns the on-disk file extension for a script glue type.
func (g GlueType) Ext() string {
	switch g {
	case GlueShell:
		return ".sh"
	case GluePython:
		return ".py"
	case GlueNode:
		return ".js"
	case GluePHP:
		return ".php"
	case GluePowershell:
		return ".ps1"
	default:
		return ""
	}
}

// Route strategy tags. Implementations live in internal/route; tags live here
// so job definitions and config can reference them without importing route.
const (
	RouteFirst             = "FIRST"
	RouteLast              = "LAST"
	RouteRound             = "ROUND"
	RouteRandom            = "RANDOM"
	RouteConsistentHash    = "CONSISTENT_HASH"
	RouteLFU               = "LEAST_FREQUENTLY_USED"
	RouteLRU               = "LEAST_RECENTLY_USED"
	RouteFailover          = "FAILOVER"
	RouteBusyover          = "BUSYOVER"
	RouteShardingBroadcast = "SHARDING_BROADCAST"
)
