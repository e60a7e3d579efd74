// Package builtin registers the probes shipped with the daemon:
// heartbeat, sysinfo, procwatch and speedtest. Import for side effects:
//
//	import _ "paced/internal/probe/builtin"
package builtin
