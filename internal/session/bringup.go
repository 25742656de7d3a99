package session

import "fmt"

// Well-known firmware constants. The section symbol and identifier are
// hard-coded in the rtt_target library; the search window is generous on
// purpose.
const (
	RTTSectionSymbol        = "_SEGGER_RTT"
	RTTSearchedMemoryLength = 0x800
	RTTSectionID            = "SEGGER RTT"
	InitFunctionSymbol      = "calldwell::initialize"
)

// bringUp exposes the target's trace buffer over the debugger connection
// and opens a client to it. It runs with the target executing: it plants
// a breakpoint at the firmware initialization entry point, waits for it,
// steps out of the interrupted function so the control block is fully
// set up, then starts the RTT server and capture.
func bringUp(cfg *Config, dbg Debugger, address uint64) (TraceChannel, error) {
	if err := dbg.SetBreakpoint(InitFunctionSymbol); err != nil {
		return nil, failure(CategoryBringUp, "set breakpoint @ "+InitFunctionSymbol, err)
	}
	if err := dbg.ContinueProgram(); err != nil {
		return nil, failure(CategoryBringUp, "continue to "+InitFunctionSymbol, err)
	}
	if err := dbg.WaitForBreakpointHit(); err != nil {
		return nil, failure(CategoryBringUp, "wait for breakpoint @ "+InitFunctionSymbol, err)
	}
	if err := dbg.FinishFunction(); err != nil {
		return nil, failure(CategoryBringUp, "finish "+InitFunctionSymbol, err)
	}
	if err := dbg.StartRTTServer(cfg.RTTServerPort, 0); err != nil {
		return nil, failuref(CategoryBringUp, "start rtt server",
			"tcp port %d: %w", cfg.RTTServerPort, err)
	}
	if err := dbg.SetupRTT(address, RTTSearchedMemoryLength, RTTSectionID); err != nil {
		return nil, failuref(CategoryBringUp, "setup rtt",
			"section @ %#x (searched %d bytes): %w", address, RTTSearchedMemoryLength, err)
	}
	if err := dbg.StartRTT(); err != nil {
		return nil, failure(CategoryBringUp, "start rtt", fmt.Errorf("control block probably not found: %w", err))
	}
	trace, err := cfg.DialTrace(cfg.HostAddr, cfg.RTTServerPort)
	if err != nil {
		return nil, failure(CategoryBringUp, "connect to rtt server", err)
	}
	return trace, nil
}
